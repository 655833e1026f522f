package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute/cache"
	"github.com/pulseroute/pulseroute/config"
	"github.com/pulseroute/pulseroute/cost"
	"github.com/pulseroute/pulseroute/failover"
	"github.com/pulseroute/pulseroute/health"
	"github.com/pulseroute/pulseroute/monitoring"
	"github.com/pulseroute/pulseroute/perf"
	"github.com/pulseroute/pulseroute/provider"
	"github.com/pulseroute/pulseroute/provider/openaicompat"
	"github.com/pulseroute/pulseroute/quality"
	"github.com/pulseroute/pulseroute/rate"
	"github.com/pulseroute/pulseroute/registry"
	"github.com/pulseroute/pulseroute/selector"
	"github.com/pulseroute/pulseroute/server"
	"github.com/pulseroute/pulseroute/state"
	"github.com/pulseroute/pulseroute/store"
)

const performanceRetention = 30 * 24 * time.Hour

const (
	degradationInterval  = 15 * time.Minute
	degradationThreshold = 0.8
	degradationWindow    = time.Hour
	degradationBaseline  = 24 * time.Hour
)

// runRetentionSweep prunes old performance records once a day.
func runRetentionSweep(ctx context.Context, ledger *perf.Ledger, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := ledger.CleanupOldRecords(ctx, performanceRetention)
			if err != nil {
				logger.Warnw("Performance retention sweep failed", "error", err)
				continue
			}
			logger.Infow("Performance retention sweep finished", "pruned", pruned)
		}
	}
}

// runDegradationScan periodically compares each registered model's recent
// window against its own baseline. The ledger emits an alert for every
// slump it finds.
func runDegradationScan(ctx context.Context, ledger *perf.Ledger, reg *registry.Registry, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(degradationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			models := reg.Snapshot().Models()
			ids := make([]string, 0, len(models))
			for _, model := range models {
				ids = append(ids, model.ID)
			}
			degraded := ledger.ScanForDegradation(ctx, ids,
				degradationThreshold, degradationWindow, degradationBaseline)
			if len(degraded) > 0 {
				logger.Warnw("Degradation scan found slumping models", "count", len(degraded))
			}
		}
	}
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared state backend: Valkey when an endpoint is configured, otherwise
	// the in-process memory backend.
	var stateManager state.Manager
	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyEndpoint},
		})
		if err != nil {
			sugar.Fatalw("Failed to create Valkey client", "endpoint", cfg.ValkeyEndpoint, "error", err)
		}
		defer valkeyClient.Close()
		stateManager = state.NewValkeyManager(valkeyClient)
		sugar.Infow("Using Valkey state backend", "endpoint", cfg.ValkeyEndpoint)
	} else {
		memory, stopSweep := state.NewMemoryManager(cfg.Cache.MaxSizeBytes)
		defer stopSweep()
		stateManager = memory
		sugar.Infow("Using in-process state backend")
	}

	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		sugar.Fatalw("Failed to open database", "path", cfg.DatabasePath, "error", err)
	}
	defer db.Close()

	reg := registry.FromConfig(cfg, *configPath, sugar)
	stopWatch, err := reg.Watch(ctx)
	if err != nil {
		sugar.Warnw("Config watching disabled", "error", err)
	} else {
		defer stopWatch()
	}

	adapters := make([]provider.Invoker, 0, len(cfg.Providers))
	keyVars := make(map[string]string, len(cfg.Providers))
	for name, providerCfg := range cfg.Providers {
		keyVars[name] = providerCfg.ApiKeyEnv
	}
	credentials := provider.NewEnvCredentials(keyVars)
	for name, providerCfg := range cfg.Providers {
		adapter, err := openaicompat.New(name, providerCfg.BaseURL, credentials)
		if err != nil {
			sugar.Fatalw("Failed to create provider adapter", "provider", name, "error", err)
		}
		adapters = append(adapters, adapter)
	}
	providers := provider.NewTable(cfg.MaxConcurrentRequestsPerProvider, adapters...)
	defer providers.Shutdown()

	prometheusMonitor := monitoring.NewPrometheusMonitor()
	monitor := monitoring.NewManager(prometheusMonitor, sugar)

	healthMonitor := health.NewMonitor(reg, providers, cfg.HealthCheck, sugar)
	stopHealth := healthMonitor.Start(ctx)
	defer stopHealth()

	rateTracker := rate.NewTracker(reg, cfg.RateLimit)
	perfLedger := perf.NewLedger(db, monitor, sugar)
	go runRetentionSweep(ctx, perfLedger, sugar)
	go runDegradationScan(ctx, perfLedger, reg, sugar)
	costLedger := cost.NewLedger(db, cfg.Budget, monitor, sugar)
	qualityEvaluator := quality.NewEvaluator(cfg.Quality, sugar)
	eventLog := failover.NewEventLog(db)
	modelSelector := selector.New(reg, healthMonitor, rateTracker, perfLedger, sugar)

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		responseCache = cache.New(stateManager, cfg.Cache.DefaultTTL.Std(), sugar)
	}

	coordinator := failover.NewCoordinator(failover.Deps{
		Selector:  modelSelector,
		Health:    healthMonitor,
		Rate:      rateTracker,
		Cache:     responseCache,
		Quality:   qualityEvaluator,
		Costs:     costLedger,
		Perf:      perfLedger,
		Events:    eventLog,
		Monitor:   monitor,
		Invoke:    providers.InvokeFunc(),
		Cooldowns: stateManager,
	}, cfg.Failover, sugar)

	api := server.New(server.Deps{
		Coordinator: coordinator,
		Registry:    reg,
		Health:      healthMonitor,
		Rate:        rateTracker,
		Cache:       responseCache,
		Costs:       costLedger,
		Perf:        perfLedger,
		Quality:     qualityEvaluator,
		Events:      eventLog,
		Alerts:      monitor,
		Metrics:     prometheusMonitor.Handler(),
	}, sugar)

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: api.Handler(),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address, "models", len(reg.Snapshot().Models()))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}

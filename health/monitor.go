// Package health probes registered models in the background and keeps a
// per-model availability verdict the selector reads on its hot path.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/config"
	"github.com/pulseroute/pulseroute/provider"
	"github.com/pulseroute/pulseroute/registry"
)

// modelHealth guards one model's record with its own lock so a slow probe
// of one model never blocks reads or probes of another.
type modelHealth struct {
	mu     sync.Mutex
	status pulseroute.HealthStatus
}

// Monitor runs periodic probes against every enabled model and exposes the
// latest verdict. A model starts unknown, turns available after a single
// successful probe, turns unavailable after failureThreshold consecutive
// failures, and recovers on the next success.
type Monitor struct {
	registry  *registry.Registry
	providers *provider.Table

	interval         time.Duration
	probeTimeout     time.Duration
	failureThreshold int

	mu     sync.RWMutex
	models map[string]*modelHealth

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewMonitor(
	reg *registry.Registry,
	providers *provider.Table,
	cfg config.HealthCheckConfig,
	logger *zap.SugaredLogger,
) *Monitor {
	return newMonitorWithClock(reg, providers, cfg, logger, clock.New())
}

func newMonitorWithClock(
	reg *registry.Registry,
	providers *provider.Table,
	cfg config.HealthCheckConfig,
	logger *zap.SugaredLogger,
	clk clock.Clock,
) *Monitor {
	return &Monitor{
		registry:         reg,
		providers:        providers,
		interval:         cfg.Interval.Std(),
		probeTimeout:     cfg.Timeout.Std(),
		failureThreshold: cfg.FailureThreshold,
		models:           make(map[string]*modelHealth),
		clock:            clk,
		logger:           logger,
	}
}

// Start launches the probe loop. It probes every enabled model once
// immediately, then on each interval tick until ctx is cancelled or the
// returned stop function is called.
func (m *Monitor) Start(ctx context.Context) func() {
	ticker := m.clock.Ticker(m.interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		m.probeAll(ctx)
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func (m *Monitor) probeAll(ctx context.Context) {
	snapshot := m.registry.Snapshot()
	models := snapshot.EnabledModels()

	var wg sync.WaitGroup
	for _, model := range models {
		wg.Add(1)
		go func(model *pulseroute.ModelMetadata) {
			defer wg.Done()
			m.probe(ctx, model)
		}(model)
	}
	wg.Wait()
}

// CheckNow probes a single model immediately, outside the periodic
// schedule. The failover coordinator calls this after a request failure so
// the verdict reflects the failure without waiting for the next tick.
func (m *Monitor) CheckNow(ctx context.Context, modelID string) pulseroute.HealthStatus {
	model := m.registry.Snapshot().Model(modelID)
	if model == nil {
		return pulseroute.HealthStatus{ModelID: modelID, State: pulseroute.HealthUnknown}
	}
	return m.probe(ctx, model)
}

func (m *Monitor) probe(ctx context.Context, model *pulseroute.ModelMetadata) pulseroute.HealthStatus {
	record := m.record(model.ID)

	record.mu.Lock()
	defer record.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	latency, err := m.ping(probeCtx, model)
	now := m.clock.Now()

	record.status.LastChecked = now
	if err != nil {
		record.status.ConsecutiveFailures++
		record.status.LastError = err.Error()
		if record.status.ConsecutiveFailures >= m.failureThreshold &&
			record.status.State != pulseroute.HealthUnavailable {
			m.logger.Warnw("Model became unavailable",
				"model", model.ID,
				"consecutiveFailures", record.status.ConsecutiveFailures,
				"error", err)
			record.status.State = pulseroute.HealthUnavailable
		}
		return record.status
	}

	if record.status.State != pulseroute.HealthAvailable {
		m.logger.Infow("Model became available", "model", model.ID, "latency", latency)
	}
	record.status.State = pulseroute.HealthAvailable
	record.status.ConsecutiveFailures = 0
	record.status.LastError = ""
	record.status.LastResponseTime = latency
	return record.status
}

func (m *Monitor) ping(ctx context.Context, model *pulseroute.ModelMetadata) (time.Duration, error) {
	invoker, err := m.providers.For(model.Provider)
	if err != nil {
		return 0, err
	}
	return invoker.Ping(ctx, model)
}

// IsAvailable reports whether the model's last verdict allows selection.
// Models never probed are unknown, and unknown is not available.
func (m *Monitor) IsAvailable(modelID string) bool {
	return m.Status(modelID).Available()
}

// Status returns the current record for one model.
func (m *Monitor) Status(modelID string) pulseroute.HealthStatus {
	m.mu.RLock()
	record, exists := m.models[modelID]
	m.mu.RUnlock()
	if !exists {
		return pulseroute.HealthStatus{ModelID: modelID, State: pulseroute.HealthUnknown}
	}

	record.mu.Lock()
	defer record.mu.Unlock()
	return record.status
}

// Statuses returns the records for all models probed so far.
func (m *Monitor) Statuses() []pulseroute.HealthStatus {
	m.mu.RLock()
	records := make([]*modelHealth, 0, len(m.models))
	for _, record := range m.models {
		records = append(records, record)
	}
	m.mu.RUnlock()

	statuses := make([]pulseroute.HealthStatus, 0, len(records))
	for _, record := range records {
		record.mu.Lock()
		statuses = append(statuses, record.status)
		record.mu.Unlock()
	}
	return statuses
}

func (m *Monitor) record(modelID string) *modelHealth {
	m.mu.RLock()
	record, exists := m.models[modelID]
	m.mu.RUnlock()
	if exists {
		return record
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if record, exists = m.models[modelID]; exists {
		return record
	}
	record = &modelHealth{
		status: pulseroute.HealthStatus{
			ModelID: modelID,
			State:   pulseroute.HealthUnknown,
		},
	}
	m.models[modelID] = record
	return record
}

// Package server exposes the routing engine over HTTP: a completion endpoint
// that drives the full selection/failover pipeline, plus read-only endpoints
// for model inventory, budget state, operational stats, and metrics scraping.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/cache"
	"github.com/pulseroute/pulseroute/cost"
	"github.com/pulseroute/pulseroute/failover"
	"github.com/pulseroute/pulseroute/health"
	"github.com/pulseroute/pulseroute/monitoring"
	"github.com/pulseroute/pulseroute/perf"
	"github.com/pulseroute/pulseroute/quality"
	"github.com/pulseroute/pulseroute/rate"
	"github.com/pulseroute/pulseroute/registry"
)

// Window applied to the performance figures reported by the per-model and
// stats endpoints.
const reportingWindow = 24 * time.Hour

// Deps collects the engine components the server reads from. Coordinator and
// Registry are required; the rest may be nil and their endpoints degrade to
// empty sections.
type Deps struct {
	Coordinator *failover.Coordinator
	Registry    *registry.Registry
	Health      *health.Monitor
	Rate        *rate.Tracker
	Cache       *cache.Cache
	Costs       *cost.Ledger
	Perf        *perf.Ledger
	Quality     *quality.Evaluator
	Events      *failover.EventLog
	Alerts      *monitoring.Manager
	Metrics     http.Handler
}

type Server struct {
	deps   Deps
	logger *zap.SugaredLogger
}

func New(deps Deps, logger *zap.SugaredLogger) *Server {
	return &Server{deps: deps, logger: logger}
}

// Handler builds the routing table and wraps it with permissive CORS.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/v1/completions", s.handleCompletions).Methods(http.MethodPost)
	router.HandleFunc("/v1/models", s.handleModels).Methods(http.MethodGet)
	router.HandleFunc("/v1/models/{id:.+}", s.handleModel).Methods(http.MethodGet)
	router.HandleFunc("/v1/budget", s.handleBudget).Methods(http.MethodGet)
	router.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})
	return corsMiddleware.Handler(router)
}

// completionRequest is the completion endpoint's payload: the task request
// itself plus optional selection constraints.
type completionRequest struct {
	pulseroute.ModelRequest
	Constraints *pulseroute.SelectionConstraints `json:"constraints,omitempty"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var payload completionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if payload.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("prompt must not be empty"))
		return
	}
	if payload.TaskID == "" {
		payload.TaskID = uuid.NewString()
	}

	response, err := s.deps.Coordinator.Execute(r.Context(), &payload.ModelRequest, payload.Constraints)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Registry.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"generation": snapshot.Generation(),
		"models":     snapshot.Models(),
	})
}

// handleModel returns one model's metadata together with its live health,
// rate-limit, recent-performance, and quality views.
func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	model := s.deps.Registry.Snapshot().Model(modelID)
	if model == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown model %q", modelID))
		return
	}

	detail := map[string]any{"model": model}
	if s.deps.Health != nil {
		detail["health"] = s.deps.Health.Status(modelID)
	}
	if s.deps.Rate != nil {
		detail["rate_limit"] = s.deps.Rate.CheckRateLimit(modelID, 0)
	}
	if s.deps.Perf != nil {
		metrics, err := s.deps.Perf.Performance(r.Context(), modelID, reportingWindow)
		if err != nil {
			s.logger.Warnw("Failed to load performance metrics", "model", modelID, "error", err)
		} else {
			detail["performance"] = metrics
		}
	}
	if s.deps.Quality != nil {
		view := map[string]any{
			"switch_recommended": s.deps.Quality.ShouldSwitchModel(modelID),
		}
		if average, ok := s.deps.Quality.RollingAverage(modelID); ok {
			view["rolling_average"] = average
		}
		detail["quality"] = view
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.deps.Costs == nil {
		s.writeError(w, http.StatusNotFound, errors.New("cost tracking is not configured"))
		return
	}
	status, err := s.deps.Costs.CheckBudget(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if s.deps.Cache != nil {
		cacheStats := s.deps.Cache.Stats()
		stats["cache"] = map[string]any{
			"hits":     cacheStats.Hits,
			"misses":   cacheStats.Misses,
			"stores":   cacheStats.Stores,
			"errors":   cacheStats.Errors,
			"hit_rate": cacheStats.HitRate(),
		}
	}
	if s.deps.Health != nil {
		stats["health"] = s.deps.Health.Statuses()
	}
	if s.deps.Alerts != nil {
		stats["recent_alerts"] = s.deps.Alerts.RecentAlerts()
	}
	if s.deps.Events != nil {
		events, err := s.deps.Events.RecentFailovers(r.Context(), time.Now().Add(-reportingWindow))
		if err != nil {
			s.logger.Warnw("Failed to load recent failovers", "error", err)
		} else {
			stats["recent_failovers"] = events
		}
	}
	if s.deps.Costs != nil {
		since := time.Now().Add(-reportingWindow)
		byModel, err := s.deps.Costs.CostByModel(r.Context(), since)
		if err != nil {
			s.logger.Warnw("Failed to load cost breakdown", "error", err)
		} else {
			stats["cost_by_model"] = byModel
		}

		providers := make(map[string]string)
		for _, model := range s.deps.Registry.Snapshot().Models() {
			providers[model.ID] = model.Provider
		}
		byProvider, err := s.deps.Costs.CostByProvider(r.Context(), since, providers)
		if err != nil {
			s.logger.Warnw("Failed to load provider cost breakdown", "error", err)
		} else {
			stats["cost_by_provider"] = byProvider
		}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps the engine's typed failures onto HTTP statuses. Plain
// errors fall through to 500.
func statusForError(err error) int {
	var (
		noModel     *pulseroute.NoAvailableModelError
		exhausted   *pulseroute.FailoverExhaustedError
		rateLimited *pulseroute.RateLimitError
		unavailable *pulseroute.ModelUnavailableError
		permanent   *pulseroute.PermanentError
		overBudget  *pulseroute.BudgetExceededError
		configErr   *pulseroute.ConfigurationError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &noModel), errors.As(err, &exhausted), errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &overBudget):
		return http.StatusPaymentRequired
	case errors.As(err, &permanent):
		return http.StatusBadRequest
	case errors.As(err, &configErr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`

	// Attempted models and per-model failure reasons, present only for
	// exhausted failovers.
	Attempts []pulseroute.AttemptFailure `json:"attempts,omitempty"`

	// True when the same request is likely to succeed if retried later.
	Retryable bool `json:"retryable"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	detail := errorDetail{
		Message:   err.Error(),
		Retryable: status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests || status == http.StatusGatewayTimeout,
	}
	var exhausted *pulseroute.FailoverExhaustedError
	if errors.As(err, &exhausted) {
		detail.Attempts = exhausted.Attempts
		detail.Retryable = exhausted.Retryable()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, errorBody{Error: detail})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warnw("Failed to encode response", "error", err)
	}
}

// Package monitoring is the observability sink: request telemetry flows
// into Prometheus metrics, and the routing components emit structured alert
// events here. The engine only emits; rendering and notification belong to
// whatever scrapes the endpoint.
package monitoring

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertType classifies an alert event.
type AlertType string

const (
	AlertExcessiveFailovers      AlertType = "excessive_failovers"
	AlertBudgetThresholdCrossed  AlertType = "budget_threshold_crossed"
	AlertBudgetExceeded          AlertType = "budget_exceeded"
	AlertPerformanceDegradation  AlertType = "performance_degradation"
	AlertModelQualityDegradation AlertType = "model_quality_degradation"
)

// Alert is one emitted alert event.
type Alert struct {
	Type      AlertType         `json:"type"`
	Message   string            `json:"message"`
	ModelID   string            `json:"model_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// RequestTelemetry captures the outcome of one routed request.
type RequestTelemetry struct {
	Provider     string
	Model        string
	AgentType    string
	Success      bool
	Failovers    int
	Duration     time.Duration
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	CacheHit     bool
	ErrorType    string
}

// Monitor receives telemetry and alerts. Implementations must not block:
// emitters call from request hot paths and probe loops.
type Monitor interface {
	RecordRequest(telemetry RequestTelemetry)
	RecordSelection(modelID string, reason string)
	EmitAlert(alert Alert)
}

// NopMonitor discards everything. Useful in tests.
type NopMonitor struct{}

func (NopMonitor) RecordRequest(RequestTelemetry) {}
func (NopMonitor) RecordSelection(string, string) {}
func (NopMonitor) EmitAlert(Alert)                {}

// Manager fans telemetry out to the Prometheus backend and keeps a bounded
// in-memory tail of recent alerts for the stats endpoint.
type Manager struct {
	prometheus *PrometheusMonitor
	logger     *zap.SugaredLogger

	mu           sync.Mutex
	recentAlerts []Alert
}

const recentAlertLimit = 100

func NewManager(prometheus *PrometheusMonitor, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		prometheus: prometheus,
		logger:     logger,
	}
}

func (m *Manager) RecordRequest(telemetry RequestTelemetry) {
	m.prometheus.recordRequest(telemetry)
}

func (m *Manager) RecordSelection(modelID string, reason string) {
	m.prometheus.recordSelection(modelID, reason)
}

func (m *Manager) EmitAlert(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	m.logger.Warnw("Alert emitted",
		"type", alert.Type,
		"model", alert.ModelID,
		"message", alert.Message)
	m.prometheus.recordAlert(alert)

	m.mu.Lock()
	m.recentAlerts = append(m.recentAlerts, alert)
	if len(m.recentAlerts) > recentAlertLimit {
		m.recentAlerts = m.recentAlerts[len(m.recentAlerts)-recentAlertLimit:]
	}
	m.mu.Unlock()
}

// RecentAlerts returns the tail of emitted alerts, oldest first.
func (m *Manager) RecentAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.recentAlerts))
	copy(out, m.recentAlerts)
	return out
}

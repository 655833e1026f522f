// Package perf is the append-only performance event log. Aggregates such
// as success rates and latency percentiles are computed from raw events at
// query time; the log itself is the only source of truth.
package perf

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/monitoring"
)

// Degradation describes a model performing worse than its own recent
// history.
type Degradation struct {
	ModelID string `json:"model_id"`

	// Which aggregate slipped, "success_rate" or "latency".
	Metric string `json:"metric"`

	// Current-window value over baseline value. Under the detection
	// threshold means degraded.
	Ratio float64 `json:"ratio"`

	CurrentValue  float64 `json:"current_value"`
	BaselineValue float64 `json:"baseline_value"`

	DetectedAt time.Time `json:"detected_at"`
}

// AgentTypePerformance aggregates one agent type's outcomes across models.
type AgentTypePerformance struct {
	AgentType      string        `json:"agent_type"`
	TotalRequests  int64         `json:"total_requests"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	AverageQuality float64       `json:"average_quality"`
}

// Ledger records request outcomes in SQLite and derives windowed metrics.
type Ledger struct {
	db      *sql.DB
	monitor monitoring.Monitor
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

func NewLedger(db *sql.DB, monitor monitoring.Monitor, logger *zap.SugaredLogger) *Ledger {
	return newLedgerWithClock(db, monitor, logger, clock.New())
}

func newLedgerWithClock(db *sql.DB, monitor monitoring.Monitor, logger *zap.SugaredLogger, clk clock.Clock) *Ledger {
	return &Ledger{db: db, monitor: monitor, clock: clk, logger: logger}
}

// Record appends one request outcome. qualityScore may be negative to mean
// "not evaluated"; it is stored as NULL and excluded from quality averages.
func (l *Ledger) Record(ctx context.Context, modelID string, agentType string, latency time.Duration, success bool, qualityScore float64, taskID string) error {
	var quality any
	if qualityScore >= 0 {
		quality = qualityScore
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO performance_records
			(timestamp, model_id, agent_type, task_id, latency_ms, success, quality_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.clock.Now().UTC(), modelID, agentType, taskID,
		float64(latency)/float64(time.Millisecond), success, quality)
	if err != nil {
		return fmt.Errorf("failed to record performance event: %v", err)
	}
	return nil
}

// Performance computes one model's aggregates over the trailing window.
func (l *Ledger) Performance(ctx context.Context, modelID string, window time.Duration) (pulseroute.PerformanceMetrics, error) {
	now := l.clock.Now().UTC()
	return l.performanceBetween(ctx, modelID, now.Add(-window), now)
}

func (l *Ledger) performanceBetween(ctx context.Context, modelID string, from time.Time, to time.Time) (pulseroute.PerformanceMetrics, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT latency_ms, success, quality_score
		FROM performance_records
		WHERE model_id = ? AND timestamp > ? AND timestamp <= ?`,
		modelID, from, to)
	if err != nil {
		return pulseroute.PerformanceMetrics{}, fmt.Errorf("failed to query performance records: %v", err)
	}
	defer rows.Close()

	metrics := pulseroute.PerformanceMetrics{ModelID: modelID}
	var latencies []float64
	var qualitySum float64
	var qualityCount int64

	for rows.Next() {
		var latencyMs float64
		var success bool
		var quality sql.NullFloat64
		if err := rows.Scan(&latencyMs, &success, &quality); err != nil {
			return pulseroute.PerformanceMetrics{}, err
		}

		metrics.TotalRequests++
		if success {
			metrics.SuccessfulRequests++
		} else {
			metrics.FailedRequests++
		}
		latencies = append(latencies, latencyMs)
		if quality.Valid {
			qualitySum += quality.Float64
			qualityCount++
		}
	}
	if err := rows.Err(); err != nil {
		return pulseroute.PerformanceMetrics{}, err
	}

	if metrics.TotalRequests > 0 {
		metrics.SuccessRate = float64(metrics.SuccessfulRequests) / float64(metrics.TotalRequests)
	}
	if qualityCount > 0 {
		metrics.AverageQuality = qualitySum / float64(qualityCount)
	}

	sort.Float64s(latencies)
	metrics.LatencyP50 = millisToDuration(percentile(latencies, 50))
	metrics.LatencyP95 = millisToDuration(percentile(latencies, 95))
	metrics.LatencyP99 = millisToDuration(percentile(latencies, 99))
	return metrics, nil
}

// DetectDegradation compares the model's current window against the
// baseline window preceding it. Nil means no degradation. A model needs
// traffic in both windows to be judged.
func (l *Ledger) DetectDegradation(ctx context.Context, modelID string, threshold float64, window time.Duration, baselineWindow time.Duration) (*Degradation, error) {
	now := l.clock.Now().UTC()

	current, err := l.performanceBetween(ctx, modelID, now.Add(-window), now)
	if err != nil {
		return nil, err
	}
	baseline, err := l.performanceBetween(ctx, modelID, now.Add(-window-baselineWindow), now.Add(-window))
	if err != nil {
		return nil, err
	}
	if current.TotalRequests == 0 || baseline.TotalRequests == 0 {
		return nil, nil
	}

	if baseline.SuccessRate > 0 {
		ratio := current.SuccessRate / baseline.SuccessRate
		if ratio < threshold {
			return l.degraded(modelID, "success_rate", ratio,
				current.SuccessRate, baseline.SuccessRate, now), nil
		}
	}

	// Latency degrades upward, so the ratio inverts: a current p95 slower
	// than baseline p95 pushes the ratio under 1.
	if current.LatencyP95 > 0 && baseline.LatencyP95 > 0 {
		ratio := float64(baseline.LatencyP95) / float64(current.LatencyP95)
		if ratio < threshold {
			return l.degraded(modelID, "latency", ratio,
				float64(current.LatencyP95)/float64(time.Millisecond),
				float64(baseline.LatencyP95)/float64(time.Millisecond), now), nil
		}
	}
	return nil, nil
}

func (l *Ledger) degraded(modelID string, metric string, ratio float64, current float64, baseline float64, now time.Time) *Degradation {
	degradation := &Degradation{
		ModelID:       modelID,
		Metric:        metric,
		Ratio:         ratio,
		CurrentValue:  current,
		BaselineValue: baseline,
		DetectedAt:    now,
	}

	l.logger.Warnw("Performance degradation detected",
		"model", modelID, "metric", metric, "ratio", ratio)
	l.monitor.EmitAlert(monitoring.Alert{
		Type:    monitoring.AlertPerformanceDegradation,
		ModelID: modelID,
		Message: fmt.Sprintf("%s at %.2fx of baseline", metric, ratio),
		Details: map[string]string{
			"metric": metric,
			"ratio":  fmt.Sprintf("%.3f", ratio),
		},
		Timestamp: now,
	})
	return degradation
}

// ScanForDegradation runs DetectDegradation over the given models and
// returns every degradation found. A failed check on one model is logged
// and skipped so it cannot mask the rest.
func (l *Ledger) ScanForDegradation(ctx context.Context, modelIDs []string, threshold float64, window time.Duration, baselineWindow time.Duration) []*Degradation {
	var out []*Degradation
	for _, modelID := range modelIDs {
		degradation, err := l.DetectDegradation(ctx, modelID, threshold, window, baselineWindow)
		if err != nil {
			l.logger.Warnw("Degradation check failed", "model", modelID, "error", err)
			continue
		}
		if degradation != nil {
			out = append(out, degradation)
		}
	}
	return out
}

// PerformanceByAgentType aggregates outcomes per agent type over the
// window, busiest first.
func (l *Ledger) PerformanceByAgentType(ctx context.Context, window time.Duration) ([]AgentTypePerformance, error) {
	now := l.clock.Now().UTC()
	rows, err := l.db.QueryContext(ctx, `
		SELECT agent_type,
			COUNT(*),
			AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END),
			AVG(latency_ms),
			COALESCE(AVG(quality_score), 0.0)
		FROM performance_records
		WHERE timestamp >= ?
		GROUP BY agent_type
		ORDER BY COUNT(*) DESC`,
		now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to query performance by agent type: %v", err)
	}
	defer rows.Close()

	var out []AgentTypePerformance
	for rows.Next() {
		var entry AgentTypePerformance
		var averageLatencyMs float64
		if err := rows.Scan(&entry.AgentType, &entry.TotalRequests,
			&entry.SuccessRate, &averageLatencyMs, &entry.AverageQuality); err != nil {
			return nil, err
		}
		entry.AverageLatency = millisToDuration(averageLatencyMs)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CleanupOldRecords deletes events older than the retention period and
// reports how many were removed.
func (l *Ledger) CleanupOldRecords(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.clock.Now().UTC().Add(-retention)
	result, err := l.db.ExecContext(ctx,
		`DELETE FROM performance_records WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up performance records: %v", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		l.logger.Infow("Cleaned up performance records",
			"removed", removed, "olderThan", cutoff)
	}
	return removed, nil
}

// percentile interpolates linearly over ascending values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	index := p / 100 * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func millisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Package cost records billed spend per response and enforces the daily
// budget as a warning state: crossing the alert threshold emits an alert,
// exceeding the budget flips a flag the caller may act on, neither blocks
// a call.
package cost

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/config"
	"github.com/pulseroute/pulseroute/monitoring"
)

// ModelCost is one model's aggregated spend.
type ModelCost struct {
	ModelID   string  `json:"model_id"`
	TotalCost float64 `json:"total_cost"`
	Requests  int64   `json:"requests"`
}

// AgentTypeCost is one agent type's aggregated spend.
type AgentTypeCost struct {
	AgentType string  `json:"agent_type"`
	TotalCost float64 `json:"total_cost"`
	Requests  int64   `json:"requests"`
}

// ProviderCost is one provider's aggregated spend.
type ProviderCost struct {
	Provider  string  `json:"provider"`
	TotalCost float64 `json:"total_cost"`
	Requests  int64   `json:"requests"`
}

// TaskCost is one task's aggregated spend.
type TaskCost struct {
	TaskID    string  `json:"task_id"`
	TotalCost float64 `json:"total_cost"`
	Requests  int64   `json:"requests"`
}

// Ledger persists cost records and answers budget queries. Records append
// to SQLite; the daily window is derived from timestamps at query time, so
// there is no reset job to miss.
type Ledger struct {
	db *sql.DB

	dailyBudget    float64
	alertThreshold float64

	alertMu    sync.Mutex
	alertedDay time.Time

	monitor monitoring.Monitor
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

func NewLedger(db *sql.DB, cfg config.BudgetConfig, monitor monitoring.Monitor, logger *zap.SugaredLogger) *Ledger {
	return newLedgerWithClock(db, cfg, monitor, logger, clock.New())
}

func newLedgerWithClock(db *sql.DB, cfg config.BudgetConfig, monitor monitoring.Monitor, logger *zap.SugaredLogger, clk clock.Clock) *Ledger {
	return &Ledger{
		db:             db,
		dailyBudget:    cfg.DailyLimit,
		alertThreshold: cfg.AlertThresholdPercent,
		monitor:        monitor,
		clock:          clk,
		logger:         logger,
	}
}

// RecordCost appends one billed response to the ledger. Identical calls
// append identical rows; the ledger never deduplicates.
func (l *Ledger) RecordCost(ctx context.Context, modelID string, agentType string, inputTokens int, outputTokens int, cost float64, taskID string) error {
	now := l.clock.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cost_records
			(timestamp, model_id, agent_type, task_id, input_tokens, output_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now, modelID, agentType, taskID, inputTokens, outputTokens, cost)
	if err != nil {
		return fmt.Errorf("failed to record cost: %v", err)
	}

	status, err := l.CheckBudget(ctx)
	if err != nil {
		l.logger.Warnw("Budget check failed after recording cost", "error", err)
		return nil
	}
	l.maybeAlert(status)
	return nil
}

// CheckBudget reports spend against the daily budget. The day boundary is
// UTC midnight.
func (l *Ledger) CheckBudget(ctx context.Context) (pulseroute.BudgetStatus, error) {
	spend, err := l.spendSince(ctx, l.dayStart())
	if err != nil {
		return pulseroute.BudgetStatus{}, err
	}

	status := pulseroute.BudgetStatus{
		DailyBudget:     l.dailyBudget,
		CurrentSpend:    spend,
		RemainingBudget: l.dailyBudget - spend,
		IsOverBudget:    spend > l.dailyBudget,
	}
	if l.dailyBudget > 0 {
		status.UtilizationPercent = spend / l.dailyBudget * 100
	}
	return status, nil
}

// DailyCost returns total spend for the UTC day containing t.
func (l *Ledger) DailyCost(ctx context.Context, t time.Time) (float64, error) {
	dayStart := t.UTC().Truncate(24 * time.Hour)
	var total float64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost), 0.0)
		FROM cost_records
		WHERE timestamp >= ? AND timestamp < ?`,
		dayStart, dayStart.Add(24*time.Hour)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query daily cost: %v", err)
	}
	return total, nil
}

// CostByModel aggregates spend per model since the given time, most
// expensive first.
func (l *Ledger) CostByModel(ctx context.Context, since time.Time) ([]ModelCost, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT model_id, SUM(cost), COUNT(*)
		FROM cost_records
		WHERE timestamp >= ?
		GROUP BY model_id
		ORDER BY SUM(cost) DESC`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query cost by model: %v", err)
	}
	defer rows.Close()

	var out []ModelCost
	for rows.Next() {
		var entry ModelCost
		if err := rows.Scan(&entry.ModelID, &entry.TotalCost, &entry.Requests); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CostByAgentType aggregates spend per agent type since the given time,
// most expensive first.
func (l *Ledger) CostByAgentType(ctx context.Context, since time.Time) ([]AgentTypeCost, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT agent_type, SUM(cost), COUNT(*)
		FROM cost_records
		WHERE timestamp >= ?
		GROUP BY agent_type
		ORDER BY SUM(cost) DESC`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query cost by agent type: %v", err)
	}
	defer rows.Close()

	var out []AgentTypeCost
	for rows.Next() {
		var entry AgentTypeCost
		if err := rows.Scan(&entry.AgentType, &entry.TotalCost, &entry.Requests); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CostByProvider aggregates spend per provider since the given time, most
// expensive first. The ledger stores model IDs only; providers maps model
// ID to provider, and models missing from it group under "unknown" (they
// may have been removed from the registry since the spend was recorded).
func (l *Ledger) CostByProvider(ctx context.Context, since time.Time, providers map[string]string) ([]ProviderCost, error) {
	byModel, err := l.CostByModel(ctx, since)
	if err != nil {
		return nil, err
	}

	folded := make(map[string]*ProviderCost)
	for _, entry := range byModel {
		name, ok := providers[entry.ModelID]
		if !ok {
			name = "unknown"
		}
		agg := folded[name]
		if agg == nil {
			agg = &ProviderCost{Provider: name}
			folded[name] = agg
		}
		agg.TotalCost += entry.TotalCost
		agg.Requests += entry.Requests
	}

	out := make([]ProviderCost, 0, len(folded))
	for _, agg := range folded {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost > out[j].TotalCost
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

// TopExpensiveTasks returns the n most expensive tasks since the given
// time.
func (l *Ledger) TopExpensiveTasks(ctx context.Context, since time.Time, n int) ([]TaskCost, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, SUM(cost), COUNT(*)
		FROM cost_records
		WHERE timestamp >= ? AND task_id != ''
		GROUP BY task_id
		ORDER BY SUM(cost) DESC
		LIMIT ?`,
		since.UTC(), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query top tasks: %v", err)
	}
	defer rows.Close()

	var out []TaskCost
	for rows.Next() {
		var entry TaskCost
		if err := rows.Scan(&entry.TaskID, &entry.TotalCost, &entry.Requests); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (l *Ledger) spendSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost), 0.0)
		FROM cost_records
		WHERE timestamp >= ?`,
		since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query spend: %v", err)
	}
	return total, nil
}

func (l *Ledger) dayStart() time.Time {
	return l.clock.Now().UTC().Truncate(24 * time.Hour)
}

// maybeAlert emits at most one threshold alert per UTC day.
func (l *Ledger) maybeAlert(status pulseroute.BudgetStatus) {
	if status.UtilizationPercent < l.alertThreshold {
		return
	}

	day := l.dayStart()
	l.alertMu.Lock()
	if l.alertedDay.Equal(day) {
		l.alertMu.Unlock()
		return
	}
	l.alertedDay = day
	l.alertMu.Unlock()

	alertType := monitoring.AlertBudgetThresholdCrossed
	if status.IsOverBudget {
		alertType = monitoring.AlertBudgetExceeded
	}
	l.monitor.EmitAlert(monitoring.Alert{
		Type: alertType,
		Message: fmt.Sprintf("daily budget at %.1f%% ($%.2f of $%.2f)",
			status.UtilizationPercent, status.CurrentSpend, status.DailyBudget),
		Timestamp: l.clock.Now(),
	})
}

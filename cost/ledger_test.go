package cost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute/config"
	"github.com/pulseroute/pulseroute/monitoring"
	"github.com/pulseroute/pulseroute/store"
)

type recordingMonitor struct {
	monitoring.NopMonitor

	mu     sync.Mutex
	alerts []monitoring.Alert
}

func (r *recordingMonitor) EmitAlert(alert monitoring.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingMonitor) Alerts() []monitoring.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]monitoring.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func newTestLedger(t *testing.T, dailyLimit float64) (*Ledger, *recordingMonitor, *clock.Mock) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	monitor := &recordingMonitor{}
	cfg := config.BudgetConfig{DailyLimit: dailyLimit, AlertThresholdPercent: 80}

	return newLedgerWithClock(db, cfg, monitor, zap.NewNop().Sugar(), mockClock), monitor, mockClock
}

func TestRecordCostIdempotence(t *testing.T) {
	ledger, _, _ := newTestLedger(t, 100)
	ctx := context.Background()

	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 1000, 500, 0.0125, "task-1"))
	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 1000, 500, 0.0125, "task-1"))

	status, err := ledger.CheckBudget(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.025, status.CurrentSpend, 1e-9)
	assert.InDelta(t, 99.975, status.RemainingBudget, 1e-9)
	assert.False(t, status.IsOverBudget)
}

func TestBudgetThresholdAlert(t *testing.T) {
	ledger, monitor, _ := newTestLedger(t, 100)
	ctx := context.Background()

	// 85% utilization crosses the 80% alert threshold but stays in budget.
	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 0, 0, 85, "task-1"))

	status, err := ledger.CheckBudget(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 85, status.UtilizationPercent, 1e-9)
	assert.False(t, status.IsOverBudget)

	alerts := monitor.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, monitoring.AlertBudgetThresholdCrossed, alerts[0].Type)

	// Further spend the same day does not re-alert.
	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 0, 0, 5, "task-2"))
	assert.Len(t, monitor.Alerts(), 1)
}

func TestBudgetExceeded(t *testing.T) {
	ledger, monitor, _ := newTestLedger(t, 100)
	ctx := context.Background()

	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 0, 0, 101, "task-1"))

	status, err := ledger.CheckBudget(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsOverBudget)
	assert.InDelta(t, -1, status.RemainingBudget, 1e-9)

	alerts := monitor.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, monitoring.AlertBudgetExceeded, alerts[0].Type)
}

func TestBudgetResetsAtDayBoundary(t *testing.T) {
	ledger, monitor, mockClock := newTestLedger(t, 100)
	ctx := context.Background()

	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 0, 0, 90, "task-1"))
	assert.Len(t, monitor.Alerts(), 1)

	// Cross UTC midnight.
	mockClock.Add(24 * time.Hour)

	status, err := ledger.CheckBudget(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, status.CurrentSpend, 1e-9)
	assert.False(t, status.IsOverBudget)

	// A threshold crossing on the new day alerts again.
	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 0, 0, 90, "task-2"))
	assert.Len(t, monitor.Alerts(), 2)
}

func TestDailyCost(t *testing.T) {
	ledger, _, mockClock := newTestLedger(t, 100)
	ctx := context.Background()

	firstDay := mockClock.Now()
	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 0, 0, 3, "task-1"))

	mockClock.Add(24 * time.Hour)
	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 0, 0, 7, "task-2"))

	total, err := ledger.DailyCost(ctx, firstDay)
	require.NoError(t, err)
	assert.InDelta(t, 3, total, 1e-9)

	total, err = ledger.DailyCost(ctx, mockClock.Now())
	require.NoError(t, err)
	assert.InDelta(t, 7, total, 1e-9)
}

func TestCostBreakdowns(t *testing.T) {
	ledger, _, mockClock := newTestLedger(t, 1000)
	ctx := context.Background()
	since := mockClock.Now().Add(-time.Hour)

	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 100, 50, 5, "task-a"))
	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "reviewer", 100, 50, 2, "task-b"))
	require.NoError(t, ledger.RecordCost(ctx, "claude-sonnet", "coder", 100, 50, 9, "task-a"))

	byModel, err := ledger.CostByModel(ctx, since)
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	assert.Equal(t, "claude-sonnet", byModel[0].ModelID)
	assert.InDelta(t, 9, byModel[0].TotalCost, 1e-9)
	assert.Equal(t, "gpt-4o", byModel[1].ModelID)
	assert.InDelta(t, 7, byModel[1].TotalCost, 1e-9)
	assert.Equal(t, int64(2), byModel[1].Requests)

	byAgent, err := ledger.CostByAgentType(ctx, since)
	require.NoError(t, err)
	require.Len(t, byAgent, 2)
	assert.Equal(t, "coder", byAgent[0].AgentType)
	assert.InDelta(t, 14, byAgent[0].TotalCost, 1e-9)

	topTasks, err := ledger.TopExpensiveTasks(ctx, since, 1)
	require.NoError(t, err)
	require.Len(t, topTasks, 1)
	assert.Equal(t, "task-a", topTasks[0].TaskID)
	assert.InDelta(t, 14, topTasks[0].TotalCost, 1e-9)
}

func TestCostByProvider(t *testing.T) {
	ledger, _, mockClock := newTestLedger(t, 1000)
	ctx := context.Background()
	since := mockClock.Now().Add(-time.Hour)

	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o", "coder", 100, 50, 5, "task-a"))
	require.NoError(t, ledger.RecordCost(ctx, "gpt-4o-mini", "coder", 100, 50, 1, "task-a"))
	require.NoError(t, ledger.RecordCost(ctx, "claude-sonnet", "coder", 100, 50, 9, "task-b"))
	require.NoError(t, ledger.RecordCost(ctx, "retired-model", "coder", 100, 50, 2, "task-c"))

	providers := map[string]string{
		"gpt-4o":        "openai",
		"gpt-4o-mini":   "openai",
		"claude-sonnet": "anthropic",
	}
	byProvider, err := ledger.CostByProvider(ctx, since, providers)
	require.NoError(t, err)
	require.Len(t, byProvider, 3)

	assert.Equal(t, "anthropic", byProvider[0].Provider)
	assert.InDelta(t, 9, byProvider[0].TotalCost, 1e-9)
	assert.Equal(t, "openai", byProvider[1].Provider)
	assert.InDelta(t, 6, byProvider[1].TotalCost, 1e-9)
	assert.Equal(t, int64(2), byProvider[1].Requests)
	assert.Equal(t, "unknown", byProvider[2].Provider)
	assert.InDelta(t, 2, byProvider[2].TotalCost, 1e-9)
}

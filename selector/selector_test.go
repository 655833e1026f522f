package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/config"
	"github.com/pulseroute/pulseroute/registry"
)

type stubHealth struct {
	unavailable map[string]bool
}

func (s stubHealth) IsAvailable(modelID string) bool { return !s.unavailable[modelID] }

type stubRate struct {
	limited map[string]bool
}

func (s stubRate) IsLimited(modelID string) bool { return s.limited[modelID] }

type stubPerf struct {
	metrics map[string]pulseroute.PerformanceMetrics
}

func (s stubPerf) Performance(ctx context.Context, modelID string, window time.Duration) (pulseroute.PerformanceMetrics, error) {
	return s.metrics[modelID], nil
}

type env struct {
	selector *Selector
	health   *stubHealth
	rate     *stubRate
	perf     *stubPerf
}

func newEnv(t *testing.T, models ...*pulseroute.ModelMetadata) *env {
	t.Helper()

	cfg := config.Default()
	cfg.Models = models
	reg := registry.FromConfig(cfg, "", zap.NewNop().Sugar())

	health := &stubHealth{unavailable: map[string]bool{}}
	rate := &stubRate{limited: map[string]bool{}}
	perf := &stubPerf{metrics: map[string]pulseroute.PerformanceMetrics{}}

	return &env{
		selector: New(reg, health, rate, perf, zap.NewNop().Sugar()),
		health:   health,
		rate:     rate,
		perf:     perf,
	}
}

func model(id string, avgCost float64, capabilities ...string) *pulseroute.ModelMetadata {
	return &pulseroute.ModelMetadata{
		ID:                    id,
		Provider:              "openai",
		Name:                  id,
		Capabilities:          capabilities,
		CostPer1kInputTokens:  avgCost,
		CostPer1kOutputTokens: avgCost,
		Enabled:               true,
	}
}

func TestSelectCheapestWins(t *testing.T) {
	cheap := model("gpt-4o-mini", 0.001, "text-generation")
	pricey := model("gpt-4o", 0.01, "text-generation")
	e := newEnv(t, pricey, cheap)

	selection, err := e.selector.Select(context.Background(),
		&pulseroute.ModelRequest{TaskID: "task-1"},
		&pulseroute.SelectionConstraints{RequiredCapabilities: []string{"text-generation"}})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", selection.ModelID)
	assert.Equal(t, []string{"gpt-4o"}, selection.Alternatives)
	assert.Contains(t, selection.Reason, "cheaper than gpt-4o")
	assert.Greater(t, selection.SuitabilityScore, 0.0)
	assert.LessOrEqual(t, selection.SuitabilityScore, 1.0)
}

func TestSelectNeverReturnsDisabled(t *testing.T) {
	disabled := model("gpt-4o-mini", 0.0001, "text-generation")
	disabled.Enabled = false
	enabled := model("gpt-4o", 0.01, "text-generation")
	e := newEnv(t, disabled, enabled)

	selection, err := e.selector.Select(context.Background(),
		&pulseroute.ModelRequest{TaskID: "task-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", selection.ModelID)
}

func TestSelectCapabilityFilter(t *testing.T) {
	textOnly := model("gpt-4o-mini", 0.001, "text-generation")
	coder := model("gpt-4o", 0.01, "text-generation", "code-generation")
	e := newEnv(t, textOnly, coder)

	t.Run("capable model wins despite cost", func(t *testing.T) {
		selection, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"},
			&pulseroute.SelectionConstraints{RequiredCapabilities: []string{"code-generation"}})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", selection.ModelID)
		assert.Empty(t, selection.Alternatives)
	})

	t.Run("impossible capability fails explicitly", func(t *testing.T) {
		_, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"},
			&pulseroute.SelectionConstraints{RequiredCapabilities: []string{"image-generation"}})

		var noModel *pulseroute.NoAvailableModelError
		require.ErrorAs(t, err, &noModel)
		assert.Equal(t, "task-1", noModel.TaskID)
	})
}

func TestSelectLiveFilters(t *testing.T) {
	a := model("model-a", 0.001, "text-generation")
	b := model("model-b", 0.01, "text-generation")
	e := newEnv(t, a, b)

	t.Run("unavailable model is skipped", func(t *testing.T) {
		e.health.unavailable = map[string]bool{"model-a": true}
		e.rate.limited = map[string]bool{}

		selection, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "model-b", selection.ModelID)
	})

	t.Run("rate limited model is skipped", func(t *testing.T) {
		e.health.unavailable = map[string]bool{}
		e.rate.limited = map[string]bool{"model-a": true}

		selection, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "model-b", selection.ModelID)
	})

	t.Run("everything filtered fails explicitly", func(t *testing.T) {
		e.health.unavailable = map[string]bool{"model-a": true}
		e.rate.limited = map[string]bool{"model-b": true}

		_, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"}, nil)

		var noModel *pulseroute.NoAvailableModelError
		require.ErrorAs(t, err, &noModel)
	})
}

func TestSelectConstraintFilters(t *testing.T) {
	cheap := model("cheap", 0.001, "text-generation")
	pricey := model("pricey", 0.05, "text-generation")
	pricey.AverageResponseTimeMillis = 5000
	e := newEnv(t, cheap, pricey)

	t.Run("cost ceiling", func(t *testing.T) {
		ceiling := 0.01
		selection, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"},
			&pulseroute.SelectionConstraints{MaxCostPer1kTokens: &ceiling})
		require.NoError(t, err)
		assert.Equal(t, "cheap", selection.ModelID)
		assert.Empty(t, selection.Alternatives)
	})

	t.Run("latency ceiling", func(t *testing.T) {
		maxLatency := time.Second
		selection, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"},
			&pulseroute.SelectionConstraints{MaxLatency: &maxLatency})
		require.NoError(t, err)
		assert.Equal(t, "cheap", selection.ModelID)
		assert.Empty(t, selection.Alternatives)
	})

	t.Run("excluded providers", func(t *testing.T) {
		_, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"},
			&pulseroute.SelectionConstraints{ExcludedProviders: []string{"openai"}})

		var noModel *pulseroute.NoAvailableModelError
		require.ErrorAs(t, err, &noModel)
	})

	t.Run("excluded models", func(t *testing.T) {
		selection, err := e.selector.Select(context.Background(),
			&pulseroute.ModelRequest{TaskID: "task-1"},
			&pulseroute.SelectionConstraints{ExcludedModels: []string{"cheap"}})
		require.NoError(t, err)
		assert.Equal(t, "pricey", selection.ModelID)
	})
}

func TestSelectPerformanceWeighting(t *testing.T) {
	// Equal cost so the performance axis decides.
	strong := model("strong", 0.01, "text-generation")
	weak := model("weak", 0.01, "text-generation")
	e := newEnv(t, strong, weak)

	e.perf.metrics = map[string]pulseroute.PerformanceMetrics{
		"strong": {TotalRequests: 100, SuccessRate: 0.99, AverageQuality: 0.9},
		"weak":   {TotalRequests: 100, SuccessRate: 0.5, AverageQuality: 0.5},
	}

	selection, err := e.selector.Select(context.Background(),
		&pulseroute.ModelRequest{TaskID: "task-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "strong", selection.ModelID)
}

func TestSelectRecordedLatencyInfluencesScore(t *testing.T) {
	// Identical cost, success rate, and quality; the recorded median
	// latency is the only difference.
	fast := model("fast", 0.01, "text-generation")
	slow := model("slow", 0.01, "text-generation")
	e := newEnv(t, slow, fast)

	e.perf.metrics = map[string]pulseroute.PerformanceMetrics{
		"fast": {TotalRequests: 100, SuccessRate: 0.9, AverageQuality: 0.8, LatencyP50: 200 * time.Millisecond},
		"slow": {TotalRequests: 100, SuccessRate: 0.9, AverageQuality: 0.8, LatencyP50: 8 * time.Second},
	}

	selection, err := e.selector.Select(context.Background(),
		&pulseroute.ModelRequest{TaskID: "task-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", selection.ModelID)
}

func TestSelectPriorityShiftsWeights(t *testing.T) {
	// Reliable but expensive against cheap but flaky.
	reliable := model("reliable", 0.06, "text-generation")
	flaky := model("flaky", 0.001, "text-generation")

	e := newEnv(t, reliable, flaky)
	e.perf.metrics = map[string]pulseroute.PerformanceMetrics{
		"reliable": {TotalRequests: 100, SuccessRate: 1.0, AverageQuality: 0.95},
		"flaky":    {TotalRequests: 100, SuccessRate: 0.6, AverageQuality: 0.5},
	}

	critical, err := e.selector.Select(context.Background(),
		&pulseroute.ModelRequest{TaskID: "task-1"},
		&pulseroute.SelectionConstraints{Priority: pulseroute.PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, "reliable", critical.ModelID)
	assert.Contains(t, critical.Reason, "high priority")

	background, err := e.selector.Select(context.Background(),
		&pulseroute.ModelRequest{TaskID: "task-1"},
		&pulseroute.SelectionConstraints{Priority: pulseroute.PriorityBackground})
	require.NoError(t, err)
	assert.Equal(t, "flaky", background.ModelID)
	assert.Contains(t, background.Reason, "background priority")
}

func TestSelectTieBreaks(t *testing.T) {
	// Identical scores: cost decides, then expected latency.
	slow := model("slow", 0.01, "text-generation")
	slow.AverageResponseTimeMillis = 2000
	fast := model("fast", 0.01, "text-generation")
	fast.AverageResponseTimeMillis = 500

	e := newEnv(t, slow, fast)

	selection, err := e.selector.Select(context.Background(),
		&pulseroute.ModelRequest{TaskID: "task-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", selection.ModelID)
}

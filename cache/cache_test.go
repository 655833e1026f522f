package cache

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/state"
)

func float32Ptr(v float32) *float32 { return &v }
func intPtr(v int) *int             { return &v }

type failingBackend struct{}

func (failingBackend) Allow(ctx context.Context, provider string, model string) (bool, time.Duration, error) {
	return true, 0, nil
}

func (failingBackend) Cooldown(ctx context.Context, provider string, model string, duration time.Duration) error {
	return nil
}

func (failingBackend) SaveCache(ctx context.Context, key string, value []byte, duration time.Duration) error {
	return assert.AnError
}

func (failingBackend) LoadCache(ctx context.Context, key string) ([]byte, error) {
	return nil, assert.AnError
}

func newTestBackend(t *testing.T) (state.Manager, func()) {
	t.Helper()
	return state.NewMemoryManager(1 << 20)
}

func newTestBackendWithClock(t *testing.T, clk clock.Clock) (state.Manager, func()) {
	t.Helper()
	return state.NewMemoryManagerWithClock(1<<20, clk)
}

func TestKey(t *testing.T) {
	base := &pulseroute.ModelRequest{
		Prompt:      "summarize this document",
		Temperature: float32Ptr(0),
		MaxTokens:   intPtr(512),
	}

	key1, err := Key("gpt-4o", base)
	require.NoError(t, err)
	key2, err := Key("gpt-4o", base)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	t.Run("model changes the key", func(t *testing.T) {
		other, err := Key("claude-sonnet", base)
		require.NoError(t, err)
		assert.NotEqual(t, key1, other)
	})

	t.Run("prompt changes the key", func(t *testing.T) {
		changed := *base
		changed.Prompt = "summarize this other document"
		other, err := Key("gpt-4o", &changed)
		require.NoError(t, err)
		assert.NotEqual(t, key1, other)
	})

	t.Run("task identity does not change the key", func(t *testing.T) {
		changed := *base
		changed.TaskID = "task-42"
		changed.AgentType = "researcher"
		other, err := Key("gpt-4o", &changed)
		require.NoError(t, err)
		assert.Equal(t, key1, other)
	})
}

func TestCacheRoundTrip(t *testing.T) {
	backend, cleanup := newTestBackend(t)
	defer cleanup()

	c := New(backend, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	response := &pulseroute.ModelResponse{
		Content: "the answer",
		ModelID: "gpt-4o",
		Usage:   pulseroute.TokenUsage{InputTokens: 10, OutputTokens: 5},
		Cost:    0.0003,
	}

	assert.Nil(t, c.Get(ctx, "key-1"))

	c.Set(ctx, "key-1", response, 0)

	cached := c.Get(ctx, "key-1")
	require.NotNil(t, cached)
	assert.Equal(t, response.Content, cached.Content)
	assert.Equal(t, response.ModelID, cached.ModelID)
	assert.True(t, cached.Cached)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Stores)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestCacheExpiry(t *testing.T) {
	mockClock := clock.NewMock()
	backend, cleanup := newTestBackendWithClock(t, mockClock)
	defer cleanup()

	c := New(backend, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	c.Set(ctx, "key-1", &pulseroute.ModelResponse{Content: "stale soon"}, 0)
	require.NotNil(t, c.Get(ctx, "key-1"))

	mockClock.Add(time.Minute)

	assert.Nil(t, c.Get(ctx, "key-1"))
}

func TestCachePerCallTTL(t *testing.T) {
	mockClock := clock.NewMock()
	backend, cleanup := newTestBackendWithClock(t, mockClock)
	defer cleanup()

	c := New(backend, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	// The explicit TTL wins over the one-hour default.
	c.Set(ctx, "key-1", &pulseroute.ModelResponse{Content: "short lived"}, time.Minute)
	require.NotNil(t, c.Get(ctx, "key-1"))

	mockClock.Add(time.Minute)

	assert.Nil(t, c.Get(ctx, "key-1"))
}

func TestCacheDegradesToMiss(t *testing.T) {
	c := New(failingBackend{}, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	assert.Nil(t, c.Get(ctx, "key-1"))
	c.Set(ctx, "key-1", &pulseroute.ModelResponse{Content: "unsaved"}, 0)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Errors)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Stores)
}

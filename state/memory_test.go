package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestMemoryManager(t *testing.T) {
	t.Run("New memory manager", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(1024, mockClock)
		defer cleanup()

		assert.NotNil(t, manager)
		assert.NotNil(t, manager.cooldowns)
		assert.NotNil(t, manager.cache)
		assert.NotNil(t, manager.cacheHeap)
		assert.Equal(t, int64(1024), manager.cacheMaxBytes)
		assert.Equal(t, int64(0), manager.cacheUsage)
	})

	t.Run("Allow and Cooldown", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(1024, mockClock)
		defer cleanup()

		ctx := context.Background()

		// Fresh model should be allowed
		allowed, wait, err := manager.Allow(ctx, "openai", "gpt-4o")
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, time.Duration(0), wait)

		// Put the model on cooldown
		cooldownDuration := 200 * time.Millisecond
		err = manager.Cooldown(ctx, "openai", "gpt-4o", cooldownDuration)
		assert.NoError(t, err)

		// Request during cooldown should not be allowed
		allowed, wait, err = manager.Allow(ctx, "openai", "gpt-4o")
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.True(t, wait > 0)

		// Other models are unaffected
		allowed, _, err = manager.Allow(ctx, "openai", "gpt-4o-mini")
		assert.NoError(t, err)
		assert.True(t, allowed)

		// Advance clock past the cooldown
		mockClock.Add(cooldownDuration)

		allowed, wait, err = manager.Allow(ctx, "openai", "gpt-4o")
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, time.Duration(0), wait)
	})

	t.Run("Cache operations", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(1024, mockClock)
		defer cleanup()

		ctx := context.Background()
		key := "test-key"
		value := []byte("test-value")
		duration := 100 * time.Millisecond

		// Save to cache
		err := manager.SaveCache(ctx, key, value, duration)
		assert.NoError(t, err)

		// Load from cache
		loadedValue, err := manager.LoadCache(ctx, key)
		assert.NoError(t, err)
		assert.Equal(t, value, loadedValue)

		// Advance clock past expiration
		mockClock.Add(duration)

		// Expired entry reads as a miss
		loadedValue, err = manager.LoadCache(ctx, key)
		assert.NoError(t, err)
		assert.Nil(t, loadedValue)

		// Load non-existent key
		loadedValue, err = manager.LoadCache(ctx, "non-existent")
		assert.NoError(t, err)
		assert.Nil(t, loadedValue)
	})

	t.Run("Cache eviction", func(t *testing.T) {
		mockClock := clock.NewMock()
		maxBytes := int64(256)
		manager, cleanup := newMemoryManagerWithClock(maxBytes, mockClock)
		defer cleanup()

		ctx := context.Background()
		duration := 1 * time.Hour

		// Fill cache beyond capacity
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("key-%d", i)
			value := []byte(fmt.Sprintf("value-%d", i))
			err := manager.SaveCache(ctx, key, value, duration)
			assert.NoError(t, err)
			assert.True(t, manager.cacheUsage <= maxBytes)
		}

		// Verify least recently used entries were evicted
		totalEntries := len(manager.cache)
		assert.True(t, totalEntries < 10)
		assert.True(t, manager.cacheUsage <= maxBytes)
	})

	t.Run("Eviction order prefers cold entries", func(t *testing.T) {
		mockClock := clock.NewMock()
		mockClock.Set(time.Unix(0, 0))
		manager, cleanup := newMemoryManagerWithClock(2*(cacheEntryOverhead+32), mockClock)
		defer cleanup()

		ctx := context.Background()
		duration := time.Hour

		assert.NoError(t, manager.SaveCache(ctx, "hot", []byte("hot-value"), duration))
		assert.NoError(t, manager.SaveCache(ctx, "cold", []byte("cold-value"), duration))

		// Read the hot entry so eviction targets the cold one.
		for i := 0; i < 3; i++ {
			mockClock.Add(time.Millisecond)
			_, err := manager.LoadCache(ctx, "hot")
			assert.NoError(t, err)
		}

		assert.NoError(t, manager.SaveCache(ctx, "new", []byte("new-value"), duration))

		_, coldKept := manager.cache["cold"]
		assert.False(t, coldKept)
		_, hotKept := manager.cache["hot"]
		assert.True(t, hotKept)
	})

	t.Run("Eviction is by recency, not read frequency", func(t *testing.T) {
		mockClock := clock.NewMock()
		mockClock.Set(time.Unix(0, 0))
		manager, cleanup := newMemoryManagerWithClock(2*(cacheEntryOverhead+32), mockClock)
		defer cleanup()

		ctx := context.Background()
		duration := time.Hour

		assert.NoError(t, manager.SaveCache(ctx, "aaa", []byte("aaa-value"), duration))
		assert.NoError(t, manager.SaveCache(ctx, "bbb", []byte("bbb-value"), duration))

		// Read the first entry many times early, then touch the second one
		// last. Eviction must target the first, regardless of read counts.
		for i := 0; i < 5; i++ {
			mockClock.Add(time.Millisecond)
			_, err := manager.LoadCache(ctx, "aaa")
			assert.NoError(t, err)
		}
		mockClock.Add(time.Millisecond)
		_, err := manager.LoadCache(ctx, "bbb")
		assert.NoError(t, err)

		assert.NoError(t, manager.SaveCache(ctx, "ccc", []byte("ccc-value"), duration))

		_, frequentKept := manager.cache["aaa"]
		assert.False(t, frequentKept)
		_, recentKept := manager.cache["bbb"]
		assert.True(t, recentKept)
	})

	t.Run("Expired sweep", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(1024, mockClock)
		defer cleanup()

		ctx := context.Background()
		shortDuration := 100 * time.Millisecond

		// Add entries with short expiration
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("key-%d", i)
			value := []byte(fmt.Sprintf("value-%d", i))
			err := manager.SaveCache(ctx, key, value, shortDuration)
			assert.NoError(t, err)
		}
		assert.NoError(t, manager.Cooldown(ctx, "openai", "gpt-4o", shortDuration))

		assert.Equal(t, 5, len(manager.cache))

		// Advance clock past expiration
		mockClock.Add(shortDuration)

		// Force sweep
		manager.sweep()

		// Verify expired entries were removed
		assert.Equal(t, 0, len(manager.cache))
		assert.Equal(t, int64(0), manager.cacheUsage)
		assert.Equal(t, 0, len(manager.cooldowns))
	})

	t.Run("Cache read recency updates", func(t *testing.T) {
		mockClock := clock.NewMock()
		mockClock.Set(time.Unix(0, 0))
		manager, cleanup := newMemoryManagerWithClock(1024, mockClock)
		defer cleanup()

		ctx := context.Background()
		key := "test-key"
		value := []byte("test-value")
		duration := time.Hour

		err := manager.SaveCache(ctx, key, value, duration)
		assert.NoError(t, err)

		// Insertion counts as the first read.
		entry := manager.cache[key]
		assert.Equal(t, mockClock.Now().UnixNano(), entry.lastReadAt)

		for i := 0; i < 3; i++ {
			mockClock.Add(time.Millisecond)
			loadedValue, err := manager.LoadCache(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, value, loadedValue)
		}

		assert.Equal(t, mockClock.Now().UnixNano(), entry.lastReadAt)
	})

	t.Run("Overwrite replaces accounting", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(1024, mockClock)
		defer cleanup()

		ctx := context.Background()

		assert.NoError(t, manager.SaveCache(ctx, "key", []byte("short"), time.Hour))
		usageBefore := manager.cacheUsage

		assert.NoError(t, manager.SaveCache(ctx, "key", []byte("a much longer value"), time.Hour))
		assert.Equal(t, 1, len(manager.cache))
		assert.Equal(t, usageBefore-int64(len("short"))+int64(len("a much longer value")), manager.cacheUsage)
	})
}

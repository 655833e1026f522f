// Package cache stores model responses keyed by the deterministic parts of
// a request. Only deterministic requests (temperature pinned to zero) are
// eligible, since a sampled response is not reusable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/state"
)

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Stores int64 `json:"stores"`
	Errors int64 `json:"errors"`
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache fronts a state backend with request hashing and failure shielding.
// Backend errors degrade to misses so a state outage never fails a request.
type Cache struct {
	backend    state.Manager
	defaultTTL time.Duration
	logger     *zap.SugaredLogger

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64
	errors atomic.Int64
}

func New(backend state.Manager, defaultTTL time.Duration, logger *zap.SugaredLogger) *Cache {
	return &Cache{
		backend:    backend,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// keyFields pins the exact set of request fields that participate in the
// cache key. Adding a field here invalidates all existing entries.
type keyFields struct {
	ModelID     string         `json:"model_id"`
	Prompt      string         `json:"prompt"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Temperature *float32       `json:"temperature,omitempty"`
}

// Key derives the cache key for a request routed to the given model.
func Key(modelID string, request *pulseroute.ModelRequest) (string, error) {
	payload, err := json.Marshal(keyFields{
		ModelID:     modelID,
		Prompt:      request.Prompt,
		Parameters:  request.Parameters,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize cache key fields: %v", err)
	}
	sum := sha256.Sum256(payload)
	return "pulseroute:response:" + hex.EncodeToString(sum[:]), nil
}

// Get returns the cached response for key, or nil on a miss. Backend
// failures are logged and reported as misses.
func (c *Cache) Get(ctx context.Context, key string) *pulseroute.ModelResponse {
	raw, err := c.backend.LoadCache(ctx, key)
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.logger.Warnw("Cache lookup failed, treating as miss", "error", err)
		return nil
	}
	if raw == nil {
		c.misses.Add(1)
		return nil
	}

	var response pulseroute.ModelResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.logger.Warnw("Cache entry corrupted, treating as miss", "error", err)
		return nil
	}

	c.hits.Add(1)
	response.Cached = true
	return &response
}

// Set stores a response under key. A non-positive ttl falls back to the
// configured default. Failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, response *pulseroute.ModelResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(response)
	if err != nil {
		c.errors.Add(1)
		c.logger.Warnw("Failed to serialize response for cache", "error", err)
		return
	}
	if err := c.backend.SaveCache(ctx, key, raw, ttl); err != nil {
		c.errors.Add(1)
		c.logger.Warnw("Failed to store response in cache", "error", err)
		return
	}
	c.stores.Add(1)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stores: c.stores.Load(),
		Errors: c.errors.Load(),
	}
}

// Package rate tracks per-model request and token usage over a sliding
// window and flags models approaching their provider-side ceilings, so the
// selector can route around an imminent 429 instead of provoking one.
package rate

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/config"
	"github.com/pulseroute/pulseroute/registry"
)

type usageEvent struct {
	at     time.Time
	tokens int
}

// modelUsage is one model's recorded events plus the timestamp of the last
// provider-side rejection. Guarded by its own lock.
type modelUsage struct {
	mu            sync.Mutex
	events        []usageEvent
	lastRejection time.Time
}

// Tracker keeps a sliding usage window per model. It is deliberately
// conservative: a model is reported limited once usage reaches the
// configured percentage of either ceiling, before the provider starts
// rejecting.
type Tracker struct {
	registry *registry.Registry

	window           time.Duration
	thresholdPercent float64

	mu     sync.RWMutex
	models map[string]*modelUsage

	clock clock.Clock
}

func NewTracker(reg *registry.Registry, cfg config.RateLimitConfig) *Tracker {
	return newTrackerWithClock(reg, cfg, clock.New())
}

func newTrackerWithClock(reg *registry.Registry, cfg config.RateLimitConfig, clk clock.Clock) *Tracker {
	return &Tracker{
		registry:         reg,
		window:           cfg.Window.Std(),
		thresholdPercent: cfg.ThresholdPercent,
		models:           make(map[string]*modelUsage),
		clock:            clk,
	}
}

// CheckRateLimit reports the model's standing in the current window,
// counting estimatedTokens as if the request had already been issued. A
// model with no configured ceilings is never limited.
func (t *Tracker) CheckRateLimit(modelID string, estimatedTokens int) pulseroute.RateLimitStatus {
	limits := t.limits(modelID)
	usage := t.usage(modelID)
	now := t.clock.Now()

	usage.mu.Lock()
	defer usage.mu.Unlock()

	usage.prune(now.Add(-t.window))

	requests := len(usage.events)
	tokens := estimatedTokens
	for _, event := range usage.events {
		tokens += event.tokens
	}

	status := pulseroute.RateLimitStatus{ModelID: modelID}
	if limits.RequestsPerMinute > 0 {
		status.RequestsRemaining = max(limits.RequestsPerMinute-requests, 0)
		if percentOf(requests, limits.RequestsPerMinute) >= t.thresholdPercent {
			status.IsLimited = true
		}
	}
	if limits.TokensPerMinute > 0 {
		status.TokensRemaining = max(limits.TokensPerMinute-tokens, 0)
		if percentOf(tokens, limits.TokensPerMinute) >= t.thresholdPercent {
			status.IsLimited = true
		}
	}

	if status.IsLimited {
		status.ResetAt = usage.resetAt(now, t.window)
	}
	return status
}

// RecordRequest adds a completed call to the model's window.
// wasRateLimited marks a provider-side rejection, which still consumes a
// request slot on most providers.
func (t *Tracker) RecordRequest(modelID string, tokensUsed int, wasRateLimited bool) {
	usage := t.usage(modelID)
	now := t.clock.Now()

	usage.mu.Lock()
	defer usage.mu.Unlock()

	usage.prune(now.Add(-t.window))
	usage.events = append(usage.events, usageEvent{at: now, tokens: tokensUsed})
	if wasRateLimited {
		usage.lastRejection = now
	}
}

// IsLimited is CheckRateLimit with no pending request. Used by the
// selector's availability pass.
func (t *Tracker) IsLimited(modelID string) bool {
	return t.CheckRateLimit(modelID, 0).IsLimited
}

func (t *Tracker) limits(modelID string) pulseroute.RateLimits {
	model := t.registry.Snapshot().Model(modelID)
	if model == nil {
		return pulseroute.RateLimits{}
	}
	return model.RateLimits
}

func (t *Tracker) usage(modelID string) *modelUsage {
	t.mu.RLock()
	usage, exists := t.models[modelID]
	t.mu.RUnlock()
	if exists {
		return usage
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if usage, exists = t.models[modelID]; exists {
		return usage
	}
	usage = &modelUsage{}
	t.models[modelID] = usage
	return usage
}

// prune drops events older than cutoff. Callers hold the usage lock.
func (u *modelUsage) prune(cutoff time.Time) {
	kept := 0
	for _, event := range u.events {
		if event.at.After(cutoff) {
			u.events[kept] = event
			kept++
		}
	}
	for i := kept; i < len(u.events); i++ {
		u.events[i] = usageEvent{}
	}
	u.events = u.events[:kept]
}

// resetAt is when the oldest in-window event ages out. Callers hold the
// usage lock.
func (u *modelUsage) resetAt(now time.Time, window time.Duration) time.Time {
	if len(u.events) == 0 {
		return now
	}
	return u.events[0].at.Add(window)
}

func percentOf(used int, ceiling int) float64 {
	return float64(used) / float64(ceiling) * 100
}

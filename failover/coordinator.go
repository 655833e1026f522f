// Package failover drives a request to completion: pick a model, try it,
// and when it fails retryably, substitute the next-best alternative with
// exponential backoff until the attempt budget runs out.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/cache"
	"github.com/pulseroute/pulseroute/config"
	"github.com/pulseroute/pulseroute/cost"
	"github.com/pulseroute/pulseroute/monitoring"
	"github.com/pulseroute/pulseroute/perf"
	"github.com/pulseroute/pulseroute/quality"
	"github.com/pulseroute/pulseroute/rate"
	"github.com/pulseroute/pulseroute/selector"
	"github.com/pulseroute/pulseroute/state"
)

// InvokeFunc performs one provider call for one model.
type InvokeFunc func(ctx context.Context, model *pulseroute.ModelMetadata, request *pulseroute.ModelRequest) (*pulseroute.ModelResponse, error)

// HealthChecker triggers an on-demand probe after an unexpected failure.
type HealthChecker interface {
	CheckNow(ctx context.Context, modelID string) pulseroute.HealthStatus
}

// Coordinator owns the request pipeline around the provider call: cache
// lookup, selection, retry with substitution, and telemetry fan-out.
type Coordinator struct {
	selector  *selector.Selector
	health    HealthChecker
	rate      *rate.Tracker
	cache     *cache.Cache
	quality   *quality.Evaluator
	costs     *cost.Ledger
	perf      *perf.Ledger
	events    *EventLog
	monitor   monitoring.Monitor
	cooldowns state.Manager
	invoke    InvokeFunc

	maxRetries     int
	baseBackoff    time.Duration
	alertThreshold int
	alertWindow    time.Duration

	// Rolling failover timestamps for the alert window.
	alertMu   sync.Mutex
	failovers []time.Time

	// Models whose quality slump has already been alerted, so a sustained
	// slump raises one alert, not one per request.
	qualityMu      sync.Mutex
	qualitySlumped map[string]bool

	clock  clock.Clock
	logger *zap.SugaredLogger
}

type Deps struct {
	Selector *selector.Selector
	Health   HealthChecker
	Rate     *rate.Tracker
	Cache    *cache.Cache
	Quality  *quality.Evaluator
	Costs    *cost.Ledger
	Perf     *perf.Ledger
	Events   *EventLog
	Monitor  monitoring.Monitor
	Invoke   InvokeFunc

	// Optional shared cooldown store; rate-limited providers stay skipped
	// across processes until their retry hint expires.
	Cooldowns state.Manager
}

func NewCoordinator(deps Deps, cfg config.FailoverConfig, logger *zap.SugaredLogger) *Coordinator {
	return newCoordinatorWithClock(deps, cfg, logger, clock.New())
}

func newCoordinatorWithClock(deps Deps, cfg config.FailoverConfig, logger *zap.SugaredLogger, clk clock.Clock) *Coordinator {
	return &Coordinator{
		selector:       deps.Selector,
		health:         deps.Health,
		rate:           deps.Rate,
		cache:          deps.Cache,
		quality:        deps.Quality,
		costs:          deps.Costs,
		perf:           deps.Perf,
		events:         deps.Events,
		monitor:        deps.Monitor,
		cooldowns:      deps.Cooldowns,
		invoke:         deps.Invoke,
		maxRetries:     cfg.MaxRetries,
		baseBackoff:    cfg.BaseBackoff.Std(),
		alertThreshold: cfg.AlertThreshold,
		alertWindow:    cfg.AlertWindow.Std(),
		qualitySlumped: make(map[string]bool),
		clock:          clk,
		logger:         logger,
	}
}

// Execute runs the full pipeline for one request: select a primary model,
// consult the cache for deterministic requests, call with failover, then
// record quality, cost, and performance telemetry.
func (c *Coordinator) Execute(ctx context.Context, request *pulseroute.ModelRequest, constraints *pulseroute.SelectionConstraints) (*pulseroute.ModelResponse, error) {
	selection, err := c.selector.Select(ctx, request, constraints)
	if err != nil {
		return nil, err
	}
	c.monitor.RecordSelection(selection.ModelID, selection.Reason)

	var cacheKey string
	if c.cache != nil && request.Deterministic() {
		cacheKey, err = cache.Key(selection.ModelID, request)
		if err != nil {
			c.logger.Warnw("Cache key derivation failed", "error", err)
		} else if cached := c.cache.Get(ctx, cacheKey); cached != nil {
			c.monitor.RecordRequest(monitoring.RequestTelemetry{
				Provider:  selection.Metadata.Provider,
				Model:     cached.ModelID,
				AgentType: request.AgentType,
				Success:   true,
				CacheHit:  true,
			})
			return cached, nil
		}
	}

	started := c.clock.Now()
	response, result := c.ExecuteWithFailover(ctx, selection, request, constraints)
	if result != nil {
		return nil, result
	}

	c.recordSuccess(ctx, response, request, c.clock.Now().Sub(started))
	if cacheKey != "" && response.ModelID == selection.ModelID {
		c.cache.Set(ctx, cacheKey, response, 0)
	}
	return response, nil
}

// ExecuteWithFailover attempts the selected primary model and substitutes
// alternatives on retryable failures. It never issues more than the
// configured total attempts and never retries a model already attempted in
// this chain. Permanent failures and context cancellation propagate
// immediately.
func (c *Coordinator) ExecuteWithFailover(ctx context.Context, primary *pulseroute.ModelSelection, request *pulseroute.ModelRequest, constraints *pulseroute.SelectionConstraints) (*pulseroute.ModelResponse, error) {
	current := primary.Metadata
	tried := []string{current.ID}
	var failures []pulseroute.AttemptFailure

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		response, err := c.attempt(ctx, current, request)
		if err == nil {
			c.rate.RecordRequest(current.ID, response.Usage.Total(), false)
			return response, nil
		}

		// A cancelled attempt is the caller's doing, not the model's.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason, retryable := classify(err)
		c.rate.RecordRequest(current.ID, 0, reason == pulseroute.FailoverRateLimited)
		c.maybeCooldown(ctx, current, err)
		failures = append(failures, pulseroute.AttemptFailure{
			ModelID: current.ID,
			Reason:  reason,
			Detail:  err.Error(),
		})
		c.recordFailure(ctx, current, request, err)

		if !retryable {
			c.logger.Warnw("Permanent failure, not retrying",
				"model", current.ID, "task", request.TaskID, "error", err)
			return nil, err
		}

		// Re-probe immediately so the health table reflects this failure
		// before the next scheduled tick.
		if reason == pulseroute.FailoverUnavailable || reason == pulseroute.FailoverTransient {
			c.health.CheckNow(ctx, current.ID)
		}

		if attempt+1 >= c.maxRetries {
			break
		}

		alternative, err := c.selectAlternative(ctx, request, constraints, tried)
		if err != nil {
			c.logger.Warnw("No alternative model for failover",
				"task", request.TaskID, "tried", tried, "error", err)
			break
		}

		c.noteFailover(ctx, Event{
			Timestamp:        c.clock.Now(),
			OriginalModel:    current.ID,
			AlternativeModel: alternative.ID,
			Reason:           reason,
			TaskID:           request.TaskID,
		})

		if err := c.backoff(ctx, attempt); err != nil {
			return nil, err
		}

		current = alternative
		tried = append(tried, current.ID)
	}

	return nil, &pulseroute.FailoverExhaustedError{
		TaskID:       request.TaskID,
		PrimaryModel: primary.ModelID,
		Attempts:     failures,
	}
}

// attempt performs one provider call, first consulting the shared cooldown
// store and the rate tracker with the request's estimated token cost. A
// model in cooldown or at its ceiling fails as rate limited without a
// network call.
func (c *Coordinator) attempt(ctx context.Context, model *pulseroute.ModelMetadata, request *pulseroute.ModelRequest) (*pulseroute.ModelResponse, error) {
	if c.cooldowns != nil {
		allowed, wait, err := c.cooldowns.Allow(ctx, model.Provider, model.ID)
		if err != nil {
			c.logger.Warnw("Cooldown lookup failed", "model", model.ID, "error", err)
		} else if !allowed {
			return nil, &pulseroute.RateLimitError{ModelID: model.ID, RetryAfter: wait}
		}
	}

	if status := c.rate.CheckRateLimit(model.ID, estimateTokens(request)); status.IsLimited {
		retryAfter := time.Duration(0)
		if !status.ResetAt.IsZero() {
			retryAfter = status.ResetAt.Sub(c.clock.Now())
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, &pulseroute.RateLimitError{ModelID: model.ID, RetryAfter: retryAfter}
	}

	return c.invoke(ctx, model, request)
}

// estimateTokens approximates a request's token consumption ahead of the
// call: roughly four characters per prompt token, plus the output ceiling.
func estimateTokens(request *pulseroute.ModelRequest) int {
	estimate := len(request.Prompt) / 4
	if request.MaxTokens != nil {
		estimate += *request.MaxTokens
	}
	return estimate
}

// maybeCooldown records a provider-supplied retry hint in the shared store
// so concurrent requests stop hammering the same model.
func (c *Coordinator) maybeCooldown(ctx context.Context, model *pulseroute.ModelMetadata, cause error) {
	if c.cooldowns == nil {
		return
	}
	var rateLimited *pulseroute.RateLimitError
	if !errors.As(cause, &rateLimited) || rateLimited.RetryAfter <= 0 {
		return
	}
	if err := c.cooldowns.Cooldown(ctx, model.Provider, model.ID, rateLimited.RetryAfter); err != nil {
		c.logger.Warnw("Failed to record cooldown",
			"model", model.ID, "retry_after", rateLimited.RetryAfter, "error", err)
	}
}

func (c *Coordinator) selectAlternative(ctx context.Context, request *pulseroute.ModelRequest, constraints *pulseroute.SelectionConstraints, tried []string) (*pulseroute.ModelMetadata, error) {
	widened := pulseroute.SelectionConstraints{}
	if constraints != nil {
		widened = *constraints
	}
	widened.ExcludedModels = append(append([]string{}, widened.ExcludedModels...), tried...)

	selection, err := c.selector.Select(ctx, request, &widened)
	if err != nil {
		return nil, err
	}
	return selection.Metadata, nil
}

// backoff waits base * 2^attempt, abandoning the wait when ctx ends.
func (c *Coordinator) backoff(ctx context.Context, attempt int) error {
	delay := c.baseBackoff * (1 << attempt)
	timer := c.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// noteFailover logs the substitution, persists it, and raises an alert when
// failovers pile up inside the alert window. Alerting never blocks the
// in-flight request.
func (c *Coordinator) noteFailover(ctx context.Context, event Event) {
	c.logger.Warnw("Failing over",
		"from", event.OriginalModel,
		"to", event.AlternativeModel,
		"reason", event.Reason,
		"task", event.TaskID)

	if err := c.events.Record(ctx, event); err != nil {
		c.logger.Warnw("Failed to persist failover event", "error", err)
	}

	now := c.clock.Now()
	cutoff := now.Add(-c.alertWindow)

	c.alertMu.Lock()
	kept := c.failovers[:0]
	for _, at := range c.failovers {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.failovers = append(kept, now)
	count := len(c.failovers)
	c.alertMu.Unlock()

	if count > c.alertThreshold {
		go c.monitor.EmitAlert(monitoring.Alert{
			Type:    monitoring.AlertExcessiveFailovers,
			ModelID: event.OriginalModel,
			Message: fmt.Sprintf("%d failovers within %s", count, c.alertWindow),
			Details: map[string]string{
				"count":  fmt.Sprintf("%d", count),
				"window": c.alertWindow.String(),
			},
			Timestamp: now,
		})
	}
}

// noteQuality raises a quality alert the first time a model's rolling
// average sags under the threshold, re-arming once it recovers.
func (c *Coordinator) noteQuality(modelID string, overall float64) {
	slumped := c.quality.ShouldSwitchModel(modelID)

	c.qualityMu.Lock()
	alreadyAlerted := c.qualitySlumped[modelID]
	c.qualitySlumped[modelID] = slumped
	c.qualityMu.Unlock()

	if slumped && !alreadyAlerted {
		c.monitor.EmitAlert(monitoring.Alert{
			Type:      monitoring.AlertModelQualityDegradation,
			ModelID:   modelID,
			Message:   fmt.Sprintf("rolling quality average under threshold after scoring %.2f", overall),
			Timestamp: c.clock.Now(),
		})
	}
}

func (c *Coordinator) recordSuccess(ctx context.Context, response *pulseroute.ModelResponse, request *pulseroute.ModelRequest, elapsed time.Duration) {
	score := c.quality.Evaluate(response, request)
	c.noteQuality(response.ModelID, score.Overall)

	if err := c.perf.Record(ctx, response.ModelID, request.AgentType,
		response.Latency, true, score.Overall, request.TaskID); err != nil {
		c.logger.Warnw("Failed to record performance", "error", err)
	}
	if err := c.costs.RecordCost(ctx, response.ModelID, request.AgentType,
		response.Usage.InputTokens, response.Usage.OutputTokens,
		response.Cost, request.TaskID); err != nil {
		c.logger.Warnw("Failed to record cost", "error", err)
	}

	c.monitor.RecordRequest(monitoring.RequestTelemetry{
		Model:        response.ModelID,
		AgentType:    request.AgentType,
		Success:      true,
		Duration:     elapsed,
		InputTokens:  int64(response.Usage.InputTokens),
		OutputTokens: int64(response.Usage.OutputTokens),
		Cost:         response.Cost,
	})
}

func (c *Coordinator) recordFailure(ctx context.Context, model *pulseroute.ModelMetadata, request *pulseroute.ModelRequest, cause error) {
	if err := c.perf.Record(ctx, model.ID, request.AgentType,
		0, false, -1, request.TaskID); err != nil {
		c.logger.Warnw("Failed to record failed attempt", "error", err)
	}

	c.monitor.RecordRequest(monitoring.RequestTelemetry{
		Provider:  model.Provider,
		Model:     model.ID,
		AgentType: request.AgentType,
		Success:   false,
		ErrorType: string(classifyReason(cause)),
	})
}

// classify maps a provider error onto a failover reason and whether
// substitution makes sense.
func classify(err error) (pulseroute.FailoverReason, bool) {
	var rateLimited *pulseroute.RateLimitError
	if errors.As(err, &rateLimited) {
		return pulseroute.FailoverRateLimited, true
	}
	var unavailable *pulseroute.ModelUnavailableError
	if errors.As(err, &unavailable) {
		return pulseroute.FailoverUnavailable, true
	}
	var permanent *pulseroute.PermanentError
	if errors.As(err, &permanent) {
		return pulseroute.FailoverPermanent, false
	}
	return pulseroute.FailoverTransient, true
}

func classifyReason(err error) pulseroute.FailoverReason {
	reason, _ := classify(err)
	return reason
}

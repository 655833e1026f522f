// Package selector ranks candidate models for a request by weighing
// capability fit, cost, recorded performance, and live availability.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/registry"
)

// The cost ceiling used to normalize unit costs into a score. A model at
// or above this average cost per 1k tokens scores zero on the cost axis.
const maxCostPer1kTokens = 0.10

// Assumed performance for a model with no recorded traffic. Neutral, so
// new models are neither favored nor buried.
const neutralPerformanceScore = 0.7

// The trailing window consulted for performance scoring.
const performanceWindow = 24 * time.Hour

// Latency ceiling used to normalize the recorded p50 into a score. A model
// at or above this median latency scores zero on the latency axis.
const maxAcceptableLatency = 10 * time.Second

// HealthSource answers whether a model's last health verdict allows
// selection.
type HealthSource interface {
	IsAvailable(modelID string) bool
}

// RateSource answers whether a model is at its proactive rate ceiling.
type RateSource interface {
	IsLimited(modelID string) bool
}

// PerfSource supplies recorded aggregates for performance scoring.
type PerfSource interface {
	Performance(ctx context.Context, modelID string, window time.Duration) (pulseroute.PerformanceMetrics, error)
}

// Selector scores and ranks models. Stateless between calls; every
// selection reads a fresh registry snapshot.
type Selector struct {
	registry *registry.Registry
	health   HealthSource
	rate     RateSource
	perf     PerfSource
	logger   *zap.SugaredLogger
}

func New(reg *registry.Registry, health HealthSource, rate RateSource, perf PerfSource, logger *zap.SugaredLogger) *Selector {
	return &Selector{
		registry: reg,
		health:   health,
		rate:     rate,
		perf:     perf,
		logger:   logger,
	}
}

type scoredModel struct {
	model *pulseroute.ModelMetadata
	score float64
}

// Select returns the best-scoring model for the request plus ranked
// alternatives. When nothing survives filtering it returns a
// *pulseroute.NoAvailableModelError; callers decide whether to wait, relax
// constraints, or abort.
func (s *Selector) Select(ctx context.Context, request *pulseroute.ModelRequest, constraints *pulseroute.SelectionConstraints) (*pulseroute.ModelSelection, error) {
	if constraints == nil {
		constraints = &pulseroute.SelectionConstraints{}
	}
	priority := constraints.Priority
	if priority == 0 {
		priority = pulseroute.PriorityMedium
	}

	snapshot := s.registry.Snapshot()
	candidates := s.filterStatic(snapshot.EnabledModels(), constraints)
	if len(candidates) == 0 {
		return nil, &pulseroute.NoAvailableModelError{
			TaskID: request.TaskID,
			Reason: "no enabled model satisfies the request constraints",
		}
	}

	candidates = s.filterLive(candidates)
	if len(candidates) == 0 {
		return nil, &pulseroute.NoAvailableModelError{
			TaskID: request.TaskID,
			Reason: "all eligible models are unavailable or rate limited",
		}
	}

	scored := s.rank(ctx, candidates, priority)

	best := scored[0]
	alternatives := make([]string, 0, len(scored)-1)
	for _, alternative := range scored[1:] {
		alternatives = append(alternatives, alternative.model.ID)
	}

	selection := &pulseroute.ModelSelection{
		ModelID:          best.model.ID,
		Metadata:         best.model,
		SuitabilityScore: best.score,
		Alternatives:     alternatives,
		Reason:           selectionReason(best, scored, priority, constraints.RequiredCapabilities),
	}

	s.logger.Infow("Selected model",
		"model", best.model.ID,
		"task", request.TaskID,
		"score", best.score,
		"priority", priority.String(),
		"alternatives", len(alternatives))
	return selection, nil
}

// filterStatic drops models failing the request's declared requirements:
// capabilities, excluded providers and models, cost and latency ceilings.
func (s *Selector) filterStatic(models []*pulseroute.ModelMetadata, constraints *pulseroute.SelectionConstraints) []*pulseroute.ModelMetadata {
	excludedProviders := toSet(constraints.ExcludedProviders)
	excludedModels := toSet(constraints.ExcludedModels)

	var kept []*pulseroute.ModelMetadata
	for _, model := range models {
		if excludedProviders[model.Provider] || excludedModels[model.ID] {
			continue
		}
		if !model.HasCapabilities(constraints.RequiredCapabilities) {
			continue
		}
		if constraints.MaxCostPer1kTokens != nil &&
			model.AverageCostPer1kTokens() > *constraints.MaxCostPer1kTokens {
			continue
		}
		if constraints.MaxLatency != nil &&
			time.Duration(model.AverageResponseTimeMillis)*time.Millisecond > *constraints.MaxLatency {
			continue
		}
		kept = append(kept, model)
	}
	return kept
}

// filterLive drops models the health monitor marks unavailable or the rate
// tracker marks limited.
func (s *Selector) filterLive(models []*pulseroute.ModelMetadata) []*pulseroute.ModelMetadata {
	var kept []*pulseroute.ModelMetadata
	for _, model := range models {
		if !s.health.IsAvailable(model.ID) {
			continue
		}
		if s.rate.IsLimited(model.ID) {
			continue
		}
		kept = append(kept, model)
	}
	return kept
}

// rank scores every candidate and sorts best first. Ties break by lower
// cost, then by lower expected latency.
func (s *Selector) rank(ctx context.Context, models []*pulseroute.ModelMetadata, priority pulseroute.Priority) []scoredModel {
	scored := make([]scoredModel, 0, len(models))
	for _, model := range models {
		scored = append(scored, scoredModel{
			model: model,
			score: s.score(ctx, model, priority),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		costI := scored[i].model.AverageCostPer1kTokens()
		costJ := scored[j].model.AverageCostPer1kTokens()
		if costI != costJ {
			return costI < costJ
		}
		return scored[i].model.AverageResponseTimeMillis < scored[j].model.AverageResponseTimeMillis
	})
	return scored
}

// score computes the weighted suitability of one surviving candidate.
// Weights: capability 30%, cost 25%, performance 25%, availability 20%.
// Critical and high priority shift weight from cost to performance;
// background shifts the other way.
func (s *Selector) score(ctx context.Context, model *pulseroute.ModelMetadata, priority pulseroute.Priority) float64 {
	capabilityWeight := 0.30
	costWeight := 0.25
	performanceWeight := 0.25
	availabilityWeight := 0.20

	switch priority {
	case pulseroute.PriorityCritical, pulseroute.PriorityHigh:
		performanceWeight = 0.35
		costWeight = 0.15
	case pulseroute.PriorityBackground:
		costWeight = 0.35
		performanceWeight = 0.15
	}

	// Candidates already passed capability filtering.
	capabilityScore := 1.0

	costScore := 1.0 - model.AverageCostPer1kTokens()/maxCostPer1kTokens
	if costScore < 0 {
		costScore = 0
	}

	// The performance component averages recorded success rate, inverse
	// median latency, and quality.
	performanceScore := neutralPerformanceScore
	metrics, err := s.perf.Performance(ctx, model.ID, performanceWindow)
	if err != nil {
		s.logger.Warnw("Performance lookup failed, scoring neutral",
			"model", model.ID, "error", err)
	} else if metrics.TotalRequests > 0 {
		latencyScore := 1 - float64(metrics.LatencyP50)/float64(maxAcceptableLatency)
		if latencyScore < 0 {
			latencyScore = 0
		}
		performanceScore = (metrics.SuccessRate + latencyScore + metrics.AverageQuality) / 3
	}

	// Candidates already passed the live filter, so availability confidence
	// is full.
	availabilityScore := 1.0

	return capabilityScore*capabilityWeight +
		costScore*costWeight +
		performanceScore*performanceWeight +
		availabilityScore*availabilityWeight
}

func selectionReason(best scoredModel, scored []scoredModel, priority pulseroute.Priority, capabilities []string) string {
	reason := fmt.Sprintf("suitability %.3f", best.score)
	if len(capabilities) > 0 {
		reason = fmt.Sprintf("%s, matches capabilities %v", reason, capabilities)
	}

	switch priority {
	case pulseroute.PriorityCritical, pulseroute.PriorityHigh:
		reason += ", performance weighted for high priority"
	case pulseroute.PriorityBackground:
		reason += ", cost weighted for background priority"
	}

	if len(scored) > 1 {
		runnerUp := scored[1].model
		if best.model.AverageCostPer1kTokens() < runnerUp.AverageCostPer1kTokens() {
			reason += fmt.Sprintf(", cheaper than %s", runnerUp.ID)
		}
	}
	return reason
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, value := range values {
		set[value] = true
	}
	return set
}

// Package pulseroute defines the shared data model of the adaptive model
// routing engine: model metadata, requests and responses, selection verdicts,
// and the per-model status records maintained by the health, rate-limit,
// quality, and budget subsystems.
package pulseroute

import (
	"time"
)

// RateLimits is the per-model ceiling for a one-minute window.
type RateLimits struct {
	// Maximum requests per minute for this model.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`

	// Maximum token-units per minute for this model.
	TokensPerMinute int `yaml:"tokens_per_minute" json:"tokens_per_minute"`
}

// ModelMetadata describes a single routable model. Instances are immutable
// for the lifetime of a registry generation; a configuration reload swaps the
// whole table rather than mutating entries in place.
type ModelMetadata struct {
	// Unique identifier. E.g., "openai/gpt-4o-mini"
	ID string `yaml:"id" json:"id"`

	// Upstream vendor or local runtime. E.g., "openai", "anthropic", "ollama"
	Provider string `yaml:"provider" json:"provider"`

	// Human-readable display name.
	Name string `yaml:"name" json:"name"`

	// Capability tags. E.g., {"text-generation", "code-generation"}
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Cost in USD per 1k input tokens.
	CostPer1kInputTokens float64 `yaml:"cost_per_1k_input_tokens" json:"cost_per_1k_input_tokens"`

	// Cost in USD per 1k output tokens.
	CostPer1kOutputTokens float64 `yaml:"cost_per_1k_output_tokens" json:"cost_per_1k_output_tokens"`

	RateLimits RateLimits `yaml:"rate_limits" json:"rate_limits"`

	// Maximum context size in tokens.
	ContextWindow int `yaml:"context_window" json:"context_window"`

	// Expected latency hint in milliseconds, from the provider's published
	// numbers or past observation. Used only for constraint filtering and
	// tie-breaking; live latency comes from the performance ledger.
	AverageResponseTimeMillis int `yaml:"average_response_time_ms" json:"average_response_time_ms"`

	Enabled bool `yaml:"enabled" json:"enabled"`
}

// HasCapability reports whether the model carries the given capability tag.
func (m *ModelMetadata) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the model carries every tag in the list.
func (m *ModelMetadata) HasCapabilities(capabilities []string) bool {
	for _, c := range capabilities {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

// AverageCostPer1kTokens is the mean of input and output unit cost, used for
// cost scoring and cost-range lookups.
func (m *ModelMetadata) AverageCostPer1kTokens() float64 {
	return (m.CostPer1kInputTokens + m.CostPer1kOutputTokens) / 2
}

// Cost computes the billed cost of a call with the given token usage.
func (m *ModelMetadata) Cost(usage TokenUsage) float64 {
	return float64(usage.InputTokens)/1000*m.CostPer1kInputTokens +
		float64(usage.OutputTokens)/1000*m.CostPer1kOutputTokens
}

// Priority orders tasks for selection-weight adjustment. Critical and high
// priority tasks shift weight from cost to performance; background tasks do
// the opposite.
type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	}
	return "unknown"
}

// ModelRequest is the already-formed task payload submitted by a caller.
// The engine never mutates it.
type ModelRequest struct {
	// Prompt content to send to the model.
	Prompt string `json:"prompt"`

	// Free-form provider parameters. E.g., {"top_p": 0.9}
	Parameters map[string]any `json:"parameters,omitempty"`

	// Identifier of the originating task, carried through the ledgers.
	TaskID string `json:"task_id"`

	// Type of the originating agent or caller. E.g., "code-reviewer"
	AgentType string `json:"agent_type"`

	// Optional cap on output size in tokens.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Sampling temperature. A zero temperature marks the request as
	// deterministic and therefore cacheable.
	Temperature *float32 `json:"temperature,omitempty"`
}

// Deterministic reports whether the request is eligible for response caching.
// Only temperature-zero requests are; the cache itself trusts this verdict.
func (r *ModelRequest) Deterministic() bool {
	return r.Temperature != nil && *r.Temperature == 0
}

// TokenUsage counts the tokens billed for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total is the sum of input and output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ModelResponse is the outcome of one successful provider call. Created once
// and immutable afterward.
type ModelResponse struct {
	// Output content produced by the model.
	Content string `json:"content"`

	// ID of the model that produced the response.
	ModelID string `json:"model_id"`

	Usage TokenUsage `json:"usage"`

	// Wall-clock latency of the provider call.
	Latency time.Duration `json:"latency"`

	// Billed cost in USD, computed from usage and the model's unit costs.
	Cost float64 `json:"cost"`

	// Provider-specific metadata. E.g., {"finish_reason": "stop"}
	Metadata map[string]string `json:"metadata,omitempty"`

	// True when the response was served from the cache rather than a
	// provider call.
	Cached bool `json:"cached,omitempty"`
}

// SelectionConstraints are optional caller-supplied limits applied during
// candidate filtering. Never persisted.
type SelectionConstraints struct {
	// Maximum average cost per 1k tokens the caller accepts.
	MaxCostPer1kTokens *float64 `json:"max_cost_per_1k_tokens,omitempty"`

	// Capability tags every candidate must carry.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// Providers to exclude outright.
	ExcludedProviders []string `json:"excluded_providers,omitempty"`

	// Model IDs to exclude. The failover coordinator uses this to keep
	// already-attempted models out of re-selection.
	ExcludedModels []string `json:"excluded_models,omitempty"`

	// Maximum acceptable expected latency.
	MaxLatency *time.Duration `json:"max_latency,omitempty"`

	// Task priority; zero value means PriorityMedium.
	Priority Priority `json:"priority,omitempty"`
}

// ModelSelection is the selector's verdict for one request. Ephemeral and
// recomputed per request.
type ModelSelection struct {
	// ID of the chosen model.
	ModelID string `json:"model_id"`

	// Metadata snapshot of the chosen model at selection time.
	Metadata *ModelMetadata `json:"metadata"`

	// Suitability score in [0, 1].
	SuitabilityScore float64 `json:"suitability_score"`

	// Next-best candidates in descending score order.
	Alternatives []string `json:"alternatives,omitempty"`

	// Human-readable explanation of the choice.
	Reason string `json:"reason"`
}

// HealthState is the availability state of a model.
type HealthState string

const (
	HealthUnknown     HealthState = "unknown"
	HealthAvailable   HealthState = "available"
	HealthUnavailable HealthState = "unavailable"
)

// HealthStatus is the health monitor's record for one model.
type HealthStatus struct {
	ModelID string `json:"model_id"`

	State HealthState `json:"state"`

	// Latency of the last successful probe.
	LastResponseTime time.Duration `json:"last_response_time"`

	// When the model was last probed.
	LastChecked time.Time `json:"last_checked"`

	// Consecutive failed probes since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// Text of the last probe error, empty when healthy.
	LastError string `json:"last_error,omitempty"`
}

// Available reports whether the model may be selected.
func (h HealthStatus) Available() bool {
	return h.State == HealthAvailable
}

// RateLimitStatus is the rate tracker's verdict for one model at one instant.
type RateLimitStatus struct {
	ModelID string `json:"model_id"`

	// True once usage crosses the configured percentage of either ceiling.
	IsLimited bool `json:"is_limited"`

	RequestsRemaining int `json:"requests_remaining"`
	TokensRemaining   int `json:"tokens_remaining"`

	// When the current window frees enough capacity to proceed. Zero when
	// not limited.
	ResetAt time.Time `json:"reset_at,omitempty"`
}

// QualityScore grades one response. Each component is in [0, 1]; Overall is
// the 40/35/25 weighted combination.
type QualityScore struct {
	Completeness float64 `json:"completeness"`
	Relevance    float64 `json:"relevance"`
	Coherence    float64 `json:"coherence"`
	Overall      float64 `json:"overall"`
}

// BudgetStatus is the cost ledger's view of the current daily budget.
type BudgetStatus struct {
	DailyBudget        float64 `json:"daily_budget"`
	CurrentSpend       float64 `json:"current_spend"`
	UtilizationPercent float64 `json:"utilization_percent"`
	RemainingBudget    float64 `json:"remaining_budget"`
	IsOverBudget       bool    `json:"is_over_budget"`
}

// PerformanceMetrics is a derived, read-only aggregate over the performance
// ledger's raw event log for one model and window.
type PerformanceMetrics struct {
	ModelID string `json:"model_id"`

	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`

	// Fraction of requests that succeeded, in [0, 1].
	SuccessRate float64 `json:"success_rate"`

	LatencyP50 time.Duration `json:"latency_p50"`
	LatencyP95 time.Duration `json:"latency_p95"`
	LatencyP99 time.Duration `json:"latency_p99"`

	// Mean overall quality score across the window, in [0, 1].
	AverageQuality float64 `json:"average_quality"`
}

// FailoverReason classifies why the coordinator substituted a model.
type FailoverReason string

const (
	FailoverRateLimited FailoverReason = "rate_limited"
	FailoverUnavailable FailoverReason = "unavailable"
	FailoverTransient   FailoverReason = "transient error"
	FailoverPermanent   FailoverReason = "permanent error"
)

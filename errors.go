package pulseroute

import (
	"fmt"
	"strings"
	"time"
)

// ConfigurationError reports a structurally invalid configuration document.
// FieldErrors carries one message per offending field so callers can surface
// them all at once.
type ConfigurationError struct {
	Path        string
	FieldErrors []string
}

func (e *ConfigurationError) Error() string {
	if len(e.FieldErrors) == 0 {
		return fmt.Sprintf("invalid configuration %q", e.Path)
	}
	return fmt.Sprintf("invalid configuration %q: %s", e.Path, strings.Join(e.FieldErrors, "; "))
}

// NoAvailableModelError means no candidate survived selection filtering.
// Callers decide whether to wait, relax constraints, or abort.
type NoAvailableModelError struct {
	TaskID string
	Reason string
}

func (e *NoAvailableModelError) Error() string {
	return fmt.Sprintf("no available model for task %q: %s", e.TaskID, e.Reason)
}

// RateLimitError means the provider rejected or would reject a call because
// of quota pressure. Retryable after RetryAfter (which may be zero when the
// provider gave no hint).
type RateLimitError struct {
	ModelID    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("model %q rate limited, retry after %s", e.ModelID, e.RetryAfter)
	}
	return fmt.Sprintf("model %q rate limited", e.ModelID)
}

// ModelUnavailableError means the model cannot currently serve requests:
// a timeout, a 5xx-class response, or a failed health probe. Retryable.
type ModelUnavailableError struct {
	ModelID string
	Cause   error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model %q unavailable: %v", e.ModelID, e.Cause)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Cause }

// PermanentError wraps failures that retrying cannot fix: malformed requests,
// authentication failures, unknown models. The failover coordinator
// propagates these immediately without substitution.
type PermanentError struct {
	ModelID string
	Cause   error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("model %q permanent failure: %v", e.ModelID, e.Cause)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// BudgetExceededError reports that the daily budget is exhausted. Emitted
// only when a caller opts into hard budget enforcement; by default crossing
// the budget is a warning state carried in BudgetStatus.
type BudgetExceededError struct {
	Status BudgetStatus
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily budget exceeded: spent $%.2f of $%.2f",
		e.Status.CurrentSpend, e.Status.DailyBudget)
}

// AttemptFailure names one failed attempt inside a failover chain.
type AttemptFailure struct {
	ModelID string         `json:"model_id"`
	Reason  FailoverReason `json:"reason"`
	Detail  string         `json:"detail"`
}

// FailoverExhaustedError reports that every attempt of one logical request
// failed. It lists each attempted model and why it failed, so callers can
// judge whether retrying later is likely to help.
type FailoverExhaustedError struct {
	TaskID       string
	PrimaryModel string
	Attempts     []AttemptFailure
}

func (e *FailoverExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s: %s)", a.ModelID, a.Reason, a.Detail))
	}
	return fmt.Sprintf("all failover attempts failed for task %q (primary %q): attempted %s",
		e.TaskID, e.PrimaryModel, strings.Join(parts, ", "))
}

// Retryable reports whether at least one attempt failed for a reason that
// may clear on its own (rate limiting or transient unavailability).
func (e *FailoverExhaustedError) Retryable() bool {
	for _, a := range e.Attempts {
		if a.Reason != FailoverPermanent {
			return true
		}
	}
	return false
}

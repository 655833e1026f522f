// Package provider defines the adapter contract between the routing core and
// upstream model vendors. The core never constructs provider-specific
// payloads; it hands a generic request to the Invoker registered for the
// model's provider.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/pulseroute/pulseroute"
)

// Invoker performs the actual wire call for one provider.
type Invoker interface {
	// Invoke translates the generic request into the provider's protocol,
	// performs the call, and returns a normalized response. Implementations
	// classify failures with the pulseroute error types: *RateLimitError,
	// *ModelUnavailableError for a provider known to be failing,
	// *PermanentError for failures retrying cannot fix. Plain errors are
	// treated as transient.
	Invoke(ctx context.Context, model *pulseroute.ModelMetadata, request *pulseroute.ModelRequest) (*pulseroute.ModelResponse, error)

	// Ping sends a minimal request to the model and reports its latency.
	// Used by the health monitor.
	Ping(ctx context.Context, model *pulseroute.ModelMetadata) (time.Duration, error)

	// Provider names the upstream this adapter speaks to.
	Provider() string

	// Shutdown releases adapter resources.
	Shutdown() error
}

// Credentials supplies API keys per provider. Implementations may rotate
// among several keys; the core treats rotation as opaque.
type Credentials interface {
	APIKey(provider string) (string, error)
}

// Table is the closed set of adapters built at startup, keyed by provider
// name. Lookups replace runtime string branching at call sites. Each
// provider carries a semaphore capping its in-flight calls.
type Table struct {
	adapters   map[string]Invoker
	semaphores map[string]chan struct{}
}

// NewTable builds the adapter table. maxConcurrentPerProvider caps in-flight
// calls per provider; zero or negative means uncapped.
func NewTable(maxConcurrentPerProvider int, adapters ...Invoker) *Table {
	table := &Table{
		adapters:   make(map[string]Invoker, len(adapters)),
		semaphores: make(map[string]chan struct{}, len(adapters)),
	}
	for _, a := range adapters {
		table.adapters[a.Provider()] = a
		if maxConcurrentPerProvider > 0 {
			table.semaphores[a.Provider()] = make(chan struct{}, maxConcurrentPerProvider)
		}
	}
	return table
}

// For returns the adapter registered for the provider.
func (t *Table) For(provider string) (Invoker, error) {
	adapter, ok := t.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", provider)
	}
	return adapter, nil
}

// Providers lists the registered provider names.
func (t *Table) Providers() []string {
	names := make([]string, 0, len(t.adapters))
	for name := range t.adapters {
		names = append(names, name)
	}
	return names
}

// Shutdown shuts every adapter down, returning the first error seen.
func (t *Table) Shutdown() error {
	var firstErr error
	for _, adapter := range t.adapters {
		if err := adapter.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// acquire takes a slot on the provider's semaphore, blocking while the
// provider is at its concurrency cap. The returned func releases the slot.
func (t *Table) acquire(ctx context.Context, provider string) (func(), error) {
	sem, capped := t.semaphores[provider]
	if !capped {
		return func() {}, nil
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeFunc adapts the table into the single-function form the failover
// coordinator consumes, enforcing the per-provider concurrency cap.
func (t *Table) InvokeFunc() func(ctx context.Context, model *pulseroute.ModelMetadata, request *pulseroute.ModelRequest) (*pulseroute.ModelResponse, error) {
	return func(ctx context.Context, model *pulseroute.ModelMetadata, request *pulseroute.ModelRequest) (*pulseroute.ModelResponse, error) {
		adapter, err := t.For(model.Provider)
		if err != nil {
			return nil, &pulseroute.PermanentError{ModelID: model.ID, Cause: err}
		}
		release, err := t.acquire(ctx, model.Provider)
		if err != nil {
			return nil, err
		}
		defer release()
		return adapter.Invoke(ctx, model, request)
	}
}

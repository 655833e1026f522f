// Package registry holds the model table. Readers take an immutable snapshot
// reference at the start of an operation; configuration reloads build and
// validate a complete replacement table before atomically swapping it in, so
// a failed reload never leaves a partially updated registry.
package registry

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/config"
)

// Snapshot is one immutable generation of the model table.
type Snapshot struct {
	generation int64
	models     map[string]*pulseroute.ModelMetadata

	// Declaration order of the configuration document, for deterministic
	// iteration.
	order []string
}

// Generation identifies the configuration load this snapshot came from.
func (s *Snapshot) Generation() int64 { return s.generation }

// Model returns the metadata for the given id, or nil when unknown.
func (s *Snapshot) Model(id string) *pulseroute.ModelMetadata {
	return s.models[id]
}

// Models returns every model in declaration order.
func (s *Snapshot) Models() []*pulseroute.ModelMetadata {
	models := make([]*pulseroute.ModelMetadata, 0, len(s.order))
	for _, id := range s.order {
		models = append(models, s.models[id])
	}
	return models
}

// EnabledModels returns every enabled model in declaration order.
func (s *Snapshot) EnabledModels() []*pulseroute.ModelMetadata {
	return s.filter(func(m *pulseroute.ModelMetadata) bool { return m.Enabled })
}

// ModelsByProvider returns every model served by the given provider.
func (s *Snapshot) ModelsByProvider(provider string) []*pulseroute.ModelMetadata {
	return s.filter(func(m *pulseroute.ModelMetadata) bool { return m.Provider == provider })
}

// ModelsByCapability returns every model carrying the given capability tag.
func (s *Snapshot) ModelsByCapability(capability string) []*pulseroute.ModelMetadata {
	return s.filter(func(m *pulseroute.ModelMetadata) bool { return m.HasCapability(capability) })
}

// ModelsByCostRange returns every model whose average cost per 1k tokens
// falls in [minCost, maxCost].
func (s *Snapshot) ModelsByCostRange(minCost, maxCost float64) []*pulseroute.ModelMetadata {
	return s.filter(func(m *pulseroute.ModelMetadata) bool {
		avg := m.AverageCostPer1kTokens()
		return avg >= minCost && avg <= maxCost
	})
}

func (s *Snapshot) filter(keep func(*pulseroute.ModelMetadata) bool) []*pulseroute.ModelMetadata {
	var models []*pulseroute.ModelMetadata
	for _, id := range s.order {
		if m := s.models[id]; keep(m) {
			models = append(models, m)
		}
	}
	return models
}

// Registry owns the current snapshot.
type Registry struct {
	path     string
	current  atomic.Pointer[Snapshot]
	logger   *zap.SugaredLogger
	reloaded atomic.Int64
}

// Load reads the configuration at path and builds the first generation.
func Load(path string, logger *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromConfig builds a registry from an already-loaded configuration. Used
// when the caller owns config loading; Reload still re-reads from path when
// one was given.
func FromConfig(cfg *config.Config, path string, logger *zap.SugaredLogger) *Registry {
	r := &Registry{path: path, logger: logger}
	r.install(cfg.Models)
	return r
}

// Snapshot returns the current generation. The returned value is immutable;
// callers keep using it for the whole operation even if a reload lands
// mid-flight.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload re-reads the configuration file and swaps in a new generation.
// On any validation error the previous generation stays installed.
func (r *Registry) Reload() error {
	cfg, err := config.Load(r.path, r.logger)
	if err != nil {
		r.logger.Warnw("Registry reload rejected, keeping current generation",
			"path", r.path, "error", err)
		return err
	}

	r.install(cfg.Models)
	return nil
}

func (r *Registry) install(models []*pulseroute.ModelMetadata) {
	snapshot := &Snapshot{
		generation: r.reloaded.Add(1),
		models:     make(map[string]*pulseroute.ModelMetadata, len(models)),
		order:      make([]string, 0, len(models)),
	}
	for _, m := range models {
		snapshot.models[m.ID] = m
		snapshot.order = append(snapshot.order, m.ID)
	}

	r.current.Store(snapshot)
	r.logger.Infow("Model registry installed",
		"generation", snapshot.generation, "models", len(snapshot.order))
}

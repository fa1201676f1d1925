package strategy

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Factory builds a strategy from parameter overrides.
type Factory func(params map[string]float64) (Strategy, error)

type entry struct {
	specs   []ParamSpec
	factory Factory
}

// Registry manages available strategies. It is built once at startup and passed to the engines.
type Registry struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// NewDefaultRegistry creates a registry holding the built-in strategies.
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)

	// Built-in names are distinct, so registration cannot fail.
	_ = r.Register(MACrossoverName, MACrossoverSpecs(), func(p map[string]float64) (Strategy, error) {
		return NewMACrossover(p)
	})
	_ = r.Register(RSIName, RSISpecs(), func(p map[string]float64) (Strategy, error) {
		return NewRSI(p)
	})
	_ = r.Register(BollingerName, BollingerSpecs(), func(p map[string]float64) (Strategy, error) {
		return NewBollinger(p)
	})

	return r
}

// Register adds a strategy factory. Registering a name twice is a configuration error.
func (r *Registry) Register(name string, specs []ParamSpec, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || factory == nil {
		return types.ConfigError("strategy.register", "name and factory are required")
	}
	if _, exists := r.entries[name]; exists {
		return types.ConfigError("strategy.register", "strategy %q already registered", name)
	}
	r.entries[name] = entry{specs: specs, factory: factory}
	return nil
}

// Build creates a strategy by name. Unknown names are a configuration error.
func (r *Registry) Build(name string, params map[string]float64) (Strategy, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, types.ConfigError("strategy.build", "unknown strategy %q", name)
	}
	s, err := e.factory(params)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Built strategy", zap.String("strategy", name), zap.Int("overrides", len(params)))
	return s, nil
}

// BuildAll builds every configured strategy, failing on the first error.
func (r *Registry) BuildAll(specs []types.StrategySpec) ([]Strategy, error) {
	seen := make(map[string]bool, len(specs))
	out := make([]Strategy, 0, len(specs))
	for _, spec := range specs {
		if seen[spec.Name] {
			return nil, types.ConfigError("strategy.build", "strategy %q configured twice", spec.Name)
		}
		seen[spec.Name] = true

		s, err := r.Build(spec.Name, spec.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Names returns all registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the parameter definitions of a strategy.
func (r *Registry) Specs(name string) ([]ParamSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	out := make([]ParamSpec, len(e.specs))
	copy(out, e.specs)
	return out, true
}

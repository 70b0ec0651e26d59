package process

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// Configuration binds one process type to its graph plus optional per-type
// overrides. Zero overrides inherit the manager defaults.
type Configuration struct {
	Type  string
	Graph *Graph
	// MaxRetriesPerStep caps manager-level step retries; 0 inherits the
	// manager default.
	MaxRetriesPerStep int
	// IsRetryable classifies FAILED step replies. Nil retries every FAILED
	// reply within the budget. TIMED_OUT replies are never retried by the
	// manager; the executor already spent its own budget on them.
	IsRetryable func(step, errMsg string) bool
}

func (c Configuration) maxRetries(fallback int) int {
	if c.MaxRetriesPerStep > 0 {
		return c.MaxRetriesPerStep
	}
	return fallback
}

func (c Configuration) retryable(step, errMsg string) bool {
	if c.IsRetryable != nil {
		return c.IsRetryable(step, errMsg)
	}
	return true
}

// Registry holds every known process configuration. It is populated during
// boot and read-only afterwards; an unknown type at runtime is a client
// error, never a trigger for lazy registration.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]Configuration
}

func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]Configuration)}
}

// Register adds one configuration. Duplicate types and nil graphs are wiring
// errors.
func (r *Registry) Register(cfg Configuration) error {
	if cfg.Type == "" {
		return fmt.Errorf("op=process.register: empty process type: %w", domain.ErrInvalidArgument)
	}
	if cfg.Graph == nil {
		return fmt.Errorf("op=process.register: type %q has no graph: %w", cfg.Type, domain.ErrInvalidProcessGraph)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[cfg.Type]; exists {
		return fmt.Errorf("op=process.register: type %q already registered: %w", cfg.Type, domain.ErrConflict)
	}
	r.configs[cfg.Type] = cfg
	return nil
}

// MustRegister is Register for static wiring in main; it panics on error.
func (r *Registry) MustRegister(cfg Configuration) {
	if err := r.Register(cfg); err != nil {
		panic(err)
	}
}

// Get returns the configuration for a process type.
func (r *Registry) Get(processType string) (Configuration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[processType]
	return cfg, ok
}

// Types returns every registered process type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.configs))
	for t := range r.configs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

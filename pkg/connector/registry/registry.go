// Package registry maps source type tags to connector factories. Connector
// packages register themselves from init, and the job builder resolves each
// configured source's type tag exactly once.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/errors"
)

// SourceFactory creates a source connector instance from its construction
// environment.
type SourceFactory func(cfg *core.SourceConfig) (core.Source, error)

// Registry manages source connector registration and instantiation.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFactory)}
}

// RegisterSource registers a source connector factory under a type tag.
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "source connector %s already registered", name)
	}
	r.sources[name] = factory
	return nil
}

// CreateSource creates a source connector instance for a type tag. Unknown
// tags are configuration errors naming the available types.
func (r *Registry) CreateSource(typeTag string, cfg *core.SourceConfig) (core.Source, error) {
	r.mu.RLock()
	factory, exists := r.sources[typeTag]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"unknown source type %q; available types: %s", typeTag, strings.Join(r.ListSources(), ", "))
	}

	source, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create source %s", cfg.Name))
	}
	return source, nil
}

// ListSources returns the registered type tags, sorted.
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.sources))
	for name := range r.sources {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	return sources
}

// HasSource checks if a type tag is registered.
func (r *Registry) HasSource(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[name]
	return exists
}

// Clear removes all registered connectors (mainly for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = make(map[string]SourceFactory)
}

// Global registry functions

// RegisterSource registers a source connector in the global registry.
func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

// CreateSource creates a source connector from the global registry.
func CreateSource(typeTag string, cfg *core.SourceConfig) (core.Source, error) {
	return globalRegistry.CreateSource(typeTag, cfg)
}

// ListSources returns registered type tags from the global registry.
func ListSources() []string {
	return globalRegistry.ListSources()
}

// HasSource checks the global registry for a type tag.
func HasSource(name string) bool {
	return globalRegistry.HasSource(name)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}

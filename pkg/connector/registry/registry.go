// Package registry manages connector registration and instantiation.
// Source packages register themselves from init, so importing a connector
// package is what makes its family available to the pipeline.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/connector"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/logger"
)

// Factory creates a configured connector instance. The client is the shared
// fetcher the connector uses for catalog probes and document retrieval.
type Factory func(client *fetch.Client, cfg config.SourceConfig) (connector.Connector, error)

// Registry maps source ids to factories
type Registry struct {
	sources map[string]Factory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Factory),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register registers a source connector factory
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source connector %s already registered", name))
	}

	r.sources[name] = factory
	r.logger.Debug("source connector registered", zap.String("name", name))
	return nil
}

// Create creates a connector instance for the named source
func (r *Registry) Create(name string, client *fetch.Client, cfg config.SourceConfig) (connector.Connector, error) {
	r.mu.RLock()
	factory, exists := r.sources[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source connector %s not found", name))
	}

	conn, err := factory(client, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create source connector %s", name))
	}

	return conn, nil
}

// List returns the registered source ids
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.sources))
	for name := range r.sources {
		sources = append(sources, name)
	}
	return sources
}

// Has checks if a source connector is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[name]
	return exists
}

// Clear removes all registered connectors (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources = make(map[string]Factory)
}

// Global registry functions

// Register registers a source connector in the global registry
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// MustRegister registers a source connector and panics on conflict. It is
// meant for init-time registration where a duplicate id is a programming
// error.
func MustRegister(name string, factory Factory) {
	if err := globalRegistry.Register(name, factory); err != nil {
		panic(err)
	}
}

// Create creates a connector from the global registry
func Create(name string, client *fetch.Client, cfg config.SourceConfig) (connector.Connector, error) {
	return globalRegistry.Create(name, client, cfg)
}

// List returns registered sources from the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a source is registered in the global registry
func Has(name string) bool {
	return globalRegistry.Has(name)
}

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}

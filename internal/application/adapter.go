package application

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Transform converts one external field value into its internal
// representation.
type Transform func(value any) (any, error)

// FieldMap declares how one external field maps onto the internal shape.
// Transform is optional; nil passes the value through unchanged.
type FieldMap struct {
	External  string
	Internal  string
	Transform Transform
}

// Adapter describes one source system: its identity, which entity
// collections it syncs, and the declarative field mapping per entity type.
// FullListing declares that the adapter's list endpoints return the entire
// collection; deletion detection is only sound when that holds, so it is
// skipped for adapters that support filtered or incremental listings only.
type Adapter struct {
	Name        string
	FullListing bool
	EntityTypes []string
	FieldMaps   map[string][]FieldMap
}

// AdapterRegistry holds the configured adapters.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
	logger   zerolog.Logger
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry(logger zerolog.Logger) *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[string]*Adapter),
		logger:   logger,
	}
}

// Register adds an adapter to the registry.
func (r *AdapterRegistry) Register(adapter *Adapter) error {
	if adapter.Name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapter.Name]; exists {
		return fmt.Errorf("adapter %q already registered", adapter.Name)
	}
	r.adapters[adapter.Name] = adapter

	r.logger.Info().
		Str("adapter", adapter.Name).
		Strs("entityTypes", adapter.EntityTypes).
		Bool("fullListing", adapter.FullListing).
		Msg("Adapter registered")
	return nil
}

// Get returns the adapter by name, or nil when unknown.
func (r *AdapterRegistry) Get(name string) *Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// Names lists the registered adapter names.
func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

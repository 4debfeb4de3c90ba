package workflow

import (
	"context"
	"fmt"
	"sync"

	"steeple-core-chms-sync-layer/internal/domain"
)

// Payload is the schema both sync workflows accept. BatchID is only set
// for push runs.
type Payload struct {
	Adapter  string `json:"adapter"`
	TokenKey string `json:"token_key"`
	BatchID  string `json:"batch_id,omitempty"`
}

// Outcome is the failure classification a definition reports to the
// executing collaborator: retry on a schedule, or give up.
type Outcome int

const (
	OutcomeRetryable Outcome = iota
	OutcomeFatal
)

// Definition is one named, versioned workflow contract. The core supplies
// the per-attempt logic and failure classification; scheduling, durability,
// and infrastructure-level retries belong to the executing collaborator.
type Definition struct {
	Name           string
	Version        string
	IdempotencyKey func(p Payload) string
	Run            func(ctx context.Context, p Payload) error
	Classify       func(err error) Outcome
}

// Registry holds the registered workflow definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition, rejecting duplicates and incomplete contracts.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Version == "" {
		return fmt.Errorf("workflow definition needs a name and version")
	}
	if def.IdempotencyKey == nil || def.Run == nil {
		return fmt.Errorf("workflow %q needs an idempotency key derivation and a run function", def.Name)
	}
	if def.Classify == nil {
		def.Classify = ClassifyDefault
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names lists the registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// ClassifyDefault maps the sync error taxonomy onto outcomes: anything the
// taxonomy marks retryable (or does not know) retries, the rest is fatal.
func ClassifyDefault(err error) Outcome {
	if domain.IsRetryable(err) {
		return OutcomeRetryable
	}
	return OutcomeFatal
}

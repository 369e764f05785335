package engine

import (
	"context"
	"fmt"
	"sync"
)

// Provider is the engine's view of a cloud control plane: an opaque
// RPC-style capability the executor calls per operation. Errors returned by
// providers are classified through the EngineError classes; anything
// unclassified is treated as fatal.
type Provider interface {
	// Create provisions a new resource and returns the provider-assigned
	// identifier plus the observed attribute values.
	Create(ctx context.Context, kind Kind, fields map[string]any) (id string, outputs map[string]any, err error)

	// Update mutates an existing resource in place and returns the observed
	// attribute values after the change.
	Update(ctx context.Context, id string, kind Kind, fields map[string]any) (outputs map[string]any, err error)

	// Delete removes an existing resource.
	Delete(ctx context.Context, id string, kind Kind) error
}

// Reader is an optional provider capability: reading back live state so the
// engine can detect drift outside its own writes. Providers that cannot
// read simply don't implement it; RefreshMode then falls back to trusting
// the last-written state.
type Reader interface {
	// Read returns the live attribute values for a resource, or exists=false
	// when the provider no longer knows the identifier.
	Read(ctx context.Context, id string, kind Kind) (outputs map[string]any, exists bool, err error)
}

// KindSchema describes diff-relevant properties of a resource kind. It is
// the capability record behind the registry lookup: a flat record per kind,
// no inheritance.
type KindSchema struct {
	// Kind is the resource kind this schema describes.
	Kind Kind `json:"kind"`

	// ImmutableFields are the kind-defining attributes the provider cannot
	// update in place; a change to any of them forces a replace.
	ImmutableFields []string `json:"immutable_fields,omitempty"`
}

// Immutable reports whether the named field forces a replace.
func (s KindSchema) Immutable(field string) bool {
	for _, f := range s.ImmutableFields {
		if f == field {
			return true
		}
	}
	return false
}

// ProviderRegistry dispatches providers and schemas by kind.
type ProviderRegistry interface {
	// Get returns the provider responsible for a kind.
	Get(kind Kind) (Provider, error)

	// Schema returns the diff schema for a kind.
	Schema(kind Kind) (KindSchema, error)

	// Kinds returns all registered kinds, sorted.
	Kinds() []Kind
}

// Registry is the in-process ProviderRegistry implementation.
type Registry struct {
	mu        sync.RWMutex
	providers map[Kind]Provider
	schemas   map[Kind]KindSchema
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[Kind]Provider),
		schemas:   make(map[Kind]KindSchema),
	}
}

// Register binds a provider and schema to a kind, replacing any previous
// registration for that kind.
func (r *Registry) Register(schema KindSchema, provider Provider) error {
	if schema.Kind == "" {
		return NewFatalError("schema has empty kind", nil).WithCode(ErrCodeValidation)
	}
	if provider == nil {
		return NewFatalError(fmt.Sprintf("nil provider for kind %q", schema.Kind), nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[schema.Kind] = provider
	r.schemas[schema.Kind] = schema
	return nil
}

// Get implements ProviderRegistry.
func (r *Registry) Get(kind Kind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[kind]
	if !ok {
		return nil, NewFatalError(fmt.Sprintf("no provider registered for kind %q", kind), nil).
			WithCode(ErrCodeNotFound)
	}
	return p, nil
}

// Schema implements ProviderRegistry.
func (r *Registry) Schema(kind Kind) (KindSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[kind]
	if !ok {
		return KindSchema{}, NewFatalError(fmt.Sprintf("no schema registered for kind %q", kind), nil).
			WithCode(ErrCodeNotFound)
	}
	return s, nil
}

// Kinds implements ProviderRegistry.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make(map[string]struct{}, len(r.schemas))
	for k := range r.schemas {
		names[string(k)] = struct{}{}
	}
	kinds := make([]Kind, 0, len(names))
	for _, k := range sortedKeys(names) {
		kinds = append(kinds, Kind(k))
	}
	return kinds
}

package engine

import (
	"context"
	"sort"
	"time"
)

// StateStore persists the last-known-applied state per logical name. It is
// the only durable entity in the engine; all access goes through this
// interface, never through ambient globals.
//
// Writes must be durable before the operation that produced them is
// considered complete. Implementations serve a single reconciliation run at
// a time: a cycle acquires the exclusive lease before mutating anything.
type StateStore interface {
	// Get returns the applied state for a logical name, or nil when absent.
	Get(ctx context.Context, name string) (*AppliedState, error)

	// Put atomically upserts the record for state.Name.
	Put(ctx context.Context, state *AppliedState) error

	// List returns every applied state record keyed by logical name.
	List(ctx context.Context) (map[string]*AppliedState, error)

	// Remove deletes the record for a logical name. Removing an absent name
	// is not an error.
	Remove(ctx context.Context, name string) error

	// AcquireLease takes the store's exclusive lease for the given holder.
	// It fails with a STORE_LOCKED error while another holder's lease is
	// live. The lease expires after ttl so a crashed cycle cannot wedge the
	// store forever.
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) error

	// ReleaseLease releases the lease if this holder owns it.
	ReleaseLease(ctx context.Context, holder string) error

	// Close flushes and releases the underlying medium.
	Close() error
}

// CycleLog optionally records cycle history. Stores that support it let
// operators inspect past reconciliation outcomes.
type CycleLog interface {
	// SaveCycle persists a cycle report.
	SaveCycle(ctx context.Context, report *CycleReport) error

	// ListCycles returns the most recent cycle reports, newest first.
	ListCycles(ctx context.Context, limit int) ([]*CycleReport, error)
}

// DocumentSource supplies the desired-state document for a cycle. Template
// evaluation and variable resolution are the configuration collaborator's
// job; this interface hands the engine already-resolved concrete values.
type DocumentSource interface {
	Load(ctx context.Context) (*Document, error)
}

// DocumentSourceFunc adapts a function to the DocumentSource interface.
type DocumentSourceFunc func(ctx context.Context) (*Document, error)

// Load implements DocumentSource.
func (f DocumentSourceFunc) Load(ctx context.Context) (*Document, error) {
	return f(ctx)
}

// Recorder receives engine metrics hooks. The telemetry package provides
// the Prometheus-backed implementation; a nil Recorder disables recording.
type Recorder interface {
	// RecordCycle records a completed cycle with its outcome and duration.
	RecordCycle(status CycleStatus, duration time.Duration)

	// RecordOperation records one provider operation outcome.
	RecordOperation(kind Kind, op OperationType, status ResultStatus, duration time.Duration)

	// RecordRetry records a retried provider call.
	RecordRetry(kind Kind, op OperationType)

	// SetManagedResources records the number of resources under management.
	SetManagedResources(n int)
}

// Tracer receives span hooks for cycles and provider operations. The
// telemetry package provides the OpenTelemetry-backed implementation; a nil
// Tracer disables tracing. The returned end func closes the span with the
// outcome and must be called exactly once.
type Tracer interface {
	// StartCycle opens a span covering one reconciliation cycle.
	StartCycle(ctx context.Context, cycleID string) (context.Context, func(err error))

	// StartOperation opens a span for one provider operation.
	StartOperation(ctx context.Context, resource string, kind Kind, op OperationType) (context.Context, func(err error))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package engine

import (
	"time"
)

// Kind identifies a resource kind (e.g., "cluster", "nodepool").
// Kinds are open-ended: behavior dispatches through the provider registry,
// never through type switches in the engine.
type Kind string

// ResourceSpec is the desired declaration of a single resource for one cycle.
// It is immutable once the graph is built.
type ResourceSpec struct {
	// Name is the logical name, unique and stable across cycles.
	Name string `json:"name"`

	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// Fields are the desired attribute values. String values may contain
	// reference tokens of the form ${name.attr} pointing at another
	// resource's output.
	Fields map[string]any `json:"fields"`

	// DependsOn lists logical names this resource depends on, explicit
	// declarations merged with references inferred from Fields.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Document is the desired-state input for one cycle: already-resolved
// concrete values handed over by the configuration-loading collaborator.
type Document struct {
	// Resources maps logical name to its declaration.
	Resources map[string]ResourceDecl `json:"resources"`
}

// ResourceDecl is a single resource declaration inside a Document.
type ResourceDecl struct {
	Kind      Kind           `json:"kind"`
	Fields    map[string]any `json:"fields"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// AppliedStatus is the persisted lifecycle status of a resource.
type AppliedStatus string

const (
	// StatusPending indicates the resource is declared but no provider call
	// has completed for it yet.
	StatusPending AppliedStatus = "pending"

	// StatusUnknown indicates a provider call was dispatched but its outcome
	// was never recorded. A crash between the call and the state write leaves
	// this marker so the next cycle can tell "unknown" from "absent".
	StatusUnknown AppliedStatus = "unknown"

	// StatusApplied indicates the last provider call for this resource
	// succeeded and the recorded fields match what was applied.
	StatusApplied AppliedStatus = "applied"

	// StatusFailed indicates the last provider call for this resource failed.
	StatusFailed AppliedStatus = "failed"

	// StatusDeleted indicates the resource was deleted on the provider side.
	StatusDeleted AppliedStatus = "deleted"
)

// Validate checks if the applied status is valid.
func (s AppliedStatus) Validate() error {
	switch s {
	case StatusPending, StatusUnknown, StatusApplied, StatusFailed, StatusDeleted:
		return nil
	default:
		return NewFatalError("invalid applied status: "+string(s), nil).WithCode(ErrCodeValidation)
	}
}

// AppliedState is the last-known-applied record for one logical name.
// It is owned by the State Store and mutated only by the Executor after a
// confirmed provider response (or as an intent marker just before one).
type AppliedState struct {
	// Name is the logical name this record belongs to.
	Name string `json:"name"`

	// Kind is the resource kind at the time of the last apply.
	Kind Kind `json:"kind"`

	// ProviderID is the provider-assigned identifier; empty until the first
	// successful create.
	ProviderID string `json:"provider_id,omitempty"`

	// Fields are the last-applied desired values as declared, with reference
	// tokens intact. Diffing compares these against the current declaration.
	Fields map[string]any `json:"fields,omitempty"`

	// Outputs are the provider-observed attribute values after the last
	// successful operation, used to resolve downstream references.
	Outputs map[string]any `json:"outputs,omitempty"`

	// DependsOn records the dependency names at apply time so deletions can
	// be ordered after the resource left the desired document.
	DependsOn []string `json:"depends_on,omitempty"`

	// Status is the lifecycle status.
	Status AppliedStatus `json:"status"`

	// Error holds the last failure message when Status is failed.
	Error string `json:"error,omitempty"`

	// LastTransition is when Status last changed.
	LastTransition time.Time `json:"last_transition"`
}

// Clone returns a deep-enough copy for safe mutation by the executor.
func (s *AppliedState) Clone() *AppliedState {
	if s == nil {
		return nil
	}
	out := *s
	out.Fields = cloneFieldMap(s.Fields)
	out.Outputs = cloneFieldMap(s.Outputs)
	out.DependsOn = append([]string(nil), s.DependsOn...)
	return &out
}

// OperationType represents the classified delta for a resource.
type OperationType string

const (
	// OperationNoop indicates desired and applied state are equal.
	OperationNoop OperationType = "noop"

	// OperationCreate indicates the resource has no applied state.
	OperationCreate OperationType = "create"

	// OperationUpdate indicates only mutable fields changed.
	OperationUpdate OperationType = "update"

	// OperationReplace indicates a kind-defining field changed; the resource
	// is deleted and recreated under the same logical name.
	OperationReplace OperationType = "replace"

	// OperationDelete indicates the resource left the desired document.
	OperationDelete OperationType = "delete"
)

// IsDestructive returns true if the operation removes provider-side resources.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete || o == OperationReplace
}

// IsMutating returns true if the operation changes provider-side state.
func (o OperationType) IsMutating() bool {
	return o != OperationNoop
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationNoop, OperationCreate, OperationUpdate, OperationReplace, OperationDelete:
		return nil
	default:
		return NewFatalError("invalid operation type: "+string(o), nil).WithCode(ErrCodeValidation)
	}
}

// ChangeAction describes how a single field changed.
type ChangeAction string

const (
	ChangeActionAdd    ChangeAction = "add"
	ChangeActionRemove ChangeAction = "remove"
	ChangeActionModify ChangeAction = "modify"
)

// FieldChange records one changed field between desired and applied state.
type FieldChange struct {
	// Field is the attribute name.
	Field string `json:"field"`

	// Before is the last-applied value, nil for additions.
	Before any `json:"before,omitempty"`

	// After is the desired value, nil for removals.
	After any `json:"after,omitempty"`

	// Action is the change action.
	Action ChangeAction `json:"action"`

	// ForcesReplace is true when the field is kind-defining and cannot be
	// updated in place.
	ForcesReplace bool `json:"forces_replace,omitempty"`
}

// Delta is the classified difference for one logical name. Deltas are
// cycle-scoped: recomputed every cycle, never persisted.
type Delta struct {
	// Name is the logical name.
	Name string `json:"name"`

	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// Op is the classified operation.
	Op OperationType `json:"op"`

	// Changes lists the changed fields, empty for noop and delete.
	Changes []FieldChange `json:"changes,omitempty"`

	// Reason is set when a delta was promoted rather than computed directly,
	// e.g. an update forced by an upstream replace.
	Reason string `json:"reason,omitempty"`

	// DependsOn is the dependency set relevant for planning: graph edges for
	// create/update/replace, recorded state edges for delete.
	DependsOn []string `json:"depends_on,omitempty"`
}

// DiffSummary counts deltas by classification.
type DiffSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Delete  int `json:"delete"`
	NoOp    int `json:"noop"`
}

// DiffSet is the full diff for one cycle.
type DiffSet struct {
	// Deltas maps logical name to its delta. Every graph node has an entry,
	// including noops; names being deleted have entries too.
	Deltas map[string]*Delta `json:"deltas"`

	// Summary counts deltas by classification.
	Summary DiffSummary `json:"summary"`

	// ComputedAt is when the diff was computed.
	ComputedAt time.Time `json:"computed_at"`
}

// HasChanges returns true if any delta requires a provider operation.
func (d *DiffSet) HasChanges() bool {
	return d.Summary.Create > 0 || d.Summary.Update > 0 ||
		d.Summary.Replace > 0 || d.Summary.Delete > 0
}

// Names returns all logical names in the diff, sorted.
func (d *DiffSet) Names() []string {
	return sortedKeys(d.Deltas)
}

// StepKind distinguishes the two halves of a plan operation.
type StepKind string

const (
	// StepDestroy removes a provider-side resource (deletes and the delete
	// half of replaces).
	StepDestroy StepKind = "destroy"

	// StepApply creates or updates a provider-side resource.
	StepApply StepKind = "apply"
)

// Operation is one unit of work inside a plan stage.
type Operation struct {
	// Name is the logical name the operation acts on.
	Name string `json:"name"`

	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// Op is the delta classification that produced this operation.
	Op OperationType `json:"op"`

	// Step is which half of the operation this is; a replace contributes a
	// destroy step and an apply step under the same logical name.
	Step StepKind `json:"step"`

	// Fields are the desired values for apply steps, nil for destroy steps.
	Fields map[string]any `json:"fields,omitempty"`

	// DependsOn lists the logical names whose operations must commit first.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Stage is a set of operations with no dependency among them; all operations
// in a stage may run concurrently once every earlier stage has committed.
type Stage struct {
	// Index is the stage position in the plan.
	Index int `json:"index"`

	// Operations are ordered deterministically by logical name.
	Operations []Operation `json:"operations"`
}

// Plan is the ordered execution plan for one cycle. Destroy stages come
// first (reverse dependency order), then apply stages (forward order).
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`

	// Stages are executed strictly in order with a barrier between stages.
	Stages []Stage `json:"stages"`

	// Summary counts operations by classification.
	Summary DiffSummary `json:"summary"`
}

// Empty returns true if the plan contains no operations.
func (p *Plan) Empty() bool {
	for _, st := range p.Stages {
		if len(st.Operations) > 0 {
			return false
		}
	}
	return true
}

// OperationCount returns the total number of operations across all stages.
func (p *Plan) OperationCount() int {
	n := 0
	for _, st := range p.Stages {
		n += len(st.Operations)
	}
	return n
}

// ResultStatus is the per-resource outcome of a cycle.
type ResultStatus string

const (
	// ResultApplied indicates the operation succeeded.
	ResultApplied ResultStatus = "applied"

	// ResultUnchanged indicates the resource needed no operation.
	ResultUnchanged ResultStatus = "unchanged"

	// ResultFailed indicates the operation failed terminally this cycle.
	ResultFailed ResultStatus = "failed"

	// ResultSkipped indicates the operation never started because a
	// dependency failed or the cycle was cancelled.
	ResultSkipped ResultStatus = "skipped"
)

// FailureClass is how a terminal operation failure is reported.
type FailureClass string

const (
	// FailureRecoverable means the retry budget was exhausted but the
	// operation can be retried next cycle (quota, throttling, timeouts).
	FailureRecoverable FailureClass = "recoverable"

	// FailureFatal means the desired spec is invalid per the provider and
	// needs human correction before retrying.
	FailureFatal FailureClass = "fatal"
)

// OperationResult is the outcome for one logical name in one cycle.
type OperationResult struct {
	// Name is the logical name.
	Name string `json:"name"`

	// Op is the operation that was (or would have been) performed.
	Op OperationType `json:"op"`

	// Status is the outcome.
	Status ResultStatus `json:"status"`

	// Failure classifies a failed outcome.
	Failure FailureClass `json:"failure,omitempty"`

	// Error is the failure or skip reason, if any.
	Error string `json:"error,omitempty"`

	// Attempts is how many provider calls were made, including retries.
	Attempts int `json:"attempts,omitempty"`

	// Duration is the wall time spent on this resource.
	Duration time.Duration `json:"duration,omitempty"`
}

// CycleStatus is the overall outcome of one reconciliation cycle.
type CycleStatus string

const (
	// CycleConverged means zero mutating operations were needed, or every
	// operation the cycle attempted succeeded.
	CycleConverged CycleStatus = "converged"

	// CyclePartial means some operations were skipped or failed recoverably;
	// a retry cycle is scheduled sooner than the normal interval.
	CyclePartial CycleStatus = "partial"

	// CycleFailed means a fatal error surfaced; automatic retries halt until
	// the desired document changes or an operator forces a cycle.
	CycleFailed CycleStatus = "failed"

	// CycleDeferred means the cycle never ran because another cycle held the
	// state store lease.
	CycleDeferred CycleStatus = "deferred"
)

// IsTerminalFailure returns true when the status halts the automatic loop.
func (s CycleStatus) IsTerminalFailure() bool {
	return s == CycleFailed
}

// CycleReport is the structured per-cycle result handed to the reporting
// collaborator. It always enumerates every logical name, including ones
// skipped because of an unmet dependency.
type CycleReport struct {
	// ID is the unique identifier for this cycle.
	ID string `json:"id"`

	// Status is the overall cycle outcome.
	Status CycleStatus `json:"status"`

	// Results maps logical name to its outcome.
	Results map[string]*OperationResult `json:"results"`

	// Summary counts the deltas that drove this cycle.
	Summary DiffSummary `json:"summary"`

	// StartedAt and Duration time the cycle.
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Error is set for failed and deferred cycles.
	Error string `json:"error,omitempty"`
}

// Converged returns true when the cycle needed no mutating operations.
func (r *CycleReport) Converged() bool {
	return r.Status == CycleConverged
}

func cloneFieldMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

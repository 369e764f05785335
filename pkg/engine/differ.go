package engine

import (
	"fmt"
	"reflect"
	"time"
)

// Differ computes per-resource deltas between the desired graph and the
// last-applied state. Classification dispatches through the provider
// registry's kind schemas; the differ itself knows nothing about any
// particular cloud.
type Differ struct {
	schemas ProviderRegistry
}

// NewDiffer creates a differ backed by the given schema lookup.
func NewDiffer(schemas ProviderRegistry) *Differ {
	return &Differ{schemas: schemas}
}

// Diff classifies every resource in the graph against the applied states and
// emits delete deltas for state records whose name left the document.
// Replace classifications propagate transitively: every resource depending
// on a replaced one is promoted to at least an update, since its inputs may
// change when the dependency is recreated.
func (d *Differ) Diff(graph *ResourceGraph, states map[string]*AppliedState) (*DiffSet, error) {
	if graph == nil {
		return nil, NewFatalError("resource graph is nil", nil).WithCode(ErrCodeValidation)
	}

	diff := &DiffSet{
		Deltas:     make(map[string]*Delta, graph.Len()),
		ComputedAt: time.Now(),
	}

	for _, name := range graph.Names() {
		spec := graph.Spec(name)
		delta, err := d.classify(spec, states[name])
		if err != nil {
			return nil, fmt.Errorf("failed to classify resource %s: %w", name, err)
		}
		diff.Deltas[name] = delta
	}

	// State records with no declaration are deletions. Their ordering edges
	// come from the dependency names recorded at apply time.
	for _, name := range sortedKeys(states) {
		if graph.Contains(name) {
			continue
		}
		state := states[name]
		diff.Deltas[name] = &Delta{
			Name:      name,
			Kind:      state.Kind,
			Op:        OperationDelete,
			DependsOn: append([]string(nil), state.DependsOn...),
		}
	}

	d.propagateReplaces(graph, diff)

	for _, delta := range diff.Deltas {
		switch delta.Op {
		case OperationCreate:
			diff.Summary.Create++
		case OperationUpdate:
			diff.Summary.Update++
		case OperationReplace:
			diff.Summary.Replace++
		case OperationDelete:
			diff.Summary.Delete++
		case OperationNoop:
			diff.Summary.NoOp++
		}
	}

	return diff, nil
}

// classify applies the priority rules for a single declared resource:
// absent state -> create; immutable field changed -> replace; mutable field
// changed -> update; equal -> noop.
func (d *Differ) classify(spec *ResourceSpec, state *AppliedState) (*Delta, error) {
	delta := &Delta{
		Name:      spec.Name,
		Kind:      spec.Kind,
		DependsOn: append([]string(nil), spec.DependsOn...),
	}

	if state == nil {
		delta.Op = OperationCreate
		delta.Changes = fieldChanges(nil, spec.Fields, KindSchema{})
		return delta, nil
	}

	schema, err := d.schemas.Schema(spec.Kind)
	if err != nil {
		return nil, err
	}

	// A kind change under the same logical name is a replace by definition:
	// the provider-side object is a different thing entirely.
	if state.Kind != spec.Kind {
		delta.Op = OperationReplace
		delta.Changes = fieldChanges(state.Fields, spec.Fields, schema)
		delta.Reason = fmt.Sprintf("kind changed from %s to %s", state.Kind, spec.Kind)
		return delta, nil
	}

	// Any record that is not in applied status means the last cycle never
	// finished a successful apply for this resource: unknown (crash mid
	// provider call), failed, pending (never dispatched), or deleted (a
	// replace interrupted between its halves). Re-apply so the provider
	// settles the true state; equal fields must not pass as a noop here.
	// A record with no provider id goes back through create.
	if state.Status != StatusApplied {
		delta.Op = OperationUpdate
		if state.ProviderID == "" {
			delta.Op = OperationCreate
		}
		delta.Changes = fieldChanges(state.Fields, spec.Fields, schema)
		delta.Reason = fmt.Sprintf("previous cycle left status %s", state.Status)
		return delta, nil
	}

	changes := fieldChanges(state.Fields, spec.Fields, schema)
	if len(changes) == 0 {
		delta.Op = OperationNoop
		return delta, nil
	}

	delta.Changes = changes
	delta.Op = OperationUpdate
	for _, c := range changes {
		if c.ForcesReplace {
			delta.Op = OperationReplace
			break
		}
	}
	return delta, nil
}

// fieldChanges computes the per-field difference between last-applied and
// desired values. Desired values are compared as declared, reference tokens
// intact, so resolved outputs never mask a declaration change.
func fieldChanges(before, after map[string]any, schema KindSchema) []FieldChange {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	var changes []FieldChange
	for _, k := range sortedKeys(keys) {
		b, hasBefore := before[k]
		a, hasAfter := after[k]

		switch {
		case !hasBefore:
			changes = append(changes, FieldChange{
				Field:         k,
				After:         a,
				Action:        ChangeActionAdd,
				ForcesReplace: schema.Immutable(k),
			})
		case !hasAfter:
			changes = append(changes, FieldChange{
				Field:         k,
				Before:        b,
				Action:        ChangeActionRemove,
				ForcesReplace: schema.Immutable(k),
			})
		case !valuesEqual(b, a):
			changes = append(changes, FieldChange{
				Field:         k,
				Before:        b,
				After:         a,
				Action:        ChangeActionModify,
				ForcesReplace: schema.Immutable(k),
			})
		}
	}
	return changes
}

// valuesEqual compares field values structurally. Numeric values are
// normalized first: YAML and JSON decoders disagree about int vs float for
// the same literal, and that must not read as drift.
func valuesEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// propagateReplaces walks dependents of every replace-classified resource
// and promotes noops to updates, transitively. A dependent's input values
// may change when its dependency is recreated even if its own declaration
// did not.
func (d *Differ) propagateReplaces(graph *ResourceGraph, diff *DiffSet) {
	queue := make([]string, 0)
	for _, name := range diff.Names() {
		if diff.Deltas[name].Op == OperationReplace {
			queue = append(queue, name)
		}
	}

	visited := make(map[string]struct{})
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		for _, dep := range graph.Dependents(name) {
			if _, ok := visited[dep]; ok {
				continue
			}
			visited[dep] = struct{}{}

			delta := diff.Deltas[dep]
			if delta != nil && delta.Op == OperationNoop {
				delta.Op = OperationUpdate
				delta.Reason = fmt.Sprintf("dependency %s is being replaced", name)
			}
			queue = append(queue, dep)
		}
	}
}

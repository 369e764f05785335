package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// BuildPlan topologically orders the diffed operations into stages. The plan
// has two sections: destroy stages first (deletes plus the delete half of
// replaces, in reverse dependency order), then apply stages (creates,
// updates and the create half of replaces, in forward order). Operations
// within a stage have no edges between them and may run concurrently.
//
// Kahn's algorithm with a tie-break by logical name makes plans reproducible
// for identical input. Noop deltas contribute no operations but still
// satisfy their dependents' edges.
func BuildPlan(graph *ResourceGraph, diff *DiffSet) (*Plan, error) {
	if graph == nil || diff == nil {
		return nil, NewFatalError("plan requires a graph and a diff", nil).WithCode(ErrCodeValidation)
	}

	// Invariant from graph validation: every graph-declared dependency has
	// a delta, since the differ classifies every graph node. A miss here is
	// an internal bug, fatal to the cycle before any provider call. Delete
	// deltas are exempt: their dependency names were recorded at apply time,
	// and a recorded name since removed from state (out-of-band removal or
	// read-back refresh) simply imposes no ordering.
	for _, name := range diff.Names() {
		delta := diff.Deltas[name]
		if delta.Op == OperationDelete {
			continue
		}
		for _, dep := range delta.DependsOn {
			if _, ok := diff.Deltas[dep]; !ok {
				return nil, NewUnresolvablePlanError(name, dep)
			}
		}
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Summary:   diff.Summary,
	}

	destroyStages, err := orderSection(diff, destroySection)
	if err != nil {
		return nil, err
	}
	applyStages, err := orderSection(diff, applySection)
	if err != nil {
		return nil, err
	}

	for _, ops := range destroyStages {
		plan.Stages = append(plan.Stages, Stage{Index: len(plan.Stages), Operations: ops})
	}
	for _, ops := range applyStages {
		for i := range ops {
			if spec := graph.Spec(ops[i].Name); spec != nil {
				ops[i].Fields = cloneFieldMap(spec.Fields)
			}
		}
		plan.Stages = append(plan.Stages, Stage{Index: len(plan.Stages), Operations: ops})
	}

	return plan, nil
}

type section int

const (
	destroySection section = iota
	applySection
)

// inSection reports whether a delta contributes an operation to the section.
// Replaces contribute to both: their delete half destroys, their create half
// applies.
func inSection(op OperationType, s section) bool {
	switch s {
	case destroySection:
		return op == OperationDelete || op == OperationReplace
	default:
		return op == OperationCreate || op == OperationUpdate || op == OperationReplace
	}
}

// orderSection runs Kahn's algorithm over one section of the diff. For the
// apply section edges point dependency -> dependent (dependencies first);
// for the destroy section they are reversed (dependents first). Layers of
// the sort become concurrent stages.
func orderSection(diff *DiffSet, s section) ([][]Operation, error) {
	members := make(map[string]*Delta)
	for name, delta := range diff.Deltas {
		if inSection(delta.Op, s) {
			members[name] = delta
		}
	}
	if len(members) == 0 {
		return nil, nil
	}

	// Edges restricted to section members: a dependency that needs no
	// operation in this section imposes no ordering here.
	succ := make(map[string][]string, len(members))
	pred := make(map[string][]string, len(members))
	inDegree := make(map[string]int, len(members))
	for name := range members {
		inDegree[name] = 0
	}
	for name, delta := range members {
		for _, dep := range delta.DependsOn {
			if _, ok := members[dep]; !ok {
				continue
			}
			if s == destroySection {
				// Dependents are torn down before their dependencies.
				succ[name] = append(succ[name], dep)
				pred[dep] = append(pred[dep], name)
				inDegree[dep]++
			} else {
				succ[dep] = append(succ[dep], name)
				pred[name] = append(pred[name], dep)
				inDegree[name]++
			}
		}
	}

	current := make([]string, 0)
	for name, deg := range inDegree {
		if deg == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	var stages [][]Operation
	processed := 0
	for len(current) > 0 {
		ops := make([]Operation, 0, len(current))
		for _, name := range current {
			ops = append(ops, buildOperation(members[name], s, pred[name]))
		}
		stages = append(stages, ops)
		processed += len(current)

		next := make([]string, 0)
		for _, name := range current {
			for _, follower := range succ[name] {
				inDegree[follower]--
				if inDegree[follower] == 0 {
					next = append(next, follower)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	// Graph validation already rejected cycles; failing to drain the queue
	// here means the diff edges disagree with the graph.
	if processed != len(members) {
		return nil, NewFatalError("failed to order all operations", nil).WithCode(ErrCodeUnresolvablePlan)
	}

	return stages, nil
}

// buildOperation materializes a delta into one section's operation. The
// DependsOn carried on the operation lists ordering predecessors within the
// section, which for the destroy section are the resource's dependents.
func buildOperation(delta *Delta, s section, predecessors []string) Operation {
	op := Operation{
		Name:      delta.Name,
		Kind:      delta.Kind,
		Op:        delta.Op,
		DependsOn: append([]string(nil), predecessors...),
	}
	sort.Strings(op.DependsOn)
	if s == destroySection {
		op.Step = StepDestroy
		return op
	}
	op.Step = StepApply
	return op
}

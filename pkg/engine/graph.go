package engine

import (
	"fmt"
	"regexp"
	"sort"
)

// refPattern matches reference tokens of the form ${name.attr} inside
// string field values. The first capture is the logical name, the second
// the output attribute.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_]+)\}`)

// ResourceGraph is the validated dependency graph for one cycle: ResourceSpec
// nodes plus explicit and inferred dependency edges. Invariant: acyclic.
// Graphs are cycle-scoped and immutable once built.
type ResourceGraph struct {
	specs map[string]*ResourceSpec

	// dependencies maps a name to the names it depends on.
	dependencies map[string][]string

	// dependents maps a name to the names that depend on it.
	dependents map[string][]string
}

// BuildGraph parses a desired-state document into a ResourceGraph. It merges
// explicit depends_on entries with dependencies inferred from ${name.attr}
// reference tokens, validates that every dependency resolves to a declared
// resource, and rejects cyclic documents. No side effects.
func BuildGraph(doc *Document) (*ResourceGraph, error) {
	if doc == nil {
		return nil, NewFatalError("desired-state document is nil", nil).WithCode(ErrCodeValidation)
	}

	g := &ResourceGraph{
		specs:        make(map[string]*ResourceSpec, len(doc.Resources)),
		dependencies: make(map[string][]string, len(doc.Resources)),
		dependents:   make(map[string][]string, len(doc.Resources)),
	}

	// First pass: index all declarations.
	for name, decl := range doc.Resources {
		if name == "" {
			return nil, NewFatalError("resource has empty logical name", nil).WithCode(ErrCodeValidation)
		}
		if decl.Kind == "" {
			return nil, NewFatalError(fmt.Sprintf("resource %q has empty kind", name), nil).
				WithCode(ErrCodeValidation).WithResource(name)
		}
		g.specs[name] = &ResourceSpec{
			Name:   name,
			Kind:   decl.Kind,
			Fields: cloneFieldMap(decl.Fields),
		}
	}

	// Second pass: build edges and validate references.
	for _, name := range g.Names() {
		spec := g.specs[name]
		decl := doc.Resources[name]

		deps := make(map[string]struct{})
		for _, dep := range decl.DependsOn {
			deps[dep] = struct{}{}
		}
		for _, dep := range inferReferences(decl.Fields) {
			deps[dep] = struct{}{}
		}
		delete(deps, name) // self-references carry no ordering information

		for _, dep := range sortedKeys(deps) {
			if _, ok := g.specs[dep]; !ok {
				return nil, NewUnknownReferenceError(name, dep)
			}
			g.dependencies[name] = append(g.dependencies[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
		spec.DependsOn = append([]string(nil), g.dependencies[name]...)
	}

	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewCycleError(cycle)
	}

	return g, nil
}

// inferReferences extracts referenced logical names from string field values,
// descending into nested maps and slices.
func inferReferences(fields map[string]any) []string {
	seen := make(map[string]struct{})
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(val, -1) {
				seen[m[1]] = struct{}{}
			}
		case map[string]any:
			for _, nested := range val {
				walk(nested)
			}
		case []any:
			for _, nested := range val {
				walk(nested)
			}
		}
	}
	for _, v := range fields {
		walk(v)
	}
	return sortedKeys(seen)
}

// findCycle returns a cycle path (first node repeated at the end) or nil.
// Depth-first search over sorted names keeps the reported cycle stable for
// identical input.
func (g *ResourceGraph) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.specs))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inStack
		path = append(path, name)

		for _, dep := range g.dependencies[name] {
			switch state[dep] {
			case inStack:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		state[name] = done
		return false
	}

	for _, name := range g.Names() {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

// Names returns all logical names in the graph, sorted.
func (g *ResourceGraph) Names() []string {
	return sortedKeys(g.specs)
}

// Spec returns the ResourceSpec for a logical name, or nil when absent.
func (g *ResourceGraph) Spec(name string) *ResourceSpec {
	return g.specs[name]
}

// Dependencies returns the names a resource depends on, sorted.
func (g *ResourceGraph) Dependencies(name string) []string {
	return g.dependencies[name]
}

// Dependents returns the names that depend on a resource, sorted.
func (g *ResourceGraph) Dependents(name string) []string {
	return g.dependents[name]
}

// Len returns the number of resources in the graph.
func (g *ResourceGraph) Len() int {
	return len(g.specs)
}

// Contains reports whether the graph declares the given logical name.
func (g *ResourceGraph) Contains(name string) bool {
	_, ok := g.specs[name]
	return ok
}

// Package static implements an in-memory provider for a small catalog of
// infrastructure kinds. It backs local development, the CLI's dry runs and
// the integration tests, and supports injecting faults to exercise the
// executor's retry and containment behavior.
package static

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/reflow-iac/reflow/pkg/engine"
)

// Kinds returns the schemas this provider serves.
func Kinds() []engine.KindSchema {
	return []engine.KindSchema{
		{Kind: "cluster", ImmutableFields: []string{"region"}},
		{Kind: "nodepool", ImmutableFields: []string{"cluster_id", "vm_size"}},
		{Kind: "log_workspace", ImmutableFields: []string{"region"}},
		{Kind: "diagnostic_setting", ImmutableFields: []string{"target_id"}},
		{Kind: "role_assignment", ImmutableFields: []string{"principal_id", "scope", "role"}},
	}
}

type record struct {
	kind   engine.Kind
	fields map[string]any
}

// Provider keeps every created resource in memory. The zero value is not
// usable; construct with New.
type Provider struct {
	mu        sync.Mutex
	resources map[string]*record
	faults    []fault
}

type fault struct {
	op   string // "create", "update", "delete" or "" for any
	kind engine.Kind
	err  error
}

// New creates an empty provider.
func New() *Provider {
	return &Provider{resources: make(map[string]*record)}
}

// Register registers the provider for all of its kinds.
func Register(reg *engine.Registry, p *Provider) error {
	for _, schema := range Kinds() {
		if err := reg.Register(schema, p); err != nil {
			return err
		}
	}
	return nil
}

// InjectFault queues an error to be returned by the next matching provider
// call. op may be "create", "update", "delete" or empty for any; kind may
// be empty for any.
func (p *Provider) InjectFault(op string, kind engine.Kind, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, fault{op: op, kind: kind, err: err})
}

func (p *Provider) takeFault(op string, kind engine.Kind) error {
	for i, f := range p.faults {
		if (f.op == "" || f.op == op) && (f.kind == "" || f.kind == kind) {
			p.faults = append(p.faults[:i], p.faults[i+1:]...)
			return f.err
		}
	}
	return nil
}

// Create materializes a resource and returns its id and outputs.
func (p *Provider) Create(_ context.Context, kind engine.Kind, fields map[string]any) (string, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("create", kind); err != nil {
		return "", nil, err
	}

	id := fmt.Sprintf("%s-%s", kind, uuid.New().String()[:8])
	p.resources[id] = &record{kind: kind, fields: copyFields(fields)}
	return id, p.outputs(id, kind, fields), nil
}

// Update mutates an existing resource. Changing an immutable field is a
// fatal error; the differ should have planned a replacement instead.
func (p *Provider) Update(_ context.Context, id string, kind engine.Kind, fields map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("update", kind); err != nil {
		return nil, err
	}

	rec, ok := p.resources[id]
	if !ok {
		return nil, engine.NewFatalError(fmt.Sprintf("resource %s does not exist", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	for _, schema := range Kinds() {
		if schema.Kind != kind {
			continue
		}
		for _, field := range schema.ImmutableFields {
			before, had := rec.fields[field]
			after, has := fields[field]
			if had && has && fmt.Sprintf("%v", before) != fmt.Sprintf("%v", after) {
				return nil, engine.NewFatalError(
					fmt.Sprintf("field %s of %s is immutable", field, kind), nil,
				).WithCode(engine.ErrCodeValidation)
			}
		}
	}

	rec.fields = copyFields(fields)
	return p.outputs(id, kind, fields), nil
}

// Delete removes a resource. Deleting an unknown id succeeds, matching how
// real control planes treat repeated deletes.
func (p *Provider) Delete(_ context.Context, id string, kind engine.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("delete", kind); err != nil {
		return err
	}

	delete(p.resources, id)
	return nil
}

// Read reports the current outputs of a resource, or exists=false when the
// id is unknown. This backs the reconciler's read-back refresh mode.
func (p *Provider) Read(_ context.Context, id string, _ engine.Kind) (map[string]any, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.resources[id]
	if !ok {
		return nil, false, nil
	}
	return p.outputs(id, rec.kind, rec.fields), true, nil
}

// Forget drops a resource without going through Delete, simulating
// out-of-band drift.
func (p *Provider) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resources, id)
}

// Len returns the number of live resources.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

// outputs echoes the declared fields plus the computed attributes clients
// reference from other resources.
func (p *Provider) outputs(id string, kind engine.Kind, fields map[string]any) map[string]any {
	out := copyFields(fields)
	out["id"] = id
	switch kind {
	case "cluster":
		out["endpoint"] = fmt.Sprintf("https://%s.reflow.local", id)
	case "log_workspace":
		out["workspace_url"] = fmt.Sprintf("https://logs.reflow.local/%s", id)
	}
	return out
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory StateStore and CycleLog for tests.
type memStore struct {
	mu          sync.Mutex
	states      map[string]*AppliedState
	cycles      []*CycleReport
	leaseHolder string
	leaseExpiry time.Time

	// statusLog records every status written per name, in order, so tests
	// can assert the intent record preceded the final commit.
	statusLog map[string][]AppliedStatus
}

func newMemStore() *memStore {
	return &memStore{
		states:    make(map[string]*AppliedState),
		statusLog: make(map[string][]AppliedStatus),
	}
}

func (m *memStore) Get(_ context.Context, name string) (*AppliedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[name]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (m *memStore) Put(_ context.Context, state *AppliedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Name] = state.Clone()
	m.statusLog[state.Name] = append(m.statusLog[state.Name], state.Status)
	return nil
}

func (m *memStore) List(_ context.Context) (map[string]*AppliedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*AppliedState, len(m.states))
	for name, state := range m.states {
		out[name] = state.Clone()
	}
	return out, nil
}

func (m *memStore) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, name)
	m.statusLog[name] = append(m.statusLog[name], StatusDeleted)
	return nil
}

func (m *memStore) AcquireLease(_ context.Context, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.leaseHolder != "" && m.leaseHolder != holder && now.Before(m.leaseExpiry) {
		return NewStoreLockedError(m.leaseHolder)
	}
	m.leaseHolder = holder
	m.leaseExpiry = now.Add(ttl)
	return nil
}

func (m *memStore) ReleaseLease(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseHolder == holder {
		m.leaseHolder = ""
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) SaveCycle(_ context.Context, report *CycleReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, report)
	return nil
}

func (m *memStore) ListCycles(_ context.Context, limit int) ([]*CycleReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cycles := m.cycles
	if limit > 0 && len(cycles) > limit {
		cycles = cycles[len(cycles)-limit:]
	}
	return append([]*CycleReport(nil), cycles...), nil
}

func (m *memStore) statuses(name string) []AppliedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AppliedStatus(nil), m.statusLog[name]...)
}

func (m *memStore) seed(states ...*AppliedState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range states {
		m.states[state.Name] = state.Clone()
	}
}

// fakeProvider is a scriptable Provider. Hooks default to success, echoing
// the fields back as outputs.
type fakeProvider struct {
	mu     sync.Mutex
	nextID int

	createCalls int
	updateCalls int
	deleteCalls int

	onCreate func(kind Kind, fields map[string]any) (map[string]any, error)
	onUpdate func(id string, kind Kind, fields map[string]any) (map[string]any, error)
	onDelete func(id string, kind Kind) error
}

func (p *fakeProvider) Create(_ context.Context, kind Kind, fields map[string]any) (string, map[string]any, error) {
	p.mu.Lock()
	p.createCalls++
	p.nextID++
	// The "new" marker keeps generated ids distinct from fixture-seeded ids
	// like "cluster-1", so replace tests can tell the halves apart.
	id := fmt.Sprintf("%s-new-%d", kind, p.nextID)
	hook := p.onCreate
	p.mu.Unlock()

	if hook != nil {
		outputs, err := hook(kind, fields)
		return id, outputs, err
	}
	return id, cloneFieldMap(fields), nil
}

func (p *fakeProvider) Update(_ context.Context, id string, kind Kind, fields map[string]any) (map[string]any, error) {
	p.mu.Lock()
	p.updateCalls++
	hook := p.onUpdate
	p.mu.Unlock()

	if hook != nil {
		return hook(id, kind, fields)
	}
	return cloneFieldMap(fields), nil
}

func (p *fakeProvider) Delete(_ context.Context, id string, kind Kind) error {
	p.mu.Lock()
	p.deleteCalls++
	hook := p.onDelete
	p.mu.Unlock()

	if hook != nil {
		return hook(id, kind)
	}
	return nil
}

func (p *fakeProvider) calls() (creates, updates, deletes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls, p.updateCalls, p.deleteCalls
}

// testRegistry registers the fake provider for the given kinds, with
// optional immutable fields per kind.
func testRegistry(t interface{ Fatalf(string, ...any) }, provider Provider, kinds map[Kind][]string) *Registry {
	reg := NewRegistry()
	for kind, immutable := range kinds {
		schema := KindSchema{Kind: kind, ImmutableFields: immutable}
		if err := reg.Register(schema, provider); err != nil {
			t.Fatalf("registering kind %s: %v", kind, err)
		}
	}
	return reg
}

func testDoc(resources map[string]ResourceDecl) *Document {
	return &Document{Resources: resources}
}

// spanLog records started and finished spans so tests can assert the
// tracing hooks fire.
type spanLog struct {
	mu     sync.Mutex
	cycles []string
	ops    []string
	ended  int
	errs   int
}

func (l *spanLog) StartCycle(ctx context.Context, cycleID string) (context.Context, func(error)) {
	l.mu.Lock()
	l.cycles = append(l.cycles, cycleID)
	l.mu.Unlock()
	return ctx, l.end
}

func (l *spanLog) StartOperation(ctx context.Context, resource string, kind Kind, op OperationType) (context.Context, func(error)) {
	l.mu.Lock()
	l.ops = append(l.ops, fmt.Sprintf("%s/%s/%s", resource, kind, op))
	l.mu.Unlock()
	return ctx, l.end
}

func (l *spanLog) end(err error) {
	l.mu.Lock()
	l.ended++
	if err != nil {
		l.errs++
	}
	l.mu.Unlock()
}

func appliedState(name string, kind Kind, id string, fields map[string]any) *AppliedState {
	return &AppliedState{
		Name:       name,
		Kind:       kind,
		ProviderID: id,
		Fields:     fields,
		Outputs:    cloneFieldMap(fields),
		Status:     StatusApplied,
	}
}

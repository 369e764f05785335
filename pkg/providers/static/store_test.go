package static

import (
	"context"
	"sync"
	"time"

	"github.com/reflow-iac/reflow/pkg/engine"
)

// testStore is a minimal in-memory engine.StateStore.
type testStore struct {
	mu     sync.Mutex
	states map[string]*engine.AppliedState
}

func newTestStore() *testStore {
	return &testStore{states: make(map[string]*engine.AppliedState)}
}

func (s *testStore) Get(_ context.Context, name string) (*engine.AppliedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (s *testStore) Put(_ context.Context, state *engine.AppliedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Name] = state.Clone()
	return nil
}

func (s *testStore) List(_ context.Context) (map[string]*engine.AppliedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*engine.AppliedState, len(s.states))
	for name, state := range s.states {
		out[name] = state.Clone()
	}
	return out, nil
}

func (s *testStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
	return nil
}

func (s *testStore) AcquireLease(context.Context, string, time.Duration) error { return nil }
func (s *testStore) ReleaseLease(context.Context, string) error                { return nil }
func (s *testStore) Close() error                                              { return nil }

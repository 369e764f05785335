package engine

import (
	"context"
	"testing"
	"time"
)

func fastExecutor(reg ProviderRegistry, store StateStore) *Executor {
	return NewExecutor(reg, store, ExecutorOptions{
		MaxParallel:    2,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
}

func planFor(t *testing.T, doc *Document, states map[string]*AppliedState, reg ProviderRegistry) *Plan {
	t.Helper()
	graph, err := BuildGraph(doc)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	diff, err := NewDiffer(reg).Diff(graph, states)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	plan, err := BuildPlan(graph, diff)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	return plan
}

func TestExecuteCreatesAndCommitsState(t *testing.T) {
	provider := &fakeProvider{}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	doc := testDoc(map[string]ResourceDecl{
		"web": {Kind: "cluster", Fields: map[string]any{"region": "eu-west-1"}},
	})
	plan := planFor(t, doc, nil, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res := results["web"]
	if res == nil || res.Status != ResultApplied {
		t.Fatalf("result = %+v, want applied", res)
	}

	state, _ := store.Get(context.Background(), "web")
	if state == nil {
		t.Fatal("no state committed for web")
	}
	if state.Status != StatusApplied || state.ProviderID == "" {
		t.Errorf("state = %+v, want applied with provider id", state)
	}
	if state.Outputs["region"] != "eu-west-1" {
		t.Errorf("outputs = %v, want provider outputs recorded", state.Outputs)
	}

	// The intent record lands before the final commit, so a crash between
	// the two reads back as unknown rather than absent.
	statuses := store.statuses("web")
	if len(statuses) != 2 || statuses[0] != StatusUnknown || statuses[1] != StatusApplied {
		t.Errorf("status sequence = %v, want [unknown applied]", statuses)
	}
}

func TestExecuteResolvesReferences(t *testing.T) {
	provider := &fakeProvider{}
	var poolFields map[string]any
	provider.onCreate = func(kind Kind, fields map[string]any) (map[string]any, error) {
		if kind == "nodepool" {
			poolFields = fields
		}
		return cloneFieldMap(fields), nil
	}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	doc := testDoc(map[string]ResourceDecl{
		"cluster": {Kind: "cluster", Fields: map[string]any{"region": "eu-west-1"}},
		"pool": {Kind: "nodepool", Fields: map[string]any{
			"cluster_region": "${cluster.region}",
			"endpoint":       "https://${cluster.region}.example.com",
		}},
	})
	plan := planFor(t, doc, nil, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results["pool"].Status != ResultApplied {
		t.Fatalf("pool result = %+v", results["pool"])
	}

	if poolFields["cluster_region"] != "eu-west-1" {
		t.Errorf("whole-token reference = %v, want eu-west-1", poolFields["cluster_region"])
	}
	if poolFields["endpoint"] != "https://eu-west-1.example.com" {
		t.Errorf("interpolated reference = %v", poolFields["endpoint"])
	}

	// The declaration keeps its tokens; only the provider call sees
	// resolved values.
	state, _ := store.Get(context.Background(), "pool")
	if state.Fields["cluster_region"] != "${cluster.region}" {
		t.Errorf("stored fields = %v, want tokens preserved", state.Fields)
	}
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	provider := &fakeProvider{}
	attempts := 0
	provider.onCreate = func(kind Kind, fields map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, NewTransientError("connection reset", nil)
		}
		return cloneFieldMap(fields), nil
	}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	doc := testDoc(map[string]ResourceDecl{
		"web": {Kind: "cluster", Fields: map[string]any{"region": "eu-west-1"}},
	})
	plan := planFor(t, doc, nil, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res := results["web"]
	if res.Status != ResultApplied {
		t.Fatalf("result = %+v, want applied after retries", res)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestExecuteFatalFailureDoesNotRetry(t *testing.T) {
	provider := &fakeProvider{}
	calls := 0
	provider.onCreate = func(kind Kind, fields map[string]any) (map[string]any, error) {
		calls++
		return nil, NewFatalError("quota exceeded", nil)
	}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	doc := testDoc(map[string]ResourceDecl{
		"web": {Kind: "cluster", Fields: map[string]any{"region": "eu-west-1"}},
	})
	plan := planFor(t, doc, nil, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res := results["web"]
	if res.Status != ResultFailed || res.Failure != FailureFatal {
		t.Fatalf("result = %+v, want fatal failure", res)
	}
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}

	state, _ := store.Get(context.Background(), "web")
	if state == nil || state.Status != StatusFailed {
		t.Errorf("state = %+v, want failed status committed", state)
	}
}

func TestExecuteExhaustedRetriesAreRecoverable(t *testing.T) {
	provider := &fakeProvider{}
	provider.onCreate = func(kind Kind, fields map[string]any) (map[string]any, error) {
		return nil, NewThrottledError("rate limited", nil)
	}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	doc := testDoc(map[string]ResourceDecl{
		"web": {Kind: "cluster", Fields: map[string]any{"region": "eu-west-1"}},
	})
	plan := planFor(t, doc, nil, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res := results["web"]
	if res.Status != ResultFailed || res.Failure != FailureRecoverable {
		t.Fatalf("result = %+v, want recoverable failure", res)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want full retry budget", res.Attempts)
	}
}

func TestExecuteFailureContainment(t *testing.T) {
	provider := &fakeProvider{}
	provider.onCreate = func(kind Kind, fields map[string]any) (map[string]any, error) {
		if fields["label"] == "bad" {
			return nil, NewFatalError("boom", nil)
		}
		return cloneFieldMap(fields), nil
	}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	// Two disjoint subtrees: the failure in one must not stop the other.
	doc := testDoc(map[string]ResourceDecl{
		"bad":      {Kind: "cluster", Fields: map[string]any{"label": "bad"}},
		"bad-pool": {Kind: "nodepool", Fields: map[string]any{"label": "bp"}, DependsOn: []string{"bad"}},
		"bad-leaf": {Kind: "nodepool", Fields: map[string]any{"label": "bl"}, DependsOn: []string{"bad-pool"}},
		"ok":       {Kind: "cluster", Fields: map[string]any{"label": "ok"}},
		"ok-pool":  {Kind: "nodepool", Fields: map[string]any{"label": "op"}, DependsOn: []string{"ok"}},
	})
	plan := planFor(t, doc, nil, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if results["bad"].Status != ResultFailed {
		t.Errorf("bad = %+v, want failed", results["bad"])
	}
	for _, name := range []string{"bad-pool", "bad-leaf"} {
		if results[name].Status != ResultSkipped {
			t.Errorf("%s = %+v, want skipped", name, results[name])
		}
	}
	for _, name := range []string{"ok", "ok-pool"} {
		if results[name].Status != ResultApplied {
			t.Errorf("%s = %+v, want applied", name, results[name])
		}
	}

	// A skipped first-time create leaves a pending marker, never an
	// applied record.
	state, _ := store.Get(context.Background(), "bad-pool")
	if state == nil || state.Status != StatusPending {
		t.Errorf("bad-pool state = %+v, want pending", state)
	}
	if state != nil && state.ProviderID != "" {
		t.Errorf("bad-pool has provider id %q without a provider call", state.ProviderID)
	}
}

func TestExecuteDeleteRemovesRecord(t *testing.T) {
	provider := &fakeProvider{}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()
	store.seed(appliedState("old", "cluster", "cluster-9", map[string]any{"region": "eu-west-1"}))

	doc := testDoc(map[string]ResourceDecl{})
	plan := planFor(t, doc, map[string]*AppliedState{
		"old": appliedState("old", "cluster", "cluster-9", map[string]any{"region": "eu-west-1"}),
	}, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if results["old"].Status != ResultApplied {
		t.Fatalf("result = %+v, want applied delete", results["old"])
	}
	if _, _, deletes := provider.calls(); deletes != 1 {
		t.Errorf("provider deletes = %d, want 1", deletes)
	}
	if state, _ := store.Get(context.Background(), "old"); state != nil {
		t.Errorf("state = %+v, want record removed", state)
	}
}

func TestExecuteDestroySkipsDependencyWhenDependentFails(t *testing.T) {
	provider := &fakeProvider{}
	provider.onDelete = func(id string, kind Kind) error {
		if kind == "nodepool" {
			return NewFatalError("provider rejected delete", nil)
		}
		return nil
	}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	cluster := appliedState("cluster", "cluster", "cluster-1", map[string]any{"region": "eu-west-1"})
	pool := appliedState("pool", "nodepool", "nodepool-1", map[string]any{"size": 1})
	pool.DependsOn = []string{"cluster"}
	store.seed(cluster, pool)

	plan := planFor(t, testDoc(map[string]ResourceDecl{}), map[string]*AppliedState{
		"cluster": cluster, "pool": pool,
	}, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if results["pool"].Status != ResultFailed {
		t.Errorf("pool = %+v, want failed", results["pool"])
	}
	// The cluster cannot be torn down while its dependent still exists.
	if results["cluster"].Status != ResultSkipped {
		t.Errorf("cluster = %+v, want skipped", results["cluster"])
	}
	if state, _ := store.Get(context.Background(), "cluster"); state == nil || state.Status != StatusApplied {
		t.Errorf("cluster state = %+v, want untouched", state)
	}
}

func TestExecuteReplaceDeletesThenCreates(t *testing.T) {
	provider := &fakeProvider{}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()
	store.seed(appliedState("web", "cluster", "cluster-1", map[string]any{"region": "eu-west-1"}))

	doc := testDoc(map[string]ResourceDecl{
		"web": {Kind: "cluster", Fields: map[string]any{"region": "us-east-1"}},
	})
	plan := planFor(t, doc, map[string]*AppliedState{
		"web": appliedState("web", "cluster", "cluster-1", map[string]any{"region": "eu-west-1"}),
	}, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if results["web"].Status != ResultApplied {
		t.Fatalf("result = %+v, want applied", results["web"])
	}
	creates, _, deletes := provider.calls()
	if creates != 1 || deletes != 1 {
		t.Errorf("creates=%d deletes=%d, want 1 and 1", creates, deletes)
	}

	state, _ := store.Get(context.Background(), "web")
	if state == nil || state.ProviderID == "cluster-1" || state.ProviderID == "" {
		t.Errorf("state = %+v, want fresh provider id", state)
	}
	if state.Fields["region"] != "us-east-1" {
		t.Errorf("fields = %v, want new declaration", state.Fields)
	}
}

func TestExecuteReplaceCreateSkippedWhenDeleteFails(t *testing.T) {
	provider := &fakeProvider{}
	provider.onDelete = func(id string, kind Kind) error {
		return NewFatalError("delete refused", nil)
	}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()
	store.seed(appliedState("web", "cluster", "cluster-1", map[string]any{"region": "eu-west-1"}))

	doc := testDoc(map[string]ResourceDecl{
		"web": {Kind: "cluster", Fields: map[string]any{"region": "us-east-1"}},
	})
	plan := planFor(t, doc, map[string]*AppliedState{
		"web": appliedState("web", "cluster", "cluster-1", map[string]any{"region": "eu-west-1"}),
	}, reg)

	results, err := fastExecutor(reg, store).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if results["web"].Status != ResultFailed {
		t.Fatalf("result = %+v, want failed", results["web"])
	}
	creates, _, _ := provider.calls()
	if creates != 0 {
		t.Errorf("creates = %d, want 0 after failed delete half", creates)
	}
}

func TestExecuteCancelledContextSkipsEverything(t *testing.T) {
	provider := &fakeProvider{}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	doc := testDoc(map[string]ResourceDecl{
		"a": {Kind: "cluster", Fields: map[string]any{"region": "x"}},
		"b": {Kind: "nodepool", Fields: map[string]any{"size": 1}, DependsOn: []string{"a"}},
	})
	plan := planFor(t, doc, nil, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := fastExecutor(reg, store).Execute(ctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for name, res := range results {
		if res.Status != ResultSkipped {
			t.Errorf("%s = %+v, want skipped", name, res)
		}
	}
	if creates, updates, deletes := provider.calls(); creates+updates+deletes != 0 {
		t.Error("provider must not be called after cancellation")
	}
}

func TestExecuteEmitsOperationSpans(t *testing.T) {
	provider := &fakeProvider{}
	provider.onCreate = func(kind Kind, fields map[string]any) (map[string]any, error) {
		if fields["label"] == "bad" {
			return nil, NewFatalError("boom", nil)
		}
		return cloneFieldMap(fields), nil
	}
	reg := testRegistry(t, provider, diffKinds())
	store := newMemStore()

	doc := testDoc(map[string]ResourceDecl{
		"good": {Kind: "cluster", Fields: map[string]any{"label": "good"}},
		"bad":  {Kind: "cluster", Fields: map[string]any{"label": "bad"}},
	})
	plan := planFor(t, doc, nil, reg)

	spans := &spanLog{}
	executor := NewExecutor(reg, store, ExecutorOptions{
		MaxParallel:    2,
		MaxAttempts:    1,
		RetryBaseDelay: time.Millisecond,
		Tracer:         spans,
	})
	if _, err := executor.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(spans.ops) != 2 {
		t.Fatalf("operation spans = %v, want one per operation", spans.ops)
	}
	if spans.ended != 2 {
		t.Errorf("ended spans = %d, want 2", spans.ended)
	}
	if spans.errs != 1 {
		t.Errorf("error spans = %d, want the failed create only", spans.errs)
	}
}

func TestBackoffStaysWithinJitterBounds(t *testing.T) {
	executor := NewExecutor(testRegistry(t, &fakeProvider{}, diffKinds()), newMemStore(), ExecutorOptions{
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
	})

	// Attempt 2 of a transient failure: 1s * 2^2 = 4s, plus up to +25%.
	base := 4 * time.Second
	for i := 0; i < 50; i++ {
		delay := executor.backoff(2, NewTransientError("timeout", nil))
		if delay < base || delay > base+base/4 {
			t.Fatalf("backoff = %v, want within [%v, %v]", delay, base, base+base/4)
		}
	}
}

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Phase is the observable state of the reconciliation loop.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
)

// RefreshMode controls how the loop learns about drift before diffing.
type RefreshMode string

const (
	// RefreshTrustState diffs against the last written state without
	// consulting the provider. Out-of-band changes go unnoticed until a
	// provider call fails.
	RefreshTrustState RefreshMode = "trust-state"

	// RefreshReadBack asks providers that support reading to refresh the
	// observed outputs before diffing, so out-of-band deletions surface as
	// create operations.
	RefreshReadBack RefreshMode = "read-back"
)

// ReconcilerOptions tune the reconciliation loop.
type ReconcilerOptions struct {
	// Interval between cycles when the previous cycle converged.
	Interval time.Duration

	// RetryInterval between cycles after a partial or deferred cycle.
	RetryInterval time.Duration

	// LeaseTTL bounds how long a crashed loop can hold the store lock.
	LeaseTTL time.Duration

	// Holder identifies this loop in the store lease. Defaults to a
	// generated id.
	Holder string

	// RefreshMode selects the drift policy. Defaults to trust-state.
	RefreshMode RefreshMode

	Logger   zerolog.Logger
	Recorder Recorder

	// Tracer receives a span per cycle. Nil disables tracing.
	Tracer Tracer
}

func (o ReconcilerOptions) withDefaults() ReconcilerOptions {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 30 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Minute
	}
	if o.Holder == "" {
		o.Holder = "reconciler-" + uuid.New().String()
	}
	if o.RefreshMode == "" {
		o.RefreshMode = RefreshTrustState
	}
	return o
}

// Reconciler drives the desired state from a document source into the
// provider-managed world, one cycle at a time. Cycles never overlap:
// triggers arriving mid-cycle coalesce into at most one follow-up cycle.
type Reconciler struct {
	source    DocumentSource
	store     StateStore
	providers ProviderRegistry
	executor  *Executor
	opts      ReconcilerOptions
	log       zerolog.Logger

	trigger chan struct{}

	mu         sync.Mutex
	phase      Phase
	lastReport *CycleReport

	// haltedHash is the hash of the document whose cycle ended in a fatal
	// failure; cycles are suppressed until the document changes or a
	// trigger forces one.
	haltedHash string
}

// NewReconciler wires the loop over a document source, state store,
// provider registry and executor.
func NewReconciler(source DocumentSource, store StateStore, providers ProviderRegistry, executor *Executor, opts ReconcilerOptions) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		source:    source,
		store:     store,
		providers: providers,
		executor:  executor,
		opts:      opts,
		log:       opts.Logger,
		trigger:   make(chan struct{}, 1),
		phase:     PhaseIdle,
	}
}

// Phase returns the loop's current phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// LastReport returns the most recent cycle report, or nil before the first
// cycle completes.
func (r *Reconciler) LastReport() *CycleReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReport
}

func (r *Reconciler) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// Trigger requests a cycle as soon as the loop is idle. Multiple triggers
// while a cycle runs coalesce into one.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run executes cycles until ctx is cancelled: one immediately, then on every
// interval tick or trigger. A trigger also lifts the halt imposed by a
// previous fatal failure.
func (r *Reconciler) Run(ctx context.Context) error {
	forced := false
	for {
		report, err := r.RunOnce(ctx, forced)
		forced = false
		if err != nil {
			r.log.Error().Err(err).Msg("reconcile cycle error")
		}

		wait := r.opts.Interval
		if report != nil && report.Status != CycleConverged {
			wait = r.opts.RetryInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.trigger:
			timer.Stop()
			forced = true
		case <-timer.C:
		}
	}
}

// RunOnce performs a single reconciliation cycle: lease the store, load and
// hash the document, diff desired against recorded state, plan, execute,
// and persist the cycle outcome. force lifts the fatal-failure halt.
func (r *Reconciler) RunOnce(ctx context.Context, force bool) (*CycleReport, error) {
	started := time.Now()
	report := &CycleReport{
		ID:        uuid.New().String(),
		StartedAt: started,
		Results:   make(map[string]*OperationResult),
	}
	log := r.log.With().Str("cycle_id", report.ID).Logger()

	if r.opts.Tracer != nil {
		var end func(error)
		ctx, end = r.opts.Tracer.StartCycle(ctx, report.ID)
		defer func() {
			var cycleErr error
			if report.Error != "" {
				cycleErr = errors.New(report.Error)
			}
			end(cycleErr)
		}()
	}

	r.setPhase(PhasePlanning)
	defer r.setPhase(PhaseIdle)

	if err := r.store.AcquireLease(ctx, r.opts.Holder, r.opts.LeaseTTL); err != nil {
		if IsStoreLocked(err) {
			log.Warn().Err(err).Msg("state store is leased elsewhere, deferring cycle")
			report.Status = CycleDeferred
			report.Error = err.Error()
			return r.finish(ctx, report, started, log), nil
		}
		return nil, err
	}
	defer func() {
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), r.opts.Holder); err != nil {
			log.Warn().Err(err).Msg("failed to release state lease")
		}
	}()

	doc, err := r.source.Load(ctx)
	if err != nil {
		report.Status = CycleFailed
		report.Error = fmt.Sprintf("loading document: %v", err)
		return r.finish(ctx, report, started, log), err
	}
	hash := documentHash(doc)

	r.mu.Lock()
	halted := r.haltedHash != "" && r.haltedHash == hash && !force
	r.mu.Unlock()
	if halted {
		log.Info().Msg("halted after fatal failure, awaiting document change")
		report.Status = CycleDeferred
		report.Error = "halted after fatal failure; awaiting document change"
		return r.finish(ctx, report, started, log), nil
	}

	graph, err := BuildGraph(doc)
	if err != nil {
		report.Status = CycleFailed
		report.Error = err.Error()
		r.halt(hash)
		return r.finish(ctx, report, started, log), err
	}

	states, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if r.opts.RefreshMode == RefreshReadBack {
		if err := r.refresh(ctx, states, log); err != nil {
			return nil, err
		}
	}

	diff, err := NewDiffer(r.providers).Diff(graph, states)
	if err != nil {
		report.Status = CycleFailed
		report.Error = err.Error()
		r.halt(hash)
		return r.finish(ctx, report, started, log), err
	}
	report.Summary = diff.Summary
	if !diff.HasChanges() {
		log.Info().Int("resources", graph.Len()).Msg("no drift, already converged")
		report.Status = CycleConverged
		r.unhalt()
		return r.finish(ctx, report, started, log), nil
	}

	plan, err := BuildPlan(graph, diff)
	if err != nil {
		report.Status = CycleFailed
		report.Error = err.Error()
		r.halt(hash)
		return r.finish(ctx, report, started, log), err
	}

	log.Info().
		Str("plan_id", plan.ID).
		Int("stages", len(plan.Stages)).
		Int("operations", plan.OperationCount()).
		Msg("executing plan")

	r.setPhase(PhaseExecuting)
	results, err := r.executor.Execute(ctx, plan)
	if err != nil {
		report.Status = CycleFailed
		report.Error = err.Error()
		r.halt(hash)
		return r.finish(ctx, report, started, log), err
	}

	for name, res := range results {
		report.Results[name] = res
	}
	// Unchanged resources still appear in the report.
	for name, delta := range diff.Deltas {
		if delta.Op == OperationNoop {
			report.Results[name] = &OperationResult{Name: name, Op: OperationNoop, Status: ResultUnchanged}
		}
	}

	report.Status = cycleStatus(results, ctx.Err() != nil)
	switch report.Status {
	case CycleFailed:
		report.Error = firstFailure(results)
		r.halt(hash)
	case CycleConverged:
		r.unhalt()
	}

	return r.finish(ctx, report, started, log), nil
}

// refresh reads back provider-observed outputs for every recorded resource
// whose provider can read. A resource the provider no longer knows is
// dropped from the record so the diff re-creates it.
func (r *Reconciler) refresh(ctx context.Context, states map[string]*AppliedState, log zerolog.Logger) error {
	for name, state := range states {
		if state.ProviderID == "" {
			continue
		}
		provider, err := r.providers.Get(state.Kind)
		if err != nil {
			continue
		}
		reader, ok := provider.(Reader)
		if !ok {
			continue
		}

		outputs, exists, err := reader.Read(ctx, state.ProviderID, state.Kind)
		if err != nil {
			log.Warn().Err(err).Str("resource", name).Msg("refresh read failed, trusting recorded state")
			continue
		}
		if !exists {
			log.Info().Str("resource", name).Msg("resource vanished out of band, scheduling re-create")
			if err := r.store.Remove(ctx, name); err != nil {
				return err
			}
			delete(states, name)
			continue
		}
		state.Outputs = outputs
		if err := r.store.Put(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) halt(hash string) {
	r.mu.Lock()
	r.haltedHash = hash
	r.mu.Unlock()
}

func (r *Reconciler) unhalt() {
	r.mu.Lock()
	r.haltedHash = ""
	r.mu.Unlock()
}

// finish stamps the report, persists it to the cycle log when the store
// keeps one, records metrics and caches it as the last report.
func (r *Reconciler) finish(ctx context.Context, report *CycleReport, started time.Time, log zerolog.Logger) *CycleReport {
	report.Duration = time.Since(started)

	if cl, ok := r.store.(CycleLog); ok {
		if err := cl.SaveCycle(context.WithoutCancel(ctx), report); err != nil {
			log.Warn().Err(err).Msg("failed to persist cycle report")
		}
	}

	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordCycle(report.Status, report.Duration)
		if states, err := r.store.List(context.WithoutCancel(ctx)); err == nil {
			r.opts.Recorder.SetManagedResources(len(states))
		}
	}

	log.Info().
		Str("status", string(report.Status)).
		Dur("duration", report.Duration).
		Msg("cycle finished")

	r.mu.Lock()
	r.lastReport = report
	r.mu.Unlock()
	return report
}

// cycleStatus folds per-operation outcomes into the cycle outcome. Any
// fatal failure fails the cycle; recoverable failures and skipped work,
// including work skipped by cancellation, leave it partial.
func cycleStatus(results map[string]*OperationResult, cancelled bool) CycleStatus {
	partial := false
	for _, res := range results {
		switch res.Status {
		case ResultFailed:
			if res.Failure == FailureFatal {
				return CycleFailed
			}
			partial = true
		case ResultSkipped:
			partial = true
		}
	}
	if partial || cancelled && anyIncomplete(results) {
		return CyclePartial
	}
	return CycleConverged
}

func anyIncomplete(results map[string]*OperationResult) bool {
	for _, res := range results {
		if res.Status != ResultApplied && res.Status != ResultUnchanged {
			return true
		}
	}
	return false
}

func firstFailure(results map[string]*OperationResult) string {
	for _, name := range sortedKeys(results) {
		res := results[name]
		if res.Status == ResultFailed && res.Failure == FailureFatal {
			return fmt.Sprintf("%s: %s", name, res.Error)
		}
	}
	return ""
}

// documentHash fingerprints a document so the loop can tell whether the
// desired state changed since the last fatal failure.
func documentHash(doc *Document) string {
	data, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ExecutorOptions tune how the executor walks a plan.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent provider calls within a stage.
	MaxParallel int

	// MaxAttempts is the total provider attempts per operation, including
	// the first one.
	MaxAttempts int

	// RetryBaseDelay is the base backoff delay for transient failures.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration

	// Logger receives per-operation logs. Defaults to a disabled logger.
	Logger zerolog.Logger

	// Recorder receives metrics hooks. Nil disables recording.
	Recorder Recorder

	// Tracer receives span hooks per provider operation. Nil disables
	// tracing.
	Tracer Tracer
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 1 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 1 * time.Minute
	}
	return o
}

// Executor walks plan stages in order, invoking the provider per operation
// with retry and backoff, and commits AppliedState through the State Store
// as it goes so partial runs are resumable. A stage acts as a barrier:
// state commits for a stage happen-before any operation in a later stage.
type Executor struct {
	providers ProviderRegistry
	store     StateStore
	opts      ExecutorOptions
	log       zerolog.Logger
}

// NewExecutor creates an executor over the given provider registry and
// state store.
func NewExecutor(providers ProviderRegistry, store StateStore, opts ExecutorOptions) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		providers: providers,
		store:     store,
		opts:      opts,
		log:       opts.Logger,
	}
}

// stepKey identifies one half of an operation; a replace occupies two keys
// under the same logical name.
type stepKey struct {
	name string
	step StepKind
}

type execState struct {
	mu       sync.Mutex
	statuses map[stepKey]ResultStatus
	results  map[string]*OperationResult
}

func (s *execState) stepStatus(k stepKey) (ResultStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[k]
	return st, ok
}

func (s *execState) record(op Operation, status ResultStatus, failure FailureClass, attempts int, duration time.Duration, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[stepKey{op.Name, op.Step}] = status

	// A replace merges its two steps into one per-resource outcome: the
	// worst step wins, attempts accumulate.
	res, ok := s.results[op.Name]
	if !ok {
		res = &OperationResult{Name: op.Name, Op: op.Op}
		s.results[op.Name] = res
	}
	res.Attempts += attempts
	res.Duration += duration
	if ok && res.Status == ResultFailed {
		return
	}
	res.Status = status
	res.Failure = failure
	res.Error = errMsg
}

// Execute runs the plan to completion or cancellation and returns the
// outcome per logical name that had an operation. If any operation in a
// stage fails, operations depending on it are skipped (never started) while
// independent branches continue.
//
// Cancellation is cooperative: already-dispatched provider calls finish so
// their state can be committed, but no new stage starts.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (map[string]*OperationResult, error) {
	if plan == nil {
		return nil, NewFatalError("plan is nil", nil).WithCode(ErrCodeValidation)
	}

	st := &execState{
		statuses: make(map[stepKey]ResultStatus),
		results:  make(map[string]*OperationResult),
	}

	for _, stage := range plan.Stages {
		if ctx.Err() != nil {
			e.skipStage(ctx, st, stage, "cycle cancelled")
			continue
		}
		e.executeStage(ctx, st, stage)
		// Barrier: every state write for this stage committed inside
		// executeStage before we move on.
	}

	return st.results, nil
}

// executeStage runs one stage on a bounded worker pool and waits for every
// worker to finish before returning.
func (e *Executor) executeStage(ctx context.Context, st *execState, stage Stage) {
	workers := e.opts.MaxParallel
	if len(stage.Operations) < workers {
		workers = len(stage.Operations)
	}
	if workers == 0 {
		return
	}

	queue := make(chan Operation, len(stage.Operations))
	for _, op := range stage.Operations {
		queue <- op
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range queue {
				if ctx.Err() != nil {
					st.record(op, ResultSkipped, "", 0, 0, "cycle cancelled")
					e.markPending(ctx, op)
					continue
				}
				if reason, ok := e.unmetDependency(st, op); !ok {
					st.record(op, ResultSkipped, "", 0, 0, reason)
					e.markPending(ctx, op)
					e.log.Debug().
						Str("resource", op.Name).
						Str("op", string(op.Op)).
						Str("reason", reason).
						Msg("skipping operation")
					e.recordMetric(op, ResultSkipped, 0)
					continue
				}
				e.executeOperation(ctx, st, op)
			}
		}()
	}
	wg.Wait()
}

// unmetDependency reports whether every predecessor step of op committed
// successfully. Predecessors that had no operation in the plan (noop deltas)
// always satisfy the edge.
func (e *Executor) unmetDependency(st *execState, op Operation) (string, bool) {
	// The create half of a replace requires its own delete half.
	if op.Step == StepApply && op.Op == OperationReplace {
		if status, ok := st.stepStatus(stepKey{op.Name, StepDestroy}); ok && status != ResultApplied {
			return "replace delete step did not complete", false
		}
	}

	for _, dep := range op.DependsOn {
		status, ok := st.stepStatus(stepKey{dep, op.Step})
		if !ok {
			continue
		}
		if status != ResultApplied {
			return fmt.Sprintf("dependency %s %s", dep, statusReason(status)), false
		}
	}
	return "", true
}

func statusReason(s ResultStatus) string {
	switch s {
	case ResultFailed:
		return "failed"
	case ResultSkipped:
		return "was skipped"
	default:
		return "did not complete"
	}
}

// executeOperation performs one provider call with retry, committing an
// intent record before the call and the final state after it. The intent
// write is what makes a crash mid-call detectable as "unknown" rather than
// silently absent.
func (e *Executor) executeOperation(ctx context.Context, st *execState, op Operation) {
	started := time.Now()
	log := e.log.With().
		Str("resource", op.Name).
		Str("kind", string(op.Kind)).
		Str("op", string(op.Op)).
		Str("step", string(op.Step)).
		Logger()

	end := func(error) {}
	if e.opts.Tracer != nil {
		ctx, end = e.opts.Tracer.StartOperation(ctx, op.Name, op.Kind, op.Op)
	}

	attempts, err := e.applyWithRetry(ctx, op, log)
	duration := time.Since(started)
	end(err)

	if err == nil {
		st.record(op, ResultApplied, "", attempts, duration, "")
		log.Info().Dur("duration", duration).Int("attempts", attempts).Msg("operation applied")
		e.recordMetric(op, ResultApplied, duration)
		return
	}

	failure := FailureRecoverable
	if IsFatal(err) {
		failure = FailureFatal
	}
	st.record(op, ResultFailed, failure, attempts, duration, err.Error())
	log.Error().Err(err).Str("failure", string(failure)).Msg("operation failed")
	e.recordMetric(op, ResultFailed, duration)
}

// applyWithRetry dispatches the provider call for op, retrying transient
// and throttled failures with exponential backoff until the attempt budget
// runs out. Provider calls run on a non-cancellable context so a dispatched
// call can finish and commit state even when the cycle is being cancelled.
func (e *Executor) applyWithRetry(ctx context.Context, op Operation, log zerolog.Logger) (int, error) {
	provider, err := e.providers.Get(op.Kind)
	if err != nil {
		return 0, err
	}

	opCtx := context.WithoutCancel(ctx)
	attempts := 0
	for {
		attempts++
		err = e.dispatch(opCtx, provider, op)
		if err == nil {
			return attempts, nil
		}
		if !IsRetryable(err) || attempts >= e.opts.MaxAttempts {
			return attempts, err
		}

		delay := e.backoff(attempts-1, err)
		log.Warn().Err(err).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("retrying after transient failure")
		if e.opts.Recorder != nil {
			e.opts.Recorder.RecordRetry(op.Kind, op.Op)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempts, NewTransientError("retry interrupted by cancellation", ctx.Err()).
				WithCode(ErrCodeCancelled).WithResource(op.Name)
		}
	}
}

// dispatch performs one provider call for op, bracketed by state commits.
func (e *Executor) dispatch(ctx context.Context, provider Provider, op Operation) error {
	prior, err := e.store.Get(ctx, op.Name)
	if err != nil {
		return err
	}

	if op.Step == StepDestroy {
		return e.dispatchDestroy(ctx, provider, op, prior)
	}
	return e.dispatchApply(ctx, provider, op, prior)
}

func (e *Executor) dispatchDestroy(ctx context.Context, provider Provider, op Operation, prior *AppliedState) error {
	// Nothing was ever created provider-side; just drop the record.
	if prior == nil || prior.ProviderID == "" {
		if op.Op == OperationDelete {
			return e.store.Remove(ctx, op.Name)
		}
		return nil
	}

	intent := prior.Clone()
	intent.Status = StatusUnknown
	intent.LastTransition = time.Now()
	if err := e.store.Put(ctx, intent); err != nil {
		return err
	}

	if err := provider.Delete(ctx, prior.ProviderID, prior.Kind); err != nil {
		return e.commitFailure(ctx, intent, op, err)
	}

	if op.Op == OperationDelete {
		return e.store.Remove(ctx, op.Name)
	}

	// Replace keeps the record so the create half inherits the declaration
	// history under the same logical name.
	deleted := intent.Clone()
	deleted.ProviderID = ""
	deleted.Outputs = nil
	deleted.Status = StatusDeleted
	deleted.LastTransition = time.Now()
	return e.store.Put(ctx, deleted)
}

func (e *Executor) dispatchApply(ctx context.Context, provider Provider, op Operation, prior *AppliedState) error {
	resolved, err := e.resolveReferences(ctx, op)
	if err != nil {
		return err
	}

	intent := &AppliedState{
		Name:           op.Name,
		Kind:           op.Kind,
		Fields:         cloneFieldMap(op.Fields),
		DependsOn:      append([]string(nil), op.DependsOn...),
		Status:         StatusUnknown,
		LastTransition: time.Now(),
	}
	if prior != nil {
		intent.ProviderID = prior.ProviderID
	}
	if err := e.store.Put(ctx, intent); err != nil {
		return err
	}

	var outputs map[string]any
	switch {
	case intent.ProviderID == "":
		var id string
		id, outputs, err = provider.Create(ctx, op.Kind, resolved)
		if err == nil {
			intent.ProviderID = id
		}
	default:
		outputs, err = provider.Update(ctx, intent.ProviderID, op.Kind, resolved)
	}
	if err != nil {
		return e.commitFailure(ctx, intent, op, err)
	}

	applied := intent.Clone()
	applied.Outputs = outputs
	applied.Status = StatusApplied
	applied.Error = ""
	applied.LastTransition = time.Now()
	return e.store.Put(ctx, applied)
}

// commitFailure records the failed status before surfacing the provider
// error; the record must never stay at "unknown" once the outcome is known.
func (e *Executor) commitFailure(ctx context.Context, state *AppliedState, op Operation, cause error) error {
	failed := state.Clone()
	failed.Status = StatusFailed
	failed.Error = cause.Error()
	failed.LastTransition = time.Now()
	if putErr := e.store.Put(ctx, failed); putErr != nil {
		return putErr
	}

	var engineErr *EngineError
	if errors.As(cause, &engineErr) {
		return engineErr
	}
	return NewFatalError("provider call failed", cause).
		WithCode(ErrCodeProviderFailed).
		WithResource(op.Name).
		WithOperation(string(op.Op))
}

// resolveReferences substitutes ${name.attr} tokens in op's fields with the
// outputs committed for the referenced resource. Stage ordering guarantees
// those outputs were written in an earlier stage. A token whose value cannot
// be found is a fatal spec error.
func (e *Executor) resolveReferences(ctx context.Context, op Operation) (map[string]any, error) {
	cache := make(map[string]map[string]any)
	var fetchErr error
	outputsOf := func(name string) (map[string]any, bool) {
		if outputs, ok := cache[name]; ok {
			return outputs, outputs != nil
		}
		state, err := e.store.Get(ctx, name)
		if err != nil {
			fetchErr = err
			cache[name] = nil
			return nil, false
		}
		if state == nil {
			cache[name] = nil
			return nil, false
		}
		cache[name] = state.Outputs
		return state.Outputs, true
	}

	resolved := make(map[string]any, len(op.Fields))
	var resolveErr error
	var walk func(v any) any
	walk = func(v any) any {
		switch val := v.(type) {
		case string:
			return resolveString(val, outputsOf, op.Name, &resolveErr)
		case map[string]any:
			out := make(map[string]any, len(val))
			for k, nested := range val {
				out[k] = walk(nested)
			}
			return out
		case []any:
			out := make([]any, len(val))
			for i, nested := range val {
				out[i] = walk(nested)
			}
			return out
		default:
			return v
		}
	}
	for k, v := range op.Fields {
		resolved[k] = walk(v)
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if resolveErr != nil {
		return nil, resolveErr
	}
	return resolved, nil
}

// resolveString substitutes reference tokens in one string value. A string
// that is exactly one token keeps the referenced value's type; mixed
// content interpolates textually.
func resolveString(s string, outputsOf func(string) (map[string]any, bool), owner string, resolveErr *error) any {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	lookup := func(name, attr string) (any, bool) {
		outputs, ok := outputsOf(name)
		if !ok {
			return nil, false
		}
		v, ok := outputs[attr]
		return v, ok
	}

	// Whole-string token: preserve the referenced type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		name := s[matches[0][2]:matches[0][3]]
		attr := s[matches[0][4]:matches[0][5]]
		if v, ok := lookup(name, attr); ok {
			return v
		}
		*resolveErr = NewFatalError(
			fmt.Sprintf("reference %s cannot be resolved: output %q of %q is not available", s, attr, name),
			nil,
		).WithCode(ErrCodeValidation).WithResource(owner)
		return s
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		name := s[m[2]:m[3]]
		attr := s[m[4]:m[5]]
		v, ok := lookup(name, attr)
		if !ok {
			*resolveErr = NewFatalError(
				fmt.Sprintf("reference %s cannot be resolved: output %q of %q is not available", s[m[0]:m[1]], attr, name),
				nil,
			).WithCode(ErrCodeValidation).WithResource(owner)
			return s
		}
		fmt.Fprintf(&b, "%v", v)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// backoff computes exponential backoff with jitter. Throttled errors start
// from a longer base delay than plain transient ones.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	base := e.opts.RetryBaseDelay
	if IsThrottled(err) {
		base *= 5
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > e.opts.RetryMaxDelay {
		delay = e.opts.RetryMaxDelay
	}

	// Random jitter up to +25% so retries across resources don't
	// synchronize against a throttling control plane.
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

// skipStage marks every operation in a stage as skipped without running it.
func (e *Executor) skipStage(ctx context.Context, st *execState, stage Stage, reason string) {
	for _, op := range stage.Operations {
		st.record(op, ResultSkipped, "", 0, 0, reason)
		e.markPending(ctx, op)
		e.recordMetric(op, ResultSkipped, 0)
	}
}

// markPending records a declared resource whose first provider call was
// skipped, so state listings show it awaiting provisioning rather than
// omitting it. Resources with an existing record keep their last status.
func (e *Executor) markPending(ctx context.Context, op Operation) {
	if op.Step != StepApply || op.Op != OperationCreate {
		return
	}
	ctx = context.WithoutCancel(ctx)
	prior, err := e.store.Get(ctx, op.Name)
	if err != nil || prior != nil {
		return
	}
	pending := &AppliedState{
		Name:           op.Name,
		Kind:           op.Kind,
		Fields:         cloneFieldMap(op.Fields),
		DependsOn:      append([]string(nil), op.DependsOn...),
		Status:         StatusPending,
		LastTransition: time.Now(),
	}
	if err := e.store.Put(ctx, pending); err != nil {
		e.log.Warn().Err(err).Str("resource", op.Name).Msg("failed to record pending state")
	}
}

func (e *Executor) recordMetric(op Operation, status ResultStatus, duration time.Duration) {
	if e.opts.Recorder == nil {
		return
	}
	// A replace reports once, from its apply half.
	if op.Op == OperationReplace && op.Step == StepDestroy {
		return
	}
	e.opts.Recorder.RecordOperation(op.Kind, op.Op, status, duration)
}

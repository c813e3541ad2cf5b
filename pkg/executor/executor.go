// Package executor runs a task's ordered steps against object storage and the
// catalog, records every externally visible write in a ledger, and undoes the
// recorded writes in reverse order when the run fails or times out.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/catalog"
	"github.com/wilhg/geotask/pkg/ledger"
	"github.com/wilhg/geotask/pkg/objectstore"
)

// Status of a task run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// TaskRun identifies one execution attempt.
type TaskRun struct {
	ID       string    `json:"id"`
	Status   Status    `json:"status"`
	Deadline time.Time `json:"deadline,omitzero"`
}

// Resources are the collaborators a run's steps may use. Session is checked
// out for the run and released by the executor.
type Resources struct {
	Session catalog.Session
	Objects objectstore.Store
}

// Outcome is what a successful step reports: the writes it made and a
// fragment of the final result.
type Outcome struct {
	Effects  []ledger.Effect
	Fragment any
}

// Step is one unit of work. A step that fails must not leave writes behind;
// its Outcome is ignored when it returns an error.
type Step struct {
	Name string
	Run  func(ctx context.Context) (Outcome, error)
}

// BuildFunc plans the steps of a run once the collaborators are available.
type BuildFunc func(res Resources) ([]Step, error)

// Result of a successful run.
type Result struct {
	Run       TaskRun
	Fragments []any
	Effects   []ledger.Effect
}

// Journal receives run events. Implementations must tolerate being called
// after the run's context expired.
type Journal interface {
	Record(ctx context.Context, runID, eventType string, payload map[string]any) error
}

// Journal event types.
const (
	EventRunStarted         = "run_started"
	EventEffectRecorded     = "effect_recorded"
	EventStepFailed         = "step_failed"
	EventCompensated        = "compensated"
	EventCompensationFailed = "compensation_failed"
	EventRunSucceeded       = "run_succeeded"
	EventRunFailed          = "run_failed"
)

// Executor drives runs. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	pool    catalog.Pool
	objects objectstore.Store

	// abandoned tracks steps still running after their run gave up on them.
	abandoned sync.WaitGroup

	logger              *zap.Logger
	journal             Journal
	compensationTimeout time.Duration
	abandonGrace        time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithJournal records run events, typically into the run store.
func WithJournal(j Journal) Option {
	return func(e *Executor) { e.journal = j }
}

// WithCompensationTimeout bounds the whole compensation pass.
func WithCompensationTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.compensationTimeout = d
		}
	}
}

// WithAbandonGrace sets how long a step may keep running after the deadline
// before it is abandoned. Zero or less waits for the step to return.
func WithAbandonGrace(d time.Duration) Option {
	return func(e *Executor) { e.abandonGrace = d }
}

const (
	defaultCompensationTimeout = 2 * time.Minute
	defaultAbandonGrace        = 30 * time.Second
)

// New creates an executor.
func New(pool catalog.Pool, objects objectstore.Store, opts ...Option) *Executor {
	e := &Executor{
		pool:                pool,
		objects:             objects,
		logger:              zap.NewNop(),
		compensationTimeout: defaultCompensationTimeout,
		abandonGrace:        defaultAbandonGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the steps produced by build. The run deadline is ctx's
// deadline. On failure the returned error is a *Failure.
func (e *Executor) Run(ctx context.Context, runID string, build BuildFunc) (Result, error) {
	tr := otel.Tracer("executor")
	ctx, span := tr.Start(ctx, "Executor.Run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	run := TaskRun{ID: runID, Status: StatusRunning}
	if dl, ok := ctx.Deadline(); ok {
		run.Deadline = dl
	}
	log := e.logger.With(zap.String("run_id", runID))
	e.record(ctx, runID, EventRunStarted, nil)

	fail := func(step string, cause error, compErrs []CompensationError) (Result, error) {
		run.Status = StatusFailed
		f := &Failure{
			Run:                run,
			Step:               step,
			Cause:              cause,
			Timeout:            errors.Is(ctx.Err(), context.DeadlineExceeded),
			CompensationErrors: compErrs,
		}
		span.RecordError(f)
		span.SetStatus(codes.Error, f.Error())
		log.Error("run failed", zap.String("step", step), zap.Bool("timeout", f.Timeout),
			zap.Int("compensation_errors", len(compErrs)), zap.Error(cause))
		e.record(ctx, runID, EventRunFailed, map[string]any{"error": f.Error()})
		return Result{Run: run}, f
	}

	sess, err := e.pool.Acquire(ctx)
	if err != nil {
		return fail("", fmt.Errorf("acquire catalog session: %w", err), nil)
	}
	release := sess.Release
	defer func() { release() }()

	steps, err := build(Resources{Session: sess, Objects: e.objects})
	if err != nil {
		return fail("", err, nil)
	}

	var (
		led       ledger.Ledger
		fragments []any
	)
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return fail(st.Name, err, e.compensate(ctx, sess, runID, &led))
		}
		out, late, err := e.runStep(ctx, tr, st)
		if late != nil {
			// The step may still use the session; the drain releases it.
			release = func() {}
			e.drainAbandoned(ctx, runID, st.Name, sess, late)
		}
		if err == nil {
			led.Append(out.Effects...)
			for _, eff := range out.Effects {
				e.record(ctx, runID, EventEffectRecorded, effectPayload(eff))
			}
			if out.Fragment != nil {
				fragments = append(fragments, out.Fragment)
			}
			// Completed after the deadline: its writes are recorded above and
			// undone with the rest.
			if cerr := ctx.Err(); cerr != nil {
				err = cerr
			}
		}
		if err != nil {
			e.record(ctx, runID, EventStepFailed, map[string]any{"step": st.Name, "error": err.Error()})
			return fail(st.Name, err, e.compensate(ctx, sess, runID, &led))
		}
		log.Debug("step completed", zap.String("step", st.Name), zap.Int("effects", len(out.Effects)))
	}

	run.Status = StatusSucceeded
	e.record(ctx, runID, EventRunSucceeded, map[string]any{"effects": led.Len()})
	log.Info("run succeeded", zap.Int("steps", len(steps)), zap.Int("effects", led.Len()))
	return Result{Run: run, Fragments: fragments, Effects: led.Entries()}, nil
}

type stepResult struct {
	out Outcome
	err error
}

// runStep runs st and waits for it. When ctx expires first, the step gets
// abandonGrace to return. After that the step is abandoned and its eventual
// result arrives on late.
func (e *Executor) runStep(ctx context.Context, tr trace.Tracer, st Step) (out Outcome, late <-chan stepResult, err error) {
	sctx, span := tr.Start(ctx, "Executor.Step", trace.WithAttributes(attribute.String("step.name", st.Name)))
	defer span.End()

	done := make(chan stepResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- stepResult{err: fmt.Errorf("step %s panicked: %v", st.Name, p)}
			}
		}()
		out, err := st.Run(sctx)
		done <- stepResult{out: out, err: err}
	}()

	var r stepResult
	select {
	case r = <-done:
	case <-ctx.Done():
		if e.abandonGrace <= 0 {
			r = <-done
			break
		}
		grace := time.NewTimer(e.abandonGrace)
		defer grace.Stop()
		select {
		case r = <-done:
		case <-grace.C:
			e.logger.Warn("step abandoned after deadline", zap.String("step", st.Name))
			r = stepResult{err: fmt.Errorf("step %s abandoned: %w", st.Name, ctx.Err())}
			late = done
		}
	}
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	}
	return r.out, late, r.err
}

// drainAbandoned waits for an abandoned step in the background, undoes
// whatever it reports having written, and then releases sess.
func (e *Executor) drainAbandoned(ctx context.Context, runID, step string, sess catalog.Session, late <-chan stepResult) {
	e.abandoned.Add(1)
	go func() {
		defer e.abandoned.Done()
		defer sess.Release()
		r := <-late
		if r.err != nil || len(r.out.Effects) == 0 {
			return
		}
		e.logger.Warn("abandoned step completed, undoing its writes", zap.String("run_id", runID),
			zap.String("step", step), zap.Int("effects", len(r.out.Effects)))
		var led ledger.Ledger
		led.Append(r.out.Effects...)
		for _, eff := range r.out.Effects {
			e.record(ctx, runID, EventEffectRecorded, effectPayload(eff))
		}
		e.compensate(ctx, sess, runID, &led)
	}()
}

// Wait blocks until every abandoned step has returned and its writes were
// undone. Call it before shutting down the collaborators.
func (e *Executor) Wait() { e.abandoned.Wait() }

// compensate undoes the ledger most recent first. Every entry is attempted
// once; failures are collected.
func (e *Executor) compensate(ctx context.Context, cat catalog.Catalog, runID string, led *ledger.Ledger) []CompensationError {
	if led.Len() == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.compensationTimeout)
	defer cancel()
	cctx, span := otel.Tracer("executor").Start(cctx, "Executor.Compensate", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("effects", led.Len()),
	))
	defer span.End()

	var errs []CompensationError
	led.Reverse(func(eff ledger.Effect) {
		failed := e.undo(cctx, cat, eff)
		for _, ce := range failed {
			span.RecordError(ce)
			e.logger.Warn("compensation failed", zap.String("run_id", runID),
				zap.String("kind", eff.Kind()), zap.String("target", ce.Target), zap.Error(ce.Err))
			p := effectPayload(eff)
			p["error"] = ce.Err.Error()
			e.record(cctx, runID, EventCompensationFailed, p)
		}
		if len(failed) == 0 {
			e.record(cctx, runID, EventCompensated, effectPayload(eff))
		}
		errs = append(errs, failed...)
	})
	return errs
}

func (e *Executor) undo(ctx context.Context, cat catalog.Catalog, eff ledger.Effect) []CompensationError {
	fromKeys := func(bucket string, kerrs []objectstore.KeyError) []CompensationError {
		out := make([]CompensationError, 0, len(kerrs))
		for _, ke := range kerrs {
			out = append(out, CompensationError{Effect: eff, Target: bucket + "/" + ke.Key, Err: ke.Err})
		}
		return out
	}
	switch v := eff.(type) {
	case ledger.ObjectWritten:
		return fromKeys(v.Bucket, e.objects.DeleteMany(ctx, v.Bucket, []string{v.Key}))
	case ledger.ObjectsUnderPrefix:
		keys, err := e.objects.ListUnderPrefix(ctx, v.Bucket, v.Prefix)
		if err != nil {
			return []CompensationError{{Effect: eff, Target: v.Target(), Err: err}}
		}
		if len(keys) == 0 {
			return nil
		}
		return fromKeys(v.Bucket, e.objects.DeleteMany(ctx, v.Bucket, keys))
	case ledger.CatalogRowInserted:
		if err := cat.DeleteByKeys(ctx, v.Collection, []string{v.PrimaryKey}); err != nil {
			return []CompensationError{{Effect: eff, Target: v.Target(), Err: err}}
		}
		return nil
	default:
		return []CompensationError{{Effect: eff, Target: eff.Target(), Err: fmt.Errorf("unknown effect kind %q", eff.Kind())}}
	}
}

func (e *Executor) record(ctx context.Context, runID, typ string, payload map[string]any) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(context.WithoutCancel(ctx), runID, typ, payload); err != nil {
		e.logger.Warn("journal record failed", zap.String("run_id", runID), zap.String("type", typ), zap.Error(err))
	}
}

func effectPayload(eff ledger.Effect) map[string]any {
	return map[string]any{"kind": eff.Kind(), "target": eff.Target()}
}

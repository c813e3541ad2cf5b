package taskq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/geotask/pkg/errmodel"
	"github.com/wilhg/geotask/pkg/executor"
	"github.com/wilhg/geotask/pkg/store"
)

// ErrShuttingDown completes runs that were still queued when the runtime stopped.
var ErrShuttingDown = errors.New("task runtime shutting down")

// Runtime dispatches submitted runs to a pool of workers.
type Runtime struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	store            store.Store
	logger           *zap.Logger
	workers          int
	defaultTimeLimit time.Duration
	queue            chan *job
}

type job struct {
	task   *Task
	args   json.RawMessage
	handle *Handle
}

// Handle tracks one submitted run.
type Handle struct {
	RunID   string
	done    chan struct{}
	payload Payload
	err     error
}

// Done is closed when the run finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Await blocks until the run finished or ctx is done. The error is the
// task's error; the payload is populated either way.
func (h *Handle) Await(ctx context.Context) (Payload, error) {
	select {
	case <-h.done:
		return h.payload, h.err
	case <-ctx.Done():
		return Payload{}, ctx.Err()
	}
}

func (h *Handle) complete(p Payload, err error) {
	h.payload, h.err = p, err
	close(h.done)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithStore persists runs and makes Get available.
func WithStore(st store.Store) Option {
	return func(r *Runtime) { r.store = st }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithWorkers sets the number of concurrent runs.
func WithWorkers(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithDefaultTimeLimit applies to tasks registered without a time limit.
func WithDefaultTimeLimit(d time.Duration) Option {
	return func(r *Runtime) { r.defaultTimeLimit = d }
}

// WithQueueSize sets how many runs may wait for a worker.
func WithQueueSize(n int) Option {
	return func(r *Runtime) {
		if n >= 0 {
			r.queue = make(chan *job, n)
		}
	}
}

// New creates a runtime. Call Run to start the workers.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		tasks:   map[string]*Task{},
		logger:  zap.NewNop(),
		workers: 2,
		queue:   make(chan *job, 64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a task by name.
func (r *Runtime) Register(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("task name is empty")
	}
	if t.Run == nil {
		return fmt.Errorf("task %q has no run function", t.Name)
	}
	if err := t.compile(); err != nil {
		return fmt.Errorf("task %q: invalid schema: %w", t.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.Name]; exists {
		return fmt.Errorf("task %q already registered", t.Name)
	}
	r.tasks[t.Name] = &t
	return nil
}

// Lookup returns a registered task.
func (r *Runtime) Lookup(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Names lists registered tasks in order.
func (r *Runtime) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Submit validates args and queues a run. Invalid arguments fail here,
// before a run exists.
func (r *Runtime) Submit(ctx context.Context, name string, args json.RawMessage) (*Handle, error) {
	r.mu.RLock()
	t, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errmodel.Validation("not_found", "unknown task", map[string]any{"task": name})
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := t.validate(args); err != nil {
		return nil, err
	}
	h := &Handle{RunID: uuid.NewString(), done: make(chan struct{})}
	if r.store != nil {
		if err := r.store.CreateRun(ctx, store.RunRecord{RunID: h.RunID, Task: name, Status: store.StatusQueued, Args: args}); err != nil {
			return nil, errmodel.System("store_failed", "could not record run", map[string]any{"task": name}, err)
		}
	}
	select {
	case r.queue <- &job{task: t, args: args, handle: h}:
	case <-ctx.Done():
		r.finish(context.WithoutCancel(ctx), h, FailurePayload(ctx.Err()), ctx.Err())
		return nil, ctx.Err()
	}
	r.logger.Info("run queued", zap.String("task", name), zap.String("run_id", h.RunID))
	return h, nil
}

// Get loads a run from the store.
func (r *Runtime) Get(ctx context.Context, runID string) (store.RunRecord, error) {
	if r.store == nil {
		return store.RunRecord{}, errors.New("task runtime has no store")
	}
	rec, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return store.RunRecord{}, errmodel.Validation("not_found", "unknown run", map[string]any{"run_id": runID})
	}
	return rec, err
}

// Events lists a run's journal.
func (r *Runtime) Events(ctx context.Context, runID string) ([]store.EventRecord, error) {
	if r.store == nil {
		return nil, errors.New("task runtime has no store")
	}
	return r.store.ListEvents(ctx, runID, 0, 0)
}

// Run starts the workers and blocks until ctx is done. Runs in flight are
// allowed to finish within their time limit; runs still queued fail with
// ErrShuttingDown.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-r.queue:
					r.execute(context.WithoutCancel(gctx), j)
				}
			}
		})
	}
	err := g.Wait()
	r.drain(context.WithoutCancel(ctx))
	return err
}

func (r *Runtime) drain(ctx context.Context) {
	for {
		select {
		case j := <-r.queue:
			r.finish(ctx, j.handle, FailurePayload(ErrShuttingDown), ErrShuttingDown)
		default:
			return
		}
	}
}

func (r *Runtime) execute(ctx context.Context, j *job) {
	runID := j.handle.RunID
	tr := otel.Tracer("taskq")
	ctx, span := tr.Start(ctx, "Runtime.execute", trace.WithAttributes(
		attribute.String("task", j.task.Name),
		attribute.String("run.id", runID),
	))
	defer span.End()

	limit := j.task.TimeLimit
	if limit <= 0 {
		limit = r.defaultTimeLimit
	}
	tctx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	if r.store != nil {
		if err := r.store.UpdateRun(ctx, runID, store.StatusRunning, nil, ""); err != nil {
			r.logger.Warn("mark run running", zap.String("run_id", runID), zap.Error(err))
		}
	}

	start := time.Now()
	processed, err := j.task.Run(tctx, runID, j.args)
	if err == nil {
		r.logger.Info("run succeeded", zap.String("task", j.task.Name), zap.String("run_id", runID),
			zap.Duration("elapsed", time.Since(start)))
		r.finish(ctx, j.handle, Payload{Processed: processed}, nil)
		return
	}
	// The task gave up on the deadline before its executor saw it.
	var f *executor.Failure
	if !errors.As(err, &f) && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		err = errmodel.New(errmodel.CategoryTimeout, "time_limit_exceeded", executor.TimeoutMessage,
			map[string]any{"run_id": runID}, err)
	}
	span.RecordError(err)
	r.logger.Error("run failed", zap.String("task", j.task.Name), zap.String("run_id", runID),
		zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	r.finish(ctx, j.handle, FailurePayload(err), err)
}

func (r *Runtime) finish(ctx context.Context, h *Handle, p Payload, err error) {
	if r.store != nil {
		status := store.StatusSucceeded
		msg := ""
		if err != nil {
			status, msg = store.StatusFailed, p.Error
		}
		raw, merr := p.MarshalJSON()
		if merr != nil {
			r.logger.Error("encode payload", zap.String("run_id", h.RunID), zap.Error(merr))
		}
		if uerr := r.store.UpdateRun(ctx, h.RunID, status, raw, msg); uerr != nil {
			r.logger.Warn("store run result", zap.String("run_id", h.RunID), zap.Error(uerr))
		}
	}
	h.complete(p, err)
}

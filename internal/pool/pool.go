// Package pool runs record tasks on a fixed-width worker pool. Submission is
// an unbounded FIFO; every submitted task settles exactly once, including on
// timeout, worker crash and shutdown.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/pkg/apierrors"
	"github.com/corval/dispatchd/pkg/observability"
)

// Pool errors
var (
	ErrPoolClosed      = errors.New("task pool is shut down, task rejected")
	ErrTaskTimeout     = errors.New("task exceeded its execution deadline")
	ErrNoTaskBody      = errors.New("task has no body to run")
	ErrUnknownTaskType = errors.New("unknown task type")
)

// Type identifies what kind of work a task carries
type Type string

// The task types the pool accepts
const (
	TypeAPICall       Type = "api_call"
	TypeProcessRecord Type = "process_record"
)

// Task is one unit of work. Run receives a context bounded by the pool's
// per-task timeout and must honor it.
type Task struct {
	Type Type

	// Run is the task body. Required.
	Run func(ctx context.Context) (interface{}, error)

	// Requeueable marks the task safe to resubmit after a worker crash.
	// A requeueable task is retried at most once; a second crash settles it.
	Requeueable bool

	// Meta carries correlation fields into worker logs.
	Meta map[string]interface{}
}

// Result is the settled outcome of a task
type Result struct {
	Value interface{}
	Err   error
}

// Stats holds the pool counters
type Stats struct {
	Width     int
	Submitted int64
	Completed int64
	Failed    int64
	Requeued  int64
	Active    int64
	Queued    int64
	Replaced  int64
}

// taskEnvelope tracks one submission through the queue and workers
type taskEnvelope struct {
	task     Task
	ctx      context.Context
	result   chan Result
	settled  atomic.Bool
	requeued bool
	queuedAt time.Time
}

// settle delivers the result exactly once
func (e *taskEnvelope) settle(res Result) {
	if e.settled.CompareAndSwap(false, true) {
		e.result <- res
		close(e.result)
	}
}

// Pool executes tasks on a fixed number of workers
type Pool struct {
	name        string
	width       int
	taskTimeout time.Duration

	intake chan *taskEnvelope
	ready  chan *taskEnvelope
	quit   chan struct{}

	closed     atomic.Bool
	wg         sync.WaitGroup
	nextWorker atomic.Int64

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	requeued  atomic.Int64
	active    atomic.Int64
	queued    atomic.Int64
	replaced  atomic.Int64

	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a pool and starts its workers. Width is NumCPU-1 clamped to
// [MinWorkers, MaxWorkers].
func New(name string, cfg config.PoolConfig, logger observability.Logger, metrics observability.MetricsClient) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 2
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = 4
	}
	timeout := cfg.TaskTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	p := &Pool{
		name:        name,
		width:       clampWidth(runtime.NumCPU()-1, cfg.MinWorkers, cfg.MaxWorkers),
		taskTimeout: timeout,
		intake:      make(chan *taskEnvelope),
		ready:       make(chan *taskEnvelope),
		quit:        make(chan struct{}),
		logger:      logger,
		metrics:     metrics,
	}

	p.wg.Add(1)
	go p.bridge()

	for i := 0; i < p.width; i++ {
		id := int(p.nextWorker.Add(1))
		p.wg.Add(1)
		go p.worker(id)
	}

	p.logger.Info("Task pool started", map[string]interface{}{
		"pool":         p.name,
		"width":        p.width,
		"task_timeout": timeout.String(),
	})

	return p
}

// Width returns the number of workers
func (p *Pool) Width() int {
	return p.width
}

// Submit queues a task and returns the channel its result settles on. The
// channel always receives exactly one Result.
func (p *Pool) Submit(ctx context.Context, task Task) <-chan Result {
	env := &taskEnvelope{
		task:     task,
		ctx:      ctx,
		result:   make(chan Result, 1),
		queuedAt: time.Now(),
	}

	if task.Run == nil {
		p.failed.Add(1)
		env.settle(Result{Err: ErrNoTaskBody})
		return env.result
	}
	switch task.Type {
	case TypeAPICall, TypeProcessRecord:
	default:
		p.failed.Add(1)
		env.settle(Result{Err: errors.Wrapf(ErrUnknownTaskType, "%q", task.Type)})
		return env.result
	}

	if p.closed.Load() {
		p.failed.Add(1)
		env.settle(Result{Err: ErrPoolClosed})
		return env.result
	}

	p.submitted.Add(1)
	p.recordMetric("pool_tasks_submitted", float64(p.submitted.Load()))

	select {
	case p.intake <- env:
	case <-p.quit:
		p.failed.Add(1)
		env.settle(Result{Err: ErrPoolClosed})
	case <-ctx.Done():
		p.failed.Add(1)
		env.settle(Result{Err: ctx.Err()})
	}
	return env.result
}

// BatchProcess submits every task and waits for all of them. Results are
// returned in task order and every entry is settled; a failure in one task
// never short-circuits the rest.
func (p *Pool) BatchProcess(ctx context.Context, tasks []Task) []Result {
	channels := make([]<-chan Result, len(tasks))
	for i, task := range tasks {
		channels[i] = p.Submit(ctx, task)
	}

	results := make([]Result, len(tasks))
	for i, ch := range channels {
		results[i] = <-ch
	}
	return results
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Width:     p.width,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Requeued:  p.requeued.Load(),
		Active:    p.active.Load(),
		Queued:    p.queued.Load(),
		Replaced:  p.replaced.Load(),
	}
}

// Shutdown stops intake, rejects tasks that have not started, and waits for
// in-flight tasks until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return ErrPoolClosed
	}

	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Task pool drained", map[string]interface{}{
			"pool":      p.name,
			"completed": p.completed.Load(),
			"failed":    p.failed.Load(),
		})
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for in-flight tasks")
	}
}

// bridge moves envelopes from intake to the workers through an unbounded
// in-memory backlog, preserving submission order.
func (p *Pool) bridge() {
	defer p.wg.Done()
	defer close(p.ready)

	var backlog []*taskEnvelope
	for {
		var ready chan *taskEnvelope
		var next *taskEnvelope
		if len(backlog) > 0 {
			ready = p.ready
			next = backlog[0]
		}

		select {
		case env := <-p.intake:
			backlog = append(backlog, env)
			p.queued.Store(int64(len(backlog)))
			p.recordMetric("pool_tasks_queued", float64(len(backlog)))
		case ready <- next:
			backlog = backlog[1:]
			p.queued.Store(int64(len(backlog)))
			p.recordMetric("pool_tasks_queued", float64(len(backlog)))
		case <-p.quit:
			for _, env := range backlog {
				p.failed.Add(1)
				env.settle(Result{Err: ErrPoolClosed})
			}
			p.queued.Store(0)
			p.recordMetric("pool_tasks_queued", 0)
			return
		}
	}
}

// worker executes tasks until the ready channel closes. A worker that saw a
// task panic retires after spawning its replacement.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for env := range p.ready {
		if crashed := p.run(id, env); crashed {
			replacement := int(p.nextWorker.Add(1))
			p.logger.Warn("Replacing worker after task panic", map[string]interface{}{
				"pool":        p.name,
				"worker":      id,
				"replacement": replacement,
			})
			p.wg.Add(1)
			go p.worker(replacement)
			return
		}
	}
}

// run executes one task under the pool timeout and reports whether its body
// panicked.
func (p *Pool) run(id int, env *taskEnvelope) (crashed bool) {
	runCtx, cancel := context.WithTimeout(env.ctx, p.taskTimeout)
	defer cancel()

	p.active.Add(1)
	p.recordMetric("pool_active_tasks", float64(p.active.Load()))
	p.metrics.RecordHistogram("pool_queue_wait_seconds", time.Since(env.queuedAt).Seconds(),
		map[string]string{"pool": p.name})
	defer func() {
		p.active.Add(-1)
		p.recordMetric("pool_active_tasks", float64(p.active.Load()))
	}()

	done := make(chan Result, 1)
	panicked := make(chan interface{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicked <- r
			}
		}()
		value, err := env.task.Run(runCtx)
		done <- Result{Value: value, Err: err}
	}()

	start := time.Now()
	select {
	case res := <-done:
		if res.Err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		env.settle(res)
	case r := <-panicked:
		crashed = true
		p.replaced.Add(1)
		p.logger.Error("Task panicked in worker", map[string]interface{}{
			"pool":      p.name,
			"worker":    id,
			"task_type": string(env.task.Type),
			"panic":     fmt.Sprint(r),
			"meta":      env.task.Meta,
		})
		p.metrics.IncrementCounter("pool_task_panics", 1)
		if env.task.Requeueable && !env.requeued {
			env.requeued = true
			p.requeued.Add(1)
			p.resubmit(env)
		} else {
			p.failed.Add(1)
			env.settle(Result{Err: apierrors.NewSystemError("worker crashed while executing task").
				WithCause(fmt.Errorf("panic: %v", r))})
		}
	case <-runCtx.Done():
		p.failed.Add(1)
		if env.ctx.Err() != nil {
			env.settle(Result{Err: env.ctx.Err()})
		} else {
			p.logger.Warn("Task timed out", map[string]interface{}{
				"pool":      p.name,
				"worker":    id,
				"task_type": string(env.task.Type),
				"elapsed":   time.Since(start).String(),
				"meta":      env.task.Meta,
			})
			env.settle(Result{Err: errors.Wrapf(ErrTaskTimeout, "after %s", p.taskTimeout)})
		}
	}
	return crashed
}

// resubmit puts a crash-requeued envelope back at the tail of the queue
func (p *Pool) resubmit(env *taskEnvelope) {
	select {
	case p.intake <- env:
	case <-p.quit:
		p.failed.Add(1)
		env.settle(Result{Err: ErrPoolClosed})
	}
}

func (p *Pool) recordMetric(name string, value float64) {
	p.metrics.RecordGauge(name, value, map[string]string{"pool": p.name})
}

func clampWidth(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

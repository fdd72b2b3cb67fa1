// Package jobs owns the execution queue: strict FIFO, one job at a time.
package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/executor"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/metrics"
	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

const (
	// DefaultRunTimeout bounds a single job's wall time.
	DefaultRunTimeout = 45 * time.Second
	// DefaultCapacity bounds queued-but-not-started jobs.
	DefaultCapacity = 16
)

// ErrQueueFull is returned when the pending queue is at capacity.
var ErrQueueFull = errors.New("job queue full")

// Queue runs jobs one at a time in submission order. Concurrency is
// deliberately 1: the backends drive a single shared host session.
type Queue struct {
	store      Store
	backends   []executor.Backend
	metrics    *metrics.Registry
	runTimeout time.Duration

	pending chan string

	mu           sync.Mutex
	cancelQueued map[string]struct{}
	running      map[string]context.CancelFunc

	onTerminal func(models.Job)
	timeNow    func() time.Time

	stop chan struct{}
	done chan struct{}
}

type Options struct {
	RunTimeout time.Duration
	Capacity   int
	// OnTerminal fires after a job reaches a terminal state, off the
	// worker's critical path concerns but on its goroutine.
	OnTerminal func(models.Job)
}

func NewQueue(store Store, backends []executor.Backend, reg *metrics.Registry, opts Options) *Queue {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Queue{
		store:        store,
		backends:     backends,
		metrics:      reg,
		runTimeout:   opts.RunTimeout,
		pending:      make(chan string, opts.Capacity),
		cancelQueued: map[string]struct{}{},
		running:      map[string]context.CancelFunc{},
		onTerminal:   opts.OnTerminal,
		timeNow:      time.Now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the single worker. Call once.
func (q *Queue) Start(ctx context.Context) {
	go q.worker(ctx)
}

// Shutdown stops accepting work and waits for the in-flight job.
func (q *Queue) Shutdown(ctx context.Context) error {
	close(q.stop)
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue records and queues a job for an already-allowed action.
func (q *Queue) Enqueue(ctx context.Context, action models.ActionRequest, backend string) (models.Job, error) {
	job := models.Job{
		JobID:      uuid.NewString(),
		Action:     action,
		Backend:    strings.TrimSpace(backend),
		State:      models.JobQueued,
		EnqueuedAt: q.timeNow().UTC(),
		TraceID:    action.TraceID,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return models.Job{}, err
	}
	select {
	case q.pending <- job.JobID:
	default:
		job.State = models.JobFailed
		job.ErrorCode = models.ReasonInternalFault
		job.Error = ErrQueueFull.Error()
		now := q.timeNow().UTC()
		job.FinishedAt = &now
		_ = q.store.Update(ctx, job)
		return models.Job{}, ErrQueueFull
	}
	q.gaugeDepth()
	if q.metrics != nil {
		q.metrics.IncJobState(string(models.JobQueued))
	}
	return job, nil
}

// Get returns the stored snapshot of a job.
func (q *Queue) Get(ctx context.Context, jobID string) (models.Job, bool, error) {
	return q.store.Get(ctx, jobID)
}

// Recent lists the latest jobs for diagnostics.
func (q *Queue) Recent(ctx context.Context, limit int) ([]models.Job, error) {
	return q.store.Recent(ctx, limit)
}

// Stats reports queue occupancy for diagnostics.
type Stats struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	running := len(q.running)
	q.mu.Unlock()
	return Stats{Depth: len(q.pending), Capacity: cap(q.pending), Running: running}
}

// Cancel stops a job. Queued jobs go terminal immediately; a running
// job gets its context cancelled and finishes as cancelled shortly
// after. Terminal jobs report already_terminal.
func (q *Queue) Cancel(ctx context.Context, jobID string) (models.Job, string, error) {
	q.mu.Lock()
	if cancel, running := q.running[jobID]; running {
		q.cancelQueued[jobID] = struct{}{}
		cancel()
		q.mu.Unlock()
		job, ok, err := q.store.Get(ctx, jobID)
		if err != nil || !ok {
			return models.Job{}, models.ReasonInternalFault, err
		}
		return job, "", nil
	}
	// Not in the running map, so the row is either still queued or
	// already terminal: the worker claims jobs and writes terminal rows
	// under this mutex, with the terminal write landing before the job
	// leaves the map.
	job, ok, err := q.store.Get(ctx, jobID)
	if err != nil {
		q.mu.Unlock()
		return models.Job{}, models.ReasonInternalFault, err
	}
	if !ok {
		q.mu.Unlock()
		return models.Job{}, models.ReasonUnknownToken, nil
	}
	if job.State.Terminal() {
		q.mu.Unlock()
		return job, models.ReasonAlreadyTerminal, nil
	}

	// Still queued: finalize here, the worker will skip it.
	now := q.timeNow().UTC()
	job.State = models.JobCancelled
	job.ErrorCode = models.ReasonCancelled
	job.FinishedAt = &now
	if err := q.store.Update(ctx, job); err != nil {
		q.mu.Unlock()
		return models.Job{}, models.ReasonInternalFault, err
	}
	q.mu.Unlock()
	q.finish(job)
	return job, "", nil
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case jobID := <-q.pending:
			q.gaugeDepth()
			q.process(ctx, jobID)
		}
	}
}

func (q *Queue) process(ctx context.Context, jobID string) {
	// Claiming the job and registering its cancel func happen under one
	// mutex hold, so a concurrent Cancel sees either a queued row it may
	// finalize or an entry in the running map, never neither.
	q.mu.Lock()
	job, ok, err := q.store.Get(ctx, jobID)
	if err != nil || !ok {
		q.mu.Unlock()
		return
	}
	if job.State.Terminal() {
		// Cancelled while queued.
		delete(q.cancelQueued, jobID)
		q.mu.Unlock()
		return
	}

	start := q.timeNow().UTC()
	job.State = models.JobRunning
	job.StartedAt = &start
	if err := q.store.Update(ctx, job); err != nil {
		q.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, q.runTimeout)
	q.running[jobID] = cancel
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.IncJobState(string(models.JobRunning))
	}

	var res executor.Result
	backend, found := executor.Select(q.backends, job.Backend)
	if found {
		job.Backend = backend.Name()
		res = backend.Run(runCtx, executor.Request{
			Task:   job.Action.Target,
			Cwd:    job.Action.ArgString("cwd"),
			AsRoot: job.Action.ArgBool("as_root"),
		})
	} else {
		res = executor.Result{
			ErrorCode: models.ReasonExecutorUnavailable,
			Err:       "no execution backend available",
			ExitCode:  -1,
		}
	}
	cancel()

	q.mu.Lock()
	_, wasCancelled := q.cancelQueued[jobID]
	q.mu.Unlock()

	// Write the terminal row before deregistering, then clear both maps
	// so a cancel flag raised in the gap cannot leak.
	q.finalize(ctx, job, res, wasCancelled)

	q.mu.Lock()
	delete(q.running, jobID)
	delete(q.cancelQueued, jobID)
	q.mu.Unlock()
}

func (q *Queue) finalize(ctx context.Context, job models.Job, res executor.Result, cancelled bool) {
	now := q.timeNow().UTC()
	job.FinishedAt = &now
	job.Result = res.Output

	switch {
	case cancelled:
		job.State = models.JobCancelled
		job.ErrorCode = models.ReasonCancelled
	case res.ErrorCode == models.ReasonExecutionTimeout:
		job.State = models.JobTimedOut
		job.ErrorCode = res.ErrorCode
		job.Error = res.Err
	case res.ErrorCode != "":
		job.State = models.JobFailed
		job.ErrorCode = res.ErrorCode
		job.Error = res.Err
	default:
		job.State = models.JobSucceeded
	}

	_ = q.store.Update(ctx, job)
	q.finish(job)
}

func (q *Queue) finish(job models.Job) {
	if q.metrics != nil {
		q.metrics.IncJobState(string(job.State))
	}
	if q.onTerminal != nil {
		q.onTerminal(job)
	}
}

func (q *Queue) gaugeDepth() {
	if q.metrics != nil {
		q.metrics.SetGauge("queue_depth", float64(len(q.pending)))
	}
}

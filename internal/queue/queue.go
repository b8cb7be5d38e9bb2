// Package queue runs moderation tasks FIFO with a cap on how many execute at
// once. A failed task gives up its slot immediately and is re-enqueued at the
// tail by a timer after a capped exponential backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/metrics"
)

var (
	// ErrTaskFailed wraps the last error of a task that ran out of retries.
	ErrTaskFailed = errors.New("queue: task failed")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("queue: stopped")
)

const maxFailedHistory = 100

// Func is the body of a task.
type Func func(ctx context.Context) error

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Task is a unit of work in the queue.
type Task struct {
	ID         string
	Name       string
	Attempts   int
	Status     Status
	EnqueuedAt time.Time
	LastError  error

	fn Func
}

// Config controls concurrency and retries.
type Config struct {
	MaxConcurrent    int
	CheckInterval    time.Duration
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	MaxRetries       int

	// StatusLogInterval throttles the periodic backlog log line.
	StatusLogInterval time.Duration
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Queued         int
	Processing     int
	Retrying       int
	Processed      int
	Failed         int
	Retried        int
	PeakProcessing int
}

// Queue is a bounded-concurrency FIFO task runner.
type Queue struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu         sync.Mutex
	pending    []*Task
	processing map[string]*Task
	timers     map[string]*time.Timer
	failed     []Task
	stats      Stats
	started    bool
	stopped    bool
	lastLog    time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	loop   sync.WaitGroup
	tasks  sync.WaitGroup
}

// New creates a Queue. Call Start to begin processing.
func New(cfg Config, logger *zap.SugaredLogger) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	if cfg.StatusLogInterval <= 0 {
		cfg.StatusLogInterval = 30 * time.Second
	}
	return &Queue{
		cfg:        cfg,
		logger:     logger,
		processing: make(map[string]*Task),
		timers:     make(map[string]*time.Timer),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue appends a task to the tail of the queue and returns its ID.
func (q *Queue) Enqueue(name string, fn Func) (string, error) {
	t := &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Status:     StatusPending,
		EnqueuedAt: time.Now(),
		fn:         fn,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	q.pending = append(q.pending, t)
	q.stats.Queued = len(q.pending)
	q.mu.Unlock()

	metrics.QueueSize.Inc()
	q.signal()
	return t.ID, nil
}

// Start launches the dispatch loop. Tasks run with a context derived from ctx
// that is cancelled by Stop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()

	q.loop.Add(1)
	go q.run(runCtx)
	q.logger.Infow("queue started",
		"max_concurrent", q.cfg.MaxConcurrent,
		"max_retries", q.cfg.MaxRetries,
	)
}

// Stop halts dispatching, drops scheduled retries and waits for running tasks
// to return. Pending tasks are left unprocessed.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.stats.Retrying = 0
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.loop.Wait()
	q.tasks.Wait()

	st := q.Stats()
	q.logger.Infow("queue stopped",
		"unprocessed", st.Queued,
		"processed", st.Processed,
		"failed", st.Failed,
	)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Failed returns the most recent terminally failed tasks, oldest first.
func (q *Queue) Failed() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.failed...)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.loop.Done()

	ticker := time.NewTicker(q.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.logStatus()
		case <-q.wake:
		}
		q.dispatch(ctx)
	}
}

// dispatch starts pending tasks while slots are free.
func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()
		if ctx.Err() != nil || len(q.processing) >= q.cfg.MaxConcurrent || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		t.Status = StatusProcessing
		t.Attempts++
		q.processing[t.ID] = t
		q.stats.Queued = len(q.pending)
		q.stats.Processing = len(q.processing)
		if q.stats.Processing > q.stats.PeakProcessing {
			q.stats.PeakProcessing = q.stats.Processing
		}
		q.tasks.Add(1)
		q.mu.Unlock()

		metrics.QueueSize.Dec()
		metrics.QueueProcessing.Inc()
		go q.execute(ctx, t)
	}
}

func (q *Queue) execute(ctx context.Context, t *Task) {
	defer q.tasks.Done()

	start := time.Now()
	err := runTask(ctx, t)
	metrics.TaskLatency.Observe(time.Since(start).Seconds())
	metrics.QueueProcessing.Dec()

	q.mu.Lock()
	delete(q.processing, t.ID)
	q.stats.Processing = len(q.processing)

	switch {
	case err == nil:
		t.Status = StatusDone
		t.LastError = nil
		q.stats.Processed++
		q.mu.Unlock()
		metrics.TasksTotal.WithLabelValues("done").Inc()

	case t.Attempts <= q.cfg.MaxRetries && !q.stopped:
		t.Status = StatusRetrying
		t.LastError = err
		q.stats.Retried++
		q.stats.Retrying++
		attempts := t.Attempts
		delay := q.backoff(attempts)
		q.timers[t.ID] = time.AfterFunc(delay, func() { q.requeue(t) })
		q.mu.Unlock()
		metrics.TasksTotal.WithLabelValues("retry").Inc()
		q.logger.Warnw("task failed, retrying",
			"task", t.Name, "id", t.ID,
			"attempt", attempts, "delay", delay, "error", err,
		)

	default:
		t.Status = StatusFailed
		t.LastError = fmt.Errorf("%w after %d attempts: %w", ErrTaskFailed, t.Attempts, err)
		q.stats.Failed++
		q.failed = append(q.failed, *t)
		if len(q.failed) > maxFailedHistory {
			q.failed = q.failed[len(q.failed)-maxFailedHistory:]
		}
		attempts := t.Attempts
		q.mu.Unlock()
		metrics.TasksTotal.WithLabelValues("failed").Inc()
		q.logger.Errorw("task failed permanently",
			"task", t.Name, "id", t.ID, "attempts", attempts, "error", err,
		)
	}

	// A slot is free either way.
	q.signal()
}

// runTask calls the task body, converting a panic into an error.
func runTask(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ctx)
}

func (q *Queue) requeue(t *Task) {
	q.mu.Lock()
	if _, ok := q.timers[t.ID]; !ok {
		// Stop already dropped this retry.
		q.mu.Unlock()
		return
	}
	delete(q.timers, t.ID)
	q.stats.Retrying--
	t.Status = StatusPending
	q.pending = append(q.pending, t)
	q.stats.Queued = len(q.pending)
	q.mu.Unlock()

	metrics.QueueSize.Inc()
	q.signal()
}

// backoff returns RetryInterval doubled per previous attempt, capped at
// MaxRetryInterval.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.RetryInterval
	for i := 1; i < attempt && d < q.cfg.MaxRetryInterval; i++ {
		d *= 2
	}
	if d > q.cfg.MaxRetryInterval {
		d = q.cfg.MaxRetryInterval
	}
	return d
}

func (q *Queue) logStatus() {
	q.mu.Lock()
	st := q.stats
	now := time.Now()
	due := now.Sub(q.lastLog) >= q.cfg.StatusLogInterval
	if due && (st.Queued > 0 || st.Processing > 0 || st.Retrying > 0) {
		q.lastLog = now
	} else {
		due = false
	}
	q.mu.Unlock()

	if due {
		q.logger.Infow("queue status",
			"queued", st.Queued,
			"processing", st.Processing,
			"retrying", st.Retrying,
			"processed", st.Processed,
			"failed", st.Failed,
		)
	}
}

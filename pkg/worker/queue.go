package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/metrics"
)

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrQueueClosed = errors.New("task queue is closed")
)

// Job is one unit of background work. Run receives the queue's context, not
// the context of whoever enqueued it.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type QueueConfig struct {
	Workers  int
	Capacity int
}

// Queue is a bounded in-process task queue with supervised workers. Work
// survives the request that enqueued it and is drained on Shutdown; it does
// not survive the process.
type Queue struct {
	config  QueueConfig
	jobs    chan Job
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewQueue(config QueueConfig, logger *logger.Logger, metrics *metrics.Metrics) *Queue {
	// Config validation instead of defaults
	if config.Workers <= 0 {
		panic("Workers must be greater than 0")
	}
	if config.Capacity <= 0 {
		panic("Capacity must be greater than 0")
	}

	return &Queue{
		config:  config,
		jobs:    make(chan Job, config.Capacity),
		logger:  logger,
		metrics: metrics,
	}
}

// Start launches the workers. Jobs inherit ctx's values but not its
// cancellation; only Shutdown stops them.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))

	q.logger.Info("Starting task queue", "workers", q.config.Workers, "capacity", q.config.Capacity)
	for i := 0; i < q.config.Workers; i++ {
		id := i
		q.wg.Go(func() { q.work(id) })
	}
}

// Enqueue hands a job to the workers without blocking.
func (q *Queue) Enqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		q.metrics.QueueDepth.Set(float64(len(q.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued and running jobs to finish.
// When ctx expires first, running jobs are cancelled and ctx's error is
// returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}

	q.logger.Info("Draining task queue", "pending", len(q.jobs))
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("Task queue drained")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("task queue shutdown: %w", ctx.Err())
	}
}

func (q *Queue) work(id int) {
	for job := range q.jobs {
		q.metrics.QueueDepth.Set(float64(len(q.jobs)))
		q.run(id, job)
	}
}

func (q *Queue) run(worker int, job Job) {
	timer := prometheus.NewTimer(q.metrics.JobDuration)
	defer timer.ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			q.metrics.JobPanics.Inc()
			q.logger.ZL.Error().
				Int("worker", worker).
				Str("job", job.Name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
		}
	}()

	start := time.Now()
	if err := job.Run(q.ctx); err != nil {
		q.logger.Error(err, "Task failed", "worker", worker, "job", job.Name)
		return
	}
	q.logger.Debug("Task finished", "worker", worker, "job", job.Name, "duration", time.Since(start).String())
}

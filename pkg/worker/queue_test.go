package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/metrics"
)

func newTestQueue(workers, capacity int) (*Queue, *metrics.Metrics) {
	m := metrics.New("test")
	return NewQueue(QueueConfig{Workers: workers, Capacity: capacity}, logger.Nop(), m), m
}

func TestQueueRunsJobsAndDrains(t *testing.T) {
	q, _ := newTestQueue(2, 10)
	q.Start(context.Background())

	var ran int32
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(Job{Name: "count", Run: func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&ran, 1)
			return nil
		}}))
	}

	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
	assert.ErrorIs(t, q.Enqueue(Job{Name: "late", Run: func(context.Context) error { return nil }}), ErrQueueClosed)
}

func TestQueueFull(t *testing.T) {
	q, _ := newTestQueue(1, 1)
	// not started: nothing drains the buffer
	require.NoError(t, q.Enqueue(Job{Name: "a", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, q.Enqueue(Job{Name: "b", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueueRecoversPanics(t *testing.T) {
	q, m := newTestQueue(1, 4)
	q.Start(context.Background())

	var after int32
	require.NoError(t, q.Enqueue(Job{Name: "boom", Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, q.Enqueue(Job{Name: "after", Run: func(context.Context) error {
		atomic.StoreInt32(&after, 1)
		return nil
	}}))

	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&after))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobPanics))
}

func TestQueueJobsOutliveCallerContext(t *testing.T) {
	q, _ := newTestQueue(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	errCh := make(chan error, 1)
	require.NoError(t, q.Enqueue(Job{Name: "ctx", Run: func(ctx context.Context) error {
		errCh <- ctx.Err()
		return nil
	}}))

	assert.NoError(t, <-errCh)
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueueShutdownDeadlineCancelsJobs(t *testing.T) {
	q, _ := newTestQueue(1, 1)
	q.Start(context.Background())

	started := make(chan struct{})
	require.NoError(t, q.Enqueue(Job{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/messaging"
	"github.com/jwalitptl/school-notify/pkg/messaging/redis"
)

func TestProgressMonitorCountsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(redis.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	broker, err := redis.NewRedisBroker(context.Background(), client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	m := NewMonitorMetrics(prometheus.NewRegistry())
	monitor := NewProgressMonitor(broker, logger.Nop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	// wait until the subscription is live
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(messaging.ChannelProgress)[messaging.ChannelProgress] > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, broker.Publish(ctx, messaging.ChannelProgress, messaging.Message{
		Type:    messaging.EventBatchCompleted,
		Payload: messaging.ProgressEvent{NotificationID: "n-1", Batch: 1, Sent: 4, Failed: 1, Remaining: 0},
	}))
	require.NoError(t, broker.Publish(ctx, messaging.ChannelProgress, messaging.Message{
		Type:    messaging.EventDispatchCompleted,
		Payload: messaging.ProgressEvent{NotificationID: "n-1", Sent: 4, Failed: 1},
	}))
	mr.Publish(messaging.ChannelProgress, "not json")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.malformed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.events.WithLabelValues(messaging.EventBatchCompleted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.events.WithLabelValues(messaging.EventDispatchCompleted)))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.deliveries.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deliveries.WithLabelValues("failed")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

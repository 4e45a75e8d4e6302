package main

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/messaging"
)

// Subscriber is the part of a broker the monitor needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

type MonitorMetrics struct {
	events     *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	malformed  prometheus.Counter
}

func NewMonitorMetrics(reg prometheus.Registerer) *MonitorMetrics {
	factory := promauto.With(reg)
	return &MonitorMetrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "school_notify_worker",
			Name:      "progress_events_total",
			Help:      "Progress events received by type",
		}, []string{"type"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "school_notify_worker",
			Name:      "deliveries_total",
			Help:      "Deliveries reported by completed batches",
		}, []string{"result"}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "school_notify_worker",
			Name:      "malformed_events_total",
			Help:      "Progress messages that could not be decoded",
		}),
	}
}

type progressMessage struct {
	Type    string                  `json:"type"`
	Payload messaging.ProgressEvent `json:"payload"`
}

// ProgressMonitor follows dispatch progress published by the API process.
type ProgressMonitor struct {
	sub     Subscriber
	logger  *logger.Logger
	metrics *MonitorMetrics
}

func NewProgressMonitor(sub Subscriber, logger *logger.Logger, metrics *MonitorMetrics) *ProgressMonitor {
	return &ProgressMonitor{sub: sub, logger: logger, metrics: metrics}
}

// Run blocks until ctx is done or the subscription closes.
func (m *ProgressMonitor) Run(ctx context.Context) error {
	msgs, err := m.sub.Subscribe(ctx, messaging.ChannelProgress)
	if err != nil {
		return err
	}

	m.logger.Info("Progress monitor started", "channel", messaging.ChannelProgress)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Progress monitor shutting down")
			return nil
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			m.handle(raw)
		}
	}
}

func (m *ProgressMonitor) handle(raw []byte) {
	var msg progressMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.metrics.malformed.Inc()
		m.logger.Warn("Dropping malformed progress message", "error", err.Error())
		return
	}
	m.metrics.events.WithLabelValues(msg.Type).Inc()

	event := msg.Payload
	switch msg.Type {
	case messaging.EventBatchCompleted:
		m.metrics.deliveries.WithLabelValues("sent").Add(float64(event.Sent))
		m.metrics.deliveries.WithLabelValues("failed").Add(float64(event.Failed))
		m.logger.Debug("Batch completed",
			"notification_id", event.NotificationID,
			"batch", event.Batch,
			"sent", event.Sent,
			"failed", event.Failed,
			"remaining", event.Remaining,
		)
	case messaging.EventDispatchCompleted:
		m.logger.Info("Dispatch completed",
			"notification_id", event.NotificationID,
			"sent", event.Sent,
			"failed", event.Failed,
		)
	default:
		m.logger.Warn("Unknown progress event", "type", msg.Type)
	}
}

package messaging

import (
	"context"
	"time"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Publisher defines the interface for publishing messages
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// ChannelProgress carries per-batch progress of notification dispatches.
const ChannelProgress = "notifications.progress"

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Event types published on ChannelProgress.
const (
	EventBatchCompleted    = "batch_completed"
	EventDispatchCompleted = "dispatch_completed"
)

// ProgressEvent is the payload of a progress message.
type ProgressEvent struct {
	NotificationID string    `json:"notificationId"`
	Batch          int       `json:"batch"`
	Sent           int       `json:"sent"`
	Failed         int       `json:"failed"`
	Remaining      int       `json:"remaining"`
	At             time.Time `json:"at"`
}

// NopPublisher drops every message.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }

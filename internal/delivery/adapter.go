package delivery

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/pkg/metrics"
)

var ErrChannelNotConfigured = errors.New("delivery channel not configured")

// Sender delivers to one channel. Provider failures are reported in the
// outcome, never as Go errors.
type Sender interface {
	Send(ctx context.Context, recipient model.Recipient, payload model.Payload) model.DeliveryOutcome
}

// Deliverer is what the dispatcher and the service depend on.
type Deliverer interface {
	Deliver(ctx context.Context, recipient model.Recipient, payload model.Payload) model.DeliveryOutcome
}

// Adapter routes a delivery to the sender for the recipient's channel and
// paces outbound calls per channel. It never touches storage: expired
// outcomes are returned for the caller to act on.
type Adapter struct {
	senders  map[model.Channel]Sender
	limiters map[model.Channel]*rate.Limiter
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Adapter)

func WithSender(channel model.Channel, s Sender) Option {
	return func(a *Adapter) {
		a.senders[channel] = s
	}
}

// WithRateLimit caps outbound sends on a channel. A non-positive rps leaves
// the channel unpaced.
func WithRateLimit(channel model.Channel, rps float64, burst int) Option {
	return func(a *Adapter) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		a.limiters[channel] = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		senders:  make(map[model.Channel]Sender),
		limiters: make(map[model.Channel]*rate.Limiter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Supports reports whether a sender is configured for channel.
func (a *Adapter) Supports(channel model.Channel) bool {
	_, ok := a.senders[channel]
	return ok
}

func (a *Adapter) Deliver(ctx context.Context, recipient model.Recipient, payload model.Payload) model.DeliveryOutcome {
	outcome := a.deliver(ctx, recipient, payload)
	outcome.RecipientID = recipient.ID
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = a.now()
	}
	if a.metrics != nil {
		a.metrics.Deliveries.WithLabelValues(string(recipient.Channel), string(outcome.Result)).Inc()
	}
	return outcome
}

func (a *Adapter) deliver(ctx context.Context, recipient model.Recipient, payload model.Payload) model.DeliveryOutcome {
	sender, ok := a.senders[recipient.Channel]
	if !ok {
		return model.DeliveryOutcome{Result: model.DeliveryUnknownError, Err: ErrChannelNotConfigured}
	}
	if limiter, ok := a.limiters[recipient.Channel]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return model.DeliveryOutcome{Result: model.DeliveryUnknownError, Err: err}
		}
	}
	return sender.Send(ctx, recipient, payload)
}

// PushOne sends directly to a single browser subscription.
func (a *Adapter) PushOne(ctx context.Context, sub model.WebPushSubscription, payload model.Payload) model.DeliveryOutcome {
	recipient := model.Recipient{
		ID:           model.Fingerprint(model.ChannelWebPush, sub.Endpoint),
		Channel:      model.ChannelWebPush,
		Subscription: &sub,
	}
	return a.Deliver(ctx, recipient, payload)
}

// OutcomeForStatus maps a push provider HTTP status to a delivery result.
func OutcomeForStatus(code int) model.DeliveryResult {
	switch {
	case code >= 200 && code < 300:
		return model.DeliverySent
	case code == http.StatusNotFound, code == http.StatusGone:
		return model.DeliveryExpired
	case code == http.StatusRequestEntityTooLarge:
		return model.DeliveryPayloadTooLarge
	case code == http.StatusTooManyRequests:
		return model.DeliveryRateLimited
	}
	return model.DeliveryUnknownError
}

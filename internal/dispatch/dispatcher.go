package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"

	"github.com/jwalitptl/school-notify/internal/delivery"
	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/messaging"
	"github.com/jwalitptl/school-notify/pkg/metrics"
)

// storeTimeout bounds record updates, which run even after the dispatch
// context has been cancelled so finished batches are still accounted for.
const storeTimeout = 5 * time.Second

type Config struct {
	BatchSize            int
	MaxConcurrentBatches int
	// MaxAttempts per recipient. 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Invalidator removes subscriptions the provider reported as gone.
type Invalidator interface {
	Invalidate(ctx context.Context, recipient model.Recipient) error
}

type BatchResult struct {
	Index  int
	Size   int
	Sent   int
	Failed int
	// Skipped recipients were never attempted because the dispatch context
	// ended first. They are not counted in the record.
	Skipped int
	Expired []model.Recipient
}

type Result struct {
	Sent    int
	Failed  int
	Skipped int
	Batches []BatchResult
}

// Interrupted reports whether some recipients were never attempted.
func (r Result) Interrupted() bool {
	return r.Skipped > 0
}

type Dispatcher struct {
	config      Config
	deliverer   delivery.Deliverer
	records     repository.NotificationRecordRepository
	invalidator Invalidator
	publisher   messaging.Publisher
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

// NewDispatcher panics on an invalid config. invalidator and publisher may
// be nil.
func NewDispatcher(
	config Config,
	deliverer delivery.Deliverer,
	records repository.NotificationRecordRepository,
	invalidator Invalidator,
	publisher messaging.Publisher,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Dispatcher {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.MaxConcurrentBatches <= 0 {
		panic("MaxConcurrentBatches must be greater than 0")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}

	return &Dispatcher{
		config:      config,
		deliverer:   deliverer,
		records:     records,
		invalidator: invalidator,
		publisher:   publisher,
		logger:      logger,
		metrics:     metrics,
	}
}

// Partition splits recipients into contiguous batches of size; the last
// batch may be smaller.
func Partition(recipients []model.Recipient, size int) [][]model.Recipient {
	if size <= 0 || len(recipients) == 0 {
		return nil
	}
	batches := make([][]model.Recipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, recipients[start:end:end])
	}
	return batches
}

// Run sends payload to every recipient and folds each batch's outcomes into
// the notification record as the batch completes. Delivery and store
// failures are counted or logged; they never stop the run. Cancelling ctx
// does: batches not yet started are skipped and the record stays
// processing.
func (d *Dispatcher) Run(ctx context.Context, notificationID string, recipients []model.Recipient, payload model.Payload) Result {
	log := d.logger.WithContext(ctx).WithFields(map[string]interface{}{"notification_id": notificationID})
	batches := Partition(recipients, d.config.BatchSize)
	results := make([]BatchResult, len(batches))

	log.Info("Dispatch started", "recipients", len(recipients), "batches", len(batches))

	p := pool.New().WithMaxGoroutines(d.config.MaxConcurrentBatches)
	for i, batch := range batches {
		i, batch := i, batch
		if ctx.Err() != nil {
			results[i] = BatchResult{Index: i, Size: len(batch), Skipped: len(batch)}
			continue
		}
		p.Go(func() {
			results[i] = d.runBatch(ctx, log, notificationID, i, batch, payload)
		})
	}
	p.Wait()

	res := Result{Batches: results}
	for _, b := range results {
		res.Sent += b.Sent
		res.Failed += b.Failed
		res.Skipped += b.Skipped
	}

	if res.Interrupted() {
		log.Warn("Dispatch interrupted", "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
		return res
	}

	d.publish(ctx, log, messaging.EventDispatchCompleted, messaging.ProgressEvent{
		NotificationID: notificationID,
		Batch:          len(batches),
		Sent:           res.Sent,
		Failed:         res.Failed,
		At:             time.Now(),
	})
	log.Info("Dispatch finished", "sent", res.Sent, "failed", res.Failed)
	return res
}

func (d *Dispatcher) runBatch(ctx context.Context, log *logger.Logger, notificationID string, index int, batch []model.Recipient, payload model.Payload) BatchResult {
	if ctx.Err() != nil {
		return BatchResult{Index: index, Size: len(batch), Skipped: len(batch)}
	}
	d.metrics.BatchesInFlight.Inc()
	defer d.metrics.BatchesInFlight.Dec()
	timer := prometheus.NewTimer(d.metrics.BatchDuration)
	defer timer.ObserveDuration()

	outcomes := make([]model.DeliveryOutcome, len(batch))
	attempted := make([]bool, len(batch))
	p := pool.New().WithMaxGoroutines(len(batch))
	for j, recipient := range batch {
		j, recipient := j, recipient
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			outcomes[j] = d.deliver(ctx, recipient, payload)
			attempted[j] = !cancelled(ctx, outcomes[j])
		})
	}
	p.Wait()

	result := BatchResult{Index: index, Size: len(batch)}
	for j, outcome := range outcomes {
		if !attempted[j] {
			result.Skipped++
			continue
		}
		if outcome.Sent() {
			result.Sent++
			continue
		}
		result.Failed++
		if outcome.ShouldInvalidate() {
			result.Expired = append(result.Expired, batch[j])
		}
		log.Debug("Delivery failed",
			"recipient_id", outcome.RecipientID,
			"result", string(outcome.Result),
			"status_code", outcome.StatusCode,
		)
	}

	if result.Sent+result.Failed == 0 {
		return result
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	remaining := -1
	stats, err := d.records.IncrementStats(storeCtx, notificationID, result.Sent, result.Failed)
	if err != nil {
		d.metrics.RecordStoreOperations.WithLabelValues("increment_stats", "error").Inc()
		log.Error(err, "Failed to record batch outcome", "batch", index, "sent", result.Sent, "failed", result.Failed)
	} else {
		d.metrics.RecordStoreOperations.WithLabelValues("increment_stats", "success").Inc()
		remaining = stats.Remaining
	}

	d.invalidate(storeCtx, log, result.Expired)

	d.publish(ctx, log, messaging.EventBatchCompleted, messaging.ProgressEvent{
		NotificationID: notificationID,
		Batch:          index,
		Sent:           result.Sent,
		Failed:         result.Failed,
		Remaining:      remaining,
		At:             time.Now(),
	})
	return result
}

// cancelled reports whether a failed outcome came from the dispatch context
// ending rather than from the provider.
func cancelled(ctx context.Context, outcome model.DeliveryOutcome) bool {
	return ctx.Err() != nil && outcome.Result == model.DeliveryUnknownError
}

func (d *Dispatcher) deliver(ctx context.Context, recipient model.Recipient, payload model.Payload) model.DeliveryOutcome {
	if d.config.MaxAttempts <= 1 {
		return d.deliverer.Deliver(ctx, recipient, payload)
	}

	var outcome model.DeliveryOutcome
	attempt := 0
	op := func() error {
		if attempt > 0 {
			d.metrics.DeliveryRetries.WithLabelValues(string(recipient.Channel)).Inc()
		}
		attempt++
		outcome = d.deliverer.Deliver(ctx, recipient, payload)
		switch {
		case outcome.Sent():
			return nil
		case outcome.Result.Retryable():
			return fmt.Errorf("delivery %s", outcome.Result)
		default:
			return backoff.Permanent(fmt.Errorf("delivery %s", outcome.Result))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialBackoff
	b.MaxInterval = d.config.MaxBackoff
	b.MaxElapsedTime = 0
	_ = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.config.MaxAttempts-1)), ctx))
	return outcome
}

func (d *Dispatcher) invalidate(ctx context.Context, log *logger.Logger, expired []model.Recipient) {
	if d.invalidator == nil {
		return
	}
	for _, r := range expired {
		if err := d.invalidator.Invalidate(ctx, r); err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.Warn("Failed to invalidate expired subscription", "recipient_id", r.ID, "error", err.Error())
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, log *logger.Logger, eventType string, event messaging.ProgressEvent) {
	msg := messaging.Message{Type: eventType, Payload: event}
	if err := d.publisher.Publish(context.WithoutCancel(ctx), messaging.ChannelProgress, msg); err != nil {
		log.Warn("Failed to publish progress event", "event", eventType, "error", err.Error())
	}
}

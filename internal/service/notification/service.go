package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc/iter"

	"github.com/jwalitptl/school-notify/internal/delivery"
	"github.com/jwalitptl/school-notify/internal/dispatch"
	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
	apperrors "github.com/jwalitptl/school-notify/pkg/errors"
	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/metrics"
	"github.com/jwalitptl/school-notify/pkg/worker"
)

const (
	// StatusQueued is reported to the submitter once dispatch is handed off.
	StatusQueued = "queued"

	MsgMissingFields = "Missing required fields: title and recipients"

	maxUnifiedErrors = 50
	reportCacheTTL   = 10 * time.Minute
)

type Service interface {
	Submit(ctx context.Context, req *model.NotificationRequest) (*SubmitResult, error)
	Status(ctx context.Context, id string) (*model.StatusReport, error)
	SendPush(ctx context.Context, req *model.PushRequest) model.DeliveryOutcome
	SendUnified(ctx context.Context, req *model.UnifiedRequest) (*model.UnifiedResult, error)
	RegisterSubscription(ctx context.Context, userID string, req *model.RegisterSubscriptionRequest) (*model.PushSubscription, error)
	UnregisterSubscription(ctx context.Context, userID string, req *model.UnregisterSubscriptionRequest) error
}

type SubmitResult struct {
	NotificationID string      `json:"notificationId"`
	Stats          model.Stats `json:"stats"`
	Status         string      `json:"status"`
}

// Runner runs a dispatch to completion.
type Runner interface {
	Run(ctx context.Context, notificationID string, recipients []model.Recipient, payload model.Payload) dispatch.Result
}

// Enqueuer accepts background jobs.
type Enqueuer interface {
	Enqueue(job worker.Job) error
}

// Deliverer is the delivery adapter as seen by the service.
type Deliverer interface {
	delivery.Deliverer
	PushOne(ctx context.Context, sub model.WebPushSubscription, payload model.Payload) model.DeliveryOutcome
	Supports(channel model.Channel) bool
}

type service struct {
	resolver    *Resolver
	invalidator *Invalidator
	records     repository.NotificationRecordRepository
	subs        repository.SubscriptionRepository
	deliverer   Deliverer
	runner      Runner
	queue       Enqueuer
	reports     *cache.Cache
	fanOut      int
	logger      *logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Config struct {
	// FanOut bounds concurrent sends of a unified request.
	FanOut int
}

func NewService(
	config Config,
	resolver *Resolver,
	invalidator *Invalidator,
	records repository.NotificationRecordRepository,
	subs repository.SubscriptionRepository,
	deliverer Deliverer,
	runner Runner,
	queue Enqueuer,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) Service {
	if config.FanOut <= 0 {
		config.FanOut = 10
	}
	return &service{
		resolver:    resolver,
		invalidator: invalidator,
		records:     records,
		subs:        subs,
		deliverer:   deliverer,
		runner:      runner,
		queue:       queue,
		reports:     cache.New(reportCacheTTL, 2*reportCacheTTL),
		fanOut:      config.FanOut,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Submit resolves recipients, creates the record and queues the dispatch.
// It returns as soon as the job is queued.
func (s *service) Submit(ctx context.Context, req *model.NotificationRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.Title) == "" || !req.Recipients.Present() {
		s.metrics.NotificationsSubmitted.WithLabelValues("invalid").Inc()
		return nil, apperrors.Validation(MsgMissingFields, nil)
	}
	if err := req.Recipients.Validate(); err != nil {
		s.metrics.NotificationsSubmitted.WithLabelValues("invalid").Inc()
		return nil, apperrors.Validation(err.Error(), err)
	}

	recipients, err := s.resolve(ctx, req.Recipients)
	if err != nil {
		s.metrics.NotificationsSubmitted.WithLabelValues("resolution_failed").Inc()
		return nil, err
	}
	s.metrics.RecipientsResolved.Observe(float64(len(recipients)))

	now := s.now()
	record := model.NewNotificationRecord(uuid.NewString(), req, len(recipients), now)
	if err := s.records.Create(ctx, record); err != nil {
		s.metrics.RecordStoreOperations.WithLabelValues("create", "error").Inc()
		s.metrics.NotificationsSubmitted.WithLabelValues("store_failed").Inc()
		return nil, apperrors.RecordStore("create", err)
	}
	s.metrics.RecordStoreOperations.WithLabelValues("create", "success").Inc()

	log := s.logger.WithContext(ctx)
	result := &SubmitResult{NotificationID: record.ID, Stats: record.Stats, Status: StatusQueued}
	if len(recipients) == 0 {
		s.metrics.NotificationsSubmitted.WithLabelValues("empty").Inc()
		log.Info("Notification has no recipients", "notification_id", record.ID)
		return result, nil
	}

	payload := model.RenderPayload(req.Title, req.Body, req.PayloadOptions(), now)
	job := worker.Job{
		Name: "dispatch:" + record.ID,
		Run: func(ctx context.Context) error {
			s.runner.Run(ctx, record.ID, recipients, payload)
			return nil
		},
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.metrics.NotificationsSubmitted.WithLabelValues("rejected").Inc()
		if markErr := s.records.MarkFailed(context.WithoutCancel(ctx), record.ID, err.Error()); markErr != nil {
			log.Error(markErr, "Failed to mark notification failed", "notification_id", record.ID)
		}
		return nil, apperrors.Unavailable("notification dispatch is unavailable", err)
	}

	s.metrics.NotificationsSubmitted.WithLabelValues("queued").Inc()
	log.Info("Notification queued", "notification_id", record.ID, "recipients", len(recipients))
	return result, nil
}

// resolve drops recipients whose channel has no configured sender.
func (s *service) resolve(ctx context.Context, spec model.RecipientSpec) ([]model.Recipient, error) {
	recipients, err := s.resolver.Resolve(ctx, spec)
	if err != nil {
		return nil, err
	}
	kept := recipients[:0]
	for _, r := range recipients {
		if s.deliverer.Supports(r.Channel) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (s *service) Status(ctx context.Context, id string) (*model.StatusReport, error) {
	if cached, ok := s.reports.Get(id); ok {
		report := cached.(model.StatusReport)
		return &report, nil
	}

	record, err := s.records.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("Notification", err)
	}
	if err != nil {
		return nil, apperrors.RecordStore("get", err)
	}

	report := record.Report()
	if report.Status.IsTerminal() {
		s.reports.SetDefault(id, report)
	}
	return &report, nil
}

// SendPush delivers straight to one subscription. A gone subscription is
// also removed from the directory when it is registered there.
func (s *service) SendPush(ctx context.Context, req *model.PushRequest) model.DeliveryOutcome {
	payload := req.Payload.Render(s.now())
	outcome := s.deliverer.PushOne(ctx, *req.Subscription, payload)
	if outcome.ShouldInvalidate() {
		recipient := model.Recipient{
			ID:           outcome.RecipientID,
			Channel:      model.ChannelWebPush,
			Subscription: req.Subscription,
		}
		if err := s.invalidator.Invalidate(ctx, recipient); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithContext(ctx).Warn("Failed to remove expired subscription", "error", err.Error())
		}
	}
	return outcome
}

// SendUnified resolves recipients and sends to them synchronously on both
// channels. Nothing is recorded.
func (s *service) SendUnified(ctx context.Context, req *model.UnifiedRequest) (*model.UnifiedResult, error) {
	if !req.Recipients.Present() {
		return nil, apperrors.Validation("Missing required fields: recipients and payload", nil)
	}
	if err := req.Recipients.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error(), err)
	}

	recipients, err := s.resolve(ctx, req.Recipients)
	if err != nil {
		return nil, err
	}

	payload := req.Payload.Render(s.now())
	mapper := iter.Mapper[model.Recipient, model.DeliveryOutcome]{MaxGoroutines: s.fanOut}
	outcomes := mapper.Map(recipients, func(r *model.Recipient) model.DeliveryOutcome {
		return s.deliverer.Deliver(ctx, *r, payload)
	})

	result := &model.UnifiedResult{
		WebPush: model.ChannelSummary{Errors: []string{}},
		FCM:     model.ChannelSummary{Errors: []string{}},
	}
	for i, outcome := range outcomes {
		summary := &result.WebPush
		if recipients[i].Channel == model.ChannelFCM {
			summary = &result.FCM
		}
		if outcome.Sent() {
			summary.Success++
			continue
		}
		summary.Failed++
		if len(summary.Errors) < maxUnifiedErrors {
			summary.Errors = append(summary.Errors, describeFailure(recipients[i], outcome))
		}
		if outcome.ShouldInvalidate() {
			if err := s.invalidator.Invalidate(ctx, recipients[i]); err != nil && !errors.Is(err, repository.ErrNotFound) {
				s.logger.WithContext(ctx).Warn("Failed to remove expired subscription", "recipient_id", recipients[i].ID, "error", err.Error())
			}
		}
	}
	result.Total.Success = result.WebPush.Success + result.FCM.Success
	result.Total.Failed = result.WebPush.Failed + result.FCM.Failed
	return result, nil
}

func describeFailure(r model.Recipient, outcome model.DeliveryOutcome) string {
	if outcome.Err != nil {
		return fmt.Sprintf("user %s: %s: %v", r.UserID, outcome.Result, outcome.Err)
	}
	return fmt.Sprintf("user %s: %s", r.UserID, outcome.Result)
}

func (s *service) RegisterSubscription(ctx context.Context, userID string, req *model.RegisterSubscriptionRequest) (*model.PushSubscription, error) {
	if userID == "" {
		return nil, apperrors.Unauthorized(errors.New("missing user"))
	}
	sub := req.Build(userID, s.now())
	if sub.Address() == "" {
		return nil, apperrors.Validation("subscription endpoint or token is required", nil)
	}
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return nil, apperrors.Internal(err)
	}
	s.resolver.Forget(userID)
	return sub, nil
}

// UnregisterSubscription removes one of userID's own subscriptions. Another
// user's subscription reports not found.
func (s *service) UnregisterSubscription(ctx context.Context, userID string, req *model.UnregisterSubscriptionRequest) error {
	if userID == "" {
		return apperrors.Unauthorized(errors.New("missing user"))
	}
	channel, address := model.ChannelWebPush, req.Endpoint
	if address == "" {
		channel, address = model.ChannelFCM, req.Token
	}
	deleted, err := s.subs.DeleteOwned(ctx, userID, channel, address)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound("Subscription", err)
	}
	if err != nil {
		return apperrors.Internal(err)
	}
	s.resolver.Forget(deleted.UserID)
	return nil
}

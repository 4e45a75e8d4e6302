package notification

import (
	"context"

	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
	"github.com/jwalitptl/school-notify/pkg/logger"
)

// Invalidator removes subscriptions a provider reported as gone and keeps
// the resolver cache in step.
type Invalidator struct {
	subs     repository.SubscriptionRepository
	resolver *Resolver
	logger   *logger.Logger
}

func NewInvalidator(subs repository.SubscriptionRepository, resolver *Resolver, logger *logger.Logger) *Invalidator {
	return &Invalidator{subs: subs, resolver: resolver, logger: logger}
}

func (i *Invalidator) Invalidate(ctx context.Context, recipient model.Recipient) error {
	i.resolver.Forget(recipient.UserID)
	deleted, err := i.subs.DeleteByAddress(ctx, recipient.Channel, recipient.Address())
	if err != nil {
		return err
	}
	i.resolver.Forget(deleted.UserID)
	i.logger.WithContext(ctx).Info("Removed expired subscription", "user_id", deleted.UserID, "channel", string(deleted.Channel))
	return nil
}

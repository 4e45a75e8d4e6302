package notification

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
	apperrors "github.com/jwalitptl/school-notify/pkg/errors"
	"github.com/jwalitptl/school-notify/pkg/logger"
)

// Resolver expands a recipient spec into deduplicated push targets.
type Resolver struct {
	users  repository.UserRepository
	subs   repository.SubscriptionRepository
	cache  *cache.Cache
	logger *logger.Logger
}

// NewResolver caches each user's subscriptions for ttl. A non-positive ttl
// disables caching.
func NewResolver(users repository.UserRepository, subs repository.SubscriptionRepository, ttl time.Duration, logger *logger.Logger) *Resolver {
	r := &Resolver{users: users, subs: subs, logger: logger}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Resolve returns recipients ordered by user id then fingerprint. Users
// without a subscription are left out. Any directory failure fails the whole
// resolution.
func (r *Resolver) Resolve(ctx context.Context, spec model.RecipientSpec) ([]model.Recipient, error) {
	users, err := r.lookupUsers(ctx, spec)
	if err != nil {
		return nil, apperrors.Resolution(err)
	}
	if len(users) == 0 {
		return []model.Recipient{}, nil
	}

	userIDs := make([]string, 0, len(users))
	for _, u := range users {
		userIDs = append(userIDs, u.ID)
	}

	subs, err := r.subscriptions(ctx, userIDs)
	if err != nil {
		return nil, apperrors.Resolution(err)
	}

	seen := make(map[string]struct{}, len(subs))
	recipients := make([]model.Recipient, 0, len(subs))
	for _, sub := range subs {
		if !sub.Channel.Valid() || sub.Address() == "" {
			continue
		}
		rcpt := sub.Recipient()
		if _, dup := seen[rcpt.ID]; dup {
			continue
		}
		seen[rcpt.ID] = struct{}{}
		recipients = append(recipients, rcpt)
	}

	sort.Slice(recipients, func(i, j int) bool {
		if recipients[i].UserID != recipients[j].UserID {
			return recipients[i].UserID < recipients[j].UserID
		}
		return recipients[i].ID < recipients[j].ID
	})
	return recipients, nil
}

func (r *Resolver) lookupUsers(ctx context.Context, spec model.RecipientSpec) ([]*model.User, error) {
	switch spec.Kind {
	case model.RecipientAllParents:
		return r.users.ListActiveByRole(ctx, model.UserRoleParent)
	case model.RecipientAllUsers:
		return r.users.ListActive(ctx)
	case model.RecipientClass:
		return r.users.ListActiveGuardiansByClass(ctx, spec.ClassID)
	case model.RecipientUser, model.RecipientExplicit:
		return r.lookupNamed(ctx, spec.UserIDs())
	}
	return nil, fmt.Errorf("unsupported recipient kind %q", spec.Kind)
}

// lookupNamed drops unknown and inactive accounts with a warning.
func (r *Resolver) lookupNamed(ctx context.Context, ids []string) ([]*model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := r.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*model.User, len(found))
	for _, u := range found {
		byID[u.ID] = u
	}

	users := make([]*model.User, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		switch {
		case !ok:
			r.logger.WithContext(ctx).Warn("Recipient not found, skipping", "user_id", id)
		case !u.Active:
			r.logger.WithContext(ctx).Warn("Recipient inactive, skipping", "user_id", id)
		default:
			users = append(users, u)
		}
	}
	return users, nil
}

func (r *Resolver) subscriptions(ctx context.Context, userIDs []string) ([]*model.PushSubscription, error) {
	if r.cache == nil {
		return r.subs.ListByUserIDs(ctx, userIDs)
	}

	var out []*model.PushSubscription
	var missing []string
	for _, id := range userIDs {
		if cached, ok := r.cache.Get(id); ok {
			out = append(out, cached.([]*model.PushSubscription)...)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := r.subs.ListByUserIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]*model.PushSubscription, len(missing))
	for _, sub := range fetched {
		grouped[sub.UserID] = append(grouped[sub.UserID], sub)
	}
	for _, id := range missing {
		r.cache.SetDefault(id, grouped[id])
	}
	return append(out, fetched...), nil
}

// Forget drops the cached subscriptions of a user.
func (r *Resolver) Forget(userID string) {
	if r.cache != nil && userID != "" {
		r.cache.Delete(userID)
	}
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
)

const subscriptionColumns = `id, user_id, channel, endpoint, p256dh, auth, token, created_at`

type subscriptionRepository struct {
	db *sqlx.DB
}

func NewSubscriptionRepository(db *sqlx.DB) repository.SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) ListByUserIDs(ctx context.Context, userIDs []string) ([]*model.PushSubscription, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE user_id = ANY($1)
		ORDER BY user_id, id
	`
	var subs []*model.PushSubscription
	if err := r.db.SelectContext(ctx, &subs, query, pq.Array(userIDs)); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Upsert stores the subscription keyed by its fingerprint. Re-registering the
// same endpoint moves it to the new user and refreshes its keys.
func (r *subscriptionRepository) Upsert(ctx context.Context, sub *model.PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions (
			id, user_id, channel, endpoint, p256dh, auth, token, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.Channel,
		sub.Endpoint,
		sub.P256dh,
		sub.Auth,
		sub.Token,
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) DeleteByAddress(ctx context.Context, channel model.Channel, address string) (*model.PushSubscription, error) {
	query := `
		DELETE FROM push_subscriptions
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	var sub model.PushSubscription
	err := r.db.GetContext(ctx, &sub, query, model.Fingerprint(channel, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete subscription: %w", err)
	}
	return &sub, nil
}

func (r *subscriptionRepository) DeleteOwned(ctx context.Context, userID string, channel model.Channel, address string) (*model.PushSubscription, error) {
	query := `
		DELETE FROM push_subscriptions
		WHERE id = $1 AND user_id = $2
		RETURNING ` + subscriptionColumns

	var sub model.PushSubscription
	err := r.db.GetContext(ctx, &sub, query, model.Fingerprint(channel, address), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete subscription: %w", err)
	}
	return &sub, nil
}

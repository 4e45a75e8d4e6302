package repository

import (
	"context"
	"errors"

	"github.com/jwalitptl/school-notify/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatsOverflow is returned when an increment would account for more
	// recipients than are still remaining.
	ErrStatsOverflow = errors.New("stats increment exceeds remaining")
)

// All repository interfaces in one file
type (
	// NotificationRecordRepository persists notification aggregates. Increments
	// from concurrent batches must never be lost.
	NotificationRecordRepository interface {
		Create(ctx context.Context, record *model.NotificationRecord) error
		IncrementStats(ctx context.Context, id string, sent, failed int) (*model.Stats, error)
		MarkFailed(ctx context.Context, id string, reason string) error
		Get(ctx context.Context, id string) (*model.NotificationRecord, error)
	}

	// UserRepository reads the school directory.
	UserRepository interface {
		ListActive(ctx context.Context) ([]*model.User, error)
		ListActiveByRole(ctx context.Context, role string) ([]*model.User, error)
		ListActiveGuardiansByClass(ctx context.Context, classID string) ([]*model.User, error)
		GetByIDs(ctx context.Context, ids []string) ([]*model.User, error)
	}

	SubscriptionRepository interface {
		ListByUserIDs(ctx context.Context, userIDs []string) ([]*model.PushSubscription, error)
		Upsert(ctx context.Context, sub *model.PushSubscription) error
		DeleteByAddress(ctx context.Context, channel model.Channel, address string) (*model.PushSubscription, error)
		// DeleteOwned deletes the subscription only when userID owns it;
		// otherwise it returns ErrNotFound.
		DeleteOwned(ctx context.Context, userID string, channel model.Channel, address string) (*model.PushSubscription, error)
	}
)

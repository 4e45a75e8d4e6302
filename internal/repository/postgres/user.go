package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
)

const userColumns = `id, name, email, role, active, created_at`

type userRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) repository.UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) ListActive(ctx context.Context) ([]*model.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE active = TRUE
		ORDER BY id
	`
	var users []*model.User
	if err := r.db.SelectContext(ctx, &users, query); err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	return users, nil
}

func (r *userRepository) ListActiveByRole(ctx context.Context, role string) ([]*model.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE active = TRUE AND role = $1
		ORDER BY id
	`
	var users []*model.User
	if err := r.db.SelectContext(ctx, &users, query, role); err != nil {
		return nil, fmt.Errorf("failed to list users by role: %w", err)
	}
	return users, nil
}

// ListActiveGuardiansByClass returns the active guardians of every pupil
// currently enrolled in the class.
func (r *userRepository) ListActiveGuardiansByClass(ctx context.Context, classID string) ([]*model.User, error) {
	query := `
		SELECT DISTINCT u.id, u.name, u.email, u.role, u.active, u.created_at
		FROM users u
		JOIN guardians g ON g.user_id = u.id
		JOIN enrollments e ON e.pupil_id = g.pupil_id
		WHERE e.class_id = $1 AND u.active = TRUE
		ORDER BY u.id
	`
	var users []*model.User
	if err := r.db.SelectContext(ctx, &users, query, classID); err != nil {
		return nil, fmt.Errorf("failed to list class guardians: %w", err)
	}
	return users, nil
}

// GetByIDs returns the users that exist among ids, active or not.
func (r *userRepository) GetByIDs(ctx context.Context, ids []string) ([]*model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = ANY($1)
		ORDER BY id
	`
	var users []*model.User
	if err := r.db.SelectContext(ctx, &users, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return users, nil
}

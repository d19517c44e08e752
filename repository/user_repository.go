package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexmx-backend/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository handles database operations for users and query quota
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// IsBlocked reports whether the user is suspended. Unknown users are treated
// as not blocked; quota enforcement handles them separately.
func (r *UserRepository) IsBlocked(ctx context.Context, userID string) (bool, error) {
	var blocked bool
	err := r.db.QueryRow(ctx,
		`SELECT is_blocked FROM users WHERE id::text = $1`, userID).Scan(&blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user block: %w", err)
	}
	return blocked, nil
}

// ConsumeQuery atomically increments the user's usage counter and returns the
// resulting quota snapshot.
func (r *UserRepository) ConsumeQuery(ctx context.Context, userID string) (*models.QuotaStatus, error) {
	status := &models.QuotaStatus{}
	err := r.db.QueryRow(ctx, `
		UPDATE users
		SET queries_used = queries_used + 1, updated_at = NOW()
		WHERE id::text = $1
		RETURNING queries_used, query_limit, subscription_type`,
		userID).Scan(&status.Used, &status.Limit, &status.SubscriptionType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume query: %w", err)
	}
	status.Allowed = status.Used <= status.Limit
	return status, nil
}

// SubscriptionTier returns the user's tier for rate limiting. Unknown users
// are rated as free.
func (r *UserRepository) SubscriptionTier(ctx context.Context, userID string) (string, error) {
	var tier string
	err := r.db.QueryRow(ctx,
		`SELECT subscription_type FROM users WHERE id::text = $1`, userID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TierFree, nil
	}
	if err != nil {
		return models.TierFree, fmt.Errorf("failed to read subscription tier: %w", err)
	}
	return tier, nil
}

// GetByEmail fetches a user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.db.QueryRow(ctx, `
		SELECT id, email, password_hash, name, subscription_type,
		       queries_used, query_limit, is_blocked, created_at, updated_at
		FROM users WHERE email = $1`, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.SubscriptionType,
		&u.QueriesUsed, &u.QueryLimit, &u.IsBlocked, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

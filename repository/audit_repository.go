package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"lexmx-backend/models"
)

// AuditRepository persists non-critical security pattern matches
type AuditRepository struct {
	db *pgxpool.Pool
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert records one pattern match. Callers treat failures as best-effort.
func (r *AuditRepository) Insert(ctx context.Context, entry *models.SecurityAuditEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO security_audit (user_id, pattern_category, severity, query_excerpt)
		VALUES ($1, $2, $3, $4)`,
		entry.UserID, entry.PatternCategory, entry.Severity, entry.QueryExcerpt)
	if err != nil {
		return fmt.Errorf("failed to insert security audit entry: %w", err)
	}
	return nil
}

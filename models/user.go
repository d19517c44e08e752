package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription tiers recognized by quota and rate limiting.
const (
	TierFree     = "free"
	TierPro      = "pro"
	TierPlatinum = "platinum"
)

// User represents an account row used for quota enforcement
type User struct {
	ID               uuid.UUID `json:"id"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"-"` // Never serialize password hash
	Name             string    `json:"name"`
	SubscriptionType string    `json:"subscription_type"`
	QueriesUsed      int       `json:"queries_used"`
	QueryLimit       int       `json:"query_limit"`
	IsBlocked        bool      `json:"is_blocked"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// QuotaStatus is the result of atomically consuming one query
type QuotaStatus struct {
	Allowed          bool   `json:"allowed"`
	Used             int    `json:"used"`
	Limit            int    `json:"limit"`
	SubscriptionType string `json:"subscription_type"`
}

// SecurityAuditEntry records a non-critical security pattern match
type SecurityAuditEntry struct {
	ID              uuid.UUID `json:"id"`
	UserID          *string   `json:"user_id,omitempty"`
	PatternCategory string    `json:"pattern_category"`
	Severity        string    `json:"severity"`
	QueryExcerpt    string    `json:"query_excerpt"`
	CreatedAt       time.Time `json:"created_at"`
}

package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Entitlement is a user's plan row. Unlimited plans bypass credit accounting
// entirely.
type Entitlement struct {
	UserID    uuid.UUID    `db:"user_id" json:"user_id"`
	Plan      string       `db:"plan" json:"plan"`
	Unlimited bool         `db:"unlimited" json:"unlimited"`
	ExpiresAt sql.NullTime `db:"expires_at" json:"expires_at,omitempty"`
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByUserID(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	var e Entitlement
	err := r.db.GetContext(ctx, &e, `
		SELECT user_id, plan, unlimited, expires_at
		FROM entitlements
		WHERE user_id = $1
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Service answers entitlement questions for the orchestrator.
type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// HasUnlimited reports whether the user's plan bypasses credit accounting.
// Users without an entitlement row are on the credit-metered default.
func (s *Service) HasUnlimited(ctx context.Context, userID uuid.UUID) (bool, error) {
	e, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	if e == nil || !e.Unlimited {
		return false, nil
	}
	if e.ExpiresAt.Valid && e.ExpiresAt.Time.Before(time.Now()) {
		return false, nil
	}
	return true, nil
}

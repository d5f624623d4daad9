package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Device is one push-capable device registration.
type Device struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Token     string    `db:"token" json:"token"`
	Platform  string    `db:"platform" json:"platform"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DeviceRepository persists device token registrations.
type DeviceRepository struct {
	db *sqlx.DB
}

func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Register upserts a device token. Re-registering a token moves it to the
// current user and reactivates it.
func (r *DeviceRepository) Register(ctx context.Context, userID uuid.UUID, token, platform string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO device_tokens (id, user_id, token, platform, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    platform = EXCLUDED.platform,
		    active = TRUE,
		    updated_at = now()
	`, uuid.New(), userID, token, platform)
	if err != nil {
		return fmt.Errorf("register device token: %w", err)
	}
	return nil
}

// Unregister deactivates the user's token.
func (r *DeviceRepository) Unregister(ctx context.Context, userID uuid.UUID, token string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE device_tokens
		SET active = FALSE, updated_at = now()
		WHERE user_id = $1 AND token = $2
	`, userID, token)
	if err != nil {
		return fmt.Errorf("unregister device token: %w", err)
	}
	return nil
}

// Deactivate marks a token dead regardless of owner, used when the push
// gateway reports it unregistered.
func (r *DeviceRepository) Deactivate(ctx context.Context, token string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE device_tokens
		SET active = FALSE, updated_at = now()
		WHERE token = $1
	`, token)
	if err != nil {
		return fmt.Errorf("deactivate device token: %w", err)
	}
	return nil
}

// ListActiveByUser returns the user's active device tokens.
func (r *DeviceRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	devices := []Device{}
	err := r.db.SelectContext(ctx2, &devices, `
		SELECT id, user_id, token, platform, active, created_at, updated_at
		FROM device_tokens
		WHERE user_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	return devices, nil
}

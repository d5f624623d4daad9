package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Store is the persistence contract for generation records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByProviderRef(ctx context.Context, providerName, taskID string) (*Record, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Record, error)
	TransitionTerminal(ctx context.Context, id uuid.UUID, state State, output, reason string) (bool, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]Record, error)
}

// Repository is the sqlx-backed Store.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `
	id, user_id, kind, provider, provider_task_id, state, output,
	failure_reason, reservation_id, cancel_requested, created_at, terminal_at`

func (r *Repository) Create(ctx context.Context, rec *Record) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO generation_records (
			id, user_id, kind, provider, provider_task_id, state, output,
			failure_reason, reservation_id, cancel_requested, terminal_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.UserID, rec.Kind, rec.Provider, rec.ProviderTaskID, rec.State,
		rec.Output, rec.FailureReason, rec.ReservationID, rec.CancelRequested, rec.TerminalAt)
	if err != nil {
		return fmt.Errorf("%w: insert generation record", ErrInternal)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec Record
	err := r.db.GetContext(ctx2, &rec, `
		SELECT `+recordColumns+`
		FROM generation_records
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get generation record", ErrInternal)
	}
	return &rec, nil
}

func (r *Repository) GetByProviderRef(ctx context.Context, providerName, taskID string) (*Record, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec Record
	err := r.db.GetContext(ctx2, &rec, `
		SELECT `+recordColumns+`
		FROM generation_records
		WHERE provider = $1 AND provider_task_id = $2
	`, providerName, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get generation record by provider ref", ErrInternal)
	}
	return &rec, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Record, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	records := make([]Record, 0)
	err := r.db.SelectContext(ctx2, &records, `
		SELECT `+recordColumns+`
		FROM generation_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list generation records", ErrInternal)
	}
	return records, nil
}

// TransitionTerminal moves a processing record to a terminal state. The state
// guard in the WHERE clause is the compare-and-swap that lets the orchestrator
// and the sweeper race safely: exactly one caller observes applied=true.
func (r *Repository) TransitionTerminal(ctx context.Context, id uuid.UUID, state State, output, reason string) (bool, error) {
	if !state.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal state", ErrInternal, state)
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out, why interface{}
	if output != "" {
		out = output
	}
	if reason != "" {
		why = reason
	}

	result, err := r.db.ExecContext(ctx2, `
		UPDATE generation_records
		SET state = $1, output = $2, failure_reason = $3, terminal_at = now()
		WHERE id = $4 AND state = $5
	`, state, out, why, id, StateProcessing)
	if err != nil {
		return false, fmt.Errorf("%w: transition terminal", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	return rows > 0, nil
}

// RequestCancel flags a processing record for cancellation. The flag is
// advisory; whichever observer next sees the provider still running honors it.
func (r *Repository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE generation_records
		SET cancel_requested = true
		WHERE id = $1 AND state = $2
	`, id, StateProcessing)
	if err != nil {
		return false, fmt.Errorf("%w: request cancel", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	return rows > 0, nil
}

// ListStuck returns processing records created before the cutoff, oldest
// first. This is the sweeper's work queue.
func (r *Repository) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]Record, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	records := make([]Record, 0)
	err := r.db.SelectContext(ctx2, &records, `
		SELECT `+recordColumns+`
		FROM generation_records
		WHERE state = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, StateProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list stuck records", ErrInternal)
	}
	return records, nil
}

package ledger

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

// Repository provides credit account and reservation operations.
// Accounts are mutated only through Reserve/Commit/Release/Grant, always under
// a per-account row lock.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// EnsureAccount creates the account row with a zero balance if it does not exist.
func (r *Repository) EnsureAccount(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance, reserved)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

// GetAccount returns the account row, creating it if needed.
func (r *Repository) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := r.EnsureAccount(ctx2, userID); err != nil {
		return nil, err
	}

	var acc Account
	err := r.db.GetContext(ctx2, &acc, `
		SELECT user_id, balance, reserved, updated_at
		FROM credit_accounts
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *Repository) beginTx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (r *Repository) lockAccount(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (*Account, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance, reserved)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, err
	}

	var acc Account
	err := tx.GetContext(ctx, &acc, `
		SELECT user_id, balance, reserved, updated_at
		FROM credit_accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *Repository) updateAccount(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, balance, reserved int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = $1, reserved = $2, updated_at = now()
		WHERE user_id = $3
	`, balance, reserved, userID)
	return err
}

// Reserve atomically holds amount against the account's available balance and
// creates a held reservation. The account row lock makes concurrent reserves
// against one account linearizable.
func (r *Repository) Reserve(ctx context.Context, userID uuid.UUID, amount int64) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	acc, err := r.lockAccount(ctx2, tx, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: lock account", ErrInternal)
	}

	if acc.Available() < amount {
		return uuid.Nil, ErrInsufficientCredits
	}

	if err := r.updateAccount(ctx2, tx, userID, acc.Balance, acc.Reserved+amount); err != nil {
		return uuid.Nil, fmt.Errorf("%w: update reserved", ErrInternal)
	}

	reservationID := uuid.New()
	if _, err := tx.ExecContext(ctx2, `
		INSERT INTO credit_reservations (id, account_id, amount, state)
		VALUES ($1, $2, $3, $4)
	`, reservationID, userID, amount, ReservationHeld); err != nil {
		return uuid.Nil, fmt.Errorf("%w: insert reservation", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return reservationID, nil
}

// Commit settles a held reservation as spent: balance and reserved both drop
// by the reserved amount. A repeat commit is a no-op; committing a released
// reservation returns ErrInvalidReservationState.
func (r *Repository) Commit(ctx context.Context, reservationID uuid.UUID) error {
	return r.settle(ctx, reservationID, ReservationCommitted)
}

// Release settles a held reservation as returned: reserved drops by the amount
// and the balance is untouched. A repeat release is a no-op; releasing a
// committed reservation returns ErrInvalidReservationState.
func (r *Repository) Release(ctx context.Context, reservationID uuid.UUID) error {
	return r.settle(ctx, reservationID, ReservationReleased)
}

func (r *Repository) settle(ctx context.Context, reservationID uuid.UUID, target ReservationState) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	// Lock the reservation first, then the account. All settlement paths take
	// locks in this order.
	var res Reservation
	err = tx.GetContext(ctx2, &res, `
		SELECT id, account_id, amount, state, created_at, settled_at
		FROM credit_reservations
		WHERE id = $1
		FOR UPDATE
	`, reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: lock reservation", ErrInternal)
	}

	switch res.State {
	case target:
		// Already settled the same way: idempotent success.
		return nil
	case ReservationHeld:
		// Proceed.
	default:
		return fmt.Errorf("%w: reservation %s is %s, cannot transition to %s",
			ErrInvalidReservationState, res.ID, res.State, target)
	}

	acc, err := r.lockAccount(ctx2, tx, res.AccountID)
	if err != nil {
		return fmt.Errorf("%w: lock account", ErrInternal)
	}

	balance := acc.Balance
	if target == ReservationCommitted {
		balance -= res.Amount
	}
	if err := r.updateAccount(ctx2, tx, res.AccountID, balance, acc.Reserved-res.Amount); err != nil {
		return fmt.Errorf("%w: update account", ErrInternal)
	}

	if _, err := tx.ExecContext(ctx2, `
		UPDATE credit_reservations
		SET state = $1, settled_at = now()
		WHERE id = $2
	`, target, res.ID); err != nil {
		return fmt.Errorf("%w: update reservation", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

// Grant adds credits to the account balance (purchase or admin grant).
func (r *Repository) Grant(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	acc, err := r.lockAccount(ctx2, tx, userID)
	if err != nil {
		return fmt.Errorf("%w: lock account", ErrInternal)
	}

	if err := r.updateAccount(ctx2, tx, userID, acc.Balance+amount, acc.Reserved); err != nil {
		return fmt.Errorf("%w: update balance", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

// GetReservation returns a reservation by ID.
func (r *Repository) GetReservation(ctx context.Context, reservationID uuid.UUID) (*Reservation, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var res Reservation
	err := r.db.GetContext(ctx2, &res, `
		SELECT id, account_id, amount, state, created_at, settled_at
		FROM credit_reservations
		WHERE id = $1
	`, reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListReservations returns the account's reservation history, newest first.
func (r *Repository) ListReservations(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Reservation, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	reservations := make([]Reservation, 0)
	err := r.db.SelectContext(ctx2, &reservations, `
		SELECT id, account_id, amount, state, created_at, settled_at
		FROM credit_reservations
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

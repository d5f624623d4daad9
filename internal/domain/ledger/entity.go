package ledger

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ReservationState is the lifecycle state of a credit reservation.
type ReservationState string

const (
	// ReservationHeld means the credits are held for work in flight.
	ReservationHeld ReservationState = "held"
	// ReservationCommitted means the held credits were spent.
	ReservationCommitted ReservationState = "committed"
	// ReservationReleased means the held credits were returned.
	ReservationReleased ReservationState = "released"
)

// Account is a user's credit balance row.
// Balance and Reserved are in the smallest billable unit.
type Account struct {
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Balance   int64     `db:"balance" json:"balance"`
	Reserved  int64     `db:"reserved" json:"reserved"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Available is the spendable portion of the balance.
func (a Account) Available() int64 {
	return a.Balance - a.Reserved
}

// Reservation is a hold against a balance, resolved exactly once.
type Reservation struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	AccountID uuid.UUID        `db:"account_id" json:"account_id"`
	Amount    int64            `db:"amount" json:"amount"`
	State     ReservationState `db:"state" json:"state"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	SettledAt sql.NullTime     `db:"settled_at" json:"settled_at,omitempty"`
}

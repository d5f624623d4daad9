package ledger

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid amount: must be greater than 0")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAccountNotFound     = errors.New("credit account not found")

	// ErrInvalidReservationState is returned when a commit is attempted on a
	// released reservation or vice versa. This is an orchestration bug, not a
	// recoverable condition.
	ErrInvalidReservationState = errors.New("invalid reservation state transition")

	ErrInternal = errors.New("internal error")
)

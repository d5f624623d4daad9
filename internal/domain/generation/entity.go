package generation

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Kind is the media category of a generation.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindMusic Kind = "music"
	KindText  Kind = "text"
)

// State is the lifecycle state of a generation record. Transitions are forward
// only: pending -> processing -> {completed, failed}. Pending is the in-memory
// admission phase; persisted records are born processing (or failed, when the
// provider rejects the submission outright).
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Failure reasons surfaced to the user.
const (
	ReasonSubmissionFailed = "submission-failed"
	ReasonTimeout          = "timeout"
	ReasonCancelled        = "cancelled"
)

// Record is the durable state of one generation request.
// Output is set iff the record is completed. ReservationID is Nil for
// unlimited-entitlement users. The state column is written only at insert and
// through TransitionTerminal.
type Record struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	UserID          uuid.UUID      `db:"user_id" json:"user_id"`
	Kind            Kind           `db:"kind" json:"kind"`
	Provider        string         `db:"provider" json:"provider"`
	ProviderTaskID  string         `db:"provider_task_id" json:"-"`
	State           State          `db:"state" json:"state"`
	Output          sql.NullString `db:"output" json:"-"`
	FailureReason   sql.NullString `db:"failure_reason" json:"-"`
	ReservationID   uuid.NullUUID  `db:"reservation_id" json:"-"`
	CancelRequested bool           `db:"cancel_requested" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	TerminalAt      sql.NullTime   `db:"terminal_at" json:"-"`
}

// Cost in credits per generation kind, in the smallest billable unit.
var kindCosts = map[Kind]int64{
	KindImage: 1,
	KindText:  1,
	KindMusic: 5,
	KindVideo: 10,
}

// CostForKind returns the credit cost of one generation of the given kind.
func CostForKind(kind Kind) int64 {
	return kindCosts[kind]
}

// ValidKind reports whether kind is a supported media category.
func ValidKind(kind Kind) bool {
	_, ok := kindCosts[kind]
	return ok
}

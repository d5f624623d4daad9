package generation

import (
	"encoding/json"
	"time"
)

// SubmitRequest is the payload for creating a generation.
type SubmitRequest struct {
	Kind     string          `json:"kind" validate:"required,kind"`
	Provider string          `json:"provider,omitempty" validate:"omitempty,oneof=replicate fal"`
	Input    json.RawMessage `json:"input" validate:"required"`
}

// RecordResponse is the public view of a generation record.
type RecordResponse struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Provider        string     `json:"provider"`
	State           string     `json:"state"`
	Output          string     `json:"output,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ToResponse maps a record to its public view.
func ToResponse(rec *Record) RecordResponse {
	resp := RecordResponse{
		ID:              rec.ID.String(),
		Kind:            string(rec.Kind),
		Provider:        rec.Provider,
		State:           string(rec.State),
		CancelRequested: rec.CancelRequested,
		CreatedAt:       rec.CreatedAt,
	}
	if rec.Output.Valid {
		resp.Output = rec.Output.String
	}
	if rec.FailureReason.Valid {
		resp.FailureReason = rec.FailureReason.String
	}
	if rec.TerminalAt.Valid {
		t := rec.TerminalAt.Time
		resp.FinishedAt = &t
	}
	return resp
}

// ToResponseList maps a slice of records.
func ToResponseList(records []Record) []RecordResponse {
	out := make([]RecordResponse, len(records))
	for i := range records {
		out[i] = ToResponse(&records[i])
	}
	return out
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingForInput RunStatus = "waiting_for_input"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCancelled       RunStatus = "cancelled"
)

// Terminal reports whether s permits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunInstance is one execution attempt of an automation. Rows are retained
// after completion for history; they are never silently deleted.
type RunInstance struct {
	ID           uuid.UUID
	AutomationID string
	Status       RunStatus

	// Token is the continuation token: where a suspended run must resume.
	// Written only by the execution engine, opaque to everything else.
	Token []byte

	Result json.RawMessage // set when Status == completed
	Error  string          // set when Status == failed

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reply is the input a resumed run receives: either a user's answer or a
// timeout marker when the interaction request expired unanswered.
type Reply struct {
	Payload  json.RawMessage `json:"payload,omitempty"`
	Surface  string          `json:"surface,omitempty"`
	TimedOut bool            `json:"timed_out,omitempty"`
}

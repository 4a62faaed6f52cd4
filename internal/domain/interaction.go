package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	RequestStatusOpen      RequestStatus = "open"
	RequestStatusAnswered  RequestStatus = "answered"
	RequestStatusExpired   RequestStatus = "expired"
	RequestStatusCancelled RequestStatus = "cancelled"
)

// InteractionRequest is a pending question for the user, owned by exactly
// one run. It is closed exactly once: by a reply, by its deadline, or by
// run cancellation, whichever flips the status first.
type InteractionRequest struct {
	ID    uuid.UUID
	RunID uuid.UUID

	Prompt json.RawMessage

	// Surfaces lists acceptable reply surfaces in priority order.
	Surfaces []string

	Status RequestStatus

	Reply      json.RawMessage // set when Status == answered
	RepliedVia string          // surface the answer arrived on

	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// AcceptsSurface reports whether replies from the given surface are allowed.
func (r InteractionRequest) AcceptsSurface(surface string) bool {
	for _, s := range r.Surfaces {
		if s == surface {
			return true
		}
	}
	return false
}

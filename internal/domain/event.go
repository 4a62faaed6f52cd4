package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Event is a transient occurrence flowing through the event bus. The core
// does not persist events; subscribers that need durability persist their
// own consequences (e.g. a RunInstance).
type Event struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"` // source-assigned identity
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Key returns the event identity used for trigger idempotency. Events that
// carry a source-assigned ID are identified by it; otherwise identity is
// derived from the content.
func (e Event) Key() string {
	if e.ID != "" {
		return e.Source + ":" + e.ID
	}
	h := sha256.Sum256(append([]byte(e.Type+"|"), e.Payload...))
	return e.Source + ":" + hex.EncodeToString(h[:])
}

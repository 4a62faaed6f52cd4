package domain

import (
	"encoding/json"
	"testing"
)

func TestEvent_Key_SourceAssignedID(t *testing.T) {
	e := Event{Type: "mail.received", ID: "msg-42", Source: "imap"}
	if got := e.Key(); got != "imap:msg-42" {
		t.Errorf("Key() = %q, want imap:msg-42", got)
	}
}

func TestEvent_Key_ContentHashFallback(t *testing.T) {
	a := Event{Type: "mail.received", Source: "imap", Payload: json.RawMessage(`{"from":"x"}`)}
	b := Event{Type: "mail.received", Source: "imap", Payload: json.RawMessage(`{"from":"x"}`)}
	c := Event{Type: "mail.received", Source: "imap", Payload: json.RawMessage(`{"from":"y"}`)}

	if a.Key() != b.Key() {
		t.Error("identical events should share a key")
	}
	if a.Key() == c.Key() {
		t.Error("different payloads should produce different keys")
	}
}

func TestEvent_Key_TypeDistinguishes(t *testing.T) {
	a := Event{Type: "mail.received", Source: "imap", Payload: json.RawMessage(`{}`)}
	b := Event{Type: "mail.deleted", Source: "imap", Payload: json.RawMessage(`{}`)}
	if a.Key() == b.Key() {
		t.Error("different event types should produce different keys")
	}
}

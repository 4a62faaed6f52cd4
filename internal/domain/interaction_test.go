package domain

import "testing"

func TestInteractionRequest_AcceptsSurface(t *testing.T) {
	req := InteractionRequest{Surfaces: []string{"push", "email"}}

	if !req.AcceptsSurface("push") || !req.AcceptsSurface("email") {
		t.Error("listed surfaces should be accepted")
	}
	if req.AcceptsSurface("sms") {
		t.Error("unlisted surface should be rejected")
	}
	if req.AcceptsSurface("") {
		t.Error("empty surface should be rejected")
	}
}

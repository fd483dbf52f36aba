package ws

import (
	"context"
	"testing"
)

func TestHub_Lifecycle(t *testing.T) {
	h := NewHub()

	ctx1, leave1 := h.Join(context.Background(), "u1")
	ctx2, leave2 := h.Join(context.Background(), "u1")
	ctx3, leave3 := h.Join(context.Background(), "u2")
	defer leave3()

	if !h.Online("u1") || !h.Online("u2") {
		t.Fatal("Expected both users online")
	}
	if n := h.Connections(); n != 3 {
		t.Fatalf("Expected 3 connections, got %d", n)
	}

	// Leaving one session keeps the user online
	leave1()
	if ctx1.Err() == nil {
		t.Error("Leaving must cancel the session context")
	}
	if !h.Online("u1") {
		t.Error("u1 should still be online")
	}

	if n := h.DisconnectUser("u1"); n != 1 {
		t.Errorf("Expected 1 disconnected session, got %d", n)
	}
	if ctx2.Err() == nil {
		t.Error("DisconnectUser must cancel the session context")
	}
	leave2()
	if h.Online("u1") {
		t.Error("u1 should be offline")
	}
	if ctx3.Err() != nil {
		t.Error("Other users must not be disconnected")
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	ctx, leave := h.Join(context.Background(), "u1")
	defer leave()

	h.Close()
	if ctx.Err() == nil {
		t.Error("Close must cancel every session")
	}

	late, leaveLate := h.Join(context.Background(), "u2")
	defer leaveLate()
	if late.Err() == nil {
		t.Error("Join after Close must return a canceled context")
	}
	if h.Online("u2") {
		t.Error("Join after Close must not register the session")
	}
}

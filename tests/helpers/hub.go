package helpers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/huddle/internal/hub"
	"github.com/xiaot623/huddle/internal/protocol"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/internal/session"
)

// NewTestHub starts a hub loop that stops when the test ends.
func NewTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	return NewTestHubWithBuffer(t, 16)
}

// NewTestHubWithBuffer starts a hub whose connections have sendBuffer slots.
func NewTestHubWithBuffer(t *testing.T, sendBuffer int) *hub.Hub {
	t.Helper()

	h := hub.New(session.NewRegistry(), room.NewDirectory(), zerolog.Nop(), sendBuffer)
	StartHub(t, h)
	return h
}

// StartHub runs h until the test ends.
func StartHub(t *testing.T, h *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
}

// Connect registers a socketless connection.
func Connect(t *testing.T, h *hub.Hub) *hub.Connection {
	t.Helper()
	conn := h.NewConnection(nil)
	h.Register(conn)
	return conn
}

// On runs fn on the hub goroutine and waits for it.
func On(t *testing.T, h *hub.Hub, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Do(ctx, fn); err != nil {
		t.Fatalf("hub task failed: %v", err)
	}
}

// NextEvent waits for the next frame queued to conn.
func NextEvent(t *testing.T, conn *hub.Connection) protocol.Envelope {
	t.Helper()
	select {
	case raw, ok := <-conn.Send:
		if !ok {
			t.Fatalf("connection %s closed while waiting for event", conn.ID)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event on %s", conn.ID)
	}
	return protocol.Envelope{}
}

// ExpectEvent waits for the next frame and checks its event name.
func ExpectEvent(t *testing.T, conn *hub.Connection, event string) protocol.Envelope {
	t.Helper()
	env := NextEvent(t, conn)
	if env.Event != event {
		t.Fatalf("expected %s, got %s (%s)", event, env.Event, string(env.Data))
	}
	return env
}

// ExpectNoEvent flushes pending hub work and asserts nothing is queued for conn.
func ExpectNoEvent(t *testing.T, h *hub.Hub, conn *hub.Connection) {
	t.Helper()
	On(t, h, func() {})
	select {
	case raw, ok := <-conn.Send:
		if ok {
			t.Fatalf("unexpected event on %s: %s", conn.ID, string(raw))
		}
	default:
	}
}

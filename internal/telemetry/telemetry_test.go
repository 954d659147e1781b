package telemetry

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub(slog.Default(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.Emit(Event{Type: EventFactPromoted, SessionID: "s1"})

	select {
	case ev := <-events:
		if ev.Type != EventFactPromoted || ev.SessionID != "s1" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.At.IsZero() {
			t.Fatalf("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := NewHub(slog.Default(), 1)
	// No Run loop draining; the second emit must drop, not block.
	hub.Emit(Event{Type: EventSignificanceScored})
	done := make(chan struct{})
	go func() {
		hub.Emit(Event{Type: EventSignificanceScored})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on a full queue")
	}
	if hub.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", hub.Dropped())
	}
}

func TestSubscribeCancelCloses(t *testing.T) {
	hub := NewHub(slog.Default(), 16)
	events, unsubscribe := hub.Subscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Fatalf("canceled subscription still open")
	}
	// Double cancel must not panic.
	unsubscribe()
}

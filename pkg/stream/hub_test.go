package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEventCarriesPayload(t *testing.T) {
	t.Parallel()

	evt := NewEvent(TypeJob, map[string]string{"job_id": "j-1"})
	if evt.Type != TypeJob {
		t.Fatalf("type %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["job_id"] != "j-1" {
		t.Fatalf("payload %v", payload)
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers %d", h.Subscribers())
	}
	h.Publish(NewEvent("ready", nil))

	select {
	case evt := <-ch:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers %d after unsubscribe", h.Subscribers())
	}
}

func TestPublishDropsWhenSubscriberLagsBehind(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("first", nil))
	h.Publish(NewEvent("second", nil))

	select {
	case evt := <-ch:
		if evt.Type != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("overflow event should have been dropped, got %q", evt.Type)
	default:
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != DefaultBuffer {
		t.Fatalf("expected default buffer %d, got %d", DefaultBuffer, cap(ch))
	}
}

package harness

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one frame from the daemon's notification feed.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	ID        string         `json:"id"`
}

// RunID extracts the owning run from the event payload.
func (e Event) RunID() string {
	id, _ := e.Data["runId"].(string)
	return id
}

// EventRecorder keeps every lifecycle event delivered over one WebSocket
// connection. It subscribes to nothing, so the hub delivers everything in
// the authenticated organization's scope.
type EventRecorder struct {
	t  *testing.T
	ws *websocket.Conn

	mu     sync.Mutex
	events []Event
}

// newEventRecorder dials the feed and blocks until the in-band
// authentication is acknowledged. Events published before that ack would
// be dropped by the hub's organization filter, so returning earlier would
// make recordings racy.
func newEventRecorder(t *testing.T, hostport, user, org string) *EventRecorder {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+hostport+"/ws", nil)
	if err != nil {
		t.Fatalf("dial event feed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	r := &EventRecorder{t: t, ws: ws}
	authed := make(chan struct{})
	go r.readLoop(authed)

	if err := ws.WriteJSON(map[string]any{
		"type": "authenticate",
		"data": map[string]string{"userId": user, "organizationId": org},
	}); err != nil {
		t.Fatalf("authenticate event feed: %v", err)
	}
	select {
	case <-authed:
	case <-time.After(5 * time.Second):
		t.Fatal("event feed never acknowledged authentication")
	}
	return r
}

// readLoop records domain events and drops protocol chatter. It exits
// when the connection closes.
func (r *EventRecorder) readLoop(authed chan struct{}) {
	var once sync.Once
	for {
		var ev Event
		if err := r.ws.ReadJSON(&ev); err != nil {
			return
		}
		switch ev.Type {
		case "welcome", "subscribed", "unsubscribed", "pong":
		case "authenticated":
			once.Do(func() { close(authed) })
		case "error":
			r.t.Errorf("event feed error frame: %v", ev.Data)
		default:
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}
}

func (r *EventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Events returns everything recorded so far, in delivery order.
func (h *Harness) Events() []Event {
	return h.recorder.snapshot()
}

// EventsForRun returns the recorded events owned by one run, in delivery
// order.
func (h *Harness) EventsForRun(runID string) []Event {
	var out []Event
	for _, ev := range h.recorder.snapshot() {
		if ev.RunID() == runID {
			out = append(out, ev)
		}
	}
	return out
}

// AwaitRunEvents blocks until at least n events for the run have been
// delivered, then returns them. Delivery is asynchronous to run
// completion, so assertions on event sequences must go through here
// rather than Events.
func (h *Harness) AwaitRunEvents(runID string, n int) []Event {
	h.t.Helper()

	deadline := time.Now().Add(h.timeout)
	for {
		events := h.EventsForRun(runID)
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			types := make([]string, 0, len(events))
			for _, ev := range events {
				types = append(types, ev.Type)
			}
			h.t.Fatalf("run %s produced %d events after %s, want %d: %v", runID, len(events), h.timeout, n, types)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// AwaitEvent blocks until an event for the run satisfies match.
func (h *Harness) AwaitEvent(runID string, match func(Event) bool) Event {
	h.t.Helper()

	deadline := time.Now().Add(h.timeout)
	for {
		for _, ev := range h.EventsForRun(runID) {
			if match(ev) {
				return ev
			}
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("run %s never produced the awaited event", runID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

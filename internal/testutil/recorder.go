package testutil

import (
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// EventKind names one of the three outbound request events.
type EventKind string

// Event kinds.
const (
	EventData      EventKind = "data"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Event is one recorded request event.
type Event struct {
	Kind    EventKind
	ID      string
	Data    map[string][]byte
	Message string
}

// Terminal reports whether e ends its request.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventError
}

// Recorder records request events in arrival order. It is safe for
// concurrent use and satisfies the request event handler interface.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// OnData, when set, runs synchronously inside RequestData.
	OnData func(id string)
}

// RequestData records a data event.
func (r *Recorder) RequestData(id string, data map[string][]byte) {
	r.add(Event{Kind: EventData, ID: id, Data: maps.Clone(data)})
	if r.OnData != nil {
		r.OnData(id)
	}
}

// RequestCompleted records a completion event.
func (r *Recorder) RequestCompleted(id string) {
	r.add(Event{Kind: EventCompleted, ID: id})
}

// RequestError records a failure event.
func (r *Recorder) RequestError(id, message string) {
	r.add(Event{Kind: EventError, ID: id, Message: message})
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// All returns every recorded event.
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Events returns the events recorded for id.
func (r *Recorder) Events(id string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e)
		}
	}
	return out
}

// Terminals returns the terminal events recorded for id.
func (r *Recorder) Terminals(id string) []Event {
	var out []Event
	for _, e := range r.Events(id) {
		if e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

// WaitTerminal waits until at least n terminal events were recorded for id
// and returns the nth one.
func (r *Recorder) WaitTerminal(tb testing.TB, id string, n int) Event {
	tb.Helper()
	require.Eventually(tb, func() bool {
		return len(r.Terminals(id)) >= n
	}, 5*time.Second, time.Millisecond, "request %s: waiting for terminal event %d", id, n)
	return r.Terminals(id)[n-1]
}

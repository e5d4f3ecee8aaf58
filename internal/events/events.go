// Package events fans process events out to any number of in-process
// subscribers: the debug websocket feed, the status page history and the
// health service.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shrec5450/shrecvision/internal/target"
	"github.com/shrec5450/shrecvision/internal/telemetry"
)

// Kind classifies an Event.
type Kind string

const (
	KindState       Kind = "state"
	KindMode        Kind = "mode"
	KindMeasurement Kind = "measurement"
	KindNoTarget    Kind = "no_target"
	KindSourceError Kind = "source_error"
)

// StateChange mirrors telemetry.Transition with the error flattened.
type StateChange struct {
	From      telemetry.State `json:"from"`
	To        telemetry.State `json:"to"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ModeChange records a Mode change.
type ModeChange struct {
	From telemetry.Mode `json:"from"`
	To   telemetry.Mode `json:"to"`
}

// Measurement is one processed frame.
type Measurement struct {
	Mode      telemetry.Mode    `json:"mode"`
	Value     telemetry.Value   `json:"value"`
	Candidate *target.Candidate `json:"candidate,omitempty"`
	// Outlines are every outline the shape filter returned.
	Outlines    []target.Outline `json:"outlines,omitempty"`
	FrameWidth  int              `json:"frame_width"`
	FrameHeight int              `json:"frame_height"`
}

// Event is one published notification. Exactly one of the pointer fields is
// set, matching Kind.
type Event struct {
	Kind        Kind         `json:"kind"`
	Time        time.Time    `json:"time"`
	State       *StateChange `json:"state,omitempty"`
	Mode        *ModeChange  `json:"mode,omitempty"`
	Measurement *Measurement `json:"measurement,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus delivers each published Event to every subscriber. Slow subscribers
// miss events rather than block the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	closed bool
	now    func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event), now: time.Now}
}

// Subscribe registers a subscriber with a buffer of n events (DefaultBuffer
// when n <= 0). The returned ID is passed to Unsubscribe.
func (b *Bus) Subscribe(n int) (string, <-chan Event) {
	if n <= 0 {
		n = DefaultBuffer
	}
	id := uuid.NewString()
	ch := make(chan Event, n)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers e without blocking. A zero Time is stamped.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber is full, drop
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are no-ops and
// later subscribers receive a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// StateChanged implements telemetry.Observer.
func (b *Bus) StateChanged(t telemetry.Transition) {
	sc := &StateChange{From: t.From, To: t.To, SessionID: t.SessionID}
	if t.Err != nil {
		sc.Error = t.Err.Error()
	}
	b.Publish(Event{Kind: KindState, Time: t.At, State: sc})
}

// ModeChanged matches the telemetry.ModeState OnChange callback.
func (b *Bus) ModeChanged(from, to telemetry.Mode) {
	b.Publish(Event{Kind: KindMode, Mode: &ModeChange{From: from, To: to}})
}

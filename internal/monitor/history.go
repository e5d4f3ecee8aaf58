// Package monitor serves the vision node's debug pages under /debug/: a JSON
// status snapshot, an angle history chart, a plot of the last frame's
// outlines and a live websocket event feed.
package monitor

import (
	"context"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/shrec5450/shrecvision/internal/events"
	"github.com/shrec5450/shrecvision/internal/telemetry"
)

// Sample is one measurement kept for charts.
type Sample struct {
	Time  time.Time       `json:"time"`
	Mode  telemetry.Mode  `json:"mode"`
	Value telemetry.Value `json:"value"`
}

// History keeps the most recent measurements and the last frame seen.
type History struct {
	mu        sync.Mutex
	samples   []Sample
	next      int
	full      bool
	lastFrame *events.Measurement
	lastState *events.StateChange
	noTarget  uint64
}

// NewHistory creates a History holding up to size samples.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{samples: make([]Sample, size)}
}

// Record folds one event into the history.
func (h *History) Record(e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch e.Kind {
	case events.KindMeasurement:
		if e.Measurement == nil {
			return
		}
		h.samples[h.next] = Sample{Time: e.Time, Mode: e.Measurement.Mode, Value: e.Measurement.Value}
		h.next = (h.next + 1) % len(h.samples)
		if h.next == 0 {
			h.full = true
		}
		h.lastFrame = e.Measurement
	case events.KindNoTarget:
		h.noTarget++
		if e.Measurement != nil {
			h.lastFrame = e.Measurement
		}
	case events.KindState:
		h.lastState = e.State
	}
}

// Samples returns the retained samples, oldest first.
func (h *History) Samples() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]Sample(nil), h.samples[:h.next]...)
	}
	out := make([]Sample, 0, len(h.samples))
	out = append(out, h.samples[h.next:]...)
	return append(out, h.samples[:h.next]...)
}

// LastFrame returns the most recent processed frame, or nil.
func (h *History) LastFrame() *events.Measurement {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFrame
}

// LastState returns the most recent link state change, or nil.
func (h *History) LastState() *events.StateChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastState
}

// NoTarget returns how many frames produced no candidate.
func (h *History) NoTarget() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.noTarget
}

// AngleSummary describes the retained angle samples.
type AngleSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Angles summarises the retained angle samples.
func (h *History) Angles() AngleSummary {
	var xs []float64
	for _, s := range h.Samples() {
		if s.Value.Kind == telemetry.KindAngle {
			xs = append(xs, s.Value.Angle)
		}
	}
	sum := AngleSummary{Count: len(xs)}
	if len(xs) == 0 {
		return sum
	}
	sum.Mean, sum.StdDev = stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		sum.StdDev = 0
	}
	sum.Min, sum.Max = xs[0], xs[0]
	for _, x := range xs[1:] {
		sum.Min = min(sum.Min, x)
		sum.Max = max(sum.Max, x)
	}
	return sum
}

// Follow records events from the bus until ctx ends or the bus closes.
func (h *History) Follow(ctx context.Context, bus *events.Bus) {
	id, ch := bus.Subscribe(256)
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.Record(e)
		}
	}
}

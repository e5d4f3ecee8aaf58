package telemetry

import (
	"fmt"
	"sync"
	"time"
)

// ValueKind says which payload variant a Value carries.
type ValueKind int

const (
	// KindAngle carries a single incidence angle.
	KindAngle ValueKind = iota
	// KindPosition carries position and velocity.
	KindPosition
)

func (k ValueKind) String() string {
	switch k {
	case KindAngle:
		return "angle"
	case KindPosition:
		return "position"
	default:
		return fmt.Sprintf("ValueKind(%d)", int(k))
	}
}

// Position is the positional payload: pixel-space x/y, pseudo-distance z and
// their filtered frame-to-frame velocities.
type Position struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	VZ float64 `json:"vz"`
}

// Value is one TelemetryValue.
type Value struct {
	Kind     ValueKind `json:"kind"`
	Angle    float64   `json:"angle"`
	Position Position  `json:"position"`
	Updated  time.Time `json:"updated"`
}

// AngleValue builds an angle Value stamped at t.
func AngleValue(angle float64, t time.Time) Value {
	return Value{Kind: KindAngle, Angle: angle, Updated: t}
}

// PositionValue builds a positional Value stamped at t.
func PositionValue(p Position, t time.Time) Value {
	return Value{Kind: KindPosition, Position: p, Updated: t}
}

// ValueStore holds the last written Value. Reads never wait on the network.
type ValueStore struct {
	mu sync.RWMutex
	v  Value
}

// NewValueStore returns a store holding an initial zero value of kind.
func NewValueStore(kind ValueKind) *ValueStore {
	return &ValueStore{v: Value{Kind: kind}}
}

// Load returns the last stored value.
func (s *ValueStore) Load() Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Store replaces the value.
func (s *ValueStore) Store(v Value) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

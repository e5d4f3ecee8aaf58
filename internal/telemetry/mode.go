package telemetry

import (
	"fmt"
	"sync"
)

// Mode selects which target the vision node tracks, or whether it tracks at
// all.
type Mode int

const (
	// ModeIdle reads frames but does not process them.
	ModeIdle Mode = iota
	// ModeTrackingA tracks the primary target (boiler tape).
	ModeTrackingA
	// ModeTrackingB tracks the secondary target (gear peg tape).
	ModeTrackingB
	// ModeDisabled stops processing. Commanded by the controller it is
	// terminal; forced by a link failure it lasts until reconnection.
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeTrackingA:
		return "tracking_a"
	case ModeTrackingB:
		return "tracking_b"
	case ModeDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts anything ParseMode does.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Tracking reports whether frames should be processed in this mode.
func (m Mode) Tracking() bool {
	return m == ModeTrackingA || m == ModeTrackingB
}

// Digit returns the wire digit for m.
func (m Mode) Digit() byte {
	switch m {
	case ModeTrackingA:
		return '3'
	case ModeTrackingB:
		return '2'
	case ModeIdle:
		return '1'
	default:
		return '0'
	}
}

// DecodeMode interprets the leading byte of an inbound payload. Anything
// after the first byte is ignored; an empty payload or unknown digit reports
// false.
func DecodeMode(payload []byte) (Mode, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	switch payload[0] {
	case '3':
		return ModeTrackingA, true
	case '2':
		return ModeTrackingB, true
	case '1':
		return ModeIdle, true
	case '0':
		return ModeDisabled, true
	default:
		return 0, false
	}
}

// ParseMode accepts a wire digit or a mode name.
func ParseMode(s string) (Mode, error) {
	if m, ok := DecodeMode([]byte(s)); ok && len(s) == 1 {
		return m, nil
	}
	for _, m := range []Mode{ModeIdle, ModeTrackingA, ModeTrackingB, ModeDisabled} {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// ModeState is the single authoritative copy of Mode for a process.
type ModeState struct {
	mu       sync.Mutex
	mode     Mode
	halted   bool
	done     chan struct{}
	onChange func(from, to Mode)
}

// NewModeState returns a ModeState holding initial.
func NewModeState(initial Mode) *ModeState {
	return &ModeState{mode: initial, done: make(chan struct{})}
}

// OnChange registers fn to run after every mode change. fn runs outside the
// lock on the goroutine that made the change. Set it before sharing the
// ModeState.
func (s *ModeState) OnChange(fn func(from, to Mode)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Get returns the current mode.
func (s *ModeState) Get() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Set changes the mode and reports whether it changed. Once halted, Set is a
// no-op.
func (s *ModeState) Set(m Mode) bool {
	s.mu.Lock()
	if s.halted || s.mode == m {
		s.mu.Unlock()
		return false
	}
	from := s.mode
	s.mode = m
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(from, m)
	}
	return true
}

// Halt sets ModeDisabled permanently and closes Done. It is the cooperative
// shutdown signal for both loops.
func (s *ModeState) Halt() {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	from := s.mode
	s.mode = ModeDisabled
	s.halted = true
	close(s.done)
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil && from != ModeDisabled {
		fn(from, ModeDisabled)
	}
}

// Halted reports whether Halt has been called.
func (s *ModeState) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Done is closed by Halt.
func (s *ModeState) Done() <-chan struct{} {
	return s.done
}

// Apply interprets an inbound payload. A recognised digit replaces the mode
// whatever it was before; '0' halts. It returns the mode in force afterwards,
// which stays Disabled once halted, and reports whether the payload carried a
// digit at all.
func (s *ModeState) Apply(payload []byte) (Mode, bool) {
	m, ok := DecodeMode(payload)
	if !ok {
		return s.Get(), false
	}
	if m == ModeDisabled {
		s.Halt()
	} else {
		s.Set(m)
	}
	return s.Get(), true
}

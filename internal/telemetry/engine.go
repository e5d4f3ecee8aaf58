package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shrec5450/shrecvision/internal/monitoring"
	"github.com/shrec5450/shrecvision/internal/timeutil"
)

// ErrLinkDown wraps the error that caused a Session to be torn down.
var ErrLinkDown = errors.New("telemetry link down")

// State is the Engine's protocol state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Role decides which side of the link speaks first.
type Role int

const (
	// RoleInitiator sends the value and waits for the mode digit.
	RoleInitiator Role = iota
	// RoleResponder waits for the mode digit and answers with the value.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// ParseRole accepts "initiator" (or "client") and "responder" (or "server").
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "initiator", "client":
		return RoleInitiator, nil
	case "responder", "server":
		return RoleResponder, nil
	default:
		return 0, fmt.Errorf("unknown role %q: expected initiator or responder", s)
	}
}

// Transition describes one state change.
type Transition struct {
	From      State
	To        State
	SessionID string
	Err       error
	At        time.Time
}

// Observer receives engine notifications. Calls are made synchronously from
// the engine goroutine and must not block.
type Observer interface {
	StateChanged(Transition)
}

type noopObserver struct{}

func (noopObserver) StateChanged(Transition) {}

// Stats is a snapshot of engine counters.
type Stats struct {
	Sent            uint64 `json:"sent"`
	Received        uint64 `json:"received"`
	Timeouts        uint64 `json:"timeouts"`
	TransientErrors uint64 `json:"transient_errors"`
	Malformed       uint64 `json:"malformed"`
	Reconnects      uint64 `json:"reconnects"`
	ConnectFailures uint64 `json:"connect_failures"`
}

// EngineConfig contains configuration options for the Engine.
type EngineConfig struct {
	// PeerAddress is the controller's host:port. Required for the
	// initiator; optional for the responder, which replies to the sender.
	PeerAddress string
	// LocalAddress is the address to bind. Empty picks an ephemeral port.
	LocalAddress string
	Role         Role
	Codec        Codec

	// ResponseTimeout bounds each wait for an inbound datagram.
	ResponseTimeout time.Duration
	// TickInterval paces initiator exchanges.
	TickInterval time.Duration
	// MaxTransientErrors consecutive send/receive failures escalate to a
	// reconnect. Timeouts never count.
	MaxTransientErrors int
	// Strict returns from Run on the first connect failure instead of
	// retrying.
	Strict bool

	ConnectBackoff   timeutil.Backoff
	ReconnectBackoff timeutil.Backoff

	Mode     *ModeState
	Value    *ValueStore
	Factory  SocketFactory
	Resolver Resolver
	Clock    timeutil.Clock
	Observer Observer
}

// Session is one socket lifetime. A Session never outlives a failed socket;
// reconnection always builds a new one.
type Session struct {
	ID        uuid.UUID
	Peer      *net.UDPAddr
	Opened    time.Time
	socket    UDPSocket
	failures  int
	lastError error
}

// LastError returns the most recent send or receive failure.
func (s *Session) LastError() error { return s.lastError }

// Close releases the socket.
func (s *Session) Close() error {
	return s.socket.Close()
}

// Engine runs the telemetry protocol.
type Engine struct {
	cfg  EngineConfig
	buf  []byte
	obsv Observer

	mu        sync.Mutex
	state     State
	sessionID string

	sent, received, timeouts, transient, malformed, reconnects, connectFailures atomic.Uint64
}

// NewEngine creates an Engine, filling unset fields with defaults.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Codec == nil {
		cfg.Codec = AngleCodec{}
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 500 * time.Millisecond
	}
	if cfg.TickInterval < 0 {
		cfg.TickInterval = 0
	}
	if cfg.MaxTransientErrors <= 0 {
		cfg.MaxTransientErrors = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.ConnectBackoff == nil {
		cfg.ConnectBackoff = timeutil.FixedBackoff(time.Second)
	}
	if cfg.ReconnectBackoff == nil {
		cfg.ReconnectBackoff = timeutil.FixedBackoff(time.Second)
	}
	if cfg.Mode == nil {
		cfg.Mode = NewModeState(ModeIdle)
	}
	if cfg.Value == nil {
		cfg.Value = NewValueStore(KindAngle)
	}
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NetResolver{}
	}
	obsv := cfg.Observer
	if obsv == nil {
		obsv = noopObserver{}
	}
	return &Engine{
		cfg:  cfg,
		buf:  make([]byte, BufferSize),
		obsv: obsv,
	}
}

// State returns the current protocol state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the ID of the live session, or "" when none is open.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sent:            e.sent.Load(),
		Received:        e.received.Load(),
		Timeouts:        e.timeouts.Load(),
		TransientErrors: e.transient.Load(),
		Malformed:       e.malformed.Load(),
		Reconnects:      e.reconnects.Load(),
		ConnectFailures: e.connectFailures.Load(),
	}
}

// Role returns the configured role.
func (e *Engine) Role() Role { return e.cfg.Role }

// Mode returns the shared mode state.
func (e *Engine) Mode() *ModeState { return e.cfg.Mode }

func (e *Engine) setState(to State, sessionID string, err error) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.sessionID = sessionID
	e.mu.Unlock()

	if from == to {
		return
	}
	if err != nil {
		monitoring.Logf("telemetry: %s -> %s: %v", from, to, err)
	} else {
		monitoring.Logf("telemetry: %s -> %s", from, to)
	}
	e.obsv.StateChanged(Transition{From: from, To: to, SessionID: sessionID, Err: err, At: e.cfg.Clock.Now()})
}

// Run drives the protocol until the mode is halted, ctx is cancelled, or a
// strict connect fails. A halt returns nil.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(StateClosed, "", nil)

	for {
		if e.cfg.Mode.Halted() {
			return nil
		}

		sess, err := e.connect(ctx)
		if err != nil {
			return err
		}
		if sess == nil {
			// halted while connecting
			return nil
		}

		err = e.serve(ctx, sess)
		sess.Close()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.reconnects.Add(1)
		e.setState(StateReconnecting, "", err)
		e.cfg.Mode.Set(ModeDisabled)

		delay := e.cfg.ReconnectBackoff.NextBackOff()
		if delay == timeutil.Stop {
			return err
		}
		if !timeutil.Wait(ctx, e.cfg.Clock, delay) {
			return ctx.Err()
		}
	}
}

// connect opens a fresh Session, retrying on the connect backoff unless the
// engine is strict. It returns (nil, nil) if the mode halts meanwhile.
func (e *Engine) connect(ctx context.Context) (*Session, error) {
	e.cfg.ConnectBackoff.Reset()
	for {
		e.setState(StateConnecting, "", nil)

		sess, err := e.open()
		if err == nil {
			e.cfg.ReconnectBackoff.Reset()
			e.cfg.Mode.Set(ModeIdle)
			e.setState(StateActive, sess.ID.String(), nil)
			return sess, nil
		}

		e.connectFailures.Add(1)
		e.cfg.Mode.Set(ModeDisabled)
		monitoring.Logf("telemetry: connect failed: %v", err)
		if e.cfg.Strict {
			return nil, fmt.Errorf("telemetry connect: %w", err)
		}

		delay := e.cfg.ConnectBackoff.NextBackOff()
		if delay == timeutil.Stop {
			return nil, fmt.Errorf("telemetry connect: giving up: %w", err)
		}
		if !timeutil.Wait(ctx, e.cfg.Clock, delay) {
			return nil, ctx.Err()
		}
		if e.cfg.Mode.Halted() {
			return nil, nil
		}
	}
}

func (e *Engine) open() (*Session, error) {
	var peer *net.UDPAddr
	if e.cfg.PeerAddress != "" {
		var err error
		peer, err = e.cfg.Resolver.ResolveUDPAddr("udp", e.cfg.PeerAddress)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", e.cfg.PeerAddress, err)
		}
	} else if e.cfg.Role == RoleInitiator {
		return nil, errors.New("initiator requires a peer address")
	}

	var laddr *net.UDPAddr
	if e.cfg.LocalAddress != "" {
		var err error
		laddr, err = net.ResolveUDPAddr("udp", e.cfg.LocalAddress)
		if err != nil {
			return nil, fmt.Errorf("resolve local %s: %w", e.cfg.LocalAddress, err)
		}
	}

	sock, err := e.cfg.Factory.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}

	return &Session{
		ID:     uuid.New(),
		Peer:   peer,
		Opened: e.cfg.Clock.Now(),
		socket: sock,
	}, nil
}

// serve runs ticks until the mode halts (nil), ctx ends (ctx.Err()) or the
// session fails (ErrLinkDown).
func (e *Engine) serve(ctx context.Context, sess *Session) error {
	for {
		if e.cfg.Mode.Halted() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		if e.cfg.Role == RoleResponder {
			err = e.respond(sess)
		} else {
			err = e.initiate(sess)
		}
		if err != nil {
			return err
		}
		if e.cfg.Mode.Halted() {
			return nil
		}

		if e.cfg.Role == RoleInitiator && !timeutil.Wait(ctx, e.cfg.Clock, e.cfg.TickInterval) {
			return ctx.Err()
		}
	}
}

// initiate sends the current value and waits for one mode digit.
func (e *Engine) initiate(sess *Session) error {
	payload, err := e.cfg.Codec.Encode(e.cfg.Value.Load())
	if err != nil {
		monitoring.Logf("telemetry: encode: %v", err)
		return nil
	}

	if _, err := sess.socket.WriteToUDP(payload, sess.Peer); err != nil {
		return e.failed(sess, "send", err)
	}
	sess.failures = 0
	e.sent.Add(1)
	monitoring.Debugf("telemetry: request %q", payload)

	if err := sess.socket.SetReadDeadline(time.Now().Add(e.cfg.ResponseTimeout)); err != nil {
		return e.failed(sess, "set deadline", err)
	}
	n, _, err := sess.socket.ReadFromUDP(e.buf)
	if err != nil {
		if isTimeout(err) {
			e.timeouts.Add(1)
			monitoring.Debugf("telemetry: no response within %v", e.cfg.ResponseTimeout)
			return nil
		}
		return e.failed(sess, "receive", err)
	}

	sess.failures = 0
	e.received.Add(1)
	e.applyInbound(e.buf[:n])
	return nil
}

// respond waits for one mode digit and replies with the current value.
func (e *Engine) respond(sess *Session) error {
	if err := sess.socket.SetReadDeadline(time.Now().Add(e.cfg.ResponseTimeout)); err != nil {
		return e.failed(sess, "set deadline", err)
	}
	n, from, err := sess.socket.ReadFromUDP(e.buf)
	if err != nil {
		if isTimeout(err) {
			e.timeouts.Add(1)
			return nil
		}
		return e.failed(sess, "receive", err)
	}
	sess.failures = 0
	e.received.Add(1)
	e.applyInbound(e.buf[:n])

	to := from
	if to == nil {
		to = sess.Peer
	}
	if to == nil {
		return nil
	}

	payload, err := e.cfg.Codec.Encode(e.cfg.Value.Load())
	if err != nil {
		monitoring.Logf("telemetry: encode: %v", err)
		return nil
	}
	if _, err := sess.socket.WriteToUDP(payload, to); err != nil {
		return e.failed(sess, "send", err)
	}
	sess.failures = 0
	e.sent.Add(1)
	return nil
}

func (e *Engine) applyInbound(payload []byte) {
	before := e.cfg.Mode.Get()
	m, ok := e.cfg.Mode.Apply(payload)
	if !ok {
		e.malformed.Add(1)
		monitoring.Debugf("telemetry: ignoring payload %q", truncate(payload, 16))
		return
	}
	if m != before {
		monitoring.Logf("telemetry: mode %s -> %s", before, m)
	}
}

// failed classifies a send/receive error. A closed socket or too many
// consecutive failures tears the session down; anything else is logged and
// the tick ends.
func (e *Engine) failed(sess *Session, op string, err error) error {
	sess.lastError = err
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %s: %v", ErrLinkDown, op, err)
	}
	e.transient.Add(1)
	sess.failures++
	if sess.failures >= e.cfg.MaxTransientErrors {
		return fmt.Errorf("%w: %d consecutive failures, last %s: %v", ErrLinkDown, sess.failures, op, err)
	}
	monitoring.Logf("telemetry: %s failed (%d/%d): %v", op, sess.failures, e.cfg.MaxTransientErrors, err)
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

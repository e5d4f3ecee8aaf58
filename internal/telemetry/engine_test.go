package telemetry

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrec5450/shrecvision/internal/timeutil"
)

var (
	testTime = time.Date(2017, 3, 1, 12, 0, 0, 0, time.UTC)
	peerAddr = &net.UDPAddr{IP: net.ParseIP("10.54.50.2"), Port: 5800}
)

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
	onState     func(Transition)
}

func (r *recorder) StateChanged(t Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.To
	}
	return out
}

func (r *recorder) sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.transitions {
		if t.To == StateActive {
			out = append(out, t.SessionID)
		}
	}
	return out
}

type modeLog struct {
	mu      sync.Mutex
	changes [][2]Mode
}

func watchModes(s *ModeState) *modeLog {
	l := &modeLog{}
	s.OnChange(func(from, to Mode) {
		l.mu.Lock()
		l.changes = append(l.changes, [2]Mode{from, to})
		l.mu.Unlock()
	})
	return l
}

func (l *modeLog) get() [][2]Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]Mode(nil), l.changes...)
}

type engineFixture struct {
	cfg     EngineConfig
	clock   *timeutil.MockClock
	factory *MockSocketFactory
	mode    *ModeState
	value   *ValueStore
	rec     *recorder
}

func newFixture(sockets ...*MockUDPSocket) *engineFixture {
	clock := timeutil.NewMockClock(testTime)
	f := &engineFixture{
		clock:   clock,
		factory: &MockSocketFactory{Sockets: sockets},
		mode:    NewModeState(ModeIdle),
		value:   NewValueStore(KindAngle),
		rec:     &recorder{},
	}
	f.value.Store(AngleValue(12.5, testTime))
	f.cfg = EngineConfig{
		PeerAddress:      "10.54.50.2:5800",
		Role:             RoleInitiator,
		Codec:            AngleCodec{},
		ResponseTimeout:  500 * time.Millisecond,
		TickInterval:     500 * time.Millisecond,
		ConnectBackoff:   timeutil.FixedBackoff(time.Second),
		ReconnectBackoff: timeutil.FixedBackoff(time.Second),
		Mode:             f.mode,
		Value:            f.value,
		Factory:          f.factory,
		Resolver:         MockResolver{Addr: peerAddr},
		Clock:            clock,
		Observer:         f.rec,
	}
	return f
}

func TestEngine_TimeoutLeavesModeUnchanged(t *testing.T) {
	sock := NewMockUDPSocket(Reply("3", peerAddr), Timeout(), Timeout(), Reply("0", peerAddr))
	f := newFixture(sock)
	modes := watchModes(f.mode)

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, [][2]Mode{
		{ModeIdle, ModeTrackingA},
		{ModeTrackingA, ModeDisabled},
	}, modes.get())
	assert.True(t, f.mode.Halted())
	assert.Equal(t, []string{"12.5!", "12.5!", "12.5!", "12.5!"}, sock.Sent())
	for _, w := range sock.Writes {
		assert.Equal(t, peerAddr, w.Addr)
	}
	assert.True(t, sock.Closed())

	st := e.Stats()
	assert.Equal(t, uint64(4), st.Sent)
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(2), st.Timeouts)
	assert.Equal(t, uint64(0), st.Reconnects)
	assert.Equal(t, StateClosed, e.State())

	// three tick waits; none after the halt
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}, f.clock.Waits())
}

func TestEngine_SendsLatestValue(t *testing.T) {
	sock := NewMockUDPSocket(Reply("3", peerAddr), Reply("0", peerAddr))
	f := newFixture(sock)
	f.mode.OnChange(func(_, to Mode) {
		if to == ModeTrackingA {
			f.value.Store(AngleValue(-4, testTime))
		}
	})

	require.NoError(t, NewEngine(f.cfg).Run(context.Background()))
	assert.Equal(t, []string{"12.5!", "-4!"}, sock.Sent())
}

func TestEngine_MalformedReplyIgnored(t *testing.T) {
	sock := NewMockUDPSocket(Reply("2", peerAddr), Reply("?", peerAddr), Reply("", peerAddr), Reply("0", peerAddr))
	f := newFixture(sock)
	modes := watchModes(f.mode)

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, [][2]Mode{
		{ModeIdle, ModeTrackingB},
		{ModeTrackingB, ModeDisabled},
	}, modes.get())
	assert.Equal(t, uint64(2), e.Stats().Malformed)
}

func TestEngine_ReconnectAfterClosedSocket(t *testing.T) {
	first := NewMockUDPSocket(Reply("2", peerAddr), Fail(net.ErrClosed))
	second := NewMockUDPSocket(Reply("3", peerAddr), Reply("0", peerAddr))
	f := newFixture(first, second)
	modes := watchModes(f.mode)

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, []State{
		StateConnecting, StateActive,
		StateReconnecting,
		StateConnecting, StateActive,
		StateClosed,
	}, f.rec.states())

	assert.Equal(t, [][2]Mode{
		{ModeIdle, ModeTrackingB},
		{ModeTrackingB, ModeDisabled},
		{ModeDisabled, ModeIdle},
		{ModeIdle, ModeTrackingA},
		{ModeTrackingA, ModeDisabled},
	}, modes.get())

	ids := f.rec.sessions()
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	assert.True(t, first.Closed())
	assert.True(t, second.Closed())
	assert.Equal(t, 2, f.factory.CallCount())
	assert.Equal(t, uint64(1), e.Stats().Reconnects)

	f.rec.mu.Lock()
	reconnecting := f.rec.transitions[2]
	f.rec.mu.Unlock()
	assert.True(t, errors.Is(reconnecting.Err, ErrLinkDown))

	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, // tick
		time.Second,            // reconnect backoff
		500 * time.Millisecond, // tick
	}, f.clock.Waits())
}

func TestEngine_TransientErrorsEscalate(t *testing.T) {
	sendErr := errors.New("network unreachable")
	first := NewMockUDPSocket()
	first.WriteErrors = []error{sendErr, sendErr, sendErr, sendErr, sendErr}
	second := NewMockUDPSocket(Reply("0", peerAddr))
	f := newFixture(first, second)
	f.cfg.MaxTransientErrors = 5

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	st := e.Stats()
	assert.Equal(t, uint64(5), st.TransientErrors)
	assert.Equal(t, uint64(1), st.Reconnects)
	assert.Empty(t, first.Sent())
	assert.Equal(t, []string{"12.5!"}, second.Sent())
}

func TestEngine_SingleTransientErrorRecovers(t *testing.T) {
	sock := NewMockUDPSocket(Reply("3", peerAddr), Reply("0", peerAddr))
	sock.WriteErrors = []error{errors.New("no buffer space available")}
	f := newFixture(sock)

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	st := e.Stats()
	assert.Equal(t, uint64(1), st.TransientErrors)
	assert.Equal(t, uint64(0), st.Reconnects)
	assert.Equal(t, 1, f.factory.CallCount())
}

func TestEngine_InterleavedSendErrorsDoNotEscalate(t *testing.T) {
	sendErr := errors.New("no buffer space available")
	sock := NewMockUDPSocket(Timeout(), Timeout(), Timeout(), Timeout(), Reply("0", peerAddr))
	sock.WriteErrors = []error{sendErr, nil, sendErr, nil, sendErr, nil, sendErr, nil, sendErr}
	f := newFixture(sock)
	f.cfg.MaxTransientErrors = 5
	modes := watchModes(f.mode)

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	st := e.Stats()
	assert.Equal(t, uint64(5), st.TransientErrors)
	assert.Equal(t, uint64(4), st.Timeouts)
	assert.Equal(t, uint64(0), st.Reconnects)
	assert.Equal(t, 1, f.factory.CallCount())
	assert.Equal(t, [][2]Mode{{ModeIdle, ModeDisabled}}, modes.get())
}

func TestEngine_ResponderInterleavedErrorsDoNotEscalate(t *testing.T) {
	recvErr := errors.New("connection refused")
	sock := NewMockUDPSocket(
		Fail(recvErr), Reply("1", peerAddr),
		Fail(recvErr), Reply("1", peerAddr),
		Fail(recvErr), Reply("0", peerAddr),
	)
	f := newFixture(sock)
	f.cfg.Role = RoleResponder
	f.cfg.MaxTransientErrors = 2

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	st := e.Stats()
	assert.Equal(t, uint64(3), st.TransientErrors)
	assert.Equal(t, uint64(0), st.Reconnects)
	assert.Equal(t, 1, f.factory.CallCount())
}

func TestEngine_StrictConnectFailure(t *testing.T) {
	f := newFixture()
	f.factory.Errors = []error{errors.New("address already in use")}
	f.cfg.Strict = true
	modes := watchModes(f.mode)

	e := NewEngine(f.cfg)
	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")

	assert.Equal(t, ModeDisabled, f.mode.Get())
	assert.False(t, f.mode.Halted())
	assert.Equal(t, [][2]Mode{{ModeIdle, ModeDisabled}}, modes.get())
	assert.Equal(t, 1, f.factory.CallCount())
	assert.Equal(t, []State{StateConnecting, StateClosed}, f.rec.states())
	assert.Empty(t, f.clock.Waits())
}

func TestEngine_ResilientConnectRetries(t *testing.T) {
	sock := NewMockUDPSocket(Reply("0", peerAddr))
	f := newFixture(sock)
	bindErr := errors.New("network is down")
	f.factory.Errors = []error{bindErr, bindErr, nil}
	f.cfg.ConnectBackoff = timeutil.ExponentialBackoff(f.clock, 100*time.Millisecond, time.Second)
	modes := watchModes(f.mode)

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 3, f.factory.CallCount())
	assert.Equal(t, uint64(2), e.Stats().ConnectFailures)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.clock.Waits())
	assert.Equal(t, [][2]Mode{
		{ModeIdle, ModeDisabled},
		{ModeDisabled, ModeIdle},
	}, modes.get()[:2])
}

func TestEngine_ResolveFailure(t *testing.T) {
	f := newFixture()
	f.cfg.Resolver = MockResolver{Err: errors.New("no such host")}
	f.cfg.Strict = true

	err := NewEngine(f.cfg).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such host")
	assert.Equal(t, 0, f.factory.CallCount())
}

func TestEngine_InitiatorRequiresPeer(t *testing.T) {
	f := newFixture(NewMockUDPSocket())
	f.cfg.PeerAddress = ""
	f.cfg.Strict = true

	err := NewEngine(f.cfg).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, f.factory.CallCount())
}

func TestEngine_Responder(t *testing.T) {
	controller := &net.UDPAddr{IP: net.ParseIP("10.54.50.2"), Port: 41234}
	sock := NewMockUDPSocket(Reply("3", controller), Timeout(), Reply("1", controller), Reply("0", controller))
	f := newFixture(sock)
	f.cfg.Role = RoleResponder
	f.cfg.PeerAddress = ""
	f.value.Store(AngleValue(7.5, testTime))
	modes := watchModes(f.mode)

	e := NewEngine(f.cfg)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, []string{"7.5!", "7.5!", "7.5!"}, sock.Sent())
	for _, w := range sock.Writes {
		assert.Equal(t, controller, w.Addr)
	}
	assert.Equal(t, [][2]Mode{
		{ModeIdle, ModeTrackingA},
		{ModeTrackingA, ModeIdle},
		{ModeIdle, ModeDisabled},
	}, modes.get())
	// responders are paced by the peer, not by a tick
	assert.Empty(t, f.clock.Waits())
}

func TestEngine_ContextCancel(t *testing.T) {
	sock := NewMockUDPSocket()
	f := newFixture(sock)
	ctx, cancel := context.WithCancel(context.Background())
	f.rec.onState = func(tr Transition) {
		if tr.To == StateActive {
			cancel()
		}
	}

	e := NewEngine(f.cfg)
	err := e.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, sock.Closed())
	assert.False(t, f.mode.Halted())
	assert.Equal(t, StateClosed, e.State())
}

func TestEngine_PositionalPayload(t *testing.T) {
	sock := NewMockUDPSocket(Reply("0", peerAddr))
	f := newFixture(sock)
	f.cfg.Codec = PositionalCodec{}
	f.value.Store(PositionValue(Position{X: 1, Y: 2, Z: 3, VX: 4, VY: 5, VZ: 6}, testTime))

	require.NoError(t, NewEngine(f.cfg).Run(context.Background()))
	assert.Equal(t, []string{"1,2,3,4,5,6"}, sock.Sent())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("server")
	require.NoError(t, err)
	assert.Equal(t, RoleResponder, r)

	r, err = ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleInitiator, r)

	_, err = ParseRole("peer")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "State(9)", State(9).String())
}

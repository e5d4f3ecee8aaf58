package telemetry

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrec5450/shrecvision/internal/timeutil"
)

func TestController_KeepsPreviousValueOnMalformed(t *testing.T) {
	c := NewController(ControllerConfig{Mode: ModeTrackingA})
	from := &net.UDPAddr{IP: net.ParseIP("10.54.50.3"), Port: 50000}

	c.handle([]byte("21.5!"), from)
	c.handle([]byte("not-a-number!"), from)

	v, peer := c.Last()
	assert.Equal(t, 21.5, v.Angle)
	assert.Equal(t, from, peer)
	received, malformed := c.Counts()
	assert.Equal(t, uint64(2), received)
	assert.Equal(t, uint64(1), malformed)
}

func TestController_RepliesWithCommandedMode(t *testing.T) {
	vision := &net.UDPAddr{IP: net.ParseIP("10.54.50.3"), Port: 50000}
	sock := NewMockUDPSocket(Reply("12.5!", vision), Reply("bad", vision))
	factory := &MockSocketFactory{Sockets: []*MockUDPSocket{sock}}

	var got []Value
	c := NewController(ControllerConfig{
		Address: "127.0.0.1:5800",
		Mode:    ModeTrackingB,
		Factory: factory,
		OnValue: func(v Value, _ *net.UDPAddr) { got = append(got, v) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-c.Ready()
		for len(sock.Sent()) < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, c.Run(ctx))

	sent := sock.Sent()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, "2", sent[0])
	assert.Equal(t, "2", sent[1])
	require.Len(t, got, 1)
	assert.Equal(t, 12.5, got[0].Angle)
	assert.True(t, sock.Closed())
}

// TestEngine_ControllerLoopback runs both halves of the link over real
// loopback sockets.
func TestEngine_ControllerLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real sockets")
	}

	var values atomic.Int32
	ctrl := NewController(ControllerConfig{
		Address:      "127.0.0.1:0",
		Mode:         ModeTrackingA,
		PollInterval: 20 * time.Millisecond,
	})
	ctrl.cfg.OnValue = func(v Value, _ *net.UDPAddr) {
		if values.Add(1) == 3 {
			ctrl.SetMode(ModeDisabled)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- ctrl.Run(ctx) }()

	select {
	case <-ctrl.Ready():
	case <-ctx.Done():
		t.Fatal("controller did not bind")
	}

	mode := NewModeState(ModeIdle)
	modes := watchModes(mode)
	value := NewValueStore(KindAngle)
	value.Store(AngleValue(12.5, time.Now()))

	e := NewEngine(EngineConfig{
		PeerAddress:     ctrl.LocalAddr().String(),
		LocalAddress:    "127.0.0.1:0",
		ResponseTimeout: 500 * time.Millisecond,
		TickInterval:    5 * time.Millisecond,
		Mode:            mode,
		Value:           value,
		Clock:           timeutil.RealClock{},
	})
	require.NoError(t, e.Run(ctx))
	cancel()
	require.NoError(t, <-ctrlDone)

	assert.True(t, mode.Halted())
	changes := modes.get()
	require.NotEmpty(t, changes)
	assert.Equal(t, [2]Mode{ModeIdle, ModeTrackingA}, changes[0])
	assert.Equal(t, [2]Mode{ModeTrackingA, ModeDisabled}, changes[len(changes)-1])

	v, _ := ctrl.Last()
	assert.Equal(t, 12.5, v.Angle)
	assert.GreaterOrEqual(t, e.Stats().Received, uint64(3))
}

package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrec5450/shrecvision/internal/events"
	"github.com/shrec5450/shrecvision/internal/measure"
	"github.com/shrec5450/shrecvision/internal/monitoring"
	"github.com/shrec5450/shrecvision/internal/target"
	"github.com/shrec5450/shrecvision/internal/telemetry"
	"github.com/shrec5450/shrecvision/internal/timeutil"
)

var testTime = time.Date(2017, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptSource serves frames in order, then fails with err (io.EOF when
// nil). onRead runs before each read with the 1-based read count.
type scriptSource struct {
	frames []Frame
	err    error
	onRead func(n int)

	reads  int
	closed bool
}

func (s *scriptSource) Read(ctx context.Context) (Frame, error) {
	s.reads++
	if s.onRead != nil {
		s.onRead(s.reads)
	}
	if s.reads <= len(s.frames) {
		return s.frames[s.reads-1], nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *scriptSource) Close() error {
	s.closed = true
	return nil
}

type scriptOpener struct {
	sources []FrameSource
	errs    []error
	calls   int
}

func (o *scriptOpener) Open(context.Context) (FrameSource, error) {
	i := o.calls
	o.calls++
	if i < len(o.errs) && o.errs[i] != nil {
		return nil, o.errs[i]
	}
	if len(o.sources) == 0 {
		return nil, errors.New("no sources left")
	}
	src := o.sources[0]
	o.sources = o.sources[1:]
	return src, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingPublisher) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type countingMeasurer struct {
	measure.Engine
	resets int
}

func (c *countingMeasurer) Reset() {
	c.resets++
	c.Engine.Reset()
}

func strips(cx float64) *SyntheticFrame {
	return &SyntheticFrame{
		Width: 320, Height: 240,
		Outlines: []target.Outline{
			target.RectOutline(cx-35, 100, 10, 40),
			target.RectOutline(cx+25, 100, 10, 40),
		},
	}
}

func lone() *SyntheticFrame {
	return &SyntheticFrame{
		Width: 320, Height: 240,
		Outlines: []target.Outline{target.RectOutline(150, 100, 10, 40)},
	}
}

type fixture struct {
	cfg   Config
	clock *timeutil.MockClock
	mode  *telemetry.ModeState
	value *telemetry.ValueStore
	pub   *recordingPublisher
}

func newFixture(t *testing.T, mode telemetry.Mode, opener SourceOpener) *fixture {
	t.Helper()
	eng, err := measure.New(telemetry.KindAngle, measure.Camera{HorizontalFOV: 60, FrameWidth: 320, FrameHeight: 240}, measure.DefaultCalibration)
	require.NoError(t, err)

	f := &fixture{
		clock: timeutil.NewMockClock(testTime),
		mode:  telemetry.NewModeState(mode),
		value: telemetry.NewValueStore(telemetry.KindAngle),
		pub:   &recordingPublisher{},
	}
	f.cfg = Config{
		Opener:        opener,
		Filter:        SyntheticFilter{},
		Selector:      target.NewSelector(target.Thresholds{MinArea: 50, MaxArea: 5000}, target.RankByConcavity),
		Measurer:      eng,
		Mode:          f.mode,
		Value:         f.value,
		FrameInterval: 50 * time.Millisecond,
		ReopenBackoff: timeutil.FixedBackoff(time.Second),
		Clock:         f.clock,
		Publisher:     f.pub,
	}
	return f
}

func (f *fixture) run(t *testing.T, ctx context.Context) (*Processor, error) {
	t.Helper()
	p, err := NewProcessor(f.cfg)
	require.NoError(t, err)
	return p, p.Run(ctx)
}

func TestProcessor_IdleReadsWithoutProcessing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptSource{frames: []Frame{strips(240), strips(240), strips(240)}}
	src.onRead = func(n int) {
		if n == 4 {
			cancel()
		}
	}
	f := newFixture(t, telemetry.ModeIdle, &scriptOpener{sources: []FrameSource{src}})
	f.value.Store(telemetry.AngleValue(3, testTime))

	p, err := f.run(t, ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Frames)
	assert.Equal(t, uint64(3), st.Skipped)
	assert.Equal(t, uint64(0), st.Processed)
	assert.Equal(t, 3.0, f.value.Load().Angle)
	assert.Empty(t, f.pub.kinds())
	assert.True(t, src.closed)
}

func TestProcessor_TrackingStoresValue(t *testing.T) {
	src := &scriptSource{frames: []Frame{strips(240), strips(160)}}
	f := newFixture(t, telemetry.ModeTrackingA, &scriptOpener{sources: []FrameSource{src}})
	src.onRead = func(n int) {
		if n == 3 {
			f.mode.Halt()
		}
	}

	p, err := f.run(t, context.Background())
	require.NoError(t, err)

	v := f.value.Load()
	assert.Equal(t, telemetry.KindAngle, v.Kind)
	assert.InDelta(t, 0, v.Angle, 1e-9)
	assert.Equal(t, testTime.Add(50*time.Millisecond), v.Updated)
	assert.Equal(t, uint64(2), p.Stats().Processed)

	kinds := f.pub.kinds()
	assert.Equal(t, []events.Kind{events.KindMeasurement, events.KindMeasurement}, kinds)
	first := f.pub.events[0].Measurement
	require.NotNil(t, first.Candidate)
	assert.InDelta(t, 15, first.Value.Angle, 1e-9)
	assert.Equal(t, 320, first.FrameWidth)
	assert.Equal(t, telemetry.ModeTrackingA, first.Mode)

	// 50ms pacing after each frame
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, f.clock.Waits())
}

func TestProcessor_NoTargetKeepsLastValue(t *testing.T) {
	src := &scriptSource{frames: []Frame{strips(240), lone(), lone()}}
	f := newFixture(t, telemetry.ModeTrackingB, &scriptOpener{sources: []FrameSource{src}})
	src.onRead = func(n int) {
		if n == 4 {
			f.mode.Halt()
		}
	}

	p, err := f.run(t, context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 15, f.value.Load().Angle, 1e-9)
	assert.Equal(t, uint64(1), p.Stats().Processed)
	assert.Equal(t, uint64(2), p.Stats().NoTarget)
	assert.Equal(t, []events.Kind{events.KindMeasurement, events.KindNoTarget, events.KindNoTarget}, f.pub.kinds())
}

func TestProcessor_ReadFailureReopensWithoutModeChange(t *testing.T) {
	broken := &scriptSource{frames: []Frame{strips(240)}, err: errors.New("stream stalled")}
	healthy := &scriptSource{frames: []Frame{strips(160)}}
	opener := &scriptOpener{sources: []FrameSource{broken, healthy}}
	f := newFixture(t, telemetry.ModeTrackingA, opener)
	healthy.onRead = func(n int) {
		if n == 2 {
			f.mode.Halt()
		}
	}

	var changes int
	f.mode.OnChange(func(_, _ telemetry.Mode) { changes++ })

	p, err := f.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, opener.calls)
	assert.True(t, broken.closed)
	assert.True(t, healthy.closed)
	assert.Equal(t, uint64(1), p.Stats().ReadErrors)
	assert.Equal(t, uint64(2), p.Stats().Processed)
	// only the final halt touched the mode
	assert.Equal(t, 1, changes)
	assert.Contains(t, f.pub.kinds(), events.KindSourceError)
	assert.Equal(t, []time.Duration{
		50 * time.Millisecond, // frame
		time.Second,           // reopen
		50 * time.Millisecond, // frame
	}, f.clock.Waits())
}

func TestProcessor_OpenRetries(t *testing.T) {
	src := &scriptSource{}
	opener := &scriptOpener{
		sources: []FrameSource{src},
		errs:    []error{errors.New("connection refused"), errors.New("connection refused")},
	}
	f := newFixture(t, telemetry.ModeTrackingA, opener)
	f.cfg.ReopenBackoff = timeutil.ExponentialBackoff(f.clock, 250*time.Millisecond, 2*time.Second)
	src.onRead = func(int) { f.mode.Halt() }

	p, err := f.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, opener.calls)
	assert.Equal(t, uint64(2), p.Stats().OpenFailures)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}, f.clock.Waits())
	assert.Equal(t, telemetry.ModeDisabled, f.mode.Get())
}

func TestProcessor_ProfilePerMode(t *testing.T) {
	// a large ragged blob plus two solid strips
	frame := func() Frame {
		return &SyntheticFrame{
			Width: 320, Height: 240,
			Outlines: []target.Outline{
				target.NewOutline([]target.Point{{X: 0, Y: 0}, {X: 60, Y: 0}, {X: 0, Y: 60}}),
				target.RectOutline(200, 100, 10, 40),
				target.RectOutline(260, 100, 10, 40),
			},
		}
	}
	src := &scriptSource{frames: []Frame{frame(), frame()}}
	f := newFixture(t, telemetry.ModeTrackingA, &scriptOpener{sources: []FrameSource{src}})
	f.cfg.Profiles = Profiles{
		telemetry.ModeTrackingA: target.RankByConcavity,
		telemetry.ModeTrackingB: target.RankByArea,
	}
	src.onRead = func(n int) {
		switch n {
		case 2:
			f.mode.Set(telemetry.ModeTrackingB)
		case 3:
			f.mode.Halt()
		}
	}

	_, err := f.run(t, context.Background())
	require.NoError(t, err)

	require.Len(t, f.pub.events, 2)
	a := f.pub.events[0].Measurement.Candidate
	b := f.pub.events[1].Measurement.Candidate
	assert.Equal(t, 400.0, a.Primary.Area)
	assert.Equal(t, 400.0, a.Secondary.Area)
	assert.Equal(t, 1800.0, b.Primary.Area)
}

func TestProcessor_ModeChangeResetsMeasurer(t *testing.T) {
	src := &scriptSource{frames: []Frame{strips(100), strips(110), strips(120), strips(130)}}
	f := newFixture(t, telemetry.ModeTrackingA, &scriptOpener{sources: []FrameSource{src}})
	m := &countingMeasurer{Engine: f.cfg.Measurer}
	f.cfg.Measurer = m
	src.onRead = func(n int) {
		switch n {
		case 3:
			f.mode.Set(telemetry.ModeTrackingB)
		case 5:
			f.mode.Halt()
		}
	}

	_, err := f.run(t, context.Background())
	require.NoError(t, err)
	// idle -> A on the first frame, A -> B on the third
	assert.Equal(t, 2, m.resets)
}

func TestProcessor_FilterErrorSkipsFrame(t *testing.T) {
	src := &scriptSource{frames: []Frame{&otherFrame{}}}
	f := newFixture(t, telemetry.ModeTrackingA, &scriptOpener{sources: []FrameSource{src}})
	src.onRead = func(n int) {
		if n == 2 {
			f.mode.Halt()
		}
	}

	p, err := f.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Stats().FilterErrors)
	assert.Equal(t, uint64(0), p.Stats().Processed)
}

type otherFrame struct{}

func (*otherFrame) Size() (int, int) { return 320, 240 }
func (*otherFrame) Close() error     { return nil }

func TestNewProcessor_RequiresDependencies(t *testing.T) {
	_, err := NewProcessor(Config{})
	assert.Error(t, err)
}

func (r *recordingPublisher) positions() []telemetry.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Position
	for _, e := range r.events {
		if e.Kind == events.KindMeasurement {
			out = append(out, e.Measurement.Value.Position)
		}
	}
	return out
}

func TestProcessor_IdleGapRestartsVelocity(t *testing.T) {
	src := &scriptSource{frames: []Frame{strips(100), strips(150), strips(300), strips(300), strips(250)}}
	f := newFixture(t, telemetry.ModeTrackingA, &scriptOpener{sources: []FrameSource{src}})
	eng, err := measure.New(telemetry.KindPosition, measure.DefaultCamera, measure.DefaultCalibration)
	require.NoError(t, err)
	f.cfg.Measurer = eng
	src.onRead = func(n int) {
		switch n {
		case 3:
			f.mode.Set(telemetry.ModeIdle)
		case 5:
			f.mode.Set(telemetry.ModeTrackingA)
		case 6:
			f.mode.Halt()
		}
	}

	_, err = f.run(t, context.Background())
	require.NoError(t, err)

	got := f.pub.positions()
	require.Len(t, got, 3)
	assert.InDelta(t, 100, got[0].X, 1e-9)
	assert.InDelta(t, 0, got[0].VX, 1e-9)
	assert.InDelta(t, 0.6*50, got[1].VX, 1e-9)
	// the frame after the idle gap has no predecessor
	assert.InDelta(t, 250, got[2].X, 1e-9)
	assert.InDelta(t, 0, got[2].VX, 1e-9)
}

func TestProcessor_ReopenRestartsVelocity(t *testing.T) {
	first := &scriptSource{frames: []Frame{strips(100)}, err: errors.New("stream dropped")}
	second := &scriptSource{frames: []Frame{strips(200)}}
	f := newFixture(t, telemetry.ModeTrackingA, &scriptOpener{sources: []FrameSource{first, second}})
	eng, err := measure.New(telemetry.KindPosition, measure.DefaultCamera, measure.DefaultCalibration)
	require.NoError(t, err)
	f.cfg.Measurer = eng
	second.onRead = func(n int) {
		if n == 2 {
			f.mode.Halt()
		}
	}

	_, err = f.run(t, context.Background())
	require.NoError(t, err)

	got := f.pub.positions()
	require.Len(t, got, 2)
	assert.InDelta(t, 200, got[1].X, 1e-9)
	assert.InDelta(t, 0, got[1].VX, 1e-9)
}

func TestProcessor_WarnsOnceAboutFrameWidth(t *testing.T) {
	var logs []string
	orig := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logs = append(logs, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(orig)

	src := &scriptSource{frames: []Frame{strips(100), strips(120)}}
	f := newFixture(t, telemetry.ModeTrackingA, &scriptOpener{sources: []FrameSource{src}})
	f.cfg.FrameWidth = 640
	src.onRead = func(n int) {
		if n == 3 {
			f.mode.Halt()
		}
	}

	_, err := f.run(t, context.Background())
	require.NoError(t, err)

	var warnings int
	for _, l := range logs {
		if strings.Contains(l, "frame width 320 differs from calibrated width 640") {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

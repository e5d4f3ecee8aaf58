package vision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shrec5450/shrecvision/internal/events"
	"github.com/shrec5450/shrecvision/internal/measure"
	"github.com/shrec5450/shrecvision/internal/monitoring"
	"github.com/shrec5450/shrecvision/internal/target"
	"github.com/shrec5450/shrecvision/internal/telemetry"
	"github.com/shrec5450/shrecvision/internal/timeutil"
)

// Profiles picks the selector ranking per tracking mode.
type Profiles map[telemetry.Mode]target.Ranking

// DefaultProfiles ranks both targets by concavity.
func DefaultProfiles() Profiles {
	return Profiles{
		telemetry.ModeTrackingA: target.RankByConcavity,
		telemetry.ModeTrackingB: target.RankByConcavity,
	}
}

// Config configures a Processor. Opener, Filter, Selector, Measurer, Mode and
// Value are required.
type Config struct {
	Opener   SourceOpener
	Filter   ShapeFilter
	Selector *target.Selector
	Measurer measure.Engine
	Mode     *telemetry.ModeState
	Value    *telemetry.ValueStore

	// Profiles overrides the selector's default ranking per mode.
	Profiles Profiles
	// FrameInterval is the pause after each frame.
	FrameInterval time.Duration
	// ReopenBackoff paces attempts to open the source.
	ReopenBackoff timeutil.Backoff
	// FrameWidth is the width the measurer is calibrated for. A frame of a
	// different width is logged once. Zero disables the check.
	FrameWidth int

	Clock     timeutil.Clock
	Publisher events.Publisher
}

// Stats counts frames by outcome.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Processed    uint64 `json:"processed"`
	Skipped      uint64 `json:"skipped"`
	NoTarget     uint64 `json:"no_target"`
	FilterErrors uint64 `json:"filter_errors"`
	ReadErrors   uint64 `json:"read_errors"`
	OpenFailures uint64 `json:"open_failures"`
}

// Processor is the frame processing loop.
type Processor struct {
	cfg Config

	mu    sync.Mutex
	stats Stats

	lastMode    telemetry.Mode
	warnedWidth bool
}

// NewProcessor creates a Processor with defaults for optional fields.
func NewProcessor(cfg Config) (*Processor, error) {
	switch {
	case cfg.Opener == nil:
		return nil, fmt.Errorf("vision: no frame source")
	case cfg.Filter == nil:
		return nil, fmt.Errorf("vision: no shape filter")
	case cfg.Selector == nil:
		return nil, fmt.Errorf("vision: no selector")
	case cfg.Measurer == nil:
		return nil, fmt.Errorf("vision: no measurer")
	case cfg.Mode == nil || cfg.Value == nil:
		return nil, fmt.Errorf("vision: mode and value stores are required")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultProfiles()
	}
	if cfg.FrameInterval < 0 {
		cfg.FrameInterval = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.ReopenBackoff == nil {
		cfg.ReopenBackoff = timeutil.FixedBackoff(time.Second)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	return &Processor{cfg: cfg, lastMode: telemetry.ModeIdle}, nil
}

// Stats returns a snapshot of the frame counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

// Run processes frames until the mode halts (nil) or ctx ends (ctx.Err()).
// Read failures close and reopen the source; they never change the mode.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if p.cfg.Mode.Halted() {
			return nil
		}

		src, err := p.open(ctx)
		if err != nil {
			return err
		}
		if src == nil {
			return nil
		}
		// frames from a fresh source are not continuous with the old one
		p.lastMode = telemetry.ModeIdle

		err = p.loop(ctx, src)
		if cerr := src.Close(); cerr != nil {
			monitoring.Logf("vision: close source: %v", cerr)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.count(func(s *Stats) { s.ReadErrors++ })
		monitoring.Logf("vision: %v; reopening source", err)
		p.cfg.Publisher.Publish(events.Event{Kind: events.KindSourceError, Time: p.cfg.Clock.Now(), Error: err.Error()})

		delay := p.cfg.ReopenBackoff.NextBackOff()
		if delay == timeutil.Stop {
			return err
		}
		if !timeutil.Wait(ctx, p.cfg.Clock, delay) {
			return ctx.Err()
		}
	}
}

// open retries until the source opens. It returns (nil, nil) on halt.
func (p *Processor) open(ctx context.Context) (FrameSource, error) {
	for {
		src, err := p.cfg.Opener.Open(ctx)
		if err == nil {
			p.cfg.ReopenBackoff.Reset()
			monitoring.Logf("vision: source opened")
			return src, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		p.count(func(s *Stats) { s.OpenFailures++ })
		monitoring.Logf("vision: open source: %v", err)
		p.cfg.Publisher.Publish(events.Event{Kind: events.KindSourceError, Time: p.cfg.Clock.Now(), Error: err.Error()})

		delay := p.cfg.ReopenBackoff.NextBackOff()
		if delay == timeutil.Stop {
			return nil, fmt.Errorf("vision: giving up opening source: %w", err)
		}
		if !timeutil.Wait(ctx, p.cfg.Clock, delay) {
			return nil, ctx.Err()
		}
		if p.cfg.Mode.Halted() {
			return nil, nil
		}
	}
}

func (p *Processor) loop(ctx context.Context, src FrameSource) error {
	for {
		if p.cfg.Mode.Halted() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := src.Read(ctx)
		if err != nil {
			if p.cfg.Mode.Halted() {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		p.count(func(s *Stats) { s.Frames++ })

		// idle still reads so the stream stays drained
		if mode := p.cfg.Mode.Get(); mode.Tracking() {
			p.process(frame, mode)
		} else {
			// the next tracking frame starts a new velocity history
			p.lastMode = mode
			p.count(func(s *Stats) { s.Skipped++ })
		}
		frame.Close()

		if !timeutil.Wait(ctx, p.cfg.Clock, p.cfg.FrameInterval) {
			return ctx.Err()
		}
	}
}

func (p *Processor) process(frame Frame, mode telemetry.Mode) {
	if mode != p.lastMode {
		p.cfg.Measurer.Reset()
		p.lastMode = mode
	}

	outlines, err := p.cfg.Filter.Outlines(frame, p.cfg.Selector.Thresholds())
	if err != nil {
		p.count(func(s *Stats) { s.FilterErrors++ })
		monitoring.Logf("vision: shape filter: %v", err)
		return
	}

	ranking, ok := p.cfg.Profiles[mode]
	if !ok {
		ranking = p.cfg.Selector.Ranking()
	}
	w, h := frame.Size()
	if p.cfg.FrameWidth > 0 && w != p.cfg.FrameWidth && !p.warnedWidth {
		p.warnedWidth = true
		monitoring.Logf("vision: frame width %d differs from calibrated width %d; angles will be scaled wrongly", w, p.cfg.FrameWidth)
	}
	now := p.cfg.Clock.Now()

	cand, found := p.cfg.Selector.SelectWith(outlines, ranking)
	if !found {
		// the last good value stays published
		p.count(func(s *Stats) { s.NoTarget++ })
		monitoring.Debugf("vision: no candidate among %d outlines", len(outlines))
		p.cfg.Publisher.Publish(events.Event{
			Kind: events.KindNoTarget,
			Time: now,
			Measurement: &events.Measurement{
				Mode: mode, Value: p.cfg.Value.Load(), Outlines: outlines,
				FrameWidth: w, FrameHeight: h,
			},
		})
		return
	}

	v := p.cfg.Measurer.Measure(cand)
	v.Updated = now
	p.cfg.Value.Store(v)
	p.count(func(s *Stats) { s.Processed++ })

	p.cfg.Publisher.Publish(events.Event{
		Kind: events.KindMeasurement,
		Time: now,
		Measurement: &events.Measurement{
			Mode: mode, Value: v, Candidate: &cand, Outlines: outlines,
			FrameWidth: w, FrameHeight: h,
		},
	})
}

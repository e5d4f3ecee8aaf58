package target

import (
	"context"
	"time"

	"github.com/shrec5450/shrecvision/internal/monitoring"
	"github.com/shrec5450/shrecvision/internal/timeutil"
)

// Poller periodically copies thresholds from a source into a sink.
type Poller struct {
	source   ThresholdSource
	sink     ThresholdSink
	interval time.Duration
	clock    timeutil.Clock

	last    Thresholds
	hasLast bool
}

// NewPoller creates a Poller. A zero interval defaults to five seconds and a
// nil clock to the real clock.
func NewPoller(source ThresholdSource, sink ThresholdSink, interval time.Duration, clock timeutil.Clock) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Poller{source: source, sink: sink, interval: interval, clock: clock}
}

// Poll reads the source once. It reports whether new thresholds were applied.
// On error the sink keeps whatever it had.
func (p *Poller) Poll() (bool, error) {
	t, err := p.source.Thresholds()
	if err != nil {
		return false, err
	}
	if p.hasLast && t == p.last {
		return false, nil
	}
	p.sink.Apply(t)
	p.last, p.hasLast = t, true
	return true, nil
}

// Run polls immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.pollAndLog()

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.pollAndLog()
		}
	}
}

func (p *Poller) pollAndLog() {
	changed, err := p.Poll()
	if err != nil {
		monitoring.Logf("prefs: keeping previous thresholds: %v", err)
		return
	}
	if changed {
		monitoring.Logf("prefs: thresholds now low=%v high=%v area=[%g, %g]",
			p.last.Low, p.last.High, p.last.MinArea, p.last.MaxArea)
	}
}

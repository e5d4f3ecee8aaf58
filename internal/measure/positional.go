package measure

import (
	"math"
	"sync"

	"github.com/shrec5450/shrecvision/internal/target"
	"github.com/shrec5450/shrecvision/internal/telemetry"
)

// PositionalEngine computes position and filtered velocity. It remembers the
// previous sample, so one engine serves one stream of frames.
type PositionalEngine struct {
	Camera Camera
	// TargetWidth is the physical distance between the two strips' centers.
	// z is reported in the same unit.
	TargetWidth float64
	Filter      Filter

	mu   sync.Mutex
	prev telemetry.Position
	seen bool
}

// NewPositionalEngine creates a PositionalEngine.
func NewPositionalEngine(cam Camera, targetWidth float64, f Filter) *PositionalEngine {
	return &PositionalEngine{Camera: cam, TargetWidth: targetWidth, Filter: f}
}

// Distance estimates range from the pixel separation of the two strips. The
// separation subtends an angle of 2*atan(sep/(2f)) at the lens; the known
// physical width across that angle gives the range. A zero separation yields
// 0 (unknown).
func (e *PositionalEngine) Distance(separation float64) float64 {
	if separation <= 0 || e.TargetWidth <= 0 {
		return 0
	}
	focal := e.Camera.FocalLength()
	theta := 2 * math.Atan(separation/(2*focal))
	return e.TargetWidth / (2 * math.Tan(theta/2))
}

// Measure returns the position of c and updates the velocity filter.
func (e *PositionalEngine) Measure(c target.Candidate) telemetry.Position {
	x, y := Midpoint(c)
	p := telemetry.Position{
		X: x,
		Y: y,
		Z: e.Distance(math.Abs(c.Primary.Box.CenterX() - c.Secondary.Box.CenterX())),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen {
		p.VX = e.step(e.prev.VX, p.X-e.prev.X)
		p.VY = e.step(e.prev.VY, p.Y-e.prev.Y)
		p.VZ = e.step(e.prev.VZ, p.Z-e.prev.Z)
	}
	e.prev = p
	e.seen = true
	return p
}

func (e *PositionalEngine) step(v, delta float64) float64 {
	return e.Filter.Keep*v + e.Filter.Gain*delta
}

// Reset forgets the previous sample; the next Measure reports zero velocity.
func (e *PositionalEngine) Reset() {
	e.mu.Lock()
	e.prev = telemetry.Position{}
	e.seen = false
	e.mu.Unlock()
}

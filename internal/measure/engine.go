package measure

import (
	"fmt"

	"github.com/shrec5450/shrecvision/internal/target"
	"github.com/shrec5450/shrecvision/internal/telemetry"
)

// Engine turns a Candidate into a telemetry.Value. The returned Value is
// unstamped; the caller sets Updated.
type Engine interface {
	Kind() telemetry.ValueKind
	Measure(target.Candidate) telemetry.Value
	// Reset drops any history carried between frames.
	Reset()
}

// AngleMeasurer adapts AngleEngine to Engine.
type AngleMeasurer struct {
	AngleEngine
}

// Kind implements Engine.
func (AngleMeasurer) Kind() telemetry.ValueKind { return telemetry.KindAngle }

// Measure implements Engine.
func (m AngleMeasurer) Measure(c target.Candidate) telemetry.Value {
	return telemetry.Value{Kind: telemetry.KindAngle, Angle: m.Angle(c)}
}

// Reset implements Engine.
func (AngleMeasurer) Reset() {}

// PositionalMeasurer adapts PositionalEngine to Engine.
type PositionalMeasurer struct {
	*PositionalEngine
}

// Kind implements Engine.
func (PositionalMeasurer) Kind() telemetry.ValueKind { return telemetry.KindPosition }

// Measure implements Engine.
func (m PositionalMeasurer) Measure(c target.Candidate) telemetry.Value {
	return telemetry.Value{Kind: telemetry.KindPosition, Position: m.PositionalEngine.Measure(c)}
}

// Option customises New.
type Option func(*options)

type options struct {
	targetWidth float64
	filter      Filter
}

// WithTargetWidth sets the physical strip separation for the positional
// variant.
func WithTargetWidth(w float64) Option {
	return func(o *options) { o.targetWidth = w }
}

// WithFilter sets the velocity filter weights.
func WithFilter(f Filter) Option {
	return func(o *options) { o.filter = f }
}

// DefaultTargetWidth is the center-to-center strip spacing, in inches.
const DefaultTargetWidth = 8.25

// New returns the Engine for kind.
func New(kind telemetry.ValueKind, cam Camera, cal Calibration, opts ...Option) (Engine, error) {
	if err := cam.Validate(); err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	o := options{targetWidth: DefaultTargetWidth, filter: DefaultFilter}
	for _, opt := range opts {
		opt(&o)
	}

	switch kind {
	case telemetry.KindAngle:
		return AngleMeasurer{AngleEngine{Camera: cam, Calibration: cal}}, nil
	case telemetry.KindPosition:
		if err := o.filter.Validate(); err != nil {
			return nil, err
		}
		if o.targetWidth <= 0 {
			return nil, fmt.Errorf("target width %v must be positive", o.targetWidth)
		}
		return PositionalMeasurer{NewPositionalEngine(cam, o.targetWidth, o.filter)}, nil
	default:
		return nil, fmt.Errorf("unsupported measurement kind %v", kind)
	}
}

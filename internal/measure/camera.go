package measure

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Units is the angular unit of reported angles.
type Units int

const (
	Degrees Units = iota
	Radians
)

func (u Units) String() string {
	if u == Radians {
		return "radians"
	}
	return "degrees"
}

// ParseUnits accepts "degrees"/"deg" and "radians"/"rad".
func ParseUnits(s string) (Units, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "degrees", "deg":
		return Degrees, nil
	case "radians", "rad":
		return Radians, nil
	default:
		return 0, fmt.Errorf("unknown angle units %q", s)
	}
}

// Camera describes the image geometry.
type Camera struct {
	// HorizontalFOV is the horizontal field of view in degrees.
	HorizontalFOV float64 `json:"horizontal_fov"`
	FrameWidth    int     `json:"frame_width"`
	FrameHeight   int     `json:"frame_height"`
}

// DefaultCamera is a 320x240 Axis network camera stream.
var DefaultCamera = Camera{HorizontalFOV: 47, FrameWidth: 320, FrameHeight: 240}

// Validate checks the geometry is usable.
func (c Camera) Validate() error {
	if c.HorizontalFOV <= 0 || c.HorizontalFOV >= 180 {
		return fmt.Errorf("horizontal FOV %v outside (0, 180)", c.HorizontalFOV)
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		return fmt.Errorf("frame size %dx%d must be positive", c.FrameWidth, c.FrameHeight)
	}
	return nil
}

// FocalLength returns the horizontal focal length in pixels.
func (c Camera) FocalLength() float64 {
	half := c.HorizontalFOV * math.Pi / 360
	return float64(c.FrameWidth) / 2 / math.Tan(half)
}

// Calibration maps the geometric angle onto the value the controller
// expects: angle*Scale + Offset, in Units. Offset is in output units.
type Calibration struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
	Units  Units   `json:"units"`
}

// DefaultCalibration reports raw degrees.
var DefaultCalibration = Calibration{Scale: 1, Units: Degrees}

// Filter holds the IIR weights used for velocities:
// v = Keep*v_prev + Gain*(p - p_prev).
type Filter struct {
	Keep float64 `json:"keep"`
	Gain float64 `json:"gain"`
}

// DefaultFilter is the 0.4/0.6 filter.
var DefaultFilter = Filter{Keep: 0.4, Gain: 0.6}

var errNoGain = errors.New("filter gain must be positive")

// Validate checks the weights.
func (f Filter) Validate() error {
	if f.Gain <= 0 {
		return errNoGain
	}
	if f.Keep < 0 || f.Keep >= 1 {
		return fmt.Errorf("filter keep %v outside [0, 1)", f.Keep)
	}
	return nil
}

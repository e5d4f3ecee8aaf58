package measure

import (
	"math"

	"github.com/shrec5450/shrecvision/internal/target"
)

// AngleEngine computes the incidence angle of a Candidate. It holds no state.
type AngleEngine struct {
	Camera      Camera
	Calibration Calibration
}

// Midpoint returns the point halfway between the centers of the two
// bounding boxes.
func Midpoint(c target.Candidate) (x, y float64) {
	a, b := c.Primary.Box, c.Secondary.Box
	return (a.CenterX() + b.CenterX()) / 2, (a.CenterY() + b.CenterY()) / 2
}

// Angle returns the calibrated horizontal angle. A target centered in the
// frame reads 0; the left and right edges read -FOV/2 and +FOV/2 before
// calibration. Positive is to the right.
func (e AngleEngine) Angle(c target.Candidate) float64 {
	width := float64(e.Camera.FrameWidth)
	x, _ := Midpoint(c)
	normalized := (x - width/2) / width
	angle := normalized * e.Camera.HorizontalFOV * e.Calibration.Scale
	if e.Calibration.Units == Radians {
		angle = angle * math.Pi / 180
	}
	return angle + e.Calibration.Offset
}

package target

import "math"

// Point is a 2-D pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned bounding box in pixel space.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns Width*Height, or 0 for a degenerate box.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// CenterX returns the horizontal midpoint of the box.
func (r Rect) CenterX() float64 { return r.X + r.Width/2 }

// CenterY returns the vertical midpoint of the box.
func (r Rect) CenterY() float64 { return r.Y + r.Height/2 }

// Outline is a closed boundary extracted from a binary mask. It is treated as
// immutable once produced.
type Outline struct {
	Points []Point `json:"points,omitempty"`
	Area   float64 `json:"area"`
	Box    Rect    `json:"box"`
}

// NewOutline derives area (shoelace formula) and bounding box from an ordered
// point sequence.
func NewOutline(points []Point) Outline {
	o := Outline{Points: points}
	if len(points) == 0 {
		return o
	}

	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	var twice float64
	for i, p := range points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)

		q := points[(i+1)%len(points)]
		twice += p.X*q.Y - q.X*p.Y
	}

	o.Area = math.Abs(twice) / 2
	o.Box = Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
	return o
}

// RectOutline builds the outline of an axis-aligned rectangle.
func RectOutline(x, y, w, h float64) Outline {
	return NewOutline([]Point{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}})
}

// Concavity is the ratio of the outline's area to its bounding-box area. A
// solid strip of tape scores close to 1; ragged noise and merged blobs score
// lower.
func (o Outline) Concavity() float64 {
	boxArea := o.Box.Area()
	if boxArea == 0 {
		return 0
	}
	return o.Area / boxArea
}

// Candidate is the pair of outlines chosen as the tracking target for one
// frame.
type Candidate struct {
	Primary   Outline `json:"primary"`
	Secondary Outline `json:"secondary"`
}

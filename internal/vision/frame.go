// Package vision runs the frame processing loop: read a frame, extract
// outlines, select a candidate, measure it and publish the value for the
// telemetry link.
package vision

import (
	"context"
	"errors"

	"github.com/shrec5450/shrecvision/internal/target"
)

// ErrUnsupported is returned by camera-backed components in builds without
// camera support.
var ErrUnsupported = errors.New("camera support not enabled: rebuild with -tags=gocv")

// Frame is one captured image. Its pixel representation is owned by the
// FrameSource that produced it; the loop only asks for its size and hands it
// to the ShapeFilter.
type Frame interface {
	Size() (width, height int)
	Close() error
}

// FrameSource yields frames from a camera or stream.
type FrameSource interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// SourceOpener opens a FrameSource. The loop calls it again after a read
// failure.
type SourceOpener interface {
	Open(ctx context.Context) (FrameSource, error)
}

// OpenerFunc adapts a function to SourceOpener.
type OpenerFunc func(ctx context.Context) (FrameSource, error)

// Open implements SourceOpener.
func (f OpenerFunc) Open(ctx context.Context) (FrameSource, error) { return f(ctx) }

// ShapeFilter turns a frame into outlines using the live HSV thresholds.
type ShapeFilter interface {
	Outlines(Frame, target.Thresholds) ([]target.Outline, error)
}

//go:build !gocv

package vision

import (
	"context"

	"github.com/shrec5450/shrecvision/internal/target"
)

// CameraOpener is a stub when camera support is disabled.
// Build with -tags=gocv to capture from a device or stream URL.
type CameraOpener struct {
	Source string
}

// Open always fails with ErrUnsupported.
func (CameraOpener) Open(context.Context) (FrameSource, error) {
	return nil, ErrUnsupported
}

// HSVFilter is a stub when camera support is disabled.
type HSVFilter struct {
	MorphKernel int
}

// Outlines always fails with ErrUnsupported.
func (HSVFilter) Outlines(Frame, target.Thresholds) ([]target.Outline, error) {
	return nil, ErrUnsupported
}

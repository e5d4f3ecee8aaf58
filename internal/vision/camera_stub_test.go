//go:build !gocv

package vision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shrec5450/shrecvision/internal/target"
)

func TestCameraStub(t *testing.T) {
	_, err := CameraOpener{Source: "0"}.Open(context.Background())
	assert.True(t, errors.Is(err, ErrUnsupported))

	_, err = HSVFilter{}.Outlines(&SyntheticFrame{}, target.Thresholds{})
	assert.True(t, errors.Is(err, ErrUnsupported))
}

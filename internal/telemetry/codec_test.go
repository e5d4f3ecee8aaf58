package telemetry

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAngleCodec_Encode(t *testing.T) {
	tests := []struct {
		angle float64
		want  string
	}{
		{12.5, "12.5!"},
		{0, "0!"},
		{-3.25, "-3.25!"},
		{30, "30!"},
	}
	for _, tt := range tests {
		got, err := AngleCodec{}.Encode(AngleValue(tt.angle, testTime))
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(got))
	}
}

func TestAngleCodec_Decode(t *testing.T) {
	v, err := AngleCodec{}.Decode([]byte("12.5!\x00\x00\x00"))
	require.NoError(t, err)
	assert.Equal(t, 12.5, v.Angle)

	_, err = AngleCodec{}.Decode([]byte("12.5"))
	assert.True(t, errors.Is(err, ErrMalformedPayload))

	_, err = AngleCodec{}.Decode([]byte("abc!"))
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestPositionalCodec(t *testing.T) {
	p := Position{X: 160, Y: 120.5, Z: 42, VX: 6, VY: -1.5, VZ: 0}
	b, err := PositionalCodec{}.Encode(PositionValue(p, testTime))
	require.NoError(t, err)
	assert.Equal(t, "160,120.5,42,6,-1.5,0", string(b))

	v, err := PositionalCodec{}.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindPosition, v.Kind)
	assert.Equal(t, p, v.Position)

	_, err = PositionalCodec{}.Decode([]byte("1,2,3"))
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("positional")
	require.NoError(t, err)
	assert.Equal(t, "positional", c.Name())

	c, err = NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, "angle", c.Name())

	_, err = NewCodec("protobuf")
	assert.Error(t, err)
}

func TestCheckSize(t *testing.T) {
	_, err := checkSize([]byte(strings.Repeat("9", BufferSize+1)))
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	b, err := checkSize([]byte(strings.Repeat("9", BufferSize)))
	require.NoError(t, err)
	assert.Len(t, b, BufferSize)
}

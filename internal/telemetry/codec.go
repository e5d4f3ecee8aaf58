package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BufferSize is the fixed datagram buffer size on both ends of the link.
const BufferSize = 1024

var (
	// ErrPayloadTooLarge is returned when an encoded payload would not fit
	// in a single datagram buffer.
	ErrPayloadTooLarge = errors.New("payload exceeds datagram buffer")
	// ErrMalformedPayload is returned when an inbound telemetry payload
	// cannot be parsed.
	ErrMalformedPayload = errors.New("malformed telemetry payload")
)

// Codec converts a Value to and from its human-readable wire form.
type Codec interface {
	Name() string
	Encode(Value) ([]byte, error)
	Decode([]byte) (Value, error)
}

// NewCodec returns the codec registered under name ("angle" or "positional").
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "angle":
		return AngleCodec{}, nil
	case "positional", "position":
		return PositionalCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q", name)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func checkSize(b []byte) ([]byte, error) {
	if len(b) > BufferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(b))
	}
	return b, nil
}

// AngleCodec writes "<angle>!".
type AngleCodec struct{}

// Name implements Codec.
func (AngleCodec) Name() string { return "angle" }

// Encode implements Codec.
func (AngleCodec) Encode(v Value) ([]byte, error) {
	return checkSize([]byte(formatFloat(v.Angle) + "!"))
}

// Decode parses everything before the first '!'. Bytes after the terminator
// (including the zero padding some senders leave in fixed buffers) are
// ignored.
func (AngleCodec) Decode(b []byte) (Value, error) {
	i := bytes.IndexByte(b, '!')
	if i < 0 {
		return Value{}, fmt.Errorf("%w: missing terminator", ErrMalformedPayload)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(string(b[:i])), 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return Value{Kind: KindAngle, Angle: a}, nil
}

// PositionalCodec writes "x,y,z,vx,vy,vz" with no trailing delimiter.
type PositionalCodec struct{}

// Name implements Codec.
func (PositionalCodec) Name() string { return "positional" }

// Encode implements Codec.
func (PositionalCodec) Encode(v Value) ([]byte, error) {
	p := v.Position
	fields := []string{
		formatFloat(p.X), formatFloat(p.Y), formatFloat(p.Z),
		formatFloat(p.VX), formatFloat(p.VY), formatFloat(p.VZ),
	}
	return checkSize([]byte(strings.Join(fields, ",")))
}

// Decode implements Codec.
func (PositionalCodec) Decode(b []byte) (Value, error) {
	s := strings.TrimRight(string(b), "\x00\r\n ")
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return Value{}, fmt.Errorf("%w: expected 6 fields, got %d", ErrMalformedPayload, len(parts))
	}
	var f [6]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: field %d: %v", ErrMalformedPayload, i+1, err)
		}
		f[i] = v
	}
	return Value{
		Kind:     KindPosition,
		Position: Position{X: f[0], Y: f[1], Z: f[2], VX: f[3], VY: f[4], VZ: f[5]},
	}, nil
}

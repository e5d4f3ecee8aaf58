package vision

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"

	"github.com/shrec5450/shrecvision/internal/target"
)

// SyntheticFrame carries pre-extracted outlines instead of pixels.
type SyntheticFrame struct {
	Seq      uint64
	Width    int
	Height   int
	Outlines []target.Outline
}

// Size implements Frame.
func (f *SyntheticFrame) Size() (int, int) { return f.Width, f.Height }

// Close implements Frame.
func (f *SyntheticFrame) Close() error { return nil }

// SyntheticSource produces frames with two vertical reflective strips that
// sweep left and right, plus a few noise blobs. It is used in dev mode and in
// tests.
type SyntheticSource struct {
	Width  int
	Height int
	// Period is the number of frames in one full sweep.
	Period int
	// Separation is the pixel distance between strip centers.
	Separation float64
	// Noise is the number of noise blobs per frame.
	Noise int

	mu     sync.Mutex
	seq    uint64
	rng    *rand.Rand
	closed bool
}

// NewSyntheticSource creates a SyntheticSource with a deterministic seed.
func NewSyntheticSource(width, height int, seed int64) *SyntheticSource {
	return &SyntheticSource{
		Width:      width,
		Height:     height,
		Period:     120,
		Separation: 60,
		Noise:      3,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

var errSourceClosed = errors.New("synthetic source closed")

// Read implements FrameSource.
func (s *SyntheticSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSourceClosed
	}
	s.seq++

	w, h := float64(s.Width), float64(s.Height)
	phase := 2 * math.Pi * float64(s.seq) / float64(max(s.Period, 1))
	cx := w/2 + (w/2-s.Separation)*math.Sin(phase)
	cy := h / 2

	const stripW, stripH = 12, 40
	outlines := []target.Outline{
		target.RectOutline(cx-s.Separation/2-stripW/2, cy-stripH/2, stripW, stripH),
		target.RectOutline(cx+s.Separation/2-stripW/2, cy-stripH/2, stripW, stripH),
	}
	for i := 0; i < s.Noise; i++ {
		outlines = append(outlines, s.noiseBlob(w, h))
	}
	// shuffle so selection never depends on emission order
	s.rng.Shuffle(len(outlines), func(i, j int) { outlines[i], outlines[j] = outlines[j], outlines[i] })

	return &SyntheticFrame{Seq: s.seq, Width: s.Width, Height: s.Height, Outlines: outlines}, nil
}

// noiseBlob is a right triangle: large enough to pass area limits but with a
// concavity of 0.5.
func (s *SyntheticSource) noiseBlob(w, h float64) target.Outline {
	size := 15 + s.rng.Float64()*25
	x := s.rng.Float64() * (w - size)
	y := s.rng.Float64() * (h - size)
	return target.NewOutline([]target.Point{{X: x, Y: y}, {X: x + size, Y: y}, {X: x, Y: y + size}})
}

// Close implements FrameSource.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// SyntheticOpener opens a fresh SyntheticSource on every call.
type SyntheticOpener struct {
	Width, Height int
	Seed          int64
}

// Open implements SourceOpener.
func (o SyntheticOpener) Open(ctx context.Context) (FrameSource, error) {
	return NewSyntheticSource(o.Width, o.Height, o.Seed), nil
}

// SyntheticFilter returns the outlines carried by a SyntheticFrame. HSV
// thresholds do not apply to synthetic frames.
type SyntheticFilter struct{}

var errNotSynthetic = errors.New("synthetic filter: frame has no outlines")

// Outlines implements ShapeFilter.
func (SyntheticFilter) Outlines(f Frame, _ target.Thresholds) ([]target.Outline, error) {
	sf, ok := f.(*SyntheticFrame)
	if !ok {
		return nil, errNotSynthetic
	}
	return sf.Outlines, nil
}

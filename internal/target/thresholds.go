package target

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMalformedPreferences is returned when a preferences file does not hold
// the expected eight numeric lines.
var ErrMalformedPreferences = errors.New("malformed preferences file")

// HSV is a colour bound in OpenCV's HSV ranges (H 0-180, S and V 0-255).
type HSV [3]int

// Thresholds are the tunables the shape filter and selector consume.
type Thresholds struct {
	Low     HSV     `json:"low"`
	High    HSV     `json:"high"`
	MinArea float64 `json:"min_area"`
	MaxArea float64 `json:"max_area"`
}

// Validate checks that the bounds are ordered and in range.
func (t Thresholds) Validate() error {
	for i := 0; i < 3; i++ {
		if t.Low[i] < 0 || t.High[i] > 255 {
			return fmt.Errorf("hsv channel %d out of range: low=%d high=%d", i, t.Low[i], t.High[i])
		}
		if t.Low[i] > t.High[i] {
			return fmt.Errorf("hsv channel %d: low %d above high %d", i, t.Low[i], t.High[i])
		}
	}
	if t.MinArea < 0 {
		return fmt.Errorf("min_area must be non-negative, got %f", t.MinArea)
	}
	if t.MaxArea < t.MinArea {
		return fmt.Errorf("max_area %f below min_area %f", t.MaxArea, t.MinArea)
	}
	return nil
}

// ThresholdSource supplies thresholds on demand. Implementations may read
// from disk or the network; callers poll them on their own schedule.
type ThresholdSource interface {
	Thresholds() (Thresholds, error)
}

// ThresholdSink receives refreshed thresholds.
type ThresholdSink interface {
	Apply(Thresholds)
}

// PreferencesFile reads thresholds from the eight-line preferences format:
// three integers (low HSV), three integers (high HSV), then the minimum and
// maximum accepted outline area.
type PreferencesFile struct {
	Path string
}

// Thresholds reads and parses the file.
func (p PreferencesFile) Thresholds() (Thresholds, error) {
	data, err := os.ReadFile(filepath.Clean(p.Path))
	if err != nil {
		return Thresholds{}, fmt.Errorf("failed to read preferences: %w", err)
	}
	return ParsePreferences(data)
}

// ParsePreferences parses the eight-line preferences format. Surrounding
// whitespace and trailing blank lines are ignored.
func ParsePreferences(data []byte) (Thresholds, error) {
	var lines []string
	scan := bufio.NewScanner(bytes.NewReader(data))
	for scan.Scan() {
		lines = append(lines, strings.TrimSpace(scan.Text()))
	}
	if err := scan.Err(); err != nil {
		return Thresholds{}, err
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) != 8 {
		return Thresholds{}, fmt.Errorf("%w: expected 8 lines, got %d", ErrMalformedPreferences, len(lines))
	}

	var t Thresholds
	for i := 0; i < 6; i++ {
		v, err := strconv.Atoi(lines[i])
		if err != nil {
			return Thresholds{}, fmt.Errorf("%w: line %d: %v", ErrMalformedPreferences, i+1, err)
		}
		if i < 3 {
			t.Low[i] = v
		} else {
			t.High[i-3] = v
		}
	}

	var err error
	if t.MinArea, err = strconv.ParseFloat(lines[6], 64); err != nil {
		return Thresholds{}, fmt.Errorf("%w: line 7: %v", ErrMalformedPreferences, err)
	}
	if t.MaxArea, err = strconv.ParseFloat(lines[7], 64); err != nil {
		return Thresholds{}, fmt.Errorf("%w: line 8: %v", ErrMalformedPreferences, err)
	}

	if err := t.Validate(); err != nil {
		return Thresholds{}, fmt.Errorf("%w: %v", ErrMalformedPreferences, err)
	}
	return t, nil
}

// FormatPreferences renders thresholds in the eight-line preferences format.
func FormatPreferences(t Thresholds) []byte {
	var b bytes.Buffer
	for _, v := range t.Low {
		fmt.Fprintf(&b, "%d\n", v)
	}
	for _, v := range t.High {
		fmt.Fprintf(&b, "%d\n", v)
	}
	fmt.Fprintf(&b, "%s\n", strconv.FormatFloat(t.MinArea, 'f', -1, 64))
	fmt.Fprintf(&b, "%s\n", strconv.FormatFloat(t.MaxArea, 'f', -1, 64))
	return b.Bytes()
}

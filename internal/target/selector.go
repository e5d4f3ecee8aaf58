package target

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Ranking orders the outlines that survive the area filter.
type Ranking int

const (
	// RankByConcavity prefers the highest fill ratio, breaking ties on area.
	RankByConcavity Ranking = iota
	// RankByArea keeps the two largest outlines.
	RankByArea
)

func (r Ranking) String() string {
	switch r {
	case RankByArea:
		return "area"
	case RankByConcavity:
		return "concavity"
	default:
		return fmt.Sprintf("Ranking(%d)", int(r))
	}
}

// ParseRanking accepts "area" or "concavity" (case-insensitive). Empty input
// selects concavity.
func ParseRanking(s string) (Ranking, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "concavity":
		return RankByConcavity, nil
	case "area":
		return RankByArea, nil
	default:
		return 0, fmt.Errorf("unknown ranking %q: expected area or concavity", s)
	}
}

// Select filters outlines to [minArea, maxArea] and returns the best two
// under the given ranking. It reports false when fewer than two outlines
// survive; callers must not fabricate a Candidate in that case.
func Select(outlines []Outline, minArea, maxArea float64, ranking Ranking) (Candidate, bool) {
	survivors := make([]Outline, 0, len(outlines))
	for _, o := range outlines {
		if o.Area < minArea || o.Area > maxArea {
			continue
		}
		survivors = append(survivors, o)
	}
	if len(survivors) < 2 {
		return Candidate{}, false
	}

	// stable so equal keys keep shape-filter order
	switch ranking {
	case RankByArea:
		sort.SliceStable(survivors, func(i, j int) bool {
			return survivors[i].Area > survivors[j].Area
		})
	default:
		sort.SliceStable(survivors, func(i, j int) bool {
			ci, cj := survivors[i].Concavity(), survivors[j].Concavity()
			if ci != cj {
				return ci > cj
			}
			return survivors[i].Area > survivors[j].Area
		})
	}

	return Candidate{Primary: survivors[0], Secondary: survivors[1]}, true
}

// Selector holds the live thresholds shared between the processing loop and
// whatever refreshes them.
type Selector struct {
	mu         sync.RWMutex
	thresholds Thresholds
	ranking    Ranking
}

// NewSelector creates a Selector with the given starting thresholds and
// default ranking.
func NewSelector(initial Thresholds, ranking Ranking) *Selector {
	return &Selector{thresholds: initial, ranking: ranking}
}

// SetThresholds replaces the colour bounds and accepted area range.
func (s *Selector) SetThresholds(low, high HSV, minArea, maxArea float64) {
	s.Apply(Thresholds{Low: low, High: high, MinArea: minArea, MaxArea: maxArea})
}

// Apply replaces all thresholds at once. It satisfies ThresholdSink.
func (s *Selector) Apply(t Thresholds) {
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()
}

// Thresholds returns a copy of the live thresholds.
func (s *Selector) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// Ranking returns the default ranking.
func (s *Selector) Ranking() Ranking {
	return s.ranking
}

// Select applies the live area thresholds and the default ranking.
func (s *Selector) Select(outlines []Outline) (Candidate, bool) {
	return s.SelectWith(outlines, s.ranking)
}

// SelectWith applies the live area thresholds with an explicit ranking.
func (s *Selector) SelectWith(outlines []Outline, ranking Ranking) (Candidate, bool) {
	t := s.Thresholds()
	return Select(outlines, t.MinArea, t.MaxArea, ranking)
}

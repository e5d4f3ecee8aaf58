package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/shrec5450/shrecvision/internal/events"
	"github.com/shrec5450/shrecvision/internal/target"
)

var (
	outlineColor   = color.RGBA{R: 140, G: 140, B: 140, A: 255}
	candidateColor = color.RGBA{R: 30, G: 200, B: 90, A: 255}
)

// PlotFrame draws every outline of m and boxes the selected candidate. Image
// rows grow downward, so y is flipped to keep the picture upright.
func PlotFrame(m *events.Measurement) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %d outlines", m.Mode, len(m.Outlines))
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	h := float64(m.FrameHeight)
	p.X.Min, p.X.Max = 0, float64(m.FrameWidth)
	p.Y.Min, p.Y.Max = 0, h

	for _, o := range m.Outlines {
		l, err := plotter.NewLine(outlinePath(o, h))
		if err != nil {
			return nil, fmt.Errorf("outline: %w", err)
		}
		l.Color = outlineColor
		l.Width = vg.Points(1)
		p.Add(l)
	}

	if m.Candidate != nil {
		for i, o := range []target.Outline{m.Candidate.Primary, m.Candidate.Secondary} {
			l, err := plotter.NewLine(boxPath(o.Box, h))
			if err != nil {
				return nil, fmt.Errorf("candidate: %w", err)
			}
			l.Color = candidateColor
			l.Width = vg.Points(2)
			p.Add(l)
			if i == 0 {
				p.Legend.Add("candidate", l)
			}
		}
		p.Legend.Top = true
	}
	return p, nil
}

func outlinePath(o target.Outline, h float64) plotter.XYs {
	if len(o.Points) < 2 {
		return boxPath(o.Box, h)
	}
	pts := make(plotter.XYs, 0, len(o.Points)+1)
	for _, pt := range o.Points {
		pts = append(pts, plotter.XY{X: pt.X, Y: h - pt.Y})
	}
	return append(pts, pts[0])
}

func boxPath(r target.Rect, h float64) plotter.XYs {
	x0, x1 := r.X, r.X+r.Width
	y0, y1 := h-r.Y, h-(r.Y+r.Height)
	return plotter.XYs{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}}
}

func (s *Server) handleOutlinesPlot(w http.ResponseWriter, r *http.Request) {
	frame := s.cfg.History.LastFrame()
	if frame == nil {
		writeJSONError(w, http.StatusNotFound, "no frame processed yet")
		return
	}
	p, err := PlotFrame(frame)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wt, err := p.WriterTo(6*vg.Inch, 4.5*vg.Inch, "png")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

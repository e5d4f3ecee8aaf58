package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/shrec5450/shrecvision/internal/telemetry"
)

// handleAngleChart renders the retained samples as a line chart. Angle
// samples plot the angle; positional samples plot x and z.
func (s *Server) handleAngleChart(w http.ResponseWriter, r *http.Request) {
	samples := s.cfg.History.Samples()
	if len(samples) == 0 {
		writeJSONError(w, http.StatusNotFound, "no measurements recorded yet")
		return
	}

	start := samples[0].Time
	xs := make([]string, 0, len(samples))
	angles := make([]opts.LineData, 0, len(samples))
	px := make([]opts.LineData, 0, len(samples))
	pz := make([]opts.LineData, 0, len(samples))
	for _, sm := range samples {
		xs = append(xs, fmt.Sprintf("%.2f", sm.Time.Sub(start).Seconds()))
		switch sm.Value.Kind {
		case telemetry.KindPosition:
			px = append(px, opts.LineData{Value: sm.Value.Position.X})
			pz = append(pz, opts.LineData{Value: sm.Value.Position.Z})
			angles = append(angles, opts.LineData{Value: nil})
		default:
			angles = append(angles, opts.LineData{Value: sm.Value.Angle})
			px = append(px, opts.LineData{Value: nil})
			pz = append(pz, opts.LineData{Value: nil})
		}
	}

	sum := s.cfg.History.Angles()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Target angle", Theme: "dark", Width: "1100px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Target measurements",
			Subtitle: fmt.Sprintf("samples=%d mean=%.2f sd=%.2f", len(samples), sum.Mean, sum.StdDev),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(xs)
	if sum.Count > 0 {
		line.AddSeries("angle", angles)
	}
	if sum.Count < len(samples) {
		line.AddSeries("x (px)", px)
		line.AddSeries("z", pz)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

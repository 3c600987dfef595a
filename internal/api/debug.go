package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// showPresenceTimeline renders a quick scatter (HTML) of recent dwell
// sessions using go-echarts. This is a debugging-only endpoint to eyeball
// the journal without a frontend: X is the session start, Y the feature
// lane, the colour scale the dwell time.
func (s *Server) showPresenceTimeline(w http.ResponseWriter, r *http.Request) {
	feature, hours, ok := s.parseStatsParams(w, r)
	if !ok {
		return
	}

	until := time.Now()
	since := until.Add(-time.Duration(hours) * time.Hour)
	sessions, err := s.db.Sessions(feature, since, until)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}

	lanes := map[string]int{"face": 0, "body": 1, "voice": 2, "person": 3}
	data := make([]opts.ScatterData, 0, len(sessions))
	maxDwell := 0.0
	for _, sess := range sessions {
		dwell := sess.DwellSeconds(until)
		if dwell > maxDwell {
			maxDwell = dwell
		}
		hoursAgo := until.Sub(time.UnixMilli(sess.StartUnixMs)).Hours()
		data = append(data, opts.ScatterData{
			Value: []interface{}{-hoursAgo, lanes[sess.Feature], dwell},
		})
	}
	if maxDwell == 0 {
		maxDwell = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Presence Timeline", Theme: "dark", Width: "1100px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Presence sessions",
			Subtitle: fmt.Sprintf("window=%dh sessions=%d", hours, len(sessions)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -float32(hours), Max: 0, Name: "Hours ago", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -1, Max: 4, Name: "face / body / voice / person"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxDwell),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("sessions", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// showDwellHistogram renders a PNG histogram of dwell times for the window.
func (s *Server) showDwellHistogram(w http.ResponseWriter, r *http.Request) {
	feature, hours, ok := s.parseStatsParams(w, r)
	if !ok {
		return
	}

	until := time.Now()
	since := until.Add(-time.Duration(hours) * time.Hour)
	samples, err := s.db.DwellSamples(feature, since, until)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve dwell samples: %v", err))
		return
	}
	if len(samples) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "No closed sessions in window")
		return
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Dwell time distribution (last %dh)", hours)
	p.X.Label.Text = "Dwell (s)"
	p.Y.Label.Text = "Sessions"

	bins := 20
	if len(samples) < bins {
		bins = len(samples)
	}
	hist, err := plotter.NewHist(plotter.Values(samples), bins)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build histogram: %v", err))
		return
	}
	p.Add(hist)

	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render histogram: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		return
	}
}

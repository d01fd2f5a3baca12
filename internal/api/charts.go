package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/pathguard/internal/db"
	"github.com/banshee-data/pathguard/internal/httputil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// echartsAssetsHost serves the echarts JavaScript. The operator station is
// usually offline, so the default can be overridden.
var echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// SetChartAssetsHost changes where chart pages load echarts from.
func SetChartAssetsHost(host string) { echartsAssetsHost = host }

// progressChart renders verified progress and elapsed time against elapsed
// time for one plan. The gap between the two lines is the margin the
// monitor has verified ahead of the vehicle.
func (s *Server) progressChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) || !s.requireStore(w) {
		return
	}
	id := r.URL.Query().Get("plan_id")
	if id == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "plan_id is required")
		return
	}
	plan, err := s.store.GetPlan(id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	samples, err := s.store.ProgressForPlan(id)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve progress: %v", err))
		return
	}

	page, err := renderProgressChart(plan, samples)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func renderProgressChart(plan db.PlanRow, samples []db.ProgressSample) ([]byte, error) {
	x := make([]string, len(samples))
	progress := make([]opts.LineData, len(samples))
	elapsed := make([]opts.LineData, len(samples))
	unsafe := make([]opts.LineData, len(samples))
	for i, s := range samples {
		x[i] = fmt.Sprintf("%.2f", s.Elapsed)
		progress[i] = opts.LineData{Value: s.Progress}
		elapsed[i] = opts.LineData{Value: s.Elapsed}
		if s.Safe {
			unsafe[i] = opts.LineData{Value: "-"}
		} else {
			unsafe[i] = opts.LineData{Value: s.Progress}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:  "Plan " + plan.ID,
			Width:      "100%",
			Height:     "640px",
			AssetsHost: echartsAssetsHost,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Verified progress",
			Subtitle: fmt.Sprintf("plan %s, %.2fs, %s", plan.ID, plan.Duration, plan.Outcome),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "elapsed (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "trajectory time (s)"}),
	)
	line.SetXAxis(x).
		AddSeries("verified", progress).
		AddSeries("elapsed", elapsed).
		AddSeries("unsafe", unsafe, charts.WithLineChartOpts(opts.LineChart{ConnectNulls: opts.Bool(false)}))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

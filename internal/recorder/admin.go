package recorder

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/trajectory.recorder/internal/httputil"
)

// fiResponse is the /debug/fi payload. Non-finite entries encode as null.
type fiResponse struct {
	Stats
	VehName       string         `json:"veh_name"`
	ThetaDotBasis string         `json:"theta_dot_basis"`
	VBasis        string         `json:"v_basis"`
	FI            [2][2]*float64 `json:"fi"`
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// AttachAdminRoutes exposes the live matrix under /debug/.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.Handle("fi", "Accumulated FI matrix (JSON)", http.HandlerFunc(r.handleFI))
	debug.Handle("fi-chart", "FI matrix history chart", http.HandlerFunc(r.handleFIChart))
}

func (r *Recorder) handleFI(w http.ResponseWriter, req *http.Request) {
	if !httputil.RequireMethod(w, req, http.MethodGet) {
		return
	}
	fi := r.FI()
	resp := fiResponse{
		Stats:         r.Stats(),
		VehName:       r.cfg.GetVehName(),
		ThetaDotBasis: r.thetaFn.String(),
		VBasis:        r.vFn.String(),
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			resp.FI[i][j] = finite(fi.At(i, j))
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (r *Recorder) handleFIChart(w http.ResponseWriter, req *http.Request) {
	if !httputil.RequireMethod(w, req, http.MethodGet) {
		return
	}
	history := r.History()

	x := make([]string, 0, len(history))
	series := [4][]opts.LineData{}
	for _, s := range history {
		x = append(x, s.TakenAt.Format("15:04:05"))
		for k := 0; k < 4; k++ {
			v := s.FI[k/2][k%2]
			if p := finite(v); p != nil {
				series[k] = append(series[k], opts.LineData{Value: *p})
			} else {
				series[k] = append(series[k], opts.LineData{Value: "-"})
			}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "FI matrix", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "FI matrix", Subtitle: fmt.Sprintf("veh=%s run=%s snapshots=%d", r.cfg.GetVehName(), r.runID, len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time"}),
	)
	line.SetXAxis(x)
	for k, name := range []string{"theta_dot[0]", "theta_dot[1]", "v[0]", "v[1]"} {
		line.AddSeries(name, series[k])
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	httputil.WriteHTML(w, buf.Bytes())
}

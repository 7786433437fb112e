// Command fi-plot renders the FI snapshots of a recorded run as a PNG, one
// line per matrix entry against seconds since the run started.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/trajectory.recorder/internal/db"
)

var (
	dbPath  = flag.String("db", "trajectory_recorder.db", "Path to the recorder run log")
	runID   = flag.String("run", "", "Run to plot (default: latest run)")
	outPath = flag.String("out", "fi.png", "Output image (.png, .svg or .pdf)")
)

var seriesNames = [4]string{"theta_dot[0]", "theta_dot[1]", "v[0]", "v[1]"}

var seriesColors = [4]color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 255},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 255},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255},
}

// seriesXY splits snapshots into one XY series per FI entry. Non-finite
// entries are skipped.
func seriesXY(run db.Run, snaps []db.FISnapshot) [4]plotter.XYs {
	var out [4]plotter.XYs
	for k := range out {
		out[k] = make(plotter.XYs, 0, len(snaps))
	}
	for _, s := range snaps {
		x := s.TakenAt.Sub(run.StartedAt).Seconds()
		for k := 0; k < 4; k++ {
			y := s.FI[k/2][k%2]
			if math.IsNaN(y) || math.IsInf(y, 0) {
				continue
			}
			out[k] = append(out[k], plotter.XY{X: x, Y: y})
		}
	}
	return out
}

// buildPlot draws the FI history of one run.
func buildPlot(run db.Run, snaps []db.FISnapshot) (*plot.Plot, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("run %s has no FI snapshots", run.RunID)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("FI matrix - %s (%s)", run.VehName, run.RunID)
	p.X.Label.Text = "seconds since start"
	p.Y.Label.Text = "FI"
	p.Add(plotter.NewGrid())

	for k, pts := range seriesXY(run, snaps) {
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = seriesColors[k]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(seriesNames[k], line)
	}

	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.XOffs = 10
	p.Legend.YOffs = -10
	return p, nil
}

func main() {
	flag.Parse()

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	var run db.Run
	if *runID == "" {
		run, err = store.LatestRun()
	} else {
		run, err = store.GetRun(*runID)
	}
	if err != nil {
		log.Fatalf("failed to load run: %v", err)
	}

	snaps, err := store.FISnapshots(run.RunID)
	if err != nil {
		log.Fatalf("failed to load snapshots: %v", err)
	}

	p, err := buildPlot(run, snaps)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, *outPath); err != nil {
		log.Fatalf("save plot: %v", err)
	}
	log.Printf("plotted %d snapshots of run %s to %s", len(snaps), run.RunID, *outPath)
}

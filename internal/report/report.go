// Package report renders offline plots of a flight: verified progress from
// the stored samples and a top-down view of a planned trajectory.
package report

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/banshee-data/pathguard/internal/db"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var ErrNoData = errors.New("nothing to plot")

var (
	colorVerified = color.RGBA{R: 33, G: 150, B: 243, A: 255}
	colorElapsed  = color.RGBA{R: 158, G: 158, B: 158, A: 255}
	colorUnsafe   = color.RGBA{R: 255, G: 82, B: 82, A: 255}
	colorBox      = color.RGBA{R: 76, G: 175, B: 80, A: 60}
)

func legendTopRight(p *plot.Plot) {
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
}

// PlotProgress writes verified progress and elapsed time against elapsed
// time to path. Unsafe ticks are marked. The format follows the file
// extension (png, svg, pdf).
func PlotProgress(title string, samples []db.ProgressSample, path string) error {
	if len(samples) == 0 {
		return ErrNoData
	}

	verified := make(plotter.XYs, len(samples))
	elapsed := make(plotter.XYs, len(samples))
	var unsafe plotter.XYs
	for i, s := range samples {
		verified[i] = plotter.XY{X: s.Elapsed, Y: s.Progress}
		elapsed[i] = plotter.XY{X: s.Elapsed, Y: s.Elapsed}
		if !s.Safe {
			unsafe = append(unsafe, plotter.XY{X: s.Elapsed, Y: s.Progress})
		}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "elapsed (s)"
	p.Y.Label.Text = "trajectory time (s)"
	p.Add(plotter.NewGrid())

	vLine, err := plotter.NewLine(verified)
	if err != nil {
		return err
	}
	vLine.Color = colorVerified
	vLine.Width = vg.Points(1.5)
	p.Add(vLine)
	p.Legend.Add("verified", vLine)

	eLine, err := plotter.NewLine(elapsed)
	if err != nil {
		return err
	}
	eLine.Color = colorElapsed
	eLine.Width = vg.Points(1)
	eLine.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(eLine)
	p.Legend.Add("elapsed", eLine)

	if len(unsafe) > 0 {
		sc, err := plotter.NewScatter(unsafe)
		if err != nil {
			return err
		}
		sc.Color = colorUnsafe
		sc.Radius = vg.Points(2)
		p.Add(sc)
		p.Legend.Add("unsafe", sc)
	}
	legendTopRight(p)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save progress plot: %w", err)
	}
	return nil
}

// PlotPath writes a top-down (XY) view of traj sampled every dt seconds,
// with the corridor boxes drawn underneath.
func PlotPath(title string, traj trajectory.Trajectory, boxes []r3.Box, dt float64, path string) error {
	if traj == nil || !(dt > 0) {
		return ErrNoData
	}
	total := traj.TotalDuration()
	n := int(total/dt) + 1
	pts := make(plotter.XYs, 0, n+1)
	for i := 0; i < n; i++ {
		q := traj.Position(float64(i) * dt)
		pts = append(pts, plotter.XY{X: q.X, Y: q.Y})
	}
	end := traj.Position(total)
	pts = append(pts, plotter.XY{X: end.X, Y: end.Y})

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	for _, b := range boxes {
		poly, err := plotter.NewPolygon(plotter.XYs{
			{X: b.Min.X, Y: b.Min.Y},
			{X: b.Max.X, Y: b.Min.Y},
			{X: b.Max.X, Y: b.Max.Y},
			{X: b.Min.X, Y: b.Max.Y},
		})
		if err != nil {
			return err
		}
		poly.Color = colorBox
		poly.LineStyle.Width = vg.Points(0.5)
		p.Add(poly)
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = colorVerified
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("trajectory", line)

	ends, err := plotter.NewScatter(plotter.XYs{pts[0], pts[len(pts)-1]})
	if err != nil {
		return err
	}
	ends.Color = colorUnsafe
	p.Add(ends)
	legendTopRight(p)

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save path plot: %w", err)
	}
	return nil
}

package main

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/report"
	"github.com/banshee-data/pathguard/internal/scenario"
	"github.com/banshee-data/pathguard/internal/security"
	"gonum.org/v1/gonum/spatial/r3"
)

// activePlans is the part of the coordinator the plotter reads.
type activePlans interface {
	Active() (replan.Plan, bool)
}

// planPlotter writes a top-down plot of each newly installed plan. Rendering
// runs off the control loop; one plot is in flight at a time and plans that
// arrive meanwhile are skipped.
type planPlotter struct {
	plans activePlans
	dir   string
	boxes []r3.Box

	mu       sync.Mutex
	lastPlan string
	busy     bool
	wg       sync.WaitGroup
}

func newPlanPlotter(plans activePlans, dir string, boxes []r3.Box) *planPlotter {
	return &planPlotter{plans: plans, dir: dir, boxes: boxes}
}

// Publish implements executor.Sink.
func (p *planPlotter) Publish(st replan.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.PlanID == "" || st.PlanID == p.lastPlan || p.busy {
		return
	}
	plan, ok := p.plans.Active()
	if !ok || plan.ID != st.PlanID {
		return
	}
	p.lastPlan, p.busy = plan.ID, true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		out := filepath.Join(p.dir, fmt.Sprintf("plan-%s.png", security.SanitizeFilename(plan.ID)))
		title := fmt.Sprintf("plan %s (%.2fs)", plan.ID, plan.Trajectory.TotalDuration())
		if err := report.PlotPath(title, plan.Trajectory, p.boxes, 0.05, out); err != nil {
			log.Printf("failed to plot plan %s: %v", plan.ID, err)
		} else {
			log.Printf("wrote %s", out)
		}
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
	}()
}

// Wait blocks until any plot in flight has been written.
func (p *planPlotter) Wait() { p.wg.Wait() }

// obstacleBoxes returns the scenario's obstacles as boxes, or nil.
func obstacleBoxes(sc *scenario.Scenario) []r3.Box {
	if sc == nil {
		return nil
	}
	boxes := make([]r3.Box, len(sc.Map.Obstacles))
	for i, o := range sc.Map.Obstacles {
		boxes[i] = r3.Box{
			Min: r3.Vec{X: o.Min[0], Y: o.Min[1], Z: o.Min[2]},
			Max: r3.Vec{X: o.Max[0], Y: o.Max[1], Z: o.Max[2]},
		}
	}
	return boxes
}

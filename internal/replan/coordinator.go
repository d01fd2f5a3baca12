// Package replan owns the active trajectory. It collects goal requests,
// runs the planner off the control path, installs successful plans and keeps
// the safety monitor armed against whatever trajectory is installed.
package replan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/pathguard/internal/flatness"
	"github.com/banshee-data/pathguard/internal/geom"
	"github.com/banshee-data/pathguard/internal/monitoring"
	"github.com/banshee-data/pathguard/internal/planner"
	"github.com/banshee-data/pathguard/internal/safety"
	"github.com/banshee-data/pathguard/internal/timeutil"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrMapNotReady is returned for goals received before the map is ingested.
	ErrMapNotReady = errors.New("map not ready")
	// ErrInfeasibleGoal is returned for goals in occupied or out-of-bounds space.
	ErrInfeasibleGoal = errors.New("infeasible goal")
)

var logf = monitoring.Prefixed("replan")

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle  State = "idle"  // no map yet
	StateReady State = "ready" // map available, no pair being planned
	StateArmed State = "armed" // a goal pair is being planned
)

// Map is the occupancy map as seen by the coordinator.
type Map interface {
	Ingest(points []r3.Vec) (int, error)
	Occupied(p r3.Vec) bool
	Contains(p r3.Vec) bool
	GoalFromPose(x, y, oz float64) r3.Vec
}

// occupancyCounter is implemented by maps that can report how many voxels
// ended up occupied after ingest.
type occupancyCounter interface {
	OccupiedCount() int
}

// Planner produces a trajectory between two free points.
type Planner interface {
	Plan(ctx context.Context, start, goal r3.Vec) (planner.Result, error)
}

// Telemetry is one pose sample.
type Telemetry struct {
	Orientation geom.Quaternion
	Position    r3.Vec
	Speed       float64
	Attitude    flatness.Attitude // optional diagnostics
}

// TelemetrySource supplies the vehicle pose for a tick. traj and elapsed
// describe the installed trajectory; sources that observe a real vehicle may
// ignore them.
type TelemetrySource interface {
	Sample(traj trajectory.Trajectory, elapsed float64) (Telemetry, error)
}

// Plan is an installed trajectory together with its start time.
type Plan struct {
	ID         string
	Trajectory trajectory.Trajectory
	Start      r3.Vec
	Goal       r3.Vec
	Cost       float64
	Pieces     int
	StartedAt  time.Time
}

// Status is the outcome of one tick. A tick the monitor could not evaluate
// still yields a Status, with Evaluated false, Safe false and Reason set.
type Status struct {
	PlanID           string            `json:"plan_id"`
	Time             time.Time         `json:"time"`
	Elapsed          float64           `json:"elapsed_s"`
	Duration         float64           `json:"duration_s"`
	Progress         float64           `json:"progress_s"`
	Safe             bool              `json:"safe"`
	Evaluated        bool              `json:"evaluated"`
	Reason           string            `json:"reason,omitempty"`
	Speed            float64           `json:"speed"`
	StoppingDistance float64           `json:"stopping_distance_m"`
	Position         r3.Vec            `json:"position"`
	Attitude         flatness.Attitude `json:"attitude"`
}

// Reasons a tick was not evaluated. Telemetry failures carry the source's
// error text instead.
const (
	ReasonNoPlan     = "no plan installed"
	ReasonNotStarted = "plan not started"
	ReasonFinished   = "plan finished"
)

// Plan outcomes reported to a PlanObserver.
const (
	OutcomeInstalled  = "installed"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
)

// PlanRecord describes a finished planning attempt.
type PlanRecord struct {
	ID        string
	CreatedAt time.Time
	Start     r3.Vec
	Goal      r3.Vec
	Duration  float64
	Cost      float64
	Pieces    int
	Outcome   string
	Err       string
}

// PlanObserver is told about every finished planning attempt. It is called
// without the coordinator lock held.
type PlanObserver interface {
	ObservePlan(PlanRecord)
}

// Options configures a Coordinator.
type Options struct {
	Clock    timeutil.Clock // defaults to the real clock
	Observer PlanObserver   // optional
}

// Coordinator serialises access to the active plan and the safety monitor.
type Coordinator struct {
	m        Map
	planner  Planner
	clock    timeutil.Clock
	observer PlanObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	goals      []r3.Vec
	generation uint64
	cancelPlan context.CancelFunc
	active     *Plan
	monitor    *safety.Monitor
	occupied   int // voxels occupied after ingest, if the map reports it
}

// New returns an Idle coordinator. monitor becomes owned by the coordinator.
func New(m Map, p Planner, monitor *safety.Monitor, opts Options) *Coordinator {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		m:        m,
		planner:  p,
		clock:    clock,
		observer: opts.Observer,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		monitor:  monitor,
	}
}

// HandleMap ingests the first map and moves Idle to Ready. Later maps are
// ignored. It returns the number of points ingested.
func (c *Coordinator) HandleMap(points []r3.Vec) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		logf("map update ignored (%d points), map already initialised", len(points))
		return 0, nil
	}
	n, err := c.m.Ingest(points)
	if err != nil {
		return 0, fmt.Errorf("ingest map: %w", err)
	}
	c.state = StateReady
	if oc, ok := c.m.(occupancyCounter); ok {
		c.occupied = oc.OccupiedCount()
		logf("map ingested: %d of %d points, %d voxels occupied", n, len(points), c.occupied)
	} else {
		logf("map ingested: %d of %d points", n, len(points))
	}
	return n, nil
}

// HandlePoseGoal converts a planar pose goal into a 3D point and handles it
// as HandleGoal does.
func (c *Coordinator) HandlePoseGoal(x, y, oz float64) (r3.Vec, error) {
	p := c.m.GoalFromPose(x, y, oz)
	return p, c.HandleGoal(p)
}

// HandleGoal validates p and appends it to the goal buffer. A full buffer is
// cleared first. When the buffer holds two points, planning starts in the
// background; an older plan still in flight is superseded.
func (c *Coordinator) HandleGoal(p r3.Vec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle {
		return ErrMapNotReady
	}
	if !geom.IsFinite(p) || !c.m.Contains(p) || c.m.Occupied(p) {
		logf("infeasible goal %v rejected", p)
		return fmt.Errorf("%w: %v", ErrInfeasibleGoal, p)
	}

	if len(c.goals) >= 2 {
		c.goals = c.goals[:0]
	}
	c.goals = append(c.goals, p)
	logf("goal %d accepted at (%.2f, %.2f, %.2f)", len(c.goals), p.X, p.Y, p.Z)

	if len(c.goals) == 2 {
		c.startPlanningLocked(c.goals[0], c.goals[1])
	}
	return nil
}

func (c *Coordinator) startPlanningLocked(start, goal r3.Vec) {
	if c.cancelPlan != nil {
		c.cancelPlan()
	}
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelPlan = cancel
	c.state = StateArmed

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		res, err := c.planner.Plan(ctx, start, goal)
		c.finish(gen, start, goal, res, err)
	}()
}

// finish installs res if gen is still current and nothing failed.
func (c *Coordinator) finish(gen uint64, start, goal r3.Vec, res planner.Result, err error) {
	rec := PlanRecord{
		ID:        uuid.NewString(),
		CreatedAt: c.clock.Now(),
		Start:     start,
		Goal:      goal,
		Cost:      res.Cost,
	}
	if res.Trajectory != nil {
		rec.Duration = res.Trajectory.TotalDuration()
		rec.Pieces = res.Trajectory.PieceCount()
	}
	if err == nil && (res.Trajectory == nil || math.IsInf(res.Cost, 0) || math.IsNaN(res.Cost)) {
		err = fmt.Errorf("%w: cost %v", planner.ErrDegenerate, res.Cost)
	}

	c.mu.Lock()
	switch {
	case gen != c.generation:
		rec.Outcome = OutcomeSuperseded
		logf("discarding superseded plan %s", rec.ID)
	case err != nil:
		rec.Outcome = OutcomeFailed
		rec.Err = err.Error()
		c.state = StateReady
		c.cancelPlan = nil
		logf("planning failed, keeping previous trajectory: %v", err)
	default:
		rec.Outcome = OutcomeInstalled
		c.active = &Plan{
			ID:         rec.ID,
			Trajectory: res.Trajectory,
			Start:      start,
			Goal:       goal,
			Cost:       res.Cost,
			Pieces:     rec.Pieces,
			StartedAt:  rec.CreatedAt,
		}
		c.monitor.Clear()
		c.state = StateReady
		c.cancelPlan = nil
		logf("installed plan %s: %.2fs over %d pieces", rec.ID, rec.Duration, rec.Pieces)
	}
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ObservePlan(rec)
	}
}

// Tick evaluates the safety monitor against the installed trajectory. The
// returned status is always filled in; ok is false when there was nothing to
// evaluate (no plan, elapsed outside (0, T), or no telemetry) and the status
// then reports unsafe.
func (c *Coordinator) Tick(src TelemetrySource) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.active == nil {
		return Status{Time: now, Reason: ReasonNoPlan}, false
	}
	traj := c.active.Trajectory
	elapsed := timeutil.Seconds(now.Sub(c.active.StartedAt))
	total := traj.TotalDuration()
	skipped := Status{
		PlanID:   c.active.ID,
		Time:     now,
		Elapsed:  elapsed,
		Duration: total,
		Progress: c.monitor.Progress(),
	}
	switch {
	case !(elapsed > 0):
		skipped.Reason = ReasonNotStarted
		return skipped, false
	case !(elapsed < total):
		skipped.Reason = ReasonFinished
		return skipped, false
	}

	tel, err := src.Sample(traj, elapsed)
	if err != nil {
		skipped.Reason = err.Error()
		return skipped, false
	}
	c.monitor.Check(traj, tel.Orientation, tel.Position, tel.Speed, elapsed)

	return Status{
		PlanID:           c.active.ID,
		Time:             now,
		Elapsed:          elapsed,
		Duration:         total,
		Progress:         c.monitor.Progress(),
		Safe:             c.monitor.Safe(),
		Evaluated:        true,
		Speed:            tel.Speed,
		StoppingDistance: c.monitor.StoppingDistance(tel.Speed),
		Position:         tel.Position,
		Attitude:         tel.Attitude,
	}, true
}

// Abort drops the installed trajectory, discards any plan in flight and
// clears the monitor.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelPlan != nil {
		c.cancelPlan()
		c.cancelPlan = nil
	}
	c.generation++
	c.active = nil
	c.goals = c.goals[:0]
	c.monitor.Clear()
	if c.state != StateIdle {
		c.state = StateReady
	}
	logf("execution aborted")
}

// Active returns a copy of the installed plan.
func (c *Coordinator) Active() (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Plan{}, false
	}
	return *c.active, true
}

// Snapshot is a consistent view of the coordinator.
type Snapshot struct {
	State    State   `json:"state"`
	Occupied int     `json:"occupied_voxels,omitempty"`
	Goals    int     `json:"goals"`
	PlanID   string  `json:"plan_id,omitempty"`
	Progress float64 `json:"progress_s"`
	Safe     bool    `json:"safe"`
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:    c.state,
		Occupied: c.occupied,
		Goals:    len(c.goals),
		Progress: c.monitor.Progress(),
		Safe:     c.monitor.Safe(),
	}
	if c.active != nil {
		s.PlanID = c.active.ID
	}
	return s
}

// Wait blocks until every planning goroutine has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Close cancels planning in flight and waits for it.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

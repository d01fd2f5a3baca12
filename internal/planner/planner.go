// Package planner turns a start/goal pair into a flyable trajectory in three
// stages: a voxel route search, a corridor of obstacle-free boxes around the
// route, and a polynomial trajectory confined to that corridor.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/pathguard/internal/config"
	"github.com/banshee-data/pathguard/internal/flatness"
	"github.com/banshee-data/pathguard/internal/geom"
	"github.com/banshee-data/pathguard/internal/monitoring"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrNoRoute means no free voxel path joins start and goal.
	ErrNoRoute = errors.New("no route between start and goal")
	// ErrDegenerate means the geometry or the resulting cost is unusable.
	ErrDegenerate = errors.New("degenerate planning problem")
	// ErrInfeasible means no trajectory met the dynamic limits inside the corridor.
	ErrInfeasible = errors.New("trajectory optimisation infeasible")
)

var logf = monitoring.Prefixed("planner")

// Config holds the planner limits and weights.
type Config struct {
	MaxVelMag    float64 // m/s
	MaxTiltAngle float64 // rad
	MaxBodyRate  float64 // rad/s
	MinThrust    float64 // N
	MaxThrust    float64 // N
	WeightT      float64 // cost per second of flight time

	CorridorRange    float64 // how far a box may grow past its segment, metres
	CorridorProgress float64 // longest route segment covered by one box, metres

	// Time scaling applied while a piece violates the dynamic limits.
	ScaleFactor   float64
	MaxScaleSteps int
}

// DefaultConfig returns the planner settings used by the flight stack.
func DefaultConfig() Config {
	return Config{
		MaxVelMag:        4.0,
		MaxTiltAngle:     geom.Rad(30),
		MaxBodyRate:      2.1,
		MinThrust:        2.0,
		MaxThrust:        12.0,
		WeightT:          20.0,
		CorridorRange:    3.0,
		CorridorProgress: 7.0,
		ScaleFactor:      1.1,
		MaxScaleSteps:    40,
	}
}

// ConfigFromTuning derives a Config from a TuningConfig.
func ConfigFromTuning(c *config.TuningConfig) Config {
	cfg := DefaultConfig()
	cfg.MaxVelMag = c.GetMaxVelMag()
	cfg.MaxTiltAngle = geom.Rad(c.GetMaxTiltAngleDeg())
	cfg.MaxBodyRate = c.GetMaxBodyRate()
	cfg.MinThrust = c.GetMinThrust()
	cfg.MaxThrust = c.GetMaxThrust()
	cfg.WeightT = c.GetWeightT()
	cfg.CorridorRange = c.GetCorridorRange()
	return cfg
}

// OccupancyMap is the view of the voxel map the planner needs.
type OccupancyMap interface {
	Index(p r3.Vec) ([3]int, bool)
	Center(idx [3]int) r3.Vec
	OccupiedIndex(idx [3]int) bool
	Size() [3]int
	Scale() float64
	Bounds() r3.Box
	Surface() []r3.Vec
}

// Corridor is a chain of boxes; Boxes[i] contains the straight segment from
// Waypoints[i] to Waypoints[i+1].
type Corridor struct {
	Waypoints []r3.Vec
	Boxes     []r3.Box
}

// Result is a successful plan.
type Result struct {
	Trajectory *trajectory.Piecewise
	Cost       float64
	Route      []r3.Vec
	Corridor   Corridor
}

// Planner runs the full pipeline against one map.
type Planner struct {
	cfg  Config
	m    OccupancyMap
	flat flatness.Map
}

// New returns a Planner for m.
func New(cfg Config, m OccupancyMap, flat flatness.Map) *Planner {
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = DefaultConfig().ScaleFactor
	}
	if cfg.MaxScaleSteps <= 0 {
		cfg.MaxScaleSteps = DefaultConfig().MaxScaleSteps
	}
	return &Planner{cfg: cfg, m: m, flat: flat}
}

// Config returns the planner settings.
func (p *Planner) Config() Config { return p.cfg }

// Plan runs route search, corridor construction and optimisation. ctx is
// checked between stages.
func (p *Planner) Plan(ctx context.Context, start, goal r3.Vec) (Result, error) {
	route, err := p.PlanRoute(start, goal)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	corridor, err := p.BuildCorridor(route, p.m.Surface(), p.m.Bounds())
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	traj, cost, err := p.OptimizeTrajectory(corridor)
	if err != nil {
		return Result{}, err
	}
	if math.IsInf(cost, 0) || math.IsNaN(cost) {
		return Result{}, fmt.Errorf("%w: cost %v", ErrDegenerate, cost)
	}

	logf("planned %d pieces over %d boxes, duration %.2fs cost %.2f",
		traj.PieceCount(), len(corridor.Boxes), traj.TotalDuration(), cost)
	return Result{Trajectory: traj, Cost: cost, Route: route, Corridor: corridor}, nil
}

package planner

import (
	"fmt"
	"math"

	"github.com/banshee-data/pathguard/internal/flatness"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/spatial/r3"
)

// Peak derivative factors of the rest-to-rest quintic over a unit move in
// unit time.
const (
	peakVel  = 1.875
	peakAcc  = 5.773502691896258 // 10/sqrt(3)
	peakJerk = 60.0

	feasibilitySamples = 32
	jerkQuadPoints     = 4 // exact for the degree-4 squared jerk
)

// OptimizeTrajectory fits one rest-to-rest quintic piece per corridor box.
// Durations start from the velocity, tilt and body-rate limits and are
// stretched until every sample satisfies the flatness-derived limits. It
// returns the trajectory and its cost, WeightT·T + ∫‖jerk‖² dt.
func (p *Planner) OptimizeTrajectory(c Corridor) (*trajectory.Piecewise, float64, error) {
	if len(c.Boxes) == 0 || len(c.Waypoints) != len(c.Boxes)+1 {
		return nil, math.Inf(1), fmt.Errorf("%w: corridor has %d boxes and %d waypoints",
			ErrDegenerate, len(c.Boxes), len(c.Waypoints))
	}

	pieces := make([]trajectory.Piece, 0, len(c.Boxes))
	for i, box := range c.Boxes {
		a, b := c.Waypoints[i], c.Waypoints[i+1]
		piece, err := p.fitPiece(a, b)
		if err != nil {
			return nil, math.Inf(1), fmt.Errorf("piece %d: %w", i, err)
		}
		if err := confined(piece, box); err != nil {
			return nil, math.Inf(1), fmt.Errorf("piece %d: %w", i, err)
		}
		pieces = append(pieces, piece)
	}

	traj, err := trajectory.New(pieces...)
	if err != nil {
		return nil, math.Inf(1), fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	return traj, p.cost(traj), nil
}

// initialDuration is the shortest duration the closed-form peaks allow.
func (p *Planner) initialDuration(length float64) float64 {
	g := p.flat.GravAcc
	amax := g * math.Tan(p.cfg.MaxTiltAngle)
	jmax := p.cfg.MaxBodyRate * g

	t := peakVel * length / p.cfg.MaxVelMag
	if amax > 0 {
		t = math.Max(t, math.Sqrt(peakAcc*length/amax))
	}
	if jmax > 0 {
		t = math.Max(t, math.Cbrt(peakJerk*length/jmax))
	}
	return t
}

func (p *Planner) fitPiece(a, b r3.Vec) (trajectory.Piece, error) {
	d := r3.Sub(b, a)
	length := r3.Norm(d)
	if length < 1e-9 || math.IsNaN(length) || math.IsInf(length, 0) {
		return trajectory.Piece{}, fmt.Errorf("%w: segment length %v", ErrDegenerate, length)
	}
	if p.cfg.MaxVelMag <= 0 {
		return trajectory.Piece{}, fmt.Errorf("%w: max velocity %v", ErrInfeasible, p.cfg.MaxVelMag)
	}

	yaw := flatness.YawFromVelocity(d)
	dur := p.initialDuration(length)
	for i := 0; i <= p.cfg.MaxScaleSteps; i++ {
		piece, err := trajectory.RestToRest(a, b, dur)
		if err != nil {
			return trajectory.Piece{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
		}
		if p.withinLimits(piece, yaw) {
			return piece, nil
		}
		dur *= p.cfg.ScaleFactor
	}
	return trajectory.Piece{}, fmt.Errorf("%w: limits still violated at duration %.2fs", ErrInfeasible, dur)
}

// withinLimits samples a piece through the flatness map.
func (p *Planner) withinLimits(piece trajectory.Piece, yaw float64) bool {
	tr, err := trajectory.New(piece)
	if err != nil {
		return false
	}
	const slack = 1e-9
	for k := 0; k <= feasibilitySamples; k++ {
		t := piece.Duration * float64(k) / feasibilitySamples
		vel, acc, jer := tr.Velocity(t), tr.Acceleration(t), tr.Jerk(t)
		if r3.Norm(vel) > p.cfg.MaxVelMag+slack {
			return false
		}
		out := p.flat.Forward(vel, acc, jer, yaw, 0)
		if out.Thrust < p.cfg.MinThrust-slack || out.Thrust > p.cfg.MaxThrust+slack {
			return false
		}
		if r3.Norm(out.BodyRate) > p.cfg.MaxBodyRate+slack {
			return false
		}
		if flatness.TiltDeg(out.Attitude) > p.cfg.MaxTiltAngle*180/math.Pi+slack {
			return false
		}
	}
	return true
}

// confined checks that sampled positions of piece stay in box.
func confined(piece trajectory.Piece, box r3.Box) error {
	tr, err := trajectory.New(piece)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	const tol = 1e-6
	loose := inflate(box, tol)
	for k := 0; k <= feasibilitySamples; k++ {
		q := tr.Position(piece.Duration * float64(k) / feasibilitySamples)
		if !within(loose, q) {
			return fmt.Errorf("%w: position %v leaves corridor box", ErrInfeasible, q)
		}
	}
	return nil
}

func (p *Planner) cost(tr *trajectory.Piecewise) float64 {
	total := p.cfg.WeightT * tr.TotalDuration()
	var start float64
	for _, d := range tr.Durations() {
		offset := start
		total += quad.Fixed(func(tau float64) float64 {
			j := tr.Jerk(offset + tau)
			return r3.Dot(j, j)
		}, 0, d, jerkQuadPoints, nil, 0)
		start += d
	}
	return total
}

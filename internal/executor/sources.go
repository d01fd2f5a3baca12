package executor

import (
	"github.com/banshee-data/pathguard/internal/flatness"
	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"gonum.org/v1/gonum/spatial/r3"
)

// FollowSource assumes the vehicle tracks the trajectory perfectly. Heading
// follows the horizontal velocity and attitude comes from the flatness map.
type FollowSource struct {
	Flat flatness.Map
}

// Sample implements replan.TelemetrySource.
func (f FollowSource) Sample(traj trajectory.Trajectory, elapsed float64) (replan.Telemetry, error) {
	vel := traj.Velocity(elapsed)
	out := f.Flat.Forward(vel, traj.Acceleration(elapsed), traj.Jerk(elapsed), flatness.YawFromVelocity(vel), 0)
	return replan.Telemetry{
		Orientation: out.Attitude,
		Position:    traj.Position(elapsed),
		Speed:       r3.Norm(vel),
		Attitude:    flatness.Summarise(out),
	}, nil
}

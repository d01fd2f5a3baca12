// Package safety decides, every control tick, how far along the active
// trajectory the vehicle will stay inside its forward sensor's view and
// whether it could still stop if visibility were lost there.
package safety

import (
	"math"

	"github.com/banshee-data/pathguard/internal/config"
	"github.com/banshee-data/pathguard/internal/geom"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"gonum.org/v1/gonum/spatial/r3"
)

// Config is the geometric and kinematic safety envelope.
type Config struct {
	HalfAngle float64 // sensor cone half-angle, radians
	MaxRange  float64 // maximum distance along boresight, metres
	MaxDecel  float64 // assumed braking capability, m/s²

	// Scan discretisation, in trajectory seconds.
	Epsilon float64 // first sample is verified+Epsilon
	Step    float64 // spacing between samples
}

// DefaultConfig returns the stock envelope:
// 40° half-angle, 4 m range, 4 m/s² braking, 0.01 s offset and 0.05 s steps.
func DefaultConfig() Config {
	return Config{
		HalfAngle: geom.Rad(40),
		MaxRange:  4.0,
		MaxDecel:  4.0,
		Epsilon:   0.01,
		Step:      0.05,
	}
}

// ConfigFromTuning derives a Config from a TuningConfig.
func ConfigFromTuning(c *config.TuningConfig) Config {
	return Config{
		HalfAngle: geom.Rad(c.GetSensorHalfAngleDeg()),
		MaxRange:  c.GetMaxVerifiedRange(),
		MaxDecel:  c.GetMaxDecel(),
		Epsilon:   c.GetScanEpsilon(),
		Step:      c.GetScanStep(),
	}
}

// Monitor holds the progress state for one trajectory at a time.
//
// Monitor is not safe for concurrent use; it is owned by whoever owns the
// active trajectory (see replan.Coordinator).
type Monitor struct {
	cfg     Config
	cosHalf float64

	verified float64 // latest trajectory time confirmed visible and in range
	safe     bool
}

// NewMonitor returns a cleared monitor.
func NewMonitor(cfg Config) *Monitor {
	m := &Monitor{}
	m.Reconfigure(cfg)
	return m
}

// Reconfigure replaces the envelope. Progress state is left untouched.
func (m *Monitor) Reconfigure(cfg Config) {
	if cfg.Step <= 0 {
		cfg.Step = DefaultConfig().Step
	}
	m.cfg = cfg
	m.cosHalf = math.Cos(cfg.HalfAngle)
}

// Config returns the current envelope.
func (m *Monitor) Config() Config { return m.cfg }

// Check advances the verified marker along traj from the vehicle's current
// pose and recomputes the safety flag.
//
// elapsed is the time since the trajectory started and must lie in
// [0, traj.TotalDuration()]; that is the caller's responsibility.
func (m *Monitor) Check(traj trajectory.Trajectory, orientation geom.Quaternion, position r3.Vec, speed, elapsed float64) {
	// never verify behind the vehicle
	if m.verified <= elapsed {
		m.verified = elapsed
	}

	h := geom.Boresight(orientation)
	total := traj.TotalDuration()

	// The first sample that leaves the cone or the range ends the scan for this
	// tick, even if later samples would be visible again.
	for t := m.verified + m.cfg.Epsilon; t <= total; t += m.cfg.Step {
		if !m.visible(h, r3.Sub(traj.Position(t), position)) {
			break
		}
		m.verified = t
	}

	s := r3.Norm(r3.Sub(traj.Position(m.verified), position))
	m.safe = !(speed*speed-2*m.cfg.MaxDecel*s > 0)
}

// visible applies the cone test (strictly inside cos(halfAngle)) and the
// range test (projection on boresight at most MaxRange) to d, the vector
// from the vehicle to the candidate point.
func (m *Monitor) visible(h, d r3.Vec) bool {
	// a zero d normalises to NaN and fails the comparison
	return r3.Dot(h, r3.Unit(d)) > m.cosHalf && r3.Dot(h, d) <= m.cfg.MaxRange
}

// Progress returns the verified trajectory time.
func (m *Monitor) Progress() float64 { return m.verified }

// Safe reports the result of the most recent Check.
func (m *Monitor) Safe() bool { return m.safe }

// Clear resets progress to zero and marks the vehicle unsafe. The envelope is kept.
func (m *Monitor) Clear() {
	m.verified = 0
	m.safe = false
}

// StoppingDistance returns the distance needed to halt from speed at the
// configured deceleration.
func (m *Monitor) StoppingDistance(speed float64) float64 {
	return speed * speed / (2 * m.cfg.MaxDecel)
}

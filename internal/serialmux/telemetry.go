package serialmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/pathguard/internal/flatness"
	"github.com/banshee-data/pathguard/internal/geom"
	"github.com/banshee-data/pathguard/internal/monitoring"
	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/timeutil"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"gonum.org/v1/gonum/spatial/r3"
)

var logf = monitoring.Prefixed("telemetry")

var (
	ErrNoTelemetry    = errors.New("no telemetry received")
	ErrStaleTelemetry = errors.New("telemetry is stale")
)

// Pose is one decoded telemetry line.
type Pose struct {
	Orientation geom.Quaternion
	Position    r3.Vec
	Velocity    r3.Vec
	Thrust      float64
}

// wireTelemetry is the JSON line format emitted by the flight controller:
//
//	{"q":[w,x,y,z],"p":[x,y,z],"v":[vx,vy,vz],"f":thrust}
//
// "f" is optional.
type wireTelemetry struct {
	Q []float64 `json:"q"`
	P []float64 `json:"p"`
	V []float64 `json:"v"`
	F float64   `json:"f"`
}

// ParseLine decodes a telemetry line. q, p and v must carry exactly 4, 3 and 3
// components. The quaternion is normalised; a zero or non-finite quaternion is
// rejected.
func ParseLine(line string) (Pose, error) {
	var w wireTelemetry
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return Pose{}, fmt.Errorf("failed to unmarshal telemetry: %w", err)
	}
	if w.Q == nil || w.P == nil || w.V == nil {
		return Pose{}, fmt.Errorf("telemetry line missing q, p or v")
	}
	for _, f := range []struct {
		name string
		vals []float64
		want int
	}{{"q", w.Q, 4}, {"p", w.P, 3}, {"v", w.V, 3}} {
		if len(f.vals) != f.want {
			return Pose{}, fmt.Errorf("%s must have %d components, got %d", f.name, f.want, len(f.vals))
		}
	}

	q := geom.NewQuaternion(w.Q[0], w.Q[1], w.Q[2], w.Q[3])
	norm := math.Sqrt(w.Q[0]*w.Q[0] + w.Q[1]*w.Q[1] + w.Q[2]*w.Q[2] + w.Q[3]*w.Q[3])
	if !(norm > 0) || math.IsInf(norm, 0) {
		return Pose{}, fmt.Errorf("invalid orientation %v", w.Q)
	}
	p := r3.Vec{X: w.P[0], Y: w.P[1], Z: w.P[2]}
	v := r3.Vec{X: w.V[0], Y: w.V[1], Z: w.V[2]}
	if !geom.IsFinite(p) || !geom.IsFinite(v) {
		return Pose{}, fmt.Errorf("non-finite position or velocity")
	}
	return Pose{Orientation: q.Normalized(), Position: p, Velocity: v, Thrust: w.F}, nil
}

// PoseSource keeps the most recent pose from the telemetry stream and serves
// it to the control loop.
type PoseSource struct {
	clock  timeutil.Clock
	maxAge time.Duration

	mu     sync.RWMutex
	latest Pose
	at     time.Time
	have   bool
	lines  uint64
	bad    uint64
}

// NewPoseSource creates a PoseSource. Poses older than maxAge are refused;
// zero disables the check. clock may be nil.
func NewPoseSource(clock timeutil.Clock, maxAge time.Duration) *PoseSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PoseSource{clock: clock, maxAge: maxAge}
}

// HandleLine parses line and, if it is valid, makes it the latest pose.
func (s *PoseSource) HandleLine(line string) error {
	pose, err := ParseLine(line)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines++
	if err != nil {
		s.bad++
		return err
	}
	s.latest, s.at, s.have = pose, s.clock.Now(), true
	return nil
}

// Consume handles lines from ch until it is closed or ctx is done.
func (s *PoseSource) Consume(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := s.HandleLine(line); err != nil {
				logf("dropping telemetry line: %v", err)
			}
		}
	}
}

// Latest returns the most recent pose and when it arrived.
func (s *PoseSource) Latest() (Pose, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.at, s.have
}

// Counts returns the number of lines seen and how many were rejected.
func (s *PoseSource) Counts() (lines, bad uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lines, s.bad
}

// Sample implements replan.TelemetrySource. The trajectory is not consulted:
// the pose is whatever the vehicle last reported.
func (s *PoseSource) Sample(_ trajectory.Trajectory, _ float64) (replan.Telemetry, error) {
	pose, at, ok := s.Latest()
	if !ok {
		return replan.Telemetry{}, ErrNoTelemetry
	}
	if s.maxAge > 0 && s.clock.Since(at) > s.maxAge {
		return replan.Telemetry{}, ErrStaleTelemetry
	}
	return replan.Telemetry{
		Orientation: pose.Orientation,
		Position:    pose.Position,
		Speed:       r3.Norm(pose.Velocity),
		Attitude: flatness.Attitude{
			Thrust:   pose.Thrust,
			TiltDeg:  flatness.TiltDeg(pose.Orientation),
			PitchDeg: flatness.PitchDeg(pose.Orientation),
			RollDeg:  flatness.RollDeg(pose.Orientation),
		},
	}, nil
}

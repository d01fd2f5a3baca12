// Package flatness maps trajectory derivatives of a multirotor to thrust,
// attitude and body rate using differential flatness. Aerodynamic drag is
// not modelled.
package flatness

import (
	"math"

	"github.com/banshee-data/pathguard/internal/config"
	"github.com/banshee-data/pathguard/internal/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// Map holds the physical parameters of the vehicle.
type Map struct {
	Mass    float64 // kg
	GravAcc float64 // m/s²
}

// New returns a flatness map for the given mass and gravity.
func New(mass, gravAcc float64) Map {
	return Map{Mass: mass, GravAcc: gravAcc}
}

// FromTuning builds a Map from a TuningConfig.
func FromTuning(c *config.TuningConfig) Map {
	return New(c.GetVehicleMass(), c.GetGravAcc())
}

// Output is the result of a forward pass.
type Output struct {
	Thrust   float64 // N
	Attitude geom.Quaternion
	BodyRate r3.Vec // rad/s, body frame
}

// Forward computes collective thrust, attitude and body rate for the flat
// outputs. vel is accepted for the drag terms of the full model and is
// currently unused.
func (f Map) Forward(vel, acc, jer r3.Vec, yaw, yawRate float64) Output {
	_ = vel

	zRaw := r3.Add(acc, r3.Vec{Z: f.GravAcc})
	thrustAcc := r3.Norm(zRaw)
	if thrustAcc < 1e-9 {
		// free fall: attitude is undefined, keep heading only
		return Output{Attitude: geom.FromYaw(yaw)}
	}
	zb := r3.Scale(1/thrustAcc, zRaw)

	xc := r3.Vec{X: math.Cos(yaw), Y: math.Sin(yaw)}
	yb := r3.Cross(zb, xc)
	if r3.Norm(yb) < 1e-9 {
		// thrust axis along the heading; the lateral heading axis is orthogonal to it
		yb = r3.Vec{X: -math.Sin(yaw), Y: math.Cos(yaw)}
	}
	yb = r3.Unit(yb)
	xb := r3.Cross(yb, zb)

	// component of jerk normal to the thrust axis drives roll and pitch rates
	h := r3.Scale(1/thrustAcc, r3.Sub(jer, r3.Scale(r3.Dot(zb, jer), zb)))
	omega := r3.Vec{
		X: -r3.Dot(h, yb),
		Y: r3.Dot(h, xb),
		Z: yawRate * zb.Z,
	}

	return Output{
		Thrust:   f.Mass * thrustAcc,
		Attitude: geom.FromRotationColumns(xb, yb, zb),
		BodyRate: omega,
	}
}

// YawFromVelocity points the heading along the horizontal velocity.
func YawFromVelocity(v r3.Vec) float64 {
	return math.Atan2(v.Y, v.X)
}

// TiltDeg returns the angle between the body Z axis and world up, in degrees.
func TiltDeg(q geom.Quaternion) float64 {
	q = q.Normalized()
	c := 1 - 2*(q.Imag*q.Imag+q.Jmag*q.Jmag)
	return geom.Deg(math.Acos(clamp(c, -1, 1)))
}

// PitchDeg returns the Tait-Bryan pitch angle in degrees.
func PitchDeg(q geom.Quaternion) float64 {
	q = q.Normalized()
	return geom.Deg(math.Asin(clamp(2*(q.Real*q.Jmag-q.Kmag*q.Imag), -1, 1)))
}

// RollDeg returns the Tait-Bryan roll angle in degrees.
func RollDeg(q geom.Quaternion) float64 {
	q = q.Normalized()
	return geom.Deg(math.Atan2(2*(q.Real*q.Imag+q.Jmag*q.Kmag), 1-2*(q.Imag*q.Imag+q.Jmag*q.Jmag)))
}

// Attitude summarises an Output for display.
type Attitude struct {
	Thrust      float64 `json:"thrust"`
	TiltDeg     float64 `json:"tilt_deg"`
	PitchDeg    float64 `json:"pitch_deg"`
	RollDeg     float64 `json:"roll_deg"`
	BodyRateMag float64 `json:"body_rate"`
}

// Summarise derives the display angles of o.
func Summarise(o Output) Attitude {
	return Attitude{
		Thrust:      o.Thrust,
		TiltDeg:     TiltDeg(o.Attitude),
		PitchDeg:    PitchDeg(o.Attitude),
		RollDeg:     RollDeg(o.Attitude),
		BodyRateMag: r3.Norm(o.BodyRate),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

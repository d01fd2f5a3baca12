// Package geom holds the small amount of 3D geometry shared by the safety
// monitor, the planner and the flatness map. Vectors are gonum r3.Vec and
// orientations are unit quaternions in (w, x, y, z) order.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// UnitX is the body forward axis.
var UnitX = r3.Vec{X: 1}

// UnitZ is the world up axis.
var UnitZ = r3.Vec{Z: 1}

// Quaternion is an orientation stored as a gonum quaternion.
// Real is w; Imag, Jmag and Kmag are x, y and z.
type Quaternion quat.Number

// Identity is the zero rotation.
var Identity = Quaternion{Real: 1}

// NewQuaternion builds a quaternion from its (w, x, y, z) components.
func NewQuaternion(w, x, y, z float64) Quaternion {
	return Quaternion{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// FromAxisAngle returns the rotation of angle radians about axis.
func FromAxisAngle(axis r3.Vec, angle float64) Quaternion {
	return Quaternion(r3.NewRotation(angle, axis))
}

// FromYaw returns a rotation about the world Z axis.
func FromYaw(yaw float64) Quaternion {
	return FromAxisAngle(UnitZ, yaw)
}

// Components returns (w, x, y, z).
func (q Quaternion) Components() [4]float64 {
	return [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag}
}

// Normalized returns q scaled to unit length. A zero quaternion maps to Identity.
func (q Quaternion) Normalized() Quaternion {
	n := quat.Abs(quat.Number(q))
	if n == 0 || math.IsNaN(n) {
		return Identity
	}
	return Quaternion(quat.Scale(1/n, quat.Number(q)))
}

// Rotate applies q to v.
func (q Quaternion) Rotate(v r3.Vec) r3.Vec {
	return r3.Rotation(q.Normalized()).Rotate(v)
}

// Boresight returns the body forward axis rotated into the world frame,
// normalised.
func Boresight(q Quaternion) r3.Vec {
	return r3.Unit(q.Rotate(UnitX))
}

// Mul returns the Hamilton product a*b.
func Mul(a, b Quaternion) Quaternion {
	return Quaternion(quat.Mul(quat.Number(a), quat.Number(b)))
}

// FromRotationColumns converts an orthonormal rotation matrix given by its
// columns into a unit quaternion with non-negative w.
func FromRotationColumns(xb, yb, zb r3.Vec) Quaternion {
	m00, m01, m02 := xb.X, yb.X, zb.X
	m10, m11, m12 := xb.Y, yb.Y, zb.Y
	m20, m21, m22 := xb.Z, yb.Z, zb.Z

	var q Quaternion
	tr := m00 + m11 + m22
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = NewQuaternion(0.25*s, (m21-m12)/s, (m02-m20)/s, (m10-m01)/s)
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = NewQuaternion((m21-m12)/s, 0.25*s, (m01+m10)/s, (m02+m20)/s)
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = NewQuaternion((m02-m20)/s, (m01+m10)/s, 0.25*s, (m12+m21)/s)
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = NewQuaternion((m10-m01)/s, (m02+m20)/s, (m12+m21)/s, 0.25*s)
	}
	if q.Real < 0 {
		q = Quaternion(quat.Scale(-1, quat.Number(q)))
	}
	return q.Normalized()
}

// IsFinite reports whether every component of v is finite.
func IsFinite(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// Deg converts radians to degrees.
func Deg(rad float64) float64 { return rad * 180 / math.Pi }

// Rad converts degrees to radians.
func Rad(deg float64) float64 { return deg * math.Pi / 180 }

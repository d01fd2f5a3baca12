// Package trajectory defines the time-parameterised flight path consumed by
// the safety monitor and produced by the planner.
//
// A Trajectory is immutable once built. Queries are defined on
// [0, TotalDuration()]; callers are responsible for staying inside that range.
package trajectory

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Order is the polynomial degree of each piece.
const Order = 5

// Trajectory is a time-parameterised curve over [0, TotalDuration()].
type Trajectory interface {
	Position(t float64) r3.Vec
	Velocity(t float64) r3.Vec
	Acceleration(t float64) r3.Vec
	Jerk(t float64) r3.Vec
	TotalDuration() float64
}

// Piece is one polynomial segment. Row i of Coeffs holds the coefficients of
// axis i in ascending powers of local time: p(τ) = Σ c[k] τ^k, τ ∈ [0, Duration].
type Piece struct {
	Duration float64
	Coeffs   *mat.Dense // 3 x (Order+1)
}

// NewPiece validates and wraps a coefficient matrix.
func NewPiece(duration float64, coeffs *mat.Dense) (Piece, error) {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return Piece{}, fmt.Errorf("piece duration must be positive and finite, got %f", duration)
	}
	r, c := coeffs.Dims()
	if r != 3 || c != Order+1 {
		return Piece{}, fmt.Errorf("piece coefficients must be 3x%d, got %dx%d", Order+1, r, c)
	}
	return Piece{Duration: duration, Coeffs: mat.DenseCopyOf(coeffs)}, nil
}

// RestToRest returns the quintic piece that moves from a to b in duration
// seconds with zero velocity and acceleration at both ends.
func RestToRest(a, b r3.Vec, duration float64) (Piece, error) {
	d := r3.Sub(b, a)
	t3 := duration * duration * duration
	t4 := t3 * duration
	t5 := t4 * duration
	rows := [3][2]float64{{a.X, d.X}, {a.Y, d.Y}, {a.Z, d.Z}}

	coeffs := mat.NewDense(3, Order+1, nil)
	for i, row := range rows {
		coeffs.SetRow(i, []float64{row[0], 0, 0, 10 * row[1] / t3, -15 * row[1] / t4, 6 * row[1] / t5})
	}
	return NewPiece(duration, coeffs)
}

// eval returns the deriv-th derivative of the piece at local time tau.
func (p Piece) eval(tau float64, deriv int) r3.Vec {
	basis := mat.NewVecDense(Order+1, nil)
	for k := deriv; k <= Order; k++ {
		// falling factorial k!/(k-deriv)!
		f := 1.0
		for j := 0; j < deriv; j++ {
			f *= float64(k - j)
		}
		basis.SetVec(k, f*math.Pow(tau, float64(k-deriv)))
	}
	var out mat.VecDense
	out.MulVec(p.Coeffs, basis)
	return r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// Piecewise is a sequence of pieces joined end to end.
type Piecewise struct {
	pieces []Piece
	starts []float64
	total  float64
}

// New builds a Piecewise trajectory. At least one piece is required.
func New(pieces ...Piece) (*Piecewise, error) {
	if len(pieces) == 0 {
		return nil, fmt.Errorf("trajectory needs at least one piece")
	}
	pw := &Piecewise{
		pieces: append([]Piece(nil), pieces...),
		starts: make([]float64, len(pieces)),
	}
	for i, p := range pieces {
		if p.Coeffs == nil {
			return nil, fmt.Errorf("piece %d has no coefficients", i)
		}
		pw.starts[i] = pw.total
		pw.total += p.Duration
	}
	return pw, nil
}

// locate maps global time to a piece index and local time. Times past the end
// clamp to the final piece.
func (pw *Piecewise) locate(t float64) (int, float64) {
	i := len(pw.pieces) - 1
	for j := 1; j < len(pw.starts); j++ {
		if t < pw.starts[j] {
			i = j - 1
			break
		}
	}
	return i, t - pw.starts[i]
}

func (pw *Piecewise) eval(t float64, deriv int) r3.Vec {
	i, tau := pw.locate(t)
	return pw.pieces[i].eval(tau, deriv)
}

// Position returns the position at time t.
func (pw *Piecewise) Position(t float64) r3.Vec { return pw.eval(t, 0) }

// Velocity returns the velocity at time t.
func (pw *Piecewise) Velocity(t float64) r3.Vec { return pw.eval(t, 1) }

// Acceleration returns the acceleration at time t.
func (pw *Piecewise) Acceleration(t float64) r3.Vec { return pw.eval(t, 2) }

// Jerk returns the jerk at time t.
func (pw *Piecewise) Jerk(t float64) r3.Vec { return pw.eval(t, 3) }

// TotalDuration returns the sum of piece durations.
func (pw *Piecewise) TotalDuration() float64 { return pw.total }

// PieceCount returns the number of pieces.
func (pw *Piecewise) PieceCount() int { return len(pw.pieces) }

// Durations returns a copy of the piece durations.
func (pw *Piecewise) Durations() []float64 {
	out := make([]float64, len(pw.pieces))
	for i, p := range pw.pieces {
		out[i] = p.Duration
	}
	return out
}

// MaxSpeed samples the trajectory at the given resolution and returns the
// largest speed seen.
func MaxSpeed(tr Trajectory, dt float64) float64 {
	var best float64
	for t := 0.0; t <= tr.TotalDuration(); t += dt {
		if v := r3.Norm(tr.Velocity(t)); v > best {
			best = v
		}
	}
	return best
}

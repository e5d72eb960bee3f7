// Package spatialmath implements the SO(3) primitives used by the panoramic
// bundle adjustment: rotation blocks stored as 9-element row-major matrices,
// the exponential/logarithm maps between rotations and their tangent space,
// and the composition Jacobians that residual functors chain together.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Tolerance below which an angle is treated as zero and Taylor expansions
// replace the closed-form Rodrigues terms.
const epsilonAngle = 1e-10

// Identity returns a new 3x3 identity matrix.
func Identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// Skew builds the skew-symmetric cross-product matrix of v.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// Unskew extracts the tangent vector of a skew-symmetric matrix. The input is
// not checked for skew-symmetry; the anti-symmetric part is used as-is.
func Unskew(m mat.Matrix) r3.Vector {
	return r3.Vector{
		X: 0.5 * (m.At(2, 1) - m.At(1, 2)),
		Y: 0.5 * (m.At(0, 2) - m.At(2, 0)),
		Z: 0.5 * (m.At(1, 0) - m.At(0, 1)),
	}
}

// Exp is the exponential map of SO(3), turning a tangent vector into a
// rotation matrix via the Rodrigues formula.
func Exp(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	k := Skew(v)
	var k2 mat.Dense
	k2.Mul(k, k)

	// sin(t)/t and (1-cos(t))/t^2, with Taylor fallbacks near zero.
	var a, b float64
	if theta < epsilonAngle {
		a = 1.0 - theta*theta/6.0
		b = 0.5 - theta*theta/24.0
	} else {
		a = math.Sin(theta) / theta
		b = (1.0 - math.Cos(theta)) / (theta * theta)
	}

	out := Identity()
	var ak, bk2 mat.Dense
	ak.Scale(a, k)
	bk2.Scale(b, &k2)
	out.Add(out, &ak)
	out.Add(out, &bk2)
	return out
}

// Log is the logarithm map of SO(3), returning the tangent vector of a
// rotation matrix. Rotations within epsilon of the identity map to zero.
func Log(r mat.Matrix) r3.Vector {
	cosTheta := (r.At(0, 0) + r.At(1, 1) + r.At(2, 2) - 1.0) / 2.0
	cosTheta = math.Max(-1.0, math.Min(1.0, cosTheta))
	theta := math.Acos(cosTheta)

	p := r3.Vector{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}
	if theta < epsilonAngle {
		return p.Mul(0.5)
	}
	return p.Mul(0.5 * theta / math.Sin(theta))
}

// Compose multiplies two rotations, returning a*b.
func Compose(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

// Transpose returns a copy of the transpose of r.
func Transpose(r mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(r.T())
	return &out
}

// FromFlat wraps a 9-element row-major slice as a 3x3 matrix. The matrix
// shares the slice's backing storage.
func FromFlat(x []float64) *mat.Dense {
	return mat.NewDense(3, 3, x)
}

// Flatten copies r into a 9-element row-major slice.
func Flatten(r mat.Matrix) []float64 {
	out := make([]float64, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = r.At(i, j)
		}
	}
	return out
}

// OrthonormalityError measures how far r is from a proper rotation as the
// max-norm of r^T*r - I.
func OrthonormalityError(r mat.Matrix) float64 {
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	worst := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if d := math.Abs(rtr.At(i, j) - want); d > worst {
				worst = d
			}
		}
	}
	return worst
}

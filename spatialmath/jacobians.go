package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// The Jacobians below all use row-major vectorization: a 3x3 matrix M maps to
// the 9-vector vec(M) with vec(M)[3i+j] = M[i][j]. They are the building
// blocks chained by the reprojection and rotation-prior residuals.

// JacobianABWrtA is d vec(A*B) / d vec(A), a 9x9 matrix. For row-major
// vectorization this is block-diagonal with B^T in each diagonal block.
func JacobianABWrtA(b mat.Matrix) *mat.Dense {
	out := mat.NewDense(9, 9, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for q := 0; q < 3; q++ {
				out.Set(i*3+j, i*3+q, b.At(q, j))
			}
		}
	}
	return out
}

// JacobianABWrtB is d vec(A*B) / d vec(B), a 9x9 matrix: A[i][k] at
// (3i+j, 3k+j).
func JacobianABWrtB(a mat.Matrix) *mat.Dense {
	out := mat.NewDense(9, 9, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out.Set(i*3+j, k*3+j, a.At(i, k))
			}
		}
	}
	return out
}

// JacobianTransposeWrtA is the constant permutation d vec(A^T) / d vec(A).
func JacobianTransposeWrtA() *mat.Dense {
	out := mat.NewDense(9, 9, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i*3+j, j*3+i, 1)
		}
	}
	return out
}

// JacobianExpTimesXWrtTangent is d vec(exp(skew(delta))*x) / d delta at
// delta = 0, the 9x3 Jacobian of the rotation-manifold update.
func JacobianExpTimesXWrtTangent(x mat.Matrix) *mat.Dense {
	out := mat.NewDense(9, 3, nil)
	for j := 0; j < 3; j++ {
		// row 0 of skew(delta) is (0, -d3, d2), row 1 is (d3, 0, -d1),
		// row 2 is (-d2, d1, 0).
		out.Set(0*3+j, 1, x.At(2, j))
		out.Set(0*3+j, 2, -x.At(1, j))
		out.Set(1*3+j, 0, -x.At(2, j))
		out.Set(1*3+j, 2, x.At(0, j))
		out.Set(2*3+j, 0, x.At(1, j))
		out.Set(2*3+j, 1, -x.At(0, j))
	}
	return out
}

// JacobianLogWrtR is d log(R) / d vec(R), a 3x9 matrix. log(R) is written as
// s(theta) * p(R) with p the anti-symmetric differences and
// s = theta / (2 sin theta); both factors are differentiated.
func JacobianLogWrtR(r mat.Matrix) *mat.Dense {
	out := mat.NewDense(3, 9, nil)

	// d p / d vec(R): constant +/-1 entries.
	// p1 = R21 - R12, p2 = R02 - R20, p3 = R10 - R01.
	dp := mat.NewDense(3, 9, nil)
	dp.Set(0, 2*3+1, 1)
	dp.Set(0, 1*3+2, -1)
	dp.Set(1, 0*3+2, 1)
	dp.Set(1, 2*3+0, -1)
	dp.Set(2, 1*3+0, 1)
	dp.Set(2, 0*3+1, -1)

	cosTheta := (r.At(0, 0) + r.At(1, 1) + r.At(2, 2) - 1.0) / 2.0
	cosTheta = math.Max(-1.0, math.Min(1.0, cosTheta))
	theta := math.Acos(cosTheta)

	if theta < epsilonAngle {
		// s -> 1/2 and p -> 0, so only the first product-rule term survives.
		out.Scale(0.5, dp)
		return out
	}

	sinTheta := math.Sin(theta)
	s := 0.5 * theta / sinTheta
	out.Scale(s, dp)

	// Second term: p * ds/dtheta * dtheta/dcos * dcos/dvec(R). dcos/dvec(R)
	// is 1/2 on the diagonal entries of R.
	sin2 := 1.0 - cosTheta*cosTheta
	if sin2 < epsilonAngle {
		return out
	}
	dsdTheta := (sinTheta - theta*cosTheta) / (2.0 * sinTheta * sinTheta)
	dThetadCos := -1.0 / math.Sqrt(sin2)
	p := []float64{
		r.At(2, 1) - r.At(1, 2),
		r.At(0, 2) - r.At(2, 0),
		r.At(1, 0) - r.At(0, 1),
	}
	for i := 0; i < 3; i++ {
		c := p[i] * dsdTheta * dThetadCos * 0.5
		for d := 0; d < 3; d++ {
			out.Set(i, d*3+d, out.At(i, d*3+d)+c)
		}
	}
	return out
}

package spatialmath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// randomRotation builds a uniformly random rotation through a random unit
// quaternion, then converts it to a matrix.
func randomRotation(rnd *rand.Rand) *mat.Dense {
	q := quat.Number{Real: rnd.NormFloat64(), Imag: rnd.NormFloat64(), Jmag: rnd.NormFloat64(), Kmag: rnd.NormFloat64()}
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	w, x, y, z := q.Real/n, q.Imag/n, q.Jmag/n, q.Kmag/n
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

func TestExpLogRoundTrip(t *testing.T) {
	vs := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 0.1, Y: 0, Z: 0},
		{X: 0, Y: -0.4, Z: 0.2},
		{X: 1.2, Y: -0.7, Z: 0.3},
		{X: 1e-12, Y: 2e-12, Z: -1e-12},
	}
	for _, v := range vs {
		r := Exp(v)
		test.That(t, OrthonormalityError(r), test.ShouldBeLessThan, 1e-12)
		back := Log(r)
		test.That(t, back.X, test.ShouldAlmostEqual, v.X, 1e-9)
		test.That(t, back.Y, test.ShouldAlmostEqual, v.Y, 1e-9)
		test.That(t, back.Z, test.ShouldAlmostEqual, v.Z, 1e-9)
	}
}

func TestExpOfZeroIsIdentity(t *testing.T) {
	r := Exp(r3.Vector{})
	test.That(t, mat.EqualApprox(r, Identity(), 1e-15), test.ShouldBeTrue)
}

func TestRepeatedUpdatesStayOrthonormal(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	r := randomRotation(rnd)
	for i := 0; i < 500; i++ {
		delta := r3.Vector{X: rnd.NormFloat64(), Y: rnd.NormFloat64(), Z: rnd.NormFloat64()}.Mul(0.05)
		r = Compose(Exp(delta), r)
	}
	test.That(t, OrthonormalityError(r), test.ShouldBeLessThan, 1e-10)
}

func TestSkewUnskew(t *testing.T) {
	v := r3.Vector{X: 0.3, Y: -1.2, Z: 2.5}
	k := Skew(v)
	test.That(t, Unskew(k), test.ShouldResemble, v)

	// skew(v)*w == v x w
	w := r3.Vector{X: 1, Y: 2, Z: 3}
	var out mat.Dense
	out.Mul(k, mat.NewDense(3, 1, []float64{w.X, w.Y, w.Z}))
	cross := v.Cross(w)
	test.That(t, out.At(0, 0), test.ShouldAlmostEqual, cross.X)
	test.That(t, out.At(1, 0), test.ShouldAlmostEqual, cross.Y)
	test.That(t, out.At(2, 0), test.ShouldAlmostEqual, cross.Z)
}

func TestFlattenRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	r := randomRotation(rnd)
	flat := Flatten(r)
	test.That(t, flat, test.ShouldHaveLength, 9)
	test.That(t, mat.EqualApprox(FromFlat(flat), r, 0), test.ShouldBeTrue)
}

func TestLogOfComposedError(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	r := randomRotation(rnd)
	// log(R * R^T) must be zero.
	err := Log(Compose(r, Transpose(r)))
	test.That(t, err.Norm(), test.ShouldBeLessThan, 1e-12)
}

package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DistortionType is the name of the lens distortion model.
type DistortionType string

// RadialDistortionType is an odd radial polynomial model: the distorted
// radius is r * (1 + k1*r^2 + k2*r^4 + ...).
const RadialDistortionType = DistortionType("radial")

// Distortion models a lens distortion on normalized camera-plane points. All
// methods are pure in the explicit coefficient vector so that evaluations are
// reentrant under concurrent use by the solver.
type Distortion interface {
	Type() DistortionType
	NumParameters() int
	Apply(k []float64, pt r2.Point) r2.Point
	Remove(k []float64, pt r2.Point) r2.Point
	// JacApplyWrtPoint is the 2x2 derivative of Apply with respect to the point.
	JacApplyWrtPoint(k []float64, pt r2.Point) *mat.Dense
	// JacApplyWrtParams is the 2xN derivative of Apply with respect to k.
	JacApplyWrtParams(k []float64, pt r2.Point) *mat.Dense
}

// InvalidDistortionError is used when distortion coefficients are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrapf(errors.New("invalid distortion coefficients"), msg)
}

// Radial is a radial polynomial distortion with a configurable number of
// even-power coefficients. Degree 3 matches the k1/k2/k3 tail used by both
// supported camera models.
type Radial struct {
	Degree int `json:"degree"`
}

// NewRadial returns a radial distortion with the given coefficient count.
func NewRadial(degree int) (*Radial, error) {
	if degree < 1 {
		return nil, InvalidDistortionError("radial distortion needs at least one coefficient")
	}
	return &Radial{Degree: degree}, nil
}

// Type returns the type of distortion model.
func (rd *Radial) Type() DistortionType {
	return RadialDistortionType
}

// NumParameters returns the coefficient count.
func (rd *Radial) NumParameters() int {
	return rd.Degree
}

// scale evaluates the radial polynomial 1 + k1*r2 + k2*r2^2 + ... and its
// derivative with respect to r2.
func (rd *Radial) scale(k []float64, r2sq float64) (float64, float64) {
	f := 1.0
	fp := 0.0
	pow := 1.0
	for i := 0; i < rd.Degree; i++ {
		fp += float64(i+1) * k[i] * pow
		pow *= r2sq
		f += k[i] * pow
	}
	return f, fp
}

// Apply distorts an undistorted camera-plane point.
func (rd *Radial) Apply(k []float64, pt r2.Point) r2.Point {
	f, _ := rd.scale(k, pt.X*pt.X+pt.Y*pt.Y)
	return r2.Point{X: pt.X * f, Y: pt.Y * f}
}

// Remove undistorts a distorted camera-plane point with Newton iterations on
// the forward model.
func (rd *Radial) Remove(k []float64, pt r2.Point) r2.Point {
	const maxIterations = 20
	const tolerance = 1e-12

	u := pt
	for i := 0; i < maxIterations; i++ {
		est := rd.Apply(k, u)
		errX := est.X - pt.X
		errY := est.Y - pt.Y
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}
		j := rd.JacApplyWrtPoint(k, u)
		det := j.At(0, 0)*j.At(1, 1) - j.At(0, 1)*j.At(1, 0)
		if det == 0 {
			break
		}
		u.X -= (j.At(1, 1)*errX - j.At(0, 1)*errY) / det
		u.Y -= (-j.At(1, 0)*errX + j.At(0, 0)*errY) / det
	}
	return u
}

// JacApplyWrtPoint is d Apply / d pt.
func (rd *Radial) JacApplyWrtPoint(k []float64, pt r2.Point) *mat.Dense {
	r2sq := pt.X*pt.X + pt.Y*pt.Y
	f, fp := rd.scale(k, r2sq)
	return mat.NewDense(2, 2, []float64{
		f + 2*fp*pt.X*pt.X, 2 * fp * pt.X * pt.Y,
		2 * fp * pt.X * pt.Y, f + 2*fp*pt.Y*pt.Y,
	})
}

// JacApplyWrtParams is d Apply / d k.
func (rd *Radial) JacApplyWrtParams(k []float64, pt r2.Point) *mat.Dense {
	r2sq := pt.X*pt.X + pt.Y*pt.Y
	out := mat.NewDense(2, rd.Degree, nil)
	pow := r2sq
	for i := 0; i < rd.Degree; i++ {
		out.Set(0, i, pt.X*pow)
		out.Set(1, i, pt.Y*pow)
		pow *= r2sq
	}
	return out
}

// removeJacWrtPoint inverts the forward distortion Jacobian at the
// undistorted point, giving d Remove / d pt by the inverse function theorem.
func removeJacWrtPoint(d Distortion, k []float64, distorted r2.Point) *mat.Dense {
	u := d.Remove(k, distorted)
	j := d.JacApplyWrtPoint(k, u)
	return invert2x2(j)
}

// removeJacWrtParams differentiates the implicit equation Apply(u;k) = pt,
// giving d Remove / d k = -JacApplyWrtPoint(u)^-1 * JacApplyWrtParams(u).
func removeJacWrtParams(d Distortion, k []float64, distorted r2.Point) *mat.Dense {
	u := d.Remove(k, distorted)
	inv := invert2x2(d.JacApplyWrtPoint(k, u))
	var out mat.Dense
	out.Mul(inv, d.JacApplyWrtParams(k, u))
	out.Scale(-1, &out)
	return &out
}

func invert2x2(m *mat.Dense) *mat.Dense {
	det := m.At(0, 0)*m.At(1, 1) - m.At(0, 1)*m.At(1, 0)
	if math.Abs(det) < 1e-300 {
		det = math.Copysign(1e-300, det)
	}
	return mat.NewDense(2, 2, []float64{
		m.At(1, 1) / det, -m.At(0, 1) / det,
		-m.At(1, 0) / det, m.At(0, 0) / det,
	})
}

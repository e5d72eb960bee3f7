package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// minDepth guards the perspective division against rays grazing the image
// plane.
const minDepth = 1e-12

// Pinhole is the central-perspective camera model with a radial distortion
// tail of configurable length.
type Pinhole struct {
	intrinsicBase
}

// NewPinhole builds a pinhole model from a parameter vector
// [fx fy cx cy k1..kD] with a D-coefficient radial distortion tail.
func NewPinhole(width, height int, params []float64, distortionSize int) (*Pinhole, error) {
	dist, err := NewRadial(distortionSize)
	if err != nil {
		return nil, err
	}
	base, err := newIntrinsicBase(width, height, params, dist)
	if err != nil {
		return nil, err
	}
	return &Pinhole{base}, nil
}

// Type returns the model type.
func (ph *Pinhole) Type() ModelType {
	return PinholeType
}

// ToUnitSphere lifts an undistorted camera-plane point to the unit sphere by
// normalizing (x, y, 1).
func (ph *Pinhole) ToUnitSphere(pt r2.Point) r3.Vector {
	v := r3.Vector{X: pt.X, Y: pt.Y, Z: 1}
	return v.Mul(1 / v.Norm())
}

// ToUnitSphereJacWrtPoint is the 3x2 derivative of the lift.
func (ph *Pinhole) ToUnitSphereJacWrtPoint(pt r2.Point) *mat.Dense {
	n := r3.Vector{X: pt.X, Y: pt.Y, Z: 1}
	rho := n.Norm()
	rho3 := rho * rho * rho
	return mat.NewDense(3, 2, []float64{
		1/rho - n.X*n.X/rho3, -n.X * n.Y / rho3,
		-n.Y * n.X / rho3, 1/rho - n.Y*n.Y/rho3,
		-n.Z * n.X / rho3, -n.Z * n.Y / rho3,
	})
}

// plane applies the perspective division of a rotated ray.
func (ph *Pinhole) plane(pr r3.Vector) r2.Point {
	z := pr.Z
	if math.Abs(z) < minDepth {
		z = math.Copysign(minDepth, z)
		if z == 0 {
			z = minDepth
		}
	}
	return r2.Point{X: pr.X / z, Y: pr.Y / z}
}

// planeJac is d plane / d pr, 2x3.
func (ph *Pinhole) planeJac(pr r3.Vector) *mat.Dense {
	z := pr.Z
	if math.Abs(z) < minDepth {
		z = math.Copysign(minDepth, z)
		if z == 0 {
			z = minDepth
		}
	}
	return mat.NewDense(2, 3, []float64{
		1 / z, 0, -pr.X / (z * z),
		0, 1 / z, -pr.Y / (z * z),
	})
}

// Project maps a unit-sphere ray through rot into pixel space.
func (ph *Pinhole) Project(p []float64, rot mat.Matrix, s r3.Vector) r2.Point {
	pr := rotate(rot, s)
	cam := ph.plane(pr)
	d := ph.AddDistortion(p, cam)
	return ph.CamToIma(p, d)
}

// pixelJacWrtRay is d pixel / d (rotated ray), 2x3: the chain through the
// perspective division, the distortion, and the pixel mapping.
func (ph *Pinhole) pixelJacWrtRay(p []float64, pr r3.Vector) *mat.Dense {
	cam := ph.plane(pr)
	jDisto := ph.distortion.JacApplyWrtPoint(ph.distortionTail(p), cam)
	var j mat.Dense
	j.Mul(jDisto, ph.planeJac(pr))
	scaleRows(&j, p[0], p[1])
	return &j
}

// ProjectJacWrtRotation is d pixel / d vec(rot), 2x9.
func (ph *Pinhole) ProjectJacWrtRotation(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense {
	pr := rotate(rot, s)
	var out mat.Dense
	out.Mul(ph.pixelJacWrtRay(p, pr), rotateJacWrtRotation(s))
	return &out
}

// ProjectJacWrtPoint is d pixel / d s, 2x3.
func (ph *Pinhole) ProjectJacWrtPoint(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense {
	pr := rotate(rot, s)
	var out mat.Dense
	out.Mul(ph.pixelJacWrtRay(p, pr), rot)
	return &out
}

// ProjectJacWrtScale is the direct partial of the pixel mapping with respect
// to (fx, fy), holding the distorted plane point fixed.
func (ph *Pinhole) ProjectJacWrtScale(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense {
	d := ph.AddDistortion(p, ph.plane(rotate(rot, s)))
	return mat.NewDense(2, 2, []float64{
		d.X, 0,
		0, d.Y,
	})
}

// ProjectJacWrtDistortion is the direct partial with respect to the
// distortion tail, 2xD.
func (ph *Pinhole) ProjectJacWrtDistortion(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense {
	cam := ph.plane(rotate(rot, s))
	var out mat.Dense
	out.CloneFrom(ph.distortion.JacApplyWrtParams(ph.distortionTail(p), cam))
	scaleRows(&out, p[0], p[1])
	return &out
}

// rotate applies a 3x3 rotation to a vector.
func rotate(rot mat.Matrix, s r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*s.X + rot.At(0, 1)*s.Y + rot.At(0, 2)*s.Z,
		Y: rot.At(1, 0)*s.X + rot.At(1, 1)*s.Y + rot.At(1, 2)*s.Z,
		Z: rot.At(2, 0)*s.X + rot.At(2, 1)*s.Y + rot.At(2, 2)*s.Z,
	}
}

// rotateJacWrtRotation is d (rot*s) / d vec(rot), 3x9: row i holds s in
// columns 3i..3i+2.
func rotateJacWrtRotation(s r3.Vector) *mat.Dense {
	out := mat.NewDense(3, 9, nil)
	for i := 0; i < 3; i++ {
		out.Set(i, i*3+0, s.X)
		out.Set(i, i*3+1, s.Y)
		out.Set(i, i*3+2, s.Z)
	}
	return out
}

// scaleRows multiplies row 0 by fx and row 1 by fy in place.
func scaleRows(m *mat.Dense, fx, fy float64) {
	_, cols := m.Dims()
	for c := 0; c < cols; c++ {
		m.Set(0, c, m.At(0, c)*fx)
		m.Set(1, c, m.At(1, c)*fy)
	}
}

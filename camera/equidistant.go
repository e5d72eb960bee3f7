package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// equidistantDistortionSize is the fixed distortion-tail length of the
// spherical model.
const equidistantDistortionSize = 3

// minRadius guards angle computations against rays along the optical axis.
const minRadius = 1e-12

// Equidistant is the spherical/fisheye camera model: the camera-plane radius
// equals the angle between the ray and the optical axis, with a fixed
// three-coefficient radial distortion tail.
type Equidistant struct {
	intrinsicBase
}

// NewEquidistant builds an equidistant model from a parameter vector
// [fx fy cx cy k1 k2 k3].
func NewEquidistant(width, height int, params []float64) (*Equidistant, error) {
	dist, err := NewRadial(equidistantDistortionSize)
	if err != nil {
		return nil, err
	}
	base, err := newIntrinsicBase(width, height, params, dist)
	if err != nil {
		return nil, err
	}
	return &Equidistant{base}, nil
}

// Type returns the model type.
func (eq *Equidistant) Type() ModelType {
	return EquidistantType
}

// ToUnitSphere lifts an undistorted camera-plane point: the point's radius is
// the elevation angle off the optical axis.
func (eq *Equidistant) ToUnitSphere(pt r2.Point) r3.Vector {
	r := math.Hypot(pt.X, pt.Y)
	a := sinc(r)
	return r3.Vector{X: pt.X * a, Y: pt.Y * a, Z: math.Cos(r)}
}

// ToUnitSphereJacWrtPoint is the 3x2 derivative of the lift.
func (eq *Equidistant) ToUnitSphereJacWrtPoint(pt r2.Point) *mat.Dense {
	r := math.Hypot(pt.X, pt.Y)
	a := sinc(r)
	// g = d sinc(r) / d(r^2) * 2 ... expressed directly as
	// (r cos r - sin r)/r^3, the derivative of sinc through the radius.
	var g float64
	if r < minRadius {
		g = -1.0 / 3.0
	} else {
		g = (r*math.Cos(r) - math.Sin(r)) / (r * r * r)
	}
	return mat.NewDense(3, 2, []float64{
		a + pt.X*pt.X*g, pt.X * pt.Y * g,
		pt.X * pt.Y * g, a + pt.Y*pt.Y*g,
		-a * pt.X, -a * pt.Y,
	})
}

// plane maps a rotated ray to the camera plane through the equidistant
// angle mapping.
func (eq *Equidistant) plane(pr r3.Vector) r2.Point {
	rxy := math.Hypot(pr.X, pr.Y)
	if rxy < minRadius {
		return r2.Point{}
	}
	theta := math.Atan2(rxy, pr.Z)
	return r2.Point{X: theta * pr.X / rxy, Y: theta * pr.Y / rxy}
}

// planeJac is d plane / d pr, 2x3.
func (eq *Equidistant) planeJac(pr r3.Vector) *mat.Dense {
	rxy := math.Hypot(pr.X, pr.Y)
	if rxy < minRadius {
		rxy = minRadius
	}
	rho2 := pr.X*pr.X + pr.Y*pr.Y + pr.Z*pr.Z
	theta := math.Atan2(rxy, pr.Z)
	cosPhi := pr.X / rxy
	sinPhi := pr.Y / rxy

	// d theta / d pr and d phi / d pr.
	dTheta := []float64{pr.Z * pr.X / (rho2 * rxy), pr.Z * pr.Y / (rho2 * rxy), -rxy / rho2}
	dPhi := []float64{-pr.Y / (rxy * rxy), pr.X / (rxy * rxy), 0}

	out := mat.NewDense(2, 3, nil)
	for c := 0; c < 3; c++ {
		out.Set(0, c, cosPhi*dTheta[c]-theta*sinPhi*dPhi[c])
		out.Set(1, c, sinPhi*dTheta[c]+theta*cosPhi*dPhi[c])
	}
	return out
}

// Project maps a unit-sphere ray through rot into pixel space.
func (eq *Equidistant) Project(p []float64, rot mat.Matrix, s r3.Vector) r2.Point {
	pr := rotate(rot, s)
	cam := eq.plane(pr)
	d := eq.AddDistortion(p, cam)
	return eq.CamToIma(p, d)
}

// pixelJacWrtRay is d pixel / d (rotated ray), 2x3.
func (eq *Equidistant) pixelJacWrtRay(p []float64, pr r3.Vector) *mat.Dense {
	cam := eq.plane(pr)
	jDisto := eq.distortion.JacApplyWrtPoint(eq.distortionTail(p), cam)
	var j mat.Dense
	j.Mul(jDisto, eq.planeJac(pr))
	scaleRows(&j, p[0], p[1])
	return &j
}

// ProjectJacWrtRotation is d pixel / d vec(rot), 2x9.
func (eq *Equidistant) ProjectJacWrtRotation(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense {
	pr := rotate(rot, s)
	var out mat.Dense
	out.Mul(eq.pixelJacWrtRay(p, pr), rotateJacWrtRotation(s))
	return &out
}

// ProjectJacWrtPoint is d pixel / d s, 2x3.
func (eq *Equidistant) ProjectJacWrtPoint(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense {
	pr := rotate(rot, s)
	var out mat.Dense
	out.Mul(eq.pixelJacWrtRay(p, pr), rot)
	return &out
}

// ProjectJacWrtScale is the direct partial with respect to (fx, fy).
func (eq *Equidistant) ProjectJacWrtScale(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense {
	d := eq.AddDistortion(p, eq.plane(rotate(rot, s)))
	return mat.NewDense(2, 2, []float64{
		d.X, 0,
		0, d.Y,
	})
}

// ProjectJacWrtDistortion is the direct partial with respect to the
// distortion tail, 2x3.
func (eq *Equidistant) ProjectJacWrtDistortion(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense {
	cam := eq.plane(rotate(rot, s))
	var out mat.Dense
	out.CloneFrom(eq.distortion.JacApplyWrtParams(eq.distortionTail(p), cam))
	scaleRows(&out, p[0], p[1])
	return &out
}

// sinc is sin(r)/r with a Taylor fallback near zero.
func sinc(r float64) float64 {
	if r < minRadius {
		return 1.0 - r*r/6.0
	}
	return math.Sin(r) / r
}

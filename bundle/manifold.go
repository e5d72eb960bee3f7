// Package bundle refines camera orientations, rig sub-pose offsets, and lens
// intrinsics of a panoramic camera network by minimizing reprojection error
// over pairwise angular correspondences and optional relative-rotation
// priors. Rotations live on SO(3) through a local parameterization; intrinsic
// vectors use a subset parameterization driven by per-group lock flags.
package bundle

import (
	"github.com/golang/geo/r3"

	"github.com/panocv/panosfm/spatialmath"
)

// rotationManifold keeps a 9-element row-major rotation block on SO(3). An
// update left-multiplies the block by the exponential of the 3-vector tangent
// increment, so iterates never drift off the manifold.
type rotationManifold struct{}

func (rotationManifold) GlobalSize() int { return 9 }
func (rotationManifold) LocalSize() int  { return 3 }

func (rotationManifold) Plus(x, delta, xPlusDelta []float64) {
	update := spatialmath.Exp(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
	copy(xPlusDelta, spatialmath.Flatten(spatialmath.Compose(update, spatialmath.FromFlat(x))))
}

func (rotationManifold) PlusJacobian(x, jacobian []float64) {
	j := spatialmath.JacobianExpTimesXWrtTangent(spatialmath.FromFlat(x))
	copy(jacobian, j.RawMatrix().Data)
}

// intrinsicsManifold exposes only the unlocked groups of an intrinsic vector
// [fx fy cx cy k...] as local coordinates, walking the groups in the fixed
// order focal, center, distortion. A focal-ratio lock collapses the two focal
// coordinates onto one local delta, applied to fx directly and to fy scaled
// by the ratio captured at construction time. Rebuild the manifold whenever a
// lock flag or the ratio changes.
type intrinsicsManifold struct {
	globalSize     int
	localSize      int
	distortionSize int
	focalRatio     float64

	lockFocal      bool
	lockFocalRatio bool
	lockCenter     bool
	lockDistortion bool
}

func newIntrinsicsManifold(globalSize int, focalRatio float64, lockFocal, lockFocalRatio, lockCenter, lockDistortion bool) *intrinsicsManifold {
	m := &intrinsicsManifold{
		globalSize:     globalSize,
		distortionSize: globalSize - 4,
		focalRatio:     focalRatio,
		lockFocal:      lockFocal,
		lockFocalRatio: lockFocalRatio,
		lockCenter:     lockCenter,
		lockDistortion: lockDistortion,
	}
	if !lockFocal {
		if lockFocalRatio {
			m.localSize++
		} else {
			m.localSize += 2
		}
	}
	if !lockCenter {
		m.localSize += 2
	}
	if !lockDistortion {
		m.localSize += m.distortionSize
	}
	return m
}

func (m *intrinsicsManifold) GlobalSize() int { return m.globalSize }
func (m *intrinsicsManifold) LocalSize() int  { return m.localSize }

func (m *intrinsicsManifold) Plus(x, delta, xPlusDelta []float64) {
	copy(xPlusDelta, x)

	pos := 0
	if !m.lockFocal {
		if m.lockFocalRatio {
			xPlusDelta[0] = x[0] + delta[pos]
			xPlusDelta[1] = x[1] + m.focalRatio*delta[pos]
			pos++
		} else {
			xPlusDelta[0] = x[0] + delta[pos]
			pos++
			xPlusDelta[1] = x[1] + delta[pos]
			pos++
		}
	}
	if !m.lockCenter {
		xPlusDelta[2] = x[2] + delta[pos]
		pos++
		xPlusDelta[3] = x[3] + delta[pos]
		pos++
	}
	if !m.lockDistortion {
		for i := 0; i < m.distortionSize; i++ {
			xPlusDelta[4+i] = x[4+i] + delta[pos]
			pos++
		}
	}
}

func (m *intrinsicsManifold) PlusJacobian(x, jacobian []float64) {
	for i := range jacobian {
		jacobian[i] = 0
	}
	set := func(row, col int, v float64) {
		jacobian[row*m.localSize+col] = v
	}

	pos := 0
	if !m.lockFocal {
		if m.lockFocalRatio {
			set(0, pos, 1)
			set(1, pos, m.focalRatio)
			pos++
		} else {
			set(0, pos, 1)
			pos++
			set(1, pos, 1)
			pos++
		}
	}
	if !m.lockCenter {
		set(2, pos, 1)
		pos++
		set(3, pos, 1)
		pos++
	}
	if !m.lockDistortion {
		for i := 0; i < m.distortionSize; i++ {
			set(4+i, pos, 1)
			pos++
		}
	}
}

package bundle

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/panocv/panosfm/camera"
	"github.com/panocv/panosfm/spatialmath"
)

// rigConfig captures how a residual's two endpoints relate to rig sub-poses.
// sharedRig means both endpoints reference the identical sub-pose block, in
// which case the second rig block is omitted from the parameter signature and
// its contribution folds additively into the first rig Jacobian.
type rigConfig struct {
	withRigFirst  bool
	withRigSecond bool
	sharedRig     bool
}

func (c rigConfig) appendBlockSizes(sizes []int) []int {
	if c.withRigFirst {
		sizes = append(sizes, 9)
	}
	if c.withRigSecond && !c.sharedRig {
		sizes = append(sizes, 9)
	}
	return sizes
}

// rigRotations resolves the two sub-pose rotations and their parameter
// indices (or -1 when absent) from the trailing blocks starting at base.
func (c rigConfig) rigRotations(params [][]float64, base int) (ciRi, cjRj *mat.Dense, firstIdx, secondIdx int) {
	ciRi = spatialmath.Identity()
	cjRj = spatialmath.Identity()
	firstIdx, secondIdx = -1, -1
	next := base
	if c.withRigFirst {
		firstIdx = next
		next++
		ciRi = spatialmath.FromFlat(params[firstIdx])
	}
	if c.withRigSecond {
		if c.sharedRig {
			cjRj = spatialmath.FromFlat(params[firstIdx])
		} else {
			secondIdx = next
			cjRj = spatialmath.FromFlat(params[secondIdx])
		}
	}
	return ciRi, cjRj, firstIdx, secondIdx
}

func mulChain(ms ...mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(ms[0])
	for _, m := range ms[1:] {
		var next mat.Dense
		next.Mul(out, m)
		out = &next
	}
	return out
}

func fillJacobian(dst []float64, m *mat.Dense) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		copy(dst[i*cols:(i+1)*cols], m.RawRowView(i))
	}
}

// reprojectionCost measures how far view i's observation, lifted to the unit
// sphere and rotated into view j's frame, lands from view j's observation.
// Parameter blocks: [pose_i(9), pose_j(9), intrinsics(N), rig_i(9)?,
// rig_j(9)?]. Jacobians are emitted in the 9-wide global rotation
// coordinates; the manifold's local mapping is applied by the solver.
type reprojectionCost struct {
	obsFirst  r2.Point
	obsSecond r2.Point
	model     camera.Model
	numParams int
	rig       rigConfig
}

func newReprojectionCost(obsFirst, obsSecond r2.Point, model camera.Model, rig rigConfig) *reprojectionCost {
	return &reprojectionCost{
		obsFirst:  obsFirst,
		obsSecond: obsSecond,
		model:     model,
		numParams: 4 + model.DistortionSize(),
		rig:       rig,
	}
}

func (c *reprojectionCost) NumResiduals() int { return 2 }

func (c *reprojectionCost) ParameterBlockSizes() []int {
	return c.rig.appendBlockSizes([]int{9, 9, c.numParams})
}

func (c *reprojectionCost) Evaluate(params [][]float64, residuals []float64, jacobians [][]float64) error {
	iRo := spatialmath.FromFlat(params[0])
	jRo := spatialmath.FromFlat(params[1])
	intr := params[2]
	ciRi, cjRj, rigFirstIdx, rigSecondIdx := c.rig.rigRotations(params, 3)

	ciRo := spatialmath.Compose(ciRi, iRo)
	cjRo := spatialmath.Compose(cjRj, jRo)
	ciRoT := spatialmath.Transpose(ciRo)
	rel := spatialmath.Compose(cjRo, ciRoT)

	cam := c.model.ImaToCam(intr, c.obsFirst)
	undist := c.model.RemoveDistortion(intr, cam)
	sphere := c.model.ToUnitSphere(undist)
	est := c.model.Project(intr, rel, sphere)

	residuals[0] = est.X - c.obsSecond.X
	residuals[1] = est.Y - c.obsSecond.Y

	if jacobians == nil {
		return nil
	}

	jr := c.model.ProjectJacWrtRotation(intr, rel, sphere)

	if jacobians[0] != nil {
		fillJacobian(jacobians[0], mulChain(jr,
			spatialmath.JacobianABWrtB(cjRo),
			spatialmath.JacobianTransposeWrtA(),
			spatialmath.JacobianABWrtB(ciRi)))
	}
	if jacobians[1] != nil {
		fillJacobian(jacobians[1], mulChain(jr,
			spatialmath.JacobianABWrtA(ciRoT),
			spatialmath.JacobianABWrtB(cjRj)))
	}
	if jacobians[2] != nil {
		c.intrinsicsJacobian(jacobians[2], intr, rel, sphere, cam, undist)
	}
	if rigFirstIdx >= 0 && jacobians[rigFirstIdx] != nil {
		j := mulChain(jr,
			spatialmath.JacobianABWrtB(cjRo),
			spatialmath.JacobianTransposeWrtA(),
			spatialmath.JacobianABWrtA(iRo))
		if c.rig.sharedRig {
			// Both endpoints move with the same sub-pose block, so the
			// second appearance accumulates by the product rule.
			j.Add(j, mulChain(jr,
				spatialmath.JacobianABWrtA(ciRoT),
				spatialmath.JacobianABWrtA(jRo)))
		}
		fillJacobian(jacobians[rigFirstIdx], j)
	}
	if rigSecondIdx >= 0 && jacobians[rigSecondIdx] != nil {
		fillJacobian(jacobians[rigSecondIdx], mulChain(jr,
			spatialmath.JacobianABWrtA(ciRoT),
			spatialmath.JacobianABWrtA(jRo)))
	}

	return nil
}

// intrinsicsJacobian assembles the 2xN block [scale | principal point |
// distortion]. Each group has a direct term through the projection plus an
// indirect term through the lift of the first observation, which was mapped
// to the sphere with the same parameters being differentiated.
func (c *reprojectionCost) intrinsicsJacobian(dst, intr []float64, rel mat.Matrix, sphere r3.Vector, cam, undist r2.Point) {
	common := mulChain(
		c.model.ProjectJacWrtPoint(intr, rel, sphere),
		c.model.ToUnitSphereJacWrtPoint(undist))
	through := mulChain(common, c.model.RemoveDistortionJacWrtPoint(intr, cam))

	jScale := mulChain(through, c.model.ImaToCamJacWrtScale(intr, c.obsFirst))
	jScale.Add(jScale, c.model.ProjectJacWrtScale(intr, rel, sphere))

	jCenter := mulChain(through, c.model.ImaToCamJacWrtPrincipalPoint(intr))
	jCenter.Add(jCenter, c.model.ProjectJacWrtPrincipalPoint())

	jDisto := mulChain(common, c.model.RemoveDistortionJacWrtParams(intr, cam))
	jDisto.Add(jDisto, c.model.ProjectJacWrtDistortion(intr, rel, sphere))

	n := c.numParams
	for r := 0; r < 2; r++ {
		row := dst[r*n : (r+1)*n]
		row[0], row[1] = jScale.At(r, 0), jScale.At(r, 1)
		row[2], row[3] = jCenter.At(r, 0), jCenter.At(r, 1)
		for k := 0; k < n-4; k++ {
			row[4+k] = jDisto.At(r, k)
		}
	}
}

// rotationPriorCost penalizes the angular deviation between a measured
// relative rotation and the one implied by the two endpoints' base poses and
// sub-poses. The residual is the logarithm map of the composition error.
// Parameter blocks: [pose_1(9), pose_2(9), rig_1(9)?, rig_2(9)?].
type rotationPriorCost struct {
	secondRFirst  *mat.Dense
	secondRFirstT *mat.Dense
	rig           rigConfig
}

func newRotationPriorCost(secondRFirst *mat.Dense, rig rigConfig) *rotationPriorCost {
	return &rotationPriorCost{
		secondRFirst:  secondRFirst,
		secondRFirstT: spatialmath.Transpose(secondRFirst),
		rig:           rig,
	}
}

func (c *rotationPriorCost) NumResiduals() int { return 3 }

func (c *rotationPriorCost) ParameterBlockSizes() []int {
	return c.rig.appendBlockSizes([]int{9, 9})
}

func (c *rotationPriorCost) Evaluate(params [][]float64, residuals []float64, jacobians [][]float64) error {
	oneRo := spatialmath.FromFlat(params[0])
	twoRo := spatialmath.FromFlat(params[1])
	coneRone, ctwoRtwo, rigFirstIdx, rigSecondIdx := c.rig.rigRotations(params, 2)

	coneRo := spatialmath.Compose(coneRone, oneRo)
	ctwoRo := spatialmath.Compose(ctwoRtwo, twoRo)
	coneRoT := spatialmath.Transpose(coneRo)
	est := spatialmath.Compose(ctwoRo, coneRoT)
	errorR := spatialmath.Compose(est, c.secondRFirstT)
	errorVec := spatialmath.Log(errorR)

	residuals[0] = errorVec.X
	residuals[1] = errorVec.Y
	residuals[2] = errorVec.Z

	if jacobians == nil {
		return nil
	}

	// 3x9 partial of the log-map residual with respect to the estimated
	// relative rotation.
	jl := mulChain(
		spatialmath.JacobianLogWrtR(errorR),
		spatialmath.JacobianABWrtA(c.secondRFirstT))

	if jacobians[0] != nil {
		fillJacobian(jacobians[0], mulChain(jl,
			spatialmath.JacobianABWrtB(ctwoRo),
			spatialmath.JacobianTransposeWrtA(),
			spatialmath.JacobianABWrtB(coneRone)))
	}
	if jacobians[1] != nil {
		fillJacobian(jacobians[1], mulChain(jl,
			spatialmath.JacobianABWrtA(coneRoT),
			spatialmath.JacobianABWrtB(ctwoRtwo)))
	}
	if rigFirstIdx >= 0 && jacobians[rigFirstIdx] != nil {
		j := mulChain(jl,
			spatialmath.JacobianABWrtB(ctwoRo),
			spatialmath.JacobianTransposeWrtA(),
			spatialmath.JacobianABWrtA(oneRo))
		if c.rig.sharedRig {
			j.Add(j, mulChain(jl,
				spatialmath.JacobianABWrtA(coneRoT),
				spatialmath.JacobianABWrtA(twoRo)))
		}
		fillJacobian(jacobians[rigFirstIdx], j)
	}
	if rigSecondIdx >= 0 && jacobians[rigSecondIdx] != nil {
		fillJacobian(jacobians[rigSecondIdx], mulChain(jl,
			spatialmath.JacobianABWrtA(coneRoT),
			spatialmath.JacobianABWrtA(twoRo)))
	}

	return nil
}

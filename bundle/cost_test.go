package bundle

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/panocv/panosfm/camera"
	"github.com/panocv/panosfm/nlls"
	"github.com/panocv/panosfm/spatialmath"
)

func testPinhole(t *testing.T) camera.Model {
	t.Helper()
	model, err := camera.NewFromConfig(&camera.Config{
		Type:       camera.PinholeType,
		Width:      1000,
		Height:     800,
		Fx:         500,
		Fy:         500,
		Distortion: []float64{0.01, -0.002, 0.0005},
	})
	test.That(t, err, test.ShouldBeNil)
	return model
}

func testEquidistant(t *testing.T) camera.Model {
	t.Helper()
	model, err := camera.NewFromConfig(&camera.Config{
		Type:       camera.EquidistantType,
		Width:      1000,
		Height:     1000,
		Fx:         400,
		Fy:         400,
		Distortion: []float64{0.01, -0.002, 0.0005},
	})
	test.That(t, err, test.ShouldBeNil)
	return model
}

// projectThrough maps an observation in view i to its expected pixel in view
// j given the two global rotations and optional sub-pose offsets.
func projectThrough(model camera.Model, intr []float64, ciRi, iRo, cjRj, jRo *mat.Dense, obs r2.Point) r2.Point {
	ciRo := spatialmath.Compose(ciRi, iRo)
	cjRo := spatialmath.Compose(cjRj, jRo)
	rel := spatialmath.Compose(cjRo, spatialmath.Transpose(ciRo))
	cam := model.ImaToCam(intr, obs)
	sphere := model.ToUnitSphere(model.RemoveDistortion(intr, cam))
	return model.Project(intr, rel, sphere)
}

// smallRotationBlock keeps test rotations well away from the camera's
// horizon and the log map's antipode, where finite differences degrade.
func smallRotationBlock(r *rand.Rand) []float64 {
	v := r3.Vector{X: 0.1 * r.NormFloat64(), Y: 0.1 * r.NormFloat64(), Z: 0.1 * r.NormFloat64()}
	return spatialmath.Flatten(spatialmath.Exp(v))
}

func evalResiduals(t *testing.T, c nlls.CostFunction, params [][]float64) []float64 {
	t.Helper()
	res := make([]float64, c.NumResiduals())
	test.That(t, c.Evaluate(params, res, nil), test.ShouldBeNil)
	return res
}

// checkCostJacobians compares every analytic Jacobian of a cost function
// against central differences in the global parameterization.
func checkCostJacobians(t *testing.T, c nlls.CostFunction, params [][]float64) {
	t.Helper()
	sizes := c.ParameterBlockSizes()
	n := c.NumResiduals()

	jacs := make([][]float64, len(sizes))
	for i, size := range sizes {
		jacs[i] = make([]float64, n*size)
	}
	res := make([]float64, n)
	test.That(t, c.Evaluate(params, res, jacs), test.ShouldBeNil)

	const h = 1e-7
	for b, size := range sizes {
		for k := 0; k < size; k++ {
			orig := params[b][k]
			params[b][k] = orig + h
			plus := evalResiduals(t, c, params)
			params[b][k] = orig - h
			minus := evalResiduals(t, c, params)
			params[b][k] = orig

			for r := 0; r < n; r++ {
				fd := (plus[r] - minus[r]) / (2 * h)
				got := jacs[b][r*size+k]
				test.That(t, got, test.ShouldAlmostEqual, fd, 1e-4*(1+math.Abs(fd)))
			}
		}
	}
}

func TestReprojectionCostZeroResidual(t *testing.T) {
	for _, tc := range []struct {
		name  string
		model camera.Model
	}{
		{"pinhole", testPinhole(t)},
		{"equidistant", testEquidistant(t)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			intr := tc.model.Params()
			iRo := spatialmath.Exp(r3.Vector{Y: 0.1})
			jRo := spatialmath.Exp(r3.Vector{Y: 0.25, X: 0.02})

			obs := r2.Point{X: 420, Y: 350}
			expected := projectThrough(tc.model, intr,
				spatialmath.Identity(), iRo, spatialmath.Identity(), jRo, obs)

			cost := newReprojectionCost(obs, expected, tc.model, rigConfig{})
			test.That(t, cost.ParameterBlockSizes(), test.ShouldResemble, []int{9, 9, len(intr)})

			params := [][]float64{spatialmath.Flatten(iRo), spatialmath.Flatten(jRo), intr}
			res := evalResiduals(t, cost, params)
			test.That(t, res[0], test.ShouldAlmostEqual, 0, 1e-9)
			test.That(t, res[1], test.ShouldAlmostEqual, 0, 1e-9)
		})
	}
}

func TestReprojectionCostMirroredResiduals(t *testing.T) {
	model := testPinhole(t)
	intr := model.Params()
	iRo := spatialmath.Identity()
	jRo := spatialmath.Exp(r3.Vector{Y: 0.2})

	obs1 := r2.Point{X: 620, Y: 350}
	obs2 := projectThrough(model, intr, spatialmath.Identity(), iRo, spatialmath.Identity(), jRo, obs1)

	direct := newReprojectionCost(obs1, obs2, model, rigConfig{})
	mirrored := newReprojectionCost(obs2, obs1, model, rigConfig{})
	norm := func(res []float64) float64 { return math.Hypot(res[0], res[1]) }

	// both directions vanish at the consistent configuration
	dRes := evalResiduals(t, direct, [][]float64{spatialmath.Flatten(iRo), spatialmath.Flatten(jRo), intr})
	mRes := evalResiduals(t, mirrored, [][]float64{spatialmath.Flatten(jRo), spatialmath.Flatten(iRo), intr})
	test.That(t, norm(dRes), test.ShouldBeLessThan, 1e-9)
	test.That(t, norm(mRes), test.ShouldBeLessThan, 1e-9)

	// and grow together as the second pose drifts
	prevDirect, prevMirrored := 0.0, 0.0
	for _, eps := range []float64{0.005, 0.01, 0.02} {
		drifted := spatialmath.Flatten(spatialmath.Compose(spatialmath.Exp(r3.Vector{X: eps}), jRo))
		d := norm(evalResiduals(t, direct, [][]float64{spatialmath.Flatten(iRo), drifted, intr}))
		m := norm(evalResiduals(t, mirrored, [][]float64{drifted, spatialmath.Flatten(iRo), intr}))
		test.That(t, d, test.ShouldBeGreaterThan, prevDirect)
		test.That(t, m, test.ShouldBeGreaterThan, prevMirrored)
		prevDirect, prevMirrored = d, m
	}
}

func TestReprojectionCostJacobians(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	models := map[string]camera.Model{
		"pinhole":     testPinhole(t),
		"equidistant": testEquidistant(t),
	}

	for name, model := range models {
		intr := model.Params()
		obsFirst := r2.Point{X: 420, Y: 350}
		obsSecond := r2.Point{X: 500, Y: 380}

		t.Run(name+" no rig", func(t *testing.T) {
			cost := newReprojectionCost(obsFirst, obsSecond, model, rigConfig{})
			params := [][]float64{smallRotationBlock(r), smallRotationBlock(r), append([]float64(nil), intr...)}
			checkCostJacobians(t, cost, params)
		})

		t.Run(name+" both rigs distinct", func(t *testing.T) {
			cost := newReprojectionCost(obsFirst, obsSecond, model,
				rigConfig{withRigFirst: true, withRigSecond: true})
			test.That(t, cost.ParameterBlockSizes(), test.ShouldResemble, []int{9, 9, len(intr), 9, 9})
			params := [][]float64{
				smallRotationBlock(r), smallRotationBlock(r), append([]float64(nil), intr...),
				smallRotationBlock(r), smallRotationBlock(r),
			}
			checkCostJacobians(t, cost, params)
		})

		t.Run(name+" shared rig", func(t *testing.T) {
			cost := newReprojectionCost(obsFirst, obsSecond, model,
				rigConfig{withRigFirst: true, withRigSecond: true, sharedRig: true})
			test.That(t, cost.ParameterBlockSizes(), test.ShouldResemble, []int{9, 9, len(intr), 9})
			params := [][]float64{
				smallRotationBlock(r), smallRotationBlock(r), append([]float64(nil), intr...),
				smallRotationBlock(r),
			}
			checkCostJacobians(t, cost, params)
		})

		t.Run(name+" rig on second endpoint only", func(t *testing.T) {
			cost := newReprojectionCost(obsFirst, obsSecond, model,
				rigConfig{withRigSecond: true})
			test.That(t, cost.ParameterBlockSizes(), test.ShouldResemble, []int{9, 9, len(intr), 9})
			params := [][]float64{
				smallRotationBlock(r), smallRotationBlock(r), append([]float64(nil), intr...),
				smallRotationBlock(r),
			}
			checkCostJacobians(t, cost, params)
		})
	}
}

func TestRotationPriorCostResidual(t *testing.T) {
	oneRo := spatialmath.Exp(r3.Vector{Y: 0.2})
	twoRo := spatialmath.Exp(r3.Vector{Y: 0.5, Z: 0.1})
	prior := spatialmath.Compose(twoRo, spatialmath.Transpose(oneRo))

	cost := newRotationPriorCost(prior, rigConfig{})
	test.That(t, cost.ParameterBlockSizes(), test.ShouldResemble, []int{9, 9})

	params := [][]float64{spatialmath.Flatten(oneRo), spatialmath.Flatten(twoRo)}
	res := evalResiduals(t, cost, params)
	for i := range res {
		test.That(t, res[i], test.ShouldAlmostEqual, 0, 1e-12)
	}

	// a deviated prior produces the angle of the deviation
	deviated := spatialmath.Compose(spatialmath.Exp(r3.Vector{X: 0.05}), prior)
	cost = newRotationPriorCost(deviated, rigConfig{})
	res = evalResiduals(t, cost, params)
	norm := math.Sqrt(res[0]*res[0] + res[1]*res[1] + res[2]*res[2])
	test.That(t, norm, test.ShouldAlmostEqual, 0.05, 1e-9)
}

func TestRotationPriorCostJacobians(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	prior := spatialmath.Exp(r3.Vector{X: 0.3, Y: -0.2, Z: 0.4})

	t.Run("no rig", func(t *testing.T) {
		cost := newRotationPriorCost(prior, rigConfig{})
		params := [][]float64{smallRotationBlock(r), smallRotationBlock(r)}
		checkCostJacobians(t, cost, params)
	})

	t.Run("both rigs distinct", func(t *testing.T) {
		cost := newRotationPriorCost(prior, rigConfig{withRigFirst: true, withRigSecond: true})
		test.That(t, cost.ParameterBlockSizes(), test.ShouldResemble, []int{9, 9, 9, 9})
		params := [][]float64{
			smallRotationBlock(r), smallRotationBlock(r),
			smallRotationBlock(r), smallRotationBlock(r),
		}
		checkCostJacobians(t, cost, params)
	})

	t.Run("shared rig", func(t *testing.T) {
		cost := newRotationPriorCost(prior, rigConfig{withRigFirst: true, withRigSecond: true, sharedRig: true})
		test.That(t, cost.ParameterBlockSizes(), test.ShouldResemble, []int{9, 9, 9})
		params := [][]float64{
			smallRotationBlock(r), smallRotationBlock(r), smallRotationBlock(r),
		}
		checkCostJacobians(t, cost, params)
	})
}

package nlls

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.viam.com/test"
)

// quadraticCost fits a single scalar x to a target: r = x - target.
type quadraticCost struct {
	target float64
}

func (quadraticCost) NumResiduals() int          { return 1 }
func (quadraticCost) ParameterBlockSizes() []int { return []int{1} }

func (c quadraticCost) Evaluate(params [][]float64, residuals []float64, jacobians [][]float64) error {
	residuals[0] = params[0][0] - c.target
	if jacobians != nil && jacobians[0] != nil {
		jacobians[0][0] = 1
	}
	return nil
}

// rosenbrockCost is the classic banana valley split into two residuals over
// one 2-vector block.
type rosenbrockCost struct{}

func (rosenbrockCost) NumResiduals() int          { return 2 }
func (rosenbrockCost) ParameterBlockSizes() []int { return []int{2} }

func (rosenbrockCost) Evaluate(params [][]float64, residuals []float64, jacobians [][]float64) error {
	x, y := params[0][0], params[0][1]
	residuals[0] = 10 * (y - x*x)
	residuals[1] = 1 - x
	if jacobians != nil && jacobians[0] != nil {
		j := jacobians[0]
		j[0], j[1] = -20*x, 10
		j[2], j[3] = -1, 0
	}
	return nil
}

// sumCost spans two scalar blocks: r = a + b.
type sumCost struct{}

func (sumCost) NumResiduals() int          { return 1 }
func (sumCost) ParameterBlockSizes() []int { return []int{1, 1} }

func (sumCost) Evaluate(params [][]float64, residuals []float64, jacobians [][]float64) error {
	residuals[0] = params[0][0] + params[1][0]
	if jacobians != nil {
		if jacobians[0] != nil {
			jacobians[0][0] = 1
		}
		if jacobians[1] != nil {
			jacobians[1][0] = 1
		}
	}
	return nil
}

func TestProblemValidation(t *testing.T) {
	p := NewProblem()
	x := []float64{0}
	test.That(t, p.AddParameterBlock(x), test.ShouldBeNil)
	test.That(t, p.AddParameterBlock(x), test.ShouldBeError, ErrDuplicateParameterBlock)

	y := []float64{1}
	err := p.AddResidualBlock(quadraticCost{target: 2}, nil, y)
	test.That(t, errors.Is(err, ErrUnknownParameterBlock), test.ShouldBeTrue)

	// a block shared across roles must be folded inside the cost function
	err = p.AddResidualBlock(sumCost{}, nil, x, x)
	test.That(t, errors.Is(err, ErrRepeatedResidualBlock), test.ShouldBeTrue)

	test.That(t, p.AddResidualBlock(quadraticCost{target: 2}, nil, x), test.ShouldBeNil)
	test.That(t, p.NumResiduals(), test.ShouldEqual, 1)
	test.That(t, p.NumResidualBlocks(), test.ShouldEqual, 1)
}

func TestSolveQuadratic(t *testing.T) {
	p := NewProblem()
	x := []float64{5}
	test.That(t, p.AddParameterBlock(x), test.ShouldBeNil)
	test.That(t, p.AddResidualBlock(quadraticCost{target: 3}, nil, x), test.ShouldBeNil)

	summary, err := Solve(context.Background(), DefaultOptions(), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.IsSolutionUsable(), test.ShouldBeTrue)
	test.That(t, x[0], test.ShouldAlmostEqual, 3, 1e-8)
	test.That(t, summary.FinalCost, test.ShouldBeLessThan, summary.InitialCost)
	test.That(t, summary.NumSuccessfulSteps, test.ShouldBeGreaterThan, 0)
}

func TestSolveRosenbrock(t *testing.T) {
	p := NewProblem()
	xy := []float64{-1.2, 1}
	test.That(t, p.AddParameterBlock(xy), test.ShouldBeNil)
	test.That(t, p.AddResidualBlock(rosenbrockCost{}, nil, xy), test.ShouldBeNil)

	opts := DefaultOptions()
	opts.MaxIterations = 200
	summary, err := Solve(context.Background(), opts, p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.IsSolutionUsable(), test.ShouldBeTrue)
	test.That(t, xy[0], test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, xy[1], test.ShouldAlmostEqual, 1, 1e-6)
}

func TestSolveRespectsConstantBlocks(t *testing.T) {
	p := NewProblem()
	x := []float64{5}
	test.That(t, p.AddParameterBlock(x), test.ShouldBeNil)
	test.That(t, p.SetBlockConstant(x), test.ShouldBeNil)
	test.That(t, p.AddResidualBlock(quadraticCost{target: 3}, nil, x), test.ShouldBeNil)

	summary, err := Solve(context.Background(), DefaultOptions(), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.IsSolutionUsable(), test.ShouldBeTrue)
	test.That(t, x[0], test.ShouldEqual, 5)
	test.That(t, summary.FinalCost, test.ShouldEqual, summary.InitialCost)
}

func TestSolveRespectsBounds(t *testing.T) {
	p := NewProblem()
	x := []float64{5}
	test.That(t, p.AddParameterBlock(x), test.ShouldBeNil)
	test.That(t, p.SetLowerBound(x, 0, 4), test.ShouldBeNil)
	test.That(t, p.AddResidualBlock(quadraticCost{target: 3}, nil, x), test.ShouldBeNil)

	summary, err := Solve(context.Background(), DefaultOptions(), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.IsSolutionUsable(), test.ShouldBeTrue)
	test.That(t, x[0], test.ShouldAlmostEqual, 4, 1e-8)
}

func TestHuberLoss(t *testing.T) {
	l := NewHuberLoss(2)

	rho, rhoPrime := l.Evaluate(1)
	test.That(t, rho, test.ShouldEqual, 1.0)
	test.That(t, rhoPrime, test.ShouldEqual, 1.0)

	rho, rhoPrime = l.Evaluate(100)
	test.That(t, rho, test.ShouldAlmostEqual, 2*2*10-4)
	test.That(t, rhoPrime, test.ShouldAlmostEqual, 2.0/10)

	// The robustified cost grows slower than the quadratic past the scale.
	test.That(t, rho, test.ShouldBeLessThan, 100)
}

func TestHuberLossTamesOutliers(t *testing.T) {
	solveWith := func(loss Loss) float64 {
		p := NewProblem()
		x := []float64{0}
		test.That(t, p.AddParameterBlock(x), test.ShouldBeNil)
		// Nine inliers at 0 and one gross outlier at 100.
		for i := 0; i < 9; i++ {
			test.That(t, p.AddResidualBlock(quadraticCost{target: 0}, loss, x), test.ShouldBeNil)
		}
		test.That(t, p.AddResidualBlock(quadraticCost{target: 100}, loss, x), test.ShouldBeNil)
		_, err := Solve(context.Background(), DefaultOptions(), p)
		test.That(t, err, test.ShouldBeNil)
		return x[0]
	}

	plain := solveWith(nil)
	robust := solveWith(NewHuberLoss(1))
	test.That(t, plain, test.ShouldAlmostEqual, 10, 1e-6)
	test.That(t, math.Abs(robust), test.ShouldBeLessThan, math.Abs(plain))
}

func TestSolveCancellation(t *testing.T) {
	p := NewProblem()
	x := []float64{5}
	test.That(t, p.AddParameterBlock(x), test.ShouldBeNil)
	test.That(t, p.AddResidualBlock(quadraticCost{target: 3}, nil, x), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Solve(ctx, DefaultOptions(), p)
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func TestSparseAvailability(t *testing.T) {
	test.That(t, IsSparseLinearAlgebraAvailable(SparseLibraryCholmod), test.ShouldBeFalse)
	test.That(t, IsSparseLinearAlgebraAvailable(SparseLibraryNative), test.ShouldBeFalse)
}

package nlls

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

// LinearSolverType selects how the normal equations are factorized.
type LinearSolverType int

const (
	// DenseNormalCholesky factorizes J'J as a dense matrix.
	DenseNormalCholesky LinearSolverType = iota
	// SparseNormalCholesky would exploit the block sparsity of J'J. It
	// requires a sparse backend; see IsSparseLinearAlgebraAvailable.
	SparseNormalCholesky
)

// SparseLibrary identifies a sparse linear-algebra backend.
type SparseLibrary int

const (
	// SparseLibraryNone means no sparse backend.
	SparseLibraryNone SparseLibrary = iota
	// SparseLibraryCholmod is a cgo CHOLMOD backend.
	SparseLibraryCholmod
	// SparseLibraryNative is a pure Go sparse Cholesky.
	SparseLibraryNative
)

// IsSparseLinearAlgebraAvailable reports whether this build can factorize
// with the given backend. No sparse backend is wired in yet; callers are
// expected to fall back to DenseNormalCholesky.
func IsSparseLinearAlgebraAvailable(lib SparseLibrary) bool {
	return false
}

// Options tunes a solve.
type Options struct {
	LinearSolver  LinearSolverType
	SparseLibrary SparseLibrary

	MaxIterations int
	// NumThreads bounds concurrent residual evaluation. Values below 1
	// mean one evaluation goroutine.
	NumThreads int

	InitialDamping     float64
	FunctionTolerance  float64
	GradientTolerance  float64
	ParameterTolerance float64
}

// DefaultOptions returns the solver defaults.
func DefaultOptions() Options {
	return Options{
		LinearSolver:       DenseNormalCholesky,
		MaxIterations:      50,
		NumThreads:         1,
		InitialDamping:     1e-4,
		FunctionTolerance:  1e-9,
		GradientTolerance:  1e-12,
		ParameterTolerance: 1e-10,
	}
}

// Summary reports the outcome of a solve. Costs are 0.5 times the sum of
// (robustified) squared residuals, matching the convention of the residual
// definition.
type Summary struct {
	InitialCost float64
	FinalCost   float64

	NumResiduals         int
	NumParametersLocal   int
	NumSuccessfulSteps   int
	NumUnsuccessfulSteps int

	TotalTime time.Duration
	Message   string

	usable bool
}

// IsSolutionUsable reports whether the parameter values left in the problem
// are meaningful. It is true both on convergence and on hitting the iteration
// cap; it is false when evaluation produced non-finite values.
func (s *Summary) IsSolutionUsable() bool { return s.usable }

// BriefReport returns a one-line account of the solve.
func (s *Summary) BriefReport() string {
	return fmt.Sprintf("nlls: residuals %d, initial cost %e, final cost %e, steps %d good %d bad, %v: %s",
		s.NumResiduals, s.InitialCost, s.FinalCost,
		s.NumSuccessfulSteps, s.NumUnsuccessfulSteps, s.TotalTime, s.Message)
}

// Solve runs Levenberg-Marquardt on the problem, updating the parameter
// blocks in place whenever a step lowers the cost. The returned error covers
// structural failures (a cost function erroring out, context cancellation);
// numerical breakdown is reported through the summary instead.
func Solve(ctx context.Context, opts Options, problem *Problem) (*Summary, error) {
	start := time.Now()
	summary := &Summary{NumResiduals: problem.numResiduals}

	localTotal := 0
	var variable []*parameterBlock
	for _, pb := range problem.blocks {
		if pb.constant {
			pb.localOffset = -1
			continue
		}
		pb.localOffset = localTotal
		localTotal += pb.localSize()
		variable = append(variable, pb)
	}
	summary.NumParametersLocal = localTotal

	ev := newEvaluator(problem, opts.NumThreads)

	cost, err := ev.evaluate(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	summary.InitialCost = cost
	summary.FinalCost = cost
	if !isFinite(cost) {
		summary.Message = "initial cost is not finite"
		summary.TotalTime = time.Since(start)
		return summary, nil
	}
	if localTotal == 0 || problem.numResiduals == 0 {
		summary.usable = true
		summary.Message = "nothing to optimize"
		summary.TotalTime = time.Since(start)
		return summary, nil
	}

	residuals := mat.NewVecDense(problem.numResiduals, nil)
	jacobian := mat.NewDense(problem.numResiduals, localTotal, nil)
	gradient := mat.NewVecDense(localTotal, nil)
	step := mat.NewVecDense(localTotal, nil)
	var jtj, damped mat.Dense
	sym := mat.NewSymDense(localTotal, nil)

	saved := newSnapshot(variable)
	damping := opts.InitialDamping
	summary.usable = true
	summary.Message = "iteration cap reached"

	for iter := 0; iter < opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			summary.TotalTime = time.Since(start)
			return summary, err
		}

		cost, err = ev.evaluate(ctx, residuals, jacobian)
		if err != nil {
			return nil, err
		}
		if !isFinite(cost) {
			summary.usable = false
			summary.Message = "cost diverged to a non-finite value"
			break
		}
		summary.FinalCost = cost

		jtj.Mul(jacobian.T(), jacobian)
		gradient.MulVec(jacobian.T(), residuals)
		if mat.Norm(gradient, math.Inf(1)) < opts.GradientTolerance {
			summary.Message = "gradient tolerance reached"
			break
		}

		accepted := false
		for !accepted {
			if err := ctx.Err(); err != nil {
				summary.TotalTime = time.Since(start)
				return summary, err
			}
			damped.CloneFrom(&jtj)
			for i := 0; i < localTotal; i++ {
				d := jtj.At(i, i)
				damped.Set(i, i, d+damping*math.Max(d, 1e-12))
			}
			copySymmetric(sym, &damped)

			var chol mat.Cholesky
			if !chol.Factorize(sym) {
				summary.NumUnsuccessfulSteps++
				if damping = damping * 10; damping > 1e32 {
					summary.Message = "normal equations are unsolvable"
					summary.usable = false
					accepted = true
				}
				continue
			}
			if err := chol.SolveVecTo(step, gradient); err != nil {
				summary.NumUnsuccessfulSteps++
				damping *= 10
				continue
			}
			step.ScaleVec(-1, step)

			saved.capture()
			applyStep(variable, step)
			trialCost, err := ev.evaluate(ctx, nil, nil)
			if err != nil {
				return nil, err
			}

			if isFinite(trialCost) && trialCost < cost {
				summary.NumSuccessfulSteps++
				damping = math.Max(damping/10, 1e-12)
				accepted = true
				if cost-trialCost < opts.FunctionTolerance*cost {
					summary.FinalCost = trialCost
					summary.Message = "function tolerance reached"
					summary.TotalTime = time.Since(start)
					return summary, nil
				}
				if mat.Norm(step, 2) < opts.ParameterTolerance*(1+saved.norm()) {
					summary.FinalCost = trialCost
					summary.Message = "parameter tolerance reached"
					summary.TotalTime = time.Since(start)
					return summary, nil
				}
				continue
			}

			saved.restore()
			summary.NumUnsuccessfulSteps++
			if damping = damping * 10; damping > 1e32 {
				summary.Message = "damping overflow, no further progress possible"
				accepted = true
			}
		}
		if !summary.usable || damping > 1e32 {
			break
		}
	}

	finalCost, err := ev.evaluate(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	summary.FinalCost = finalCost
	summary.TotalTime = time.Since(start)
	return summary, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func copySymmetric(dst *mat.SymDense, src *mat.Dense) {
	n := dst.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dst.SetSym(i, j, 0.5*(src.At(i, j)+src.At(j, i)))
		}
	}
}

// snapshot saves and restores the variable block values around a trial step.
type snapshot struct {
	blocks []*parameterBlock
	values [][]float64
}

func newSnapshot(blocks []*parameterBlock) *snapshot {
	s := &snapshot{blocks: blocks}
	for _, pb := range blocks {
		s.values = append(s.values, make([]float64, pb.size()))
	}
	return s
}

func (s *snapshot) capture() {
	for i, pb := range s.blocks {
		copy(s.values[i], pb.values)
	}
}

func (s *snapshot) restore() {
	for i, pb := range s.blocks {
		copy(pb.values, s.values[i])
	}
}

func (s *snapshot) norm() float64 {
	sum := 0.0
	for _, vals := range s.values {
		for _, v := range vals {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

// applyStep moves every variable block along its tangent segment, through the
// manifold when one is set, then clamps to the box constraints.
func applyStep(blocks []*parameterBlock, step *mat.VecDense) {
	for _, pb := range blocks {
		seg := step.RawVector().Data[pb.localOffset : pb.localOffset+pb.localSize()]
		if pb.manifold != nil {
			updated := make([]float64, pb.size())
			pb.manifold.Plus(pb.values, seg, updated)
			copy(pb.values, updated)
		} else {
			for i, d := range seg {
				pb.values[i] += d
			}
		}
		for i := range pb.values {
			if pb.values[i] < pb.lower[i] {
				pb.values[i] = pb.lower[i]
			}
			if pb.values[i] > pb.upper[i] {
				pb.values[i] = pb.upper[i]
			}
		}
	}
}

// evaluator computes the robustified cost, residual vector, and local-space
// Jacobian, fanning residual blocks out over a worker pool.
type evaluator struct {
	problem *Problem
	threads int

	scratch sync.Pool
}

type evalScratch struct {
	params    [][]float64
	residuals []float64
	jacobians [][]float64
	local     []float64
}

func newEvaluator(problem *Problem, threads int) *evaluator {
	if threads < 1 {
		threads = 1
	}
	if threads > runtime.NumCPU() {
		threads = runtime.NumCPU()
	}
	return &evaluator{
		problem: problem,
		threads: threads,
		scratch: sync.Pool{New: func() interface{} { return &evalScratch{} }},
	}
}

// evaluate returns the total cost. When residuals or jacobian are non-nil
// they are filled with the loss-corrected residual rows and the Jacobian in
// local coordinates, with zero columns for constant blocks elided.
func (ev *evaluator) evaluate(ctx context.Context, residuals *mat.VecDense, jacobian *mat.Dense) (float64, error) {
	blocks := ev.problem.residuals
	costs := make([]float64, len(blocks))
	errs := make([]error, ev.threads)

	var wg sync.WaitGroup
	next := make(chan int, len(blocks))
	for i := range blocks {
		next <- i
	}
	close(next)

	for w := 0; w < ev.threads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range next {
				if ctx.Err() != nil {
					return
				}
				c, err := ev.evaluateBlock(blocks[i], residuals, jacobian)
				if err != nil {
					errs[worker] = multierr.Append(errs[worker], errors.Wrapf(err, "residual block %d", i))
					return
				}
				costs[i] = c
			}
		}(w)
	}
	wg.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	total := 0.0
	for _, c := range costs {
		total += c
	}
	return total, nil
}

func (ev *evaluator) evaluateBlock(rb *residualBlock, residuals *mat.VecDense, jacobian *mat.Dense) (float64, error) {
	n := rb.cost.NumResiduals()
	sc := ev.scratch.Get().(*evalScratch)
	defer ev.scratch.Put(sc)

	sc.params = sc.params[:0]
	for _, pb := range rb.blocks {
		sc.params = append(sc.params, pb.values)
	}
	if cap(sc.residuals) < n {
		sc.residuals = make([]float64, n)
	}
	res := sc.residuals[:n]

	var jacs [][]float64
	if jacobian != nil {
		sc.jacobians = sc.jacobians[:0]
		for _, pb := range rb.blocks {
			if pb.constant {
				sc.jacobians = append(sc.jacobians, nil)
				continue
			}
			sc.jacobians = append(sc.jacobians, make([]float64, n*pb.size()))
		}
		jacs = sc.jacobians
	}

	if err := rb.cost.Evaluate(sc.params, res, jacs); err != nil {
		return 0, err
	}

	s := 0.0
	for _, r := range res {
		s += r * r
	}
	rho, rhoPrime := s, 1.0
	if rb.loss != nil {
		rho, rhoPrime = rb.loss.Evaluate(s)
	}
	w := math.Sqrt(rhoPrime)

	if residuals != nil {
		for i, r := range res {
			residuals.SetVec(rb.rowOffset+i, w*r)
		}
	}
	if jacobian != nil {
		for bi, pb := range rb.blocks {
			if pb.constant {
				continue
			}
			global := jacs[bi]
			size := pb.size()
			local := global
			localSize := size
			if pb.manifold != nil {
				localSize = pb.manifold.LocalSize()
				if cap(sc.local) < n*localSize {
					sc.local = make([]float64, n*localSize)
				}
				local = sc.local[:n*localSize]
				plus := make([]float64, size*localSize)
				pb.manifold.PlusJacobian(pb.values, plus)
				// local = global (n x size) * plus (size x localSize)
				for r := 0; r < n; r++ {
					for c := 0; c < localSize; c++ {
						acc := 0.0
						for k := 0; k < size; k++ {
							acc += global[r*size+k] * plus[k*localSize+c]
						}
						local[r*localSize+c] = acc
					}
				}
			}
			for r := 0; r < n; r++ {
				for c := 0; c < localSize; c++ {
					jacobian.Set(rb.rowOffset+r, pb.localOffset+c, w*local[r*localSize+c])
				}
			}
		}
	}

	return 0.5 * rho, nil
}

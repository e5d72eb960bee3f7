// Package nlls is a small nonlinear least-squares framework in the shape the
// bundle adjustment consumes it: parameter blocks with optional manifolds and
// bound constraints, residual blocks with analytic Jacobians and robust
// losses, and a dense Levenberg-Marquardt solver behind a
// solve(problem, options) contract.
package nlls

import (
	"math"

	"github.com/pkg/errors"
)

// CostFunction evaluates one residual block. Implementations must be pure in
// the passed parameter values so that the solver may evaluate them
// concurrently. jacobians, when non-nil, holds one row-major
// NumResiduals x blockSize matrix per parameter block, in the block's global
// parameterization; individual entries may be nil when that block's Jacobian
// is not needed.
type CostFunction interface {
	NumResiduals() int
	ParameterBlockSizes() []int
	Evaluate(parameters [][]float64, residuals []float64, jacobians [][]float64) error
}

// Manifold maps between a parameter block's global coordinates and a minimal
// tangent space, keeping updates on a constraint surface.
type Manifold interface {
	GlobalSize() int
	LocalSize() int
	// Plus computes x (+) delta into xPlusDelta.
	Plus(x, delta, xPlusDelta []float64)
	// PlusJacobian fills the row-major GlobalSize x LocalSize Jacobian of
	// Plus with respect to delta at delta = 0.
	PlusJacobian(x, jacobian []float64)
}

// Errors surfaced by problem assembly. A residual referencing a block that
// was never added is a caller invariant violation.
var (
	ErrUnknownParameterBlock   = errors.New("parameter block was never added to the problem")
	ErrDuplicateParameterBlock = errors.New("parameter block added to the problem twice")
	ErrRepeatedResidualBlock   = errors.New("residual block lists the same parameter block twice")
)

type parameterBlock struct {
	values   []float64
	manifold Manifold
	constant bool
	lower    []float64
	upper    []float64

	// assigned by the solver
	localOffset int
}

func (pb *parameterBlock) size() int { return len(pb.values) }

func (pb *parameterBlock) localSize() int {
	if pb.manifold != nil {
		return pb.manifold.LocalSize()
	}
	return len(pb.values)
}

type residualBlock struct {
	cost   CostFunction
	loss   Loss
	blocks []*parameterBlock

	rowOffset int
}

// Problem owns the parameter and residual blocks of one optimization run.
// Parameter blocks are keyed by the identity of their backing storage, so the
// same slice passed twice refers to the same block.
type Problem struct {
	blockByKey map[*float64]*parameterBlock
	blocks     []*parameterBlock
	residuals  []*residualBlock

	numResiduals int
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{blockByKey: map[*float64]*parameterBlock{}}
}

func blockKey(values []float64) *float64 {
	return &values[0]
}

// AddParameterBlock registers values as an optimizable block. The slice is
// the block's storage: the solver updates it in place on success.
func (p *Problem) AddParameterBlock(values []float64) error {
	if len(values) == 0 {
		return errors.New("cannot add an empty parameter block")
	}
	key := blockKey(values)
	if _, ok := p.blockByKey[key]; ok {
		return ErrDuplicateParameterBlock
	}
	pb := &parameterBlock{
		values: values,
		lower:  make([]float64, len(values)),
		upper:  make([]float64, len(values)),
	}
	for i := range pb.lower {
		pb.lower[i] = math.Inf(-1)
		pb.upper[i] = math.Inf(1)
	}
	p.blockByKey[key] = pb
	p.blocks = append(p.blocks, pb)
	return nil
}

func (p *Problem) lookup(values []float64) (*parameterBlock, error) {
	pb, ok := p.blockByKey[blockKey(values)]
	if !ok {
		return nil, ErrUnknownParameterBlock
	}
	if len(values) != len(pb.values) {
		return nil, errors.Errorf("parameter block size mismatch: got %d, registered %d", len(values), len(pb.values))
	}
	return pb, nil
}

// SetManifold binds a local parameterization to a block.
func (p *Problem) SetManifold(values []float64, m Manifold) error {
	pb, err := p.lookup(values)
	if err != nil {
		return err
	}
	if m.GlobalSize() != pb.size() {
		return errors.Errorf("manifold global size %d does not match block size %d", m.GlobalSize(), pb.size())
	}
	pb.manifold = m
	return nil
}

// SetBlockConstant freezes a block for the whole solve.
func (p *Problem) SetBlockConstant(values []float64) error {
	pb, err := p.lookup(values)
	if err != nil {
		return err
	}
	pb.constant = true
	return nil
}

// SetLowerBound constrains one coordinate of a block from below.
func (p *Problem) SetLowerBound(values []float64, index int, bound float64) error {
	pb, err := p.lookup(values)
	if err != nil {
		return err
	}
	if index < 0 || index >= pb.size() {
		return errors.Errorf("bound index %d out of range for block of size %d", index, pb.size())
	}
	pb.lower[index] = bound
	return nil
}

// SetUpperBound constrains one coordinate of a block from above.
func (p *Problem) SetUpperBound(values []float64, index int, bound float64) error {
	pb, err := p.lookup(values)
	if err != nil {
		return err
	}
	if index < 0 || index >= pb.size() {
		return errors.Errorf("bound index %d out of range for block of size %d", index, pb.size())
	}
	pb.upper[index] = bound
	return nil
}

// AddResidualBlock attaches a cost function to its parameter blocks, with an
// optional robust loss. Every referenced block must already be registered,
// and each block may appear once per residual: a parameter shared by two
// roles of one cost must be folded inside the cost function, not listed
// twice, because the evaluator writes (not accumulates) each block's
// Jacobian columns.
func (p *Problem) AddResidualBlock(cost CostFunction, loss Loss, parameters ...[]float64) error {
	sizes := cost.ParameterBlockSizes()
	if len(parameters) != len(sizes) {
		return errors.Errorf("cost function wants %d parameter blocks, got %d", len(sizes), len(parameters))
	}
	rb := &residualBlock{cost: cost, loss: loss}
	for i, values := range parameters {
		pb, err := p.lookup(values)
		if err != nil {
			return errors.Wrapf(err, "residual parameter %d", i)
		}
		if pb.size() != sizes[i] {
			return errors.Errorf("residual parameter %d has size %d, cost function wants %d", i, pb.size(), sizes[i])
		}
		for _, prev := range rb.blocks {
			if prev == pb {
				return errors.Wrapf(ErrRepeatedResidualBlock, "residual parameter %d", i)
			}
		}
		rb.blocks = append(rb.blocks, pb)
	}
	rb.rowOffset = p.numResiduals
	p.numResiduals += cost.NumResiduals()
	p.residuals = append(p.residuals, rb)
	return nil
}

// NumResiduals returns the total number of residual scalars.
func (p *Problem) NumResiduals() int { return p.numResiduals }

// NumResidualBlocks returns the number of residual blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.residuals) }

// NumParameterBlocks returns the number of registered parameter blocks.
func (p *Problem) NumParameterBlocks() int { return len(p.blocks) }

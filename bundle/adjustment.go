package bundle

import (
	"context"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/panocv/panosfm/camera"
	"github.com/panocv/panosfm/nlls"
	"github.com/panocv/panosfm/scene"
	"github.com/panocv/panosfm/spatialmath"
)

// RefineOptions selects which parameter groups an adjustment may vary.
type RefineOptions uint32

const (
	// RefineNone freezes everything.
	RefineNone RefineOptions = 0
	// RefineRotation refines camera orientations.
	RefineRotation RefineOptions = 1 << 0
	// RefineTranslation is accepted for interface compatibility; panoramic
	// capture models no translations, so it only gates pose write-back.
	RefineTranslation RefineOptions = 1 << 1
	// RefineIntrinsicsFocal refines focal lengths.
	RefineIntrinsicsFocal RefineOptions = 1 << 2
	// RefineIntrinsicsOpticalCenterAlways refines principal points
	// unconditionally.
	RefineIntrinsicsOpticalCenterAlways RefineOptions = 1 << 3
	// RefineIntrinsicsOpticalCenterIfEnoughData refines principal points
	// only for intrinsics used by enough reconstructed views.
	RefineIntrinsicsOpticalCenterIfEnoughData RefineOptions = 1 << 4
	// RefineIntrinsicsDistortion refines distortion coefficients.
	RefineIntrinsicsDistortion RefineOptions = 1 << 5
	// RefineStructure is accepted for interface compatibility; there is no
	// point structure in a rotation-only network.
	RefineStructure RefineOptions = 1 << 6

	// RefineAll selects every group.
	RefineAll = RefineRotation | RefineTranslation | RefineIntrinsicsFocal |
		RefineIntrinsicsOpticalCenterIfEnoughData | RefineIntrinsicsDistortion | RefineStructure
)

// Has reports whether the flag is selected.
func (o RefineOptions) Has(flag RefineOptions) bool { return o&flag != 0 }

const (
	// maxSolverIterations caps one adjustment run.
	maxSolverIterations = 300
	// huberScale is the robust-loss transition for reprojection residuals,
	// in squared pixels.
	huberScale = 8.0 * 8.0
	// minImagesToRefineOpticalCenter is the usage count an intrinsic must
	// exceed before optional principal-point refinement kicks in.
	minImagesToRefineOpticalCenter = 3
	// maxFocalErrorRatio bounds the focal search around an initial guess,
	// as a fraction of the larger sensor dimension.
	maxFocalErrorRatio = 0.2
	// maxOpticalCenterRatio bounds the principal-point offset as a
	// fraction of each sensor dimension.
	maxOpticalCenterRatio = 0.05
)

// Error taxonomy: configuration errors abort the constraints pass;
// invariant violations are data-integrity faults and fail the whole run.
var (
	// ErrUnsupportedModel reports a camera model no residual functor
	// exists for.
	ErrUnsupportedModel = errors.New("incompatible camera model for a 2D constraint")
	// ErrIgnoredEndpoint reports a residual endpoint classified IGNORED.
	ErrIgnoredEndpoint = errors.New("residual endpoint references an ignored parameter")
	// ErrSharedIntrinsic reports a 2D constraint whose endpoints do not
	// share one intrinsic.
	ErrSharedIntrinsic = errors.New("both endpoints of a 2D constraint must share the same intrinsic")
	// ErrMissingBlock reports a referenced entity with no parameter block.
	ErrMissingBlock = errors.New("no parameter block for referenced entity")
)

// Options configures an Adjuster.
type Options struct {
	// Sparse requests a sparse normal-equations strategy when a backend
	// supports one; otherwise the adjuster falls back to dense.
	Sparse bool
	// LogSummary logs the solver's brief report after each run.
	LogSummary bool
}

// Adjuster runs panoramic bundle adjustments over a scene. Per-entity
// parameter states and graph distances are supplied by an external
// optimization strategy between runs; absent entries default to refined.
type Adjuster struct {
	opts   Options
	logger golog.Logger
	clock  clock.Clock

	poseStates      map[scene.PoseID]ParameterState
	intrinsicStates map[scene.IntrinsicID]ParameterState
	distances       map[scene.PoseID]int

	statistics Statistics
}

// NewAdjuster returns an adjuster with every entity defaulting to refined.
func NewAdjuster(opts Options, logger golog.Logger) *Adjuster {
	return &Adjuster{
		opts:            opts,
		logger:          logger,
		clock:           clock.New(),
		poseStates:      map[scene.PoseID]ParameterState{},
		intrinsicStates: map[scene.IntrinsicID]ParameterState{},
	}
}

// SetPoseState classifies one pose for subsequent runs.
func (a *Adjuster) SetPoseState(id scene.PoseID, state ParameterState) {
	a.poseStates[id] = state
}

// SetIntrinsicState classifies one intrinsic for subsequent runs.
func (a *Adjuster) SetIntrinsicState(id scene.IntrinsicID, state ParameterState) {
	a.intrinsicStates[id] = state
}

// SetCameraDistances supplies per-pose graph distances, reported in the
// statistics only. A nil map means no local strategy is active.
func (a *Adjuster) SetCameraDistances(distances map[scene.PoseID]int) {
	a.distances = distances
}

// Statistics returns the record of the most recent run.
func (a *Adjuster) Statistics() Statistics { return a.statistics }

func (a *Adjuster) poseState(id scene.PoseID) ParameterState {
	if s, ok := a.poseStates[id]; ok {
		return s
	}
	return StateRefined
}

func (a *Adjuster) intrinsicState(id scene.IntrinsicID) ParameterState {
	if s, ok := a.intrinsicStates[id]; ok {
		return s
	}
	return StateRefined
}

// runBlocks maps scene entities to their parameter-block storage for one
// run. It is rebuilt at the start of every createProblem.
type runBlocks struct {
	poses      map[scene.PoseID][]float64
	rigs       map[scene.RigID][][]float64
	intrinsics map[scene.IntrinsicID][]float64
}

// Adjust builds and solves the adjustment problem, writing refined rotations
// and intrinsics back into the scene on success. The returned bool mirrors
// the solver's solution-usable signal; the scene is untouched when it is
// false or when an error is returned.
func (a *Adjuster) Adjust(ctx context.Context, sc *scene.Scene, refine RefineOptions) (bool, error) {
	start := a.clock.Now()

	problem := nlls.NewProblem()
	blocks, err := a.createProblem(sc, refine, problem)
	if err != nil {
		return false, err
	}

	summary, err := nlls.Solve(ctx, a.solverOptions(), problem)
	if err != nil {
		return false, err
	}
	if a.opts.LogSummary {
		a.logger.Info(summary.BriefReport())
	}
	if !summary.IsSolutionUsable() {
		a.logger.Warn("bundle adjustment failed, the solution is not usable")
		return false, nil
	}

	a.updateFromSolution(sc, refine, blocks)

	a.statistics.Time = a.clock.Since(start)
	a.statistics.NbResidualBlocks = problem.NumResidualBlocks()
	a.statistics.NbSuccessfulIterations = summary.NumSuccessfulSteps
	a.statistics.NbUnsuccessfulIterations = summary.NumUnsuccessfulSteps
	if summary.NumResiduals > 0 {
		a.statistics.RMSEInitial = math.Sqrt(summary.InitialCost / float64(summary.NumResiduals))
		a.statistics.RMSEFinal = math.Sqrt(summary.FinalCost / float64(summary.NumResiduals))
	}

	return true, nil
}

func (a *Adjuster) solverOptions() nlls.Options {
	opts := nlls.DefaultOptions()
	opts.MaxIterations = maxSolverIterations
	// The adapter's state bookkeeping assumes residual blocks are
	// evaluated on one goroutine; the solver's internal linear algebra is
	// unaffected.
	opts.NumThreads = 1

	opts.LinearSolver = nlls.DenseNormalCholesky
	if a.opts.Sparse {
		switch {
		case nlls.IsSparseLinearAlgebraAvailable(nlls.SparseLibraryCholmod):
			opts.LinearSolver = nlls.SparseNormalCholesky
			opts.SparseLibrary = nlls.SparseLibraryCholmod
		case nlls.IsSparseLinearAlgebraAvailable(nlls.SparseLibraryNative):
			opts.LinearSolver = nlls.SparseNormalCholesky
			opts.SparseLibrary = nlls.SparseLibraryNative
		default:
			a.logger.Warn("no sparse linear algebra available, falling back to dense bundle adjustment")
		}
	}
	return opts
}

// createProblem runs the four ordered assembly passes: extrinsics,
// intrinsics, 2D constraints, rotation priors. Every parameter block a
// residual references must have been added by one of the first two passes.
func (a *Adjuster) createProblem(sc *scene.Scene, refine RefineOptions, problem *nlls.Problem) (*runBlocks, error) {
	a.statistics = newStatistics()
	if a.distances != nil {
		for id := range sc.Poses() {
			d, ok := a.distances[id]
			if !ok {
				d = -1
			}
			a.statistics.NbCamerasPerDistance[d]++
		}
	}

	blocks := &runBlocks{
		poses:      map[scene.PoseID][]float64{},
		rigs:       map[scene.RigID][][]float64{},
		intrinsics: map[scene.IntrinsicID][]float64{},
	}

	if err := a.addExtrinsics(sc, refine, problem, blocks); err != nil {
		return nil, err
	}
	if err := a.addIntrinsics(sc, refine, problem, blocks); err != nil {
		return nil, err
	}
	if err := a.addConstraints2D(sc, problem, blocks); err != nil {
		return nil, err
	}
	if err := a.addRotationPriors(sc, problem, blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (a *Adjuster) addExtrinsics(sc *scene.Scene, refine RefineOptions, problem *nlls.Problem, blocks *runBlocks) error {
	refineRotation := refine.Has(RefineRotation)

	addPose := func(rotation *mat.Dense, isLocked, isConstant bool) ([]float64, error) {
		block := spatialmath.Flatten(rotation)
		if err := problem.AddParameterBlock(block); err != nil {
			return nil, err
		}
		if err := problem.SetManifold(block, rotationManifold{}); err != nil {
			return nil, err
		}
		if isLocked || isConstant || !refineRotation {
			a.statistics.AddState(ParameterPose, StateConstant)
			return block, problem.SetBlockConstant(block)
		}
		a.statistics.AddState(ParameterPose, StateRefined)
		return block, nil
	}

	for id, pose := range sc.Poses() {
		if a.poseState(id) == StateIgnored {
			a.statistics.AddState(ParameterPose, StateIgnored)
			continue
		}
		block, err := addPose(pose.Rotation(), pose.Locked(), a.poseState(id) == StateConstant)
		if err != nil {
			return errors.Wrapf(err, "pose %d", id)
		}
		blocks.poses[id] = block
	}

	for rigID, rig := range sc.Rigs() {
		subBlocks := make([][]float64, rig.NbSubPoses())
		for i := 0; i < rig.NbSubPoses(); i++ {
			subPose := rig.SubPose(i)
			if subPose.Status == scene.SubPoseUninitialized {
				continue
			}
			block, err := addPose(subPose.Rotation, false, subPose.Status == scene.SubPoseConstant)
			if err != nil {
				return errors.Wrapf(err, "rig %d sub-pose %d", rigID, i)
			}
			subBlocks[i] = block
		}
		blocks.rigs[rigID] = subBlocks
	}

	return nil
}

func (a *Adjuster) addIntrinsics(sc *scene.Scene, refine RefineOptions, problem *nlls.Problem, blocks *runBlocks) error {
	refineFocal := refine.Has(RefineIntrinsicsFocal)
	refineCenter := refine.Has(RefineIntrinsicsOpticalCenterAlways) || refine.Has(RefineIntrinsicsOpticalCenterIfEnoughData)
	refineDistortion := refine.Has(RefineIntrinsicsDistortion)
	refineIntrinsics := refineFocal || refineCenter || refineDistortion

	// count reconstructed views per intrinsic
	usage := map[scene.IntrinsicID]int{}
	for _, view := range sc.Views() {
		if _, ok := usage[view.IntrinsicID]; !ok {
			usage[view.IntrinsicID] = 0
		}
		if sc.IsReconstructed(view) {
			usage[view.IntrinsicID]++
		}
	}

	for id, model := range sc.Intrinsics() {
		usageCount, referenced := usage[id]
		if !referenced {
			continue
		}
		if usageCount <= 0 || a.intrinsicState(id) == StateIgnored {
			a.statistics.AddState(ParameterIntrinsic, StateIgnored)
			continue
		}

		block := model.Params()
		if err := problem.AddParameterBlock(block); err != nil {
			return errors.Wrapf(err, "intrinsic %d", id)
		}
		blocks.intrinsics[id] = block

		if model.Locked() || !refineIntrinsics || a.intrinsicState(id) == StateConstant {
			a.statistics.AddState(ParameterIntrinsic, StateConstant)
			if err := problem.SetBlockConstant(block); err != nil {
				return errors.Wrapf(err, "intrinsic %d", id)
			}
			continue
		}

		lockFocal := false
		lockRatio := true
		lockCenter := false
		lockDistortion := false
		focalRatio := 1.0

		if refineFocal {
			if initial := model.InitialFocal(); initial.X > 0 && initial.Y > 0 {
				// with an initial guess, only authorize a margin around it
				maxFocalError := maxFocalErrorRatio * math.Max(float64(model.Width()), float64(model.Height()))
				bounds := []struct {
					index int
					low   float64
					high  float64
				}{
					{0, initial.X - maxFocalError, initial.X + maxFocalError},
					{1, initial.Y - maxFocalError, initial.Y + maxFocalError},
				}
				for _, b := range bounds {
					if err := problem.SetLowerBound(block, b.index, b.low); err != nil {
						return err
					}
					if err := problem.SetUpperBound(block, b.index, b.high); err != nil {
						return err
					}
				}
			} else {
				// no guess, but a converging lens keeps the focal positive
				if err := problem.SetLowerBound(block, 0, 0); err != nil {
					return err
				}
				if err := problem.SetLowerBound(block, 1, 0); err != nil {
					return err
				}
			}
			focalRatio = block[1] / block[0]
			lockRatio = model.FocalRatioLocked()
		} else {
			lockFocal = true
		}

		optionalCenter := refine.Has(RefineIntrinsicsOpticalCenterIfEnoughData) && usageCount > minImagesToRefineOpticalCenter
		if refine.Has(RefineIntrinsicsOpticalCenterAlways) || optionalCenter {
			w := float64(model.Width())
			h := float64(model.Height())
			if err := problem.SetLowerBound(block, 2, -maxOpticalCenterRatio*w); err != nil {
				return err
			}
			if err := problem.SetUpperBound(block, 2, maxOpticalCenterRatio*w); err != nil {
				return err
			}
			if err := problem.SetLowerBound(block, 3, -maxOpticalCenterRatio*h); err != nil {
				return err
			}
			if err := problem.SetUpperBound(block, 3, maxOpticalCenterRatio*h); err != nil {
				return err
			}
		} else {
			lockCenter = true
		}

		if !refineDistortion {
			lockDistortion = true
		}

		manifold := newIntrinsicsManifold(len(block), focalRatio, lockFocal, lockRatio, lockCenter, lockDistortion)
		if manifold.LocalSize() == 0 {
			// every group ended up locked, e.g. optional optical-center
			// refinement without enough reconstructed views
			a.statistics.AddState(ParameterIntrinsic, StateConstant)
			if err := problem.SetBlockConstant(block); err != nil {
				return errors.Wrapf(err, "intrinsic %d", id)
			}
			continue
		}
		if err := problem.SetManifold(block, manifold); err != nil {
			return errors.Wrapf(err, "intrinsic %d", id)
		}
		a.statistics.AddState(ParameterIntrinsic, StateRefined)
	}

	return nil
}

// endpoint is one side of a constraint or prior, resolved against the
// run's parameter blocks.
type endpoint struct {
	view      *scene.View
	poseBlock []float64
	withRig   bool
	rigBlock  []float64
}

func (a *Adjuster) resolveEndpoint(sc *scene.Scene, id scene.ViewID, blocks *runBlocks) (endpoint, error) {
	var ep endpoint
	ep.view = sc.View(id)
	if ep.view == nil {
		return ep, errors.Wrapf(ErrMissingBlock, "view %d", id)
	}
	if a.poseState(ep.view.PoseID) == StateIgnored {
		return ep, errors.Wrapf(ErrIgnoredEndpoint, "pose %d of view %d", ep.view.PoseID, id)
	}

	var ok bool
	if ep.poseBlock, ok = blocks.poses[ep.view.PoseID]; !ok {
		return ep, errors.Wrapf(ErrMissingBlock, "pose %d of view %d", ep.view.PoseID, id)
	}

	ep.withRig = ep.view.IsPartOfRig() && !ep.view.IsPoseIndependent()
	if ep.withRig {
		subBlocks, ok := blocks.rigs[ep.view.RigID]
		if !ok || ep.view.SubPoseIdx >= len(subBlocks) || subBlocks[ep.view.SubPoseIdx] == nil {
			return ep, errors.Wrapf(ErrMissingBlock, "rig %d sub-pose %d of view %d", ep.view.RigID, ep.view.SubPoseIdx, id)
		}
		ep.rigBlock = subBlocks[ep.view.SubPoseIdx]
	}
	return ep, nil
}

// sameRigBlock reports whether both endpoints reference the identical
// sub-pose storage.
func sameRigBlock(first, second endpoint) bool {
	return first.withRig && second.withRig && &first.rigBlock[0] == &second.rigBlock[0]
}

func (a *Adjuster) addConstraints2D(sc *scene.Scene, problem *nlls.Problem, blocks *runBlocks) error {
	loss := nlls.NewHuberLoss(huberScale)

	for _, constraint := range sc.Constraints2D() {
		first, err := a.resolveEndpoint(sc, constraint.ViewFirst, blocks)
		if err != nil {
			return err
		}
		second, err := a.resolveEndpoint(sc, constraint.ViewSecond, blocks)
		if err != nil {
			return err
		}

		if first.view.IntrinsicID != second.view.IntrinsicID {
			return errors.Wrapf(ErrSharedIntrinsic, "views %d and %d", constraint.ViewFirst, constraint.ViewSecond)
		}
		intrinsicID := first.view.IntrinsicID
		if a.intrinsicState(intrinsicID) == StateIgnored {
			return errors.Wrapf(ErrIgnoredEndpoint, "intrinsic %d of views %d and %d", intrinsicID, constraint.ViewFirst, constraint.ViewSecond)
		}
		intrinsicBlock, ok := blocks.intrinsics[intrinsicID]
		if !ok {
			return errors.Wrapf(ErrMissingBlock, "intrinsic %d", intrinsicID)
		}

		model := sc.Intrinsics()[intrinsicID]
		switch model.Type() {
		case camera.PinholeType, camera.EquidistantType:
		default:
			a.logger.Errorf("incompatible camera model %q for constraint between views %d and %d",
				model.Type(), constraint.ViewFirst, constraint.ViewSecond)
			return errors.Wrapf(ErrUnsupportedModel, "%q", model.Type())
		}

		shared := sameRigBlock(first, second)

		direct := newReprojectionCost(constraint.ObservationFirst, constraint.ObservationSecond, model,
			rigConfig{withRigFirst: first.withRig, withRigSecond: second.withRig, sharedRig: shared})
		if err := problem.AddResidualBlock(direct, loss, appendRigBlocks(
			[][]float64{first.poseBlock, second.poseBlock, intrinsicBlock}, first, second, shared)...); err != nil {
			return err
		}

		// the mirrored residual swaps every role
		mirrored := newReprojectionCost(constraint.ObservationSecond, constraint.ObservationFirst, model,
			rigConfig{withRigFirst: second.withRig, withRigSecond: first.withRig, sharedRig: shared})
		if err := problem.AddResidualBlock(mirrored, loss, appendRigBlocks(
			[][]float64{second.poseBlock, first.poseBlock, intrinsicBlock}, second, first, shared)...); err != nil {
			return err
		}
	}

	return nil
}

func appendRigBlocks(params [][]float64, first, second endpoint, shared bool) [][]float64 {
	if first.withRig {
		params = append(params, first.rigBlock)
	}
	if second.withRig && !shared {
		params = append(params, second.rigBlock)
	}
	return params
}

func (a *Adjuster) addRotationPriors(sc *scene.Scene, problem *nlls.Problem, blocks *runBlocks) error {
	for _, prior := range sc.RotationPriors() {
		first, err := a.resolveEndpoint(sc, prior.ViewFirst, blocks)
		if err != nil {
			return err
		}
		second, err := a.resolveEndpoint(sc, prior.ViewSecond, blocks)
		if err != nil {
			return err
		}

		shared := sameRigBlock(first, second)
		cost := newRotationPriorCost(prior.SecondRFirst,
			rigConfig{withRigFirst: first.withRig, withRigSecond: second.withRig, sharedRig: shared})

		// priors are trusted measurements, no robust loss
		if err := problem.AddResidualBlock(cost, nil, appendRigBlocks(
			[][]float64{first.poseBlock, second.poseBlock}, first, second, shared)...); err != nil {
			return err
		}
	}
	return nil
}

// updateFromSolution writes refined values back into the scene: rotations for
// refined poses and sub-poses, parameter vectors for refined intrinsics.
func (a *Adjuster) updateFromSolution(sc *scene.Scene, refine RefineOptions, blocks *runBlocks) {
	refinePoses := refine.Has(RefineRotation) || refine.Has(RefineTranslation)
	refineIntrinsics := refine.Has(RefineIntrinsicsFocal) || refine.Has(RefineIntrinsicsDistortion) ||
		refine.Has(RefineIntrinsicsOpticalCenterAlways) || refine.Has(RefineIntrinsicsOpticalCenterIfEnoughData)

	if refinePoses {
		for id, pose := range sc.Poses() {
			if a.poseState(id) != StateRefined {
				continue
			}
			block, ok := blocks.poses[id]
			if !ok {
				continue
			}
			pose.SetRotation(mat.DenseCopyOf(spatialmath.FromFlat(block)))
		}
		for rigID, subBlocks := range blocks.rigs {
			rig := sc.Rigs()[rigID]
			for i, block := range subBlocks {
				if block == nil || rig.SubPose(i).Status != scene.SubPoseRefined {
					continue
				}
				rig.SubPose(i).Rotation = mat.DenseCopyOf(spatialmath.FromFlat(block))
			}
		}
	}

	if refineIntrinsics {
		for id, model := range sc.Intrinsics() {
			if a.intrinsicState(id) != StateRefined {
				continue
			}
			block, ok := blocks.intrinsics[id]
			if !ok {
				continue
			}
			//nolint:errcheck // the block came from this model's Params
			model.SetParams(block)
		}
	}
}

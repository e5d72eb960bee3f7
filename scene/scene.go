// Package scene holds the camera network refined by the bundle adjustment:
// absolute poses, rigs with rotational sub-pose offsets, intrinsic models,
// views tying those together, pairwise 2D correspondences, and relative
// rotation priors. For panoramic capture only camera orientation is modeled;
// there are no translations.
package scene

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/panocv/panosfm/camera"
)

// IDs for the entities of a camera network.
type (
	// PoseID identifies an absolute camera orientation.
	PoseID uint32
	// IntrinsicID identifies a camera model.
	IntrinsicID uint32
	// RigID identifies a multi-camera rig.
	RigID uint32
	// ViewID identifies a captured image.
	ViewID uint32
)

// UndefinedRig marks a view that is not part of any rig.
const UndefinedRig = RigID(^uint32(0))

// CameraPose is one camera's absolute orientation. Locked poses are always
// kept constant during refinement regardless of the externally supplied
// parameter state.
type CameraPose struct {
	rotation *mat.Dense
	locked   bool
}

// NewCameraPose wraps a 3x3 rotation as a camera pose.
func NewCameraPose(rotation *mat.Dense) *CameraPose {
	return &CameraPose{rotation: rotation}
}

// Rotation returns the pose's rotation matrix.
func (cp *CameraPose) Rotation() *mat.Dense { return cp.rotation }

// SetRotation overwrites the pose's rotation matrix.
func (cp *CameraPose) SetRotation(r *mat.Dense) { cp.rotation = r }

// Locked reports whether the pose is user-pinned.
func (cp *CameraPose) Locked() bool { return cp.locked }

// SetLocked pins or unpins the pose.
func (cp *CameraPose) SetLocked(locked bool) { cp.locked = locked }

// SubPoseStatus describes whether a rig sub-pose participates in refinement.
type SubPoseStatus int

const (
	// SubPoseUninitialized excludes the sub-pose from the problem entirely.
	SubPoseUninitialized SubPoseStatus = iota
	// SubPoseConstant adds the sub-pose but keeps it frozen.
	SubPoseConstant
	// SubPoseRefined lets the sub-pose vary.
	SubPoseRefined
)

// RigSubPose is one camera's fixed rotational offset within a rig.
type RigSubPose struct {
	Status   SubPoseStatus
	Rotation *mat.Dense
}

// Rig is a mechanical assembly of cameras with known rotational offsets from
// a common base.
type Rig struct {
	subPoses []RigSubPose
}

// NewRig creates a rig with the given number of uninitialized sub-poses.
func NewRig(nbSubPoses int) *Rig {
	return &Rig{subPoses: make([]RigSubPose, nbSubPoses)}
}

// NbSubPoses returns the number of sub-poses in the rig.
func (r *Rig) NbSubPoses() int { return len(r.subPoses) }

// SubPose returns a pointer to the indexed sub-pose.
func (r *Rig) SubPose(i int) *RigSubPose { return &r.subPoses[i] }

// View references one pose and one intrinsic, and optionally a rig sub-pose.
// An independent view's pose is free even though the view nominally belongs
// to a rig.
type View struct {
	PoseID      PoseID
	IntrinsicID IntrinsicID
	RigID       RigID
	SubPoseIdx  int
	Independent bool
}

// IsPartOfRig reports whether the view belongs to a rig.
func (v *View) IsPartOfRig() bool { return v.RigID != UndefinedRig }

// IsPoseIndependent reports whether the view's pose is free of its rig.
func (v *View) IsPoseIndependent() bool { return !v.IsPartOfRig() || v.Independent }

// Constraint2D asserts that the same ray is observed at one pixel in each of
// two views.
type Constraint2D struct {
	ViewFirst         ViewID
	ViewSecond        ViewID
	ObservationFirst  r2.Point
	ObservationSecond r2.Point
}

// RotationPrior asserts a measured relative rotation (second with respect to
// first) between the base poses of two views.
type RotationPrior struct {
	ViewFirst    ViewID
	ViewSecond   ViewID
	SecondRFirst *mat.Dense
}

// Scene is the camera network container.
type Scene struct {
	poses      map[PoseID]*CameraPose
	rigs       map[RigID]*Rig
	intrinsics map[IntrinsicID]camera.Model
	views      map[ViewID]*View

	constraints2D  []Constraint2D
	rotationPriors []RotationPrior
}

// NewScene returns an empty camera network.
func NewScene() *Scene {
	return &Scene{
		poses:      map[PoseID]*CameraPose{},
		rigs:       map[RigID]*Rig{},
		intrinsics: map[IntrinsicID]camera.Model{},
		views:      map[ViewID]*View{},
	}
}

// Poses returns the pose map.
func (s *Scene) Poses() map[PoseID]*CameraPose { return s.poses }

// Rigs returns the rig map.
func (s *Scene) Rigs() map[RigID]*Rig { return s.rigs }

// Intrinsics returns the intrinsic map.
func (s *Scene) Intrinsics() map[IntrinsicID]camera.Model { return s.intrinsics }

// Views returns the view map.
func (s *Scene) Views() map[ViewID]*View { return s.views }

// Constraints2D returns the pairwise correspondences.
func (s *Scene) Constraints2D() []Constraint2D { return s.constraints2D }

// RotationPriors returns the relative rotation priors.
func (s *Scene) RotationPriors() []RotationPrior { return s.rotationPriors }

// SetPose stores a pose under the given id.
func (s *Scene) SetPose(id PoseID, pose *CameraPose) { s.poses[id] = pose }

// SetRig stores a rig under the given id.
func (s *Scene) SetRig(id RigID, rig *Rig) { s.rigs[id] = rig }

// SetIntrinsic stores a camera model under the given id.
func (s *Scene) SetIntrinsic(id IntrinsicID, m camera.Model) { s.intrinsics[id] = m }

// AddView registers a view; it must reference known pose/intrinsic/rig ids.
func (s *Scene) AddView(id ViewID, v *View) error {
	if _, ok := s.poses[v.PoseID]; !ok {
		return errors.Errorf("view %d references unknown pose %d", id, v.PoseID)
	}
	if _, ok := s.intrinsics[v.IntrinsicID]; !ok {
		return errors.Errorf("view %d references unknown intrinsic %d", id, v.IntrinsicID)
	}
	if v.IsPartOfRig() {
		rig, ok := s.rigs[v.RigID]
		if !ok {
			return errors.Errorf("view %d references unknown rig %d", id, v.RigID)
		}
		if v.SubPoseIdx < 0 || v.SubPoseIdx >= rig.NbSubPoses() {
			return errors.Errorf("view %d references sub-pose %d out of range", id, v.SubPoseIdx)
		}
	}
	s.views[id] = v
	return nil
}

// View returns the view registered under id, or nil.
func (s *Scene) View(id ViewID) *View { return s.views[id] }

// AddConstraint2D appends a pairwise correspondence; both views must exist.
func (s *Scene) AddConstraint2D(c Constraint2D) error {
	if s.views[c.ViewFirst] == nil || s.views[c.ViewSecond] == nil {
		return errors.Errorf("constraint references unknown view (%d, %d)", c.ViewFirst, c.ViewSecond)
	}
	s.constraints2D = append(s.constraints2D, c)
	return nil
}

// AddRotationPrior appends a relative rotation prior; both views must exist.
func (s *Scene) AddRotationPrior(p RotationPrior) error {
	if s.views[p.ViewFirst] == nil || s.views[p.ViewSecond] == nil {
		return errors.Errorf("rotation prior references unknown view (%d, %d)", p.ViewFirst, p.ViewSecond)
	}
	s.rotationPriors = append(s.rotationPriors, p)
	return nil
}

// IsReconstructed reports whether a view has both a pose and an intrinsic
// defined, which is what makes it count toward intrinsic usage.
func (s *Scene) IsReconstructed(v *View) bool {
	if v == nil {
		return false
	}
	_, hasPose := s.poses[v.PoseID]
	_, hasIntrinsic := s.intrinsics[v.IntrinsicID]
	return hasPose && hasIntrinsic
}

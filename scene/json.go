package scene

import (
	"encoding/json"
	"os"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/panocv/panosfm/camera"
)

// The JSON form of a scene, used for fixtures and tooling. Rotations are
// 9-element row-major slices.

type poseConfig struct {
	Rotation []float64 `json:"rotation"`
	Locked   bool      `json:"locked,omitempty"`
}

type subPoseConfig struct {
	Status   string    `json:"status"`
	Rotation []float64 `json:"rotation,omitempty"`
}

type rigConfig struct {
	SubPoses []subPoseConfig `json:"sub_poses"`
}

type viewConfig struct {
	PoseID      PoseID      `json:"pose_id"`
	IntrinsicID IntrinsicID `json:"intrinsic_id"`
	RigID       *RigID      `json:"rig_id,omitempty"`
	SubPoseIdx  int         `json:"sub_pose_index,omitempty"`
	Independent bool        `json:"independent,omitempty"`
}

type constraintConfig struct {
	ViewFirst  ViewID     `json:"view_first"`
	ViewSecond ViewID     `json:"view_second"`
	ObsFirst   [2]float64 `json:"observation_first"`
	ObsSecond  [2]float64 `json:"observation_second"`
}

type priorConfig struct {
	ViewFirst    ViewID    `json:"view_first"`
	ViewSecond   ViewID    `json:"view_second"`
	SecondRFirst []float64 `json:"second_R_first"`
}

// Config is the JSON-serializable description of a camera network.
type Config struct {
	Poses       map[PoseID]poseConfig          `json:"poses"`
	Rigs        map[RigID]rigConfig            `json:"rigs,omitempty"`
	Intrinsics  map[IntrinsicID]*camera.Config `json:"intrinsics"`
	Views       map[ViewID]viewConfig          `json:"views"`
	Constraints []constraintConfig             `json:"constraints_2d,omitempty"`
	Priors      []priorConfig                  `json:"rotation_priors,omitempty"`
}

func rotationFromSlice(data []float64) (*mat.Dense, error) {
	if len(data) != 9 {
		return nil, errors.Errorf("rotation must have 9 elements, got %d", len(data))
	}
	return mat.NewDense(3, 3, append([]float64(nil), data...)), nil
}

// NewSceneFromConfig builds a camera network from its JSON description.
func NewSceneFromConfig(cfg *Config) (*Scene, error) {
	s := NewScene()
	for id, pc := range cfg.Poses {
		r, err := rotationFromSlice(pc.Rotation)
		if err != nil {
			return nil, errors.Wrapf(err, "pose %d", id)
		}
		pose := NewCameraPose(r)
		pose.SetLocked(pc.Locked)
		s.SetPose(id, pose)
	}
	for id, rc := range cfg.Rigs {
		rig := NewRig(len(rc.SubPoses))
		for i, spc := range rc.SubPoses {
			sp := rig.SubPose(i)
			switch spc.Status {
			case "uninitialized":
				sp.Status = SubPoseUninitialized
			case "constant":
				sp.Status = SubPoseConstant
			case "refined":
				sp.Status = SubPoseRefined
			default:
				return nil, errors.Errorf("rig %d sub-pose %d: unknown status %q", id, i, spc.Status)
			}
			if sp.Status != SubPoseUninitialized {
				r, err := rotationFromSlice(spc.Rotation)
				if err != nil {
					return nil, errors.Wrapf(err, "rig %d sub-pose %d", id, i)
				}
				sp.Rotation = r
			}
		}
		s.SetRig(id, rig)
	}
	for id, ic := range cfg.Intrinsics {
		m, err := camera.NewFromConfig(ic)
		if err != nil {
			return nil, errors.Wrapf(err, "intrinsic %d", id)
		}
		s.SetIntrinsic(id, m)
	}
	for id, vc := range cfg.Views {
		v := &View{
			PoseID:      vc.PoseID,
			IntrinsicID: vc.IntrinsicID,
			RigID:       UndefinedRig,
			SubPoseIdx:  vc.SubPoseIdx,
			Independent: vc.Independent,
		}
		if vc.RigID != nil {
			v.RigID = *vc.RigID
		}
		if err := s.AddView(id, v); err != nil {
			return nil, err
		}
	}
	for _, cc := range cfg.Constraints {
		err := s.AddConstraint2D(Constraint2D{
			ViewFirst:         cc.ViewFirst,
			ViewSecond:        cc.ViewSecond,
			ObservationFirst:  r2.Point{X: cc.ObsFirst[0], Y: cc.ObsFirst[1]},
			ObservationSecond: r2.Point{X: cc.ObsSecond[0], Y: cc.ObsSecond[1]},
		})
		if err != nil {
			return nil, err
		}
	}
	for _, pc := range cfg.Priors {
		r, err := rotationFromSlice(pc.SecondRFirst)
		if err != nil {
			return nil, errors.Wrap(err, "rotation prior")
		}
		err = s.AddRotationPrior(RotationPrior{ViewFirst: pc.ViewFirst, ViewSecond: pc.ViewSecond, SecondRFirst: r})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewSceneFromJSONFile reads a camera network description from a JSON file.
func NewSceneFromJSONFile(jsonPath string) (*Scene, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	cfg := &Config{}
	if err := json.NewDecoder(jsonFile).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON scene")
	}
	return NewSceneFromConfig(cfg)
}

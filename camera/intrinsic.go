// Package camera implements the two intrinsic camera models refined by the
// panoramic bundle adjustment: central perspective (pinhole) and
// spherical/fisheye (equidistant). Every geometric method is pure in an
// explicit parameter vector [fx fy cx cy k...], where cx/cy are principal
// point offsets from the image center, so that residual evaluations stay
// reentrant when the solver evaluates cost functions concurrently.
package camera

import (
	"encoding/json"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ModelType is the name of the camera projection model.
type ModelType string

const (
	// PinholeType is the central-perspective projection model.
	PinholeType = ModelType("pinhole")
	// EquidistantType is the spherical/fisheye projection model.
	EquidistantType = ModelType("equidistant")
)

// ErrParamsSize is returned when a parameter vector does not match the
// model's expected 4 + distortion-tail length.
var ErrParamsSize = errors.New("intrinsic parameter vector has the wrong length")

// Model is the capability set a camera model exposes to the bundle
// adjustment: projection and lifting, distortion handling, and the analytic
// partials the reprojection residuals chain together.
type Model interface {
	Type() ModelType
	Width() int
	Height() int

	// Params returns a copy of the current parameter vector; SetParams
	// writes a refined vector back.
	Params() []float64
	SetParams(p []float64) error
	// DistortionSize is the length of the model-specific distortion tail.
	DistortionSize() int
	// InitialFocal is the prior focal guess; non-positive components mean
	// no guess is available.
	InitialFocal() r2.Point
	FocalRatioLocked() bool
	Locked() bool

	// ImaToCam maps pixels to normalized camera-plane coordinates and
	// CamToIma maps back.
	ImaToCam(p []float64, pt r2.Point) r2.Point
	CamToIma(p []float64, pt r2.Point) r2.Point
	AddDistortion(p []float64, pt r2.Point) r2.Point
	RemoveDistortion(p []float64, pt r2.Point) r2.Point
	// ToUnitSphere lifts an undistorted camera-plane point to a ray on the
	// unit sphere.
	ToUnitSphere(pt r2.Point) r3.Vector
	// Project maps a unit-sphere ray through a rotation into pixel space.
	Project(p []float64, rot mat.Matrix, s r3.Vector) r2.Point

	// Analytic partials of the projection chain, evaluated at the current
	// working point.
	ProjectJacWrtRotation(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense   // 2x9
	ProjectJacWrtPoint(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense      // 2x3
	ProjectJacWrtScale(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense      // 2x2
	ProjectJacWrtPrincipalPoint() *mat.Dense                                     // 2x2
	ProjectJacWrtDistortion(p []float64, rot mat.Matrix, s r3.Vector) *mat.Dense // 2xD
	ToUnitSphereJacWrtPoint(pt r2.Point) *mat.Dense                              // 3x2
	RemoveDistortionJacWrtPoint(p []float64, pt r2.Point) *mat.Dense             // 2x2
	RemoveDistortionJacWrtParams(p []float64, pt r2.Point) *mat.Dense            // 2xD
	ImaToCamJacWrtScale(p []float64, pt r2.Point) *mat.Dense                     // 2x2
	ImaToCamJacWrtPrincipalPoint(p []float64) *mat.Dense                         // 2x2
}

// intrinsicBase carries the state and plane/pixel mapping shared by both
// models. The parameter layout is [fx fy cx cy k...].
type intrinsicBase struct {
	width, height int
	params        []float64
	distortion    Distortion
	initialFocal  r2.Point
	ratioLocked   bool
	locked        bool
}

func newIntrinsicBase(width, height int, params []float64, distortion Distortion) (intrinsicBase, error) {
	b := intrinsicBase{
		width:        width,
		height:       height,
		distortion:   distortion,
		initialFocal: r2.Point{X: -1, Y: -1},
		ratioLocked:  true,
	}
	if width <= 0 || height <= 0 {
		return b, errors.Errorf("invalid sensor size (%d, %d)", width, height)
	}
	if len(params) != 4+distortion.NumParameters() {
		return b, errors.Wrapf(ErrParamsSize, "got %d, want %d", len(params), 4+distortion.NumParameters())
	}
	b.params = append([]float64(nil), params...)
	return b, nil
}

func (b *intrinsicBase) Width() int  { return b.width }
func (b *intrinsicBase) Height() int { return b.height }

func (b *intrinsicBase) Params() []float64 {
	return append([]float64(nil), b.params...)
}

func (b *intrinsicBase) SetParams(p []float64) error {
	if len(p) != len(b.params) {
		return errors.Wrapf(ErrParamsSize, "got %d, want %d", len(p), len(b.params))
	}
	copy(b.params, p)
	return nil
}

func (b *intrinsicBase) DistortionSize() int {
	return b.distortion.NumParameters()
}

func (b *intrinsicBase) InitialFocal() r2.Point { return b.initialFocal }

// SetInitialFocal records a prior focal guess used to bound refinement.
func (b *intrinsicBase) SetInitialFocal(f r2.Point) { b.initialFocal = f }

func (b *intrinsicBase) FocalRatioLocked() bool { return b.ratioLocked }

// SetFocalRatioLocked controls whether fy is tied to fx during refinement.
func (b *intrinsicBase) SetFocalRatioLocked(locked bool) { b.ratioLocked = locked }

func (b *intrinsicBase) Locked() bool { return b.locked }

// SetLocked pins the whole intrinsic, keeping it constant in any adjustment.
func (b *intrinsicBase) SetLocked(locked bool) { b.locked = locked }

func (b *intrinsicBase) distortionTail(p []float64) []float64 {
	return p[4:]
}

// ImaToCam maps a pixel to the normalized camera plane:
// (pt - center - offset) / focal.
func (b *intrinsicBase) ImaToCam(p []float64, pt r2.Point) r2.Point {
	return r2.Point{
		X: (pt.X - 0.5*float64(b.width) - p[2]) / p[0],
		Y: (pt.Y - 0.5*float64(b.height) - p[3]) / p[1],
	}
}

// CamToIma maps a normalized camera-plane point back to pixels.
func (b *intrinsicBase) CamToIma(p []float64, pt r2.Point) r2.Point {
	return r2.Point{
		X: p[0]*pt.X + 0.5*float64(b.width) + p[2],
		Y: p[1]*pt.Y + 0.5*float64(b.height) + p[3],
	}
}

func (b *intrinsicBase) AddDistortion(p []float64, pt r2.Point) r2.Point {
	return b.distortion.Apply(b.distortionTail(p), pt)
}

func (b *intrinsicBase) RemoveDistortion(p []float64, pt r2.Point) r2.Point {
	return b.distortion.Remove(b.distortionTail(p), pt)
}

func (b *intrinsicBase) RemoveDistortionJacWrtPoint(p []float64, pt r2.Point) *mat.Dense {
	return removeJacWrtPoint(b.distortion, b.distortionTail(p), pt)
}

func (b *intrinsicBase) RemoveDistortionJacWrtParams(p []float64, pt r2.Point) *mat.Dense {
	return removeJacWrtParams(b.distortion, b.distortionTail(p), pt)
}

func (b *intrinsicBase) ImaToCamJacWrtScale(p []float64, pt r2.Point) *mat.Dense {
	cam := b.ImaToCam(p, pt)
	return mat.NewDense(2, 2, []float64{
		-cam.X / p[0], 0,
		0, -cam.Y / p[1],
	})
}

func (b *intrinsicBase) ImaToCamJacWrtPrincipalPoint(p []float64) *mat.Dense {
	return mat.NewDense(2, 2, []float64{
		-1 / p[0], 0,
		0, -1 / p[1],
	})
}

// ProjectJacWrtPrincipalPoint is the direct partial of CamToIma with respect
// to the offset, shared by both models.
func (b *intrinsicBase) ProjectJacWrtPrincipalPoint() *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, 0, 1})
}

// Config is the JSON-serializable description of an intrinsic model.
type Config struct {
	Type             ModelType `json:"type"`
	Width            int       `json:"width_px"`
	Height           int       `json:"height_px"`
	Fx               float64   `json:"fx"`
	Fy               float64   `json:"fy"`
	Ppx              float64   `json:"ppx"`
	Ppy              float64   `json:"ppy"`
	Distortion       []float64 `json:"distortion_parameters"`
	InitialFx        float64   `json:"initial_fx,omitempty"`
	InitialFy        float64   `json:"initial_fy,omitempty"`
	Locked           bool      `json:"locked,omitempty"`
	FocalRatioLocked *bool     `json:"focal_ratio_locked,omitempty"`
}

// NewFromConfig builds a camera model from its JSON description.
func NewFromConfig(cfg *Config) (Model, error) {
	params := append([]float64{cfg.Fx, cfg.Fy, cfg.Ppx, cfg.Ppy}, cfg.Distortion...)
	var m Model
	var base *intrinsicBase
	switch cfg.Type {
	case PinholeType:
		ph, err := NewPinhole(cfg.Width, cfg.Height, params, len(cfg.Distortion))
		if err != nil {
			return nil, err
		}
		m, base = ph, &ph.intrinsicBase
	case EquidistantType:
		eq, err := NewEquidistant(cfg.Width, cfg.Height, params)
		if err != nil {
			return nil, err
		}
		m, base = eq, &eq.intrinsicBase
	default:
		return nil, errors.Errorf("do not know how to parse %q camera model", cfg.Type)
	}
	if cfg.InitialFx > 0 && cfg.InitialFy > 0 {
		base.SetInitialFocal(r2.Point{X: cfg.InitialFx, Y: cfg.InitialFy})
	}
	base.SetLocked(cfg.Locked)
	if cfg.FocalRatioLocked != nil {
		base.SetFocalRatioLocked(*cfg.FocalRatioLocked)
	}
	return m, nil
}

// NewFromJSONFile reads a camera model description from a JSON file.
func NewFromJSONFile(jsonPath string) (Model, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	cfg := &Config{}
	if err := json.NewDecoder(jsonFile).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON camera model")
	}
	return NewFromConfig(cfg)
}

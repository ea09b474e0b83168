// Package slam loads, synthesizes and evaluates scenes: sets of camera poses observing landmark
// tracks, each track becoming one smart projection factor.
package slam

import (
	"io"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/smartslam/factorgraph"
	"go.viam.com/smartslam/logging"
	"go.viam.com/smartslam/noise"
	"go.viam.com/smartslam/rimage/transform"
	"go.viam.com/smartslam/smartfactor"
	"go.viam.com/smartslam/spatialmath"
)

// DistortionConfig names a lens distortion model and its parameters.
type DistortionConfig struct {
	Model      transform.DistortionType `yaml:"model"`
	Parameters []float64                `yaml:"parameters,flow"`
}

// CameraConfig describes one physical camera. Every observation made through it shares a single
// calibration instance.
type CameraConfig struct {
	ID         string                            `yaml:"id"`
	Intrinsics transform.PinholeCameraIntrinsics `yaml:"intrinsics"`
	Distortion *DistortionConfig                 `yaml:"distortion,omitempty"`
}

// PoseEntry is the initial estimate of a body pose variable.
type PoseEntry struct {
	Key                    string `yaml:"key"`
	spatialmath.PoseConfig `yaml:",inline"`
}

// ObservationConfig is a pixel measurement of a landmark from a pose. A zero sigma means unit
// noise.
type ObservationConfig struct {
	Pose   string  `yaml:"pose"`
	Camera string  `yaml:"camera"`
	U      float64 `yaml:"u"`
	V      float64 `yaml:"v"`
	Sigma  float64 `yaml:"sigma,omitempty"`
}

// TrackConfig holds every observation of one landmark, and optionally where it really is.
type TrackConfig struct {
	Landmark     string              `yaml:"landmark"`
	Observations []ObservationConfig `yaml:"observations"`
	Truth        *r3.Vector          `yaml:"truth,omitempty"`
}

// Scene is the serialized form of a smart factor problem.
type Scene struct {
	// Factor holds smart factor attributes applied to every track, decoded over the defaults.
	Factor  map[string]interface{} `yaml:"factor,omitempty"`
	Cameras []CameraConfig         `yaml:"cameras"`
	Poses   []PoseEntry            `yaml:"poses"`
	Tracks  []TrackConfig          `yaml:"tracks"`
}

// LoadScene reads and validates a YAML scene file.
func LoadScene(path string) (*Scene, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open scene %q", path)
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read scene %q", path)
	}
	scene, err := ParseScene(data)
	if err != nil {
		return nil, errors.Wrapf(err, "scene %q", path)
	}
	return scene, nil
}

// ParseScene decodes and validates a YAML scene.
func ParseScene(data []byte) (*Scene, error) {
	var scene Scene
	if err := yaml.Unmarshal(data, &scene); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling scene")
	}
	if err := scene.Validate(); err != nil {
		return nil, err
	}
	return &scene, nil
}

// Marshal encodes the scene as YAML.
func (s *Scene) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling scene")
	}
	return data, nil
}

// WriteScene writes the scene to path as YAML.
func WriteScene(path string, s *Scene) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o600), "cannot write scene %q", path)
}

// Validate reports every problem with the scene at once.
func (s *Scene) Validate() error {
	var errs error
	if _, err := s.params(); err != nil {
		errs = multierr.Append(errs, err)
	}

	if len(s.Cameras) == 0 {
		errs = multierr.Append(errs, goutils.NewConfigValidationFieldRequiredError("scene", "cameras"))
	}
	for _, dup := range lo.FindDuplicates(lo.Map(s.Cameras, func(c CameraConfig, _ int) string { return c.ID })) {
		errs = multierr.Append(errs, goutils.NewConfigValidationError("cameras", errors.Errorf("duplicate camera %q", dup)))
	}
	for i := range s.Cameras {
		if _, err := s.Cameras[i].calibration(); err != nil {
			errs = multierr.Append(errs, goutils.NewConfigValidationError("cameras."+s.Cameras[i].ID, err))
		}
	}

	for _, dup := range lo.FindDuplicates(lo.Map(s.Poses, func(p PoseEntry, _ int) string { return p.Key })) {
		errs = multierr.Append(errs, goutils.NewConfigValidationError("poses", errors.Errorf("duplicate pose %q", dup)))
	}
	for _, p := range s.Poses {
		if _, err := factorgraph.ParseKey(p.Key); err != nil {
			errs = multierr.Append(errs, goutils.NewConfigValidationError("poses", err))
		}
		if _, err := p.Pose(); err != nil {
			errs = multierr.Append(errs, goutils.NewConfigValidationError("poses."+p.Key, err))
		}
	}

	cameras := lo.SliceToMap(s.Cameras, func(c CameraConfig) (string, struct{}) { return c.ID, struct{}{} })
	poses := lo.SliceToMap(s.Poses, func(p PoseEntry) (string, struct{}) { return p.Key, struct{}{} })
	for _, dup := range lo.FindDuplicates(lo.Map(s.Tracks, func(t TrackConfig, _ int) string { return t.Landmark })) {
		errs = multierr.Append(errs, goutils.NewConfigValidationError("tracks", errors.Errorf("duplicate landmark %q", dup)))
	}
	for _, t := range s.Tracks {
		path := "tracks." + t.Landmark
		if len(t.Observations) == 0 {
			errs = multierr.Append(errs, goutils.NewConfigValidationFieldRequiredError(path, "observations"))
		}
		for _, dup := range lo.FindDuplicates(lo.Map(t.Observations, func(o ObservationConfig, _ int) string { return o.Pose })) {
			errs = multierr.Append(errs, goutils.NewConfigValidationError(path, errors.Errorf("pose %q observes the landmark twice", dup)))
		}
		for _, o := range t.Observations {
			if _, ok := poses[o.Pose]; !ok {
				errs = multierr.Append(errs, goutils.NewConfigValidationError(path, errors.Errorf("unknown pose %q", o.Pose)))
			}
			if _, ok := cameras[o.Camera]; !ok {
				errs = multierr.Append(errs, goutils.NewConfigValidationError(path, errors.Errorf("unknown camera %q", o.Camera)))
			}
			if math.IsNaN(o.U+o.V) || math.IsInf(o.U+o.V, 0) {
				errs = multierr.Append(errs, goutils.NewConfigValidationError(path, errors.Errorf("pixel (%g, %g) is not finite", o.U, o.V)))
			}
			if !(o.Sigma >= 0) || math.IsInf(o.Sigma, 0) {
				errs = multierr.Append(errs, goutils.NewConfigValidationError(path, errors.Errorf("invalid sigma %g", o.Sigma)))
			}
		}
	}
	return errs
}

func (s *Scene) params() (smartfactor.Params, error) {
	if len(s.Factor) == 0 {
		return smartfactor.DefaultParams(), nil
	}
	p, err := smartfactor.ParamsFromAttributes(s.Factor)
	if err != nil {
		return smartfactor.Params{}, goutils.NewConfigValidationError("factor", err)
	}
	if err := p.Validate("factor"); err != nil {
		return smartfactor.Params{}, err
	}
	return *p, nil
}

func (c *CameraConfig) calibration() (transform.Calibration, error) {
	intrinsics := c.Intrinsics
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if c.Distortion == nil {
		return &intrinsics, nil
	}
	d, err := transform.NewDistorter(c.Distortion.Model, c.Distortion.Parameters)
	if err != nil {
		return nil, err
	}
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: &intrinsics, Distortion: d}
	if err := model.CheckValid(); err != nil {
		return nil, err
	}
	return model, nil
}

// Problem is a scene turned into a factor graph with its initial estimate.
type Problem struct {
	Params       smartfactor.Params
	Calibrations *transform.CalibrationRegistry
	Values       *factorgraph.Values
	Graph        *factorgraph.NonlinearFactorGraph
	// Factors and Landmarks are parallel: Factors[i] constrains the poses that saw Landmarks[i].
	Factors   []*smartfactor.SmartProjectionPoseFactor
	Landmarks []string
	Truth     map[string]r3.Vector
}

// Build validates the scene and creates one smart factor per track.
func (s *Scene) Build(logger logging.Logger) (*Problem, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	params, err := s.params()
	if err != nil {
		return nil, err
	}

	problem := &Problem{
		Params:       params,
		Calibrations: transform.NewCalibrationRegistry(),
		Values:       factorgraph.NewValues(),
		Graph:        factorgraph.NewNonlinearFactorGraph(logger.Sublogger("graph")),
		Truth:        map[string]r3.Vector{},
	}
	for i := range s.Cameras {
		cal, err := s.Cameras[i].calibration()
		if err != nil {
			return nil, err
		}
		if _, err := problem.Calibrations.Register(s.Cameras[i].ID, cal); err != nil {
			return nil, err
		}
	}

	keys := map[string]factorgraph.Key{}
	for _, p := range s.Poses {
		key, err := factorgraph.ParseKey(p.Key)
		if err != nil {
			return nil, err
		}
		pose, err := p.Pose()
		if err != nil {
			return nil, err
		}
		if err := problem.Values.Insert(key, pose); err != nil {
			return nil, err
		}
		keys[p.Key] = key
	}

	factorLogger := logger.Sublogger("smartfactor")
	for _, t := range s.Tracks {
		f, err := smartfactor.NewSmartProjectionPoseFactor(factorLogger, params)
		if err != nil {
			return nil, err
		}
		for _, o := range t.Observations {
			var model noise.Model
			if o.Sigma > 0 {
				if model, err = noise.NewIsotropic(2, o.Sigma); err != nil {
					return nil, errors.Wrapf(err, "landmark %q", t.Landmark)
				}
			}
			pixel := r2.Point{X: o.U, Y: o.V}
			if err := f.AddObservation(keys[o.Pose], pixel, model, problem.Calibrations.MustGet(o.Camera)); err != nil {
				return nil, errors.Wrapf(err, "landmark %q", t.Landmark)
			}
		}
		problem.Graph.Add(f)
		problem.Factors = append(problem.Factors, f)
		problem.Landmarks = append(problem.Landmarks, t.Landmark)
		if t.Truth != nil {
			problem.Truth[t.Landmark] = *t.Truth
		}
	}
	logger.Debugw("built problem",
		"cameras", len(s.Cameras), "poses", problem.Values.Len(), "factors", len(problem.Factors))
	return problem, nil
}

// Package smartfactor implements the smart projection pose factor: a visual factor over the poses
// that observed one landmark, which triangulates the landmark internally and marginalizes it out
// by Schur complement whenever it is linearized.
package smartfactor

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/smartslam/spatialmath"
)

var (
	// ErrInvalidConfig is returned when factor parameters or construction inputs are unusable.
	ErrInvalidConfig = errors.New("invalid smart factor configuration")
	// ErrInvalidMeasurement is returned when an observation cannot be added to a factor.
	ErrInvalidMeasurement = errors.New("invalid measurement")
	// ErrNumericalInstability is returned when eliminating a landmark that triangulated cleanly
	// still produces a singular or non-finite system. It means the degeneracy checks are too lax
	// for the data and must not be ignored.
	ErrNumericalInstability = errors.New("numerical instability eliminating landmark")
	// ErrNoValidPoint is returned by inspection methods that need a valid triangulated landmark.
	ErrNoValidPoint = errors.New("landmark has no valid triangulation")
)

// DegeneracyMode selects what a factor does when its landmark cannot be triangulated reliably.
type DegeneracyMode string

// The available degeneracy modes.
const (
	// IgnoreDegeneracy drops the factor: zero error and no linear factor.
	IgnoreDegeneracy = DegeneracyMode("ignore_degeneracy")
	// ZeroOnDegeneracy keeps the factor's keys in the linear graph with zero information.
	// Deprecated: use IgnoreDegeneracy.
	ZeroOnDegeneracy = DegeneracyMode("zero_on_degeneracy")
	// HandleInfinity treats the landmark as a point at infinity, which only constrains the
	// rotations of the observing poses.
	HandleInfinity = DegeneracyMode("handle_infinity")
)

var degeneracyModes = []DegeneracyMode{IgnoreDegeneracy, ZeroOnDegeneracy, HandleInfinity}

func (m DegeneracyMode) valid() bool {
	for _, known := range degeneracyModes {
		if m == known {
			return true
		}
	}
	return false
}

// LinearizationMode selects the representation of the reduced factor. Every mode carries the
// same information about the poses.
type LinearizationMode string

// The available linearization modes.
const (
	// Hessian emits a HessianFactor holding the reduced information matrix.
	Hessian = LinearizationMode("hessian")
	// JacobianSVD emits a JacobianFactor projected on the left null space of the landmark
	// Jacobian, computed with a full SVD.
	JacobianSVD = LinearizationMode("jacobian_svd")
	// JacobianQ emits a JacobianFactor projected with I - Q₁Q₁ᵀ from a QR decomposition of the
	// landmark Jacobian.
	JacobianQ = LinearizationMode("jacobian_q")
)

var linearizationModes = []LinearizationMode{Hessian, JacobianSVD, JacobianQ}

func (m LinearizationMode) valid() bool {
	for _, known := range linearizationModes {
		if m == known {
			return true
		}
	}
	return false
}

// The pose metrics a factor may compare linearization points with.
const (
	TangentMetric     = "tangent"
	ElementwiseMetric = "elementwise"
)

// Params is the construction-time configuration of a smart factor.
type Params struct {
	// RankTolerance is the singular value threshold below which the triangulation system is
	// considered rank deficient.
	RankTolerance float64 `json:"rank_tolerance"`
	// LinearizationThreshold is the pose distance above which a cached linearization is
	// recomputed. Negative disables caching.
	LinearizationThreshold float64 `json:"linearization_threshold"`
	// LinearizationMetric names the pose metric used against LinearizationThreshold.
	LinearizationMetric string `json:"linearization_metric,omitempty"`
	// RelinearizeRelative compares poses relative to the first observing camera, so rigid
	// motions of the whole set of cameras do not trigger relinearization.
	RelinearizeRelative bool           `json:"relinearize_relative"`
	DegeneracyMode      DegeneracyMode `json:"degeneracy_mode"`
	// EnableEPI refines the linear triangulation with Gauss-Newton iterations on the point.
	EnableEPI           bool `json:"enable_epi"`
	MaxRefineIterations int  `json:"max_refine_iterations"`
	// BodyPSensor is the pose of the camera in the body frame of the pose variables.
	// Nil means the camera is at the body origin.
	BodyPSensor       *spatialmath.PoseConfig `json:"body_p_sensor,omitempty"`
	LinearizationMode LinearizationMode       `json:"linearization_mode"`
	// LandmarkDistanceThreshold bounds the distance from any observing camera to the landmark.
	LandmarkDistanceThreshold float64 `json:"landmark_distance_threshold"`
	// DynamicOutlierRejectionThreshold bounds the mean reprojection error, in pixels.
	// Negative disables the check.
	DynamicOutlierRejectionThreshold float64 `json:"dynamic_outlier_rejection_threshold"`
	// RetriangulationThreshold is the elementwise pose change above which the landmark is
	// triangulated again.
	RetriangulationThreshold float64 `json:"retriangulation_threshold"`
}

// DefaultParams returns the default configuration.
func DefaultParams() Params {
	return Params{
		RankTolerance:                    1,
		LinearizationThreshold:           -1,
		LinearizationMetric:              TangentMetric,
		DegeneracyMode:                   IgnoreDegeneracy,
		LinearizationMode:                Hessian,
		LandmarkDistanceThreshold:        1e10,
		DynamicOutlierRejectionThreshold: -1,
		RetriangulationThreshold:         1e-5,
	}
}

func newInvalidConfigError(path, format string, args ...interface{}) error {
	return goutils.NewConfigValidationError(path, errors.Wrapf(ErrInvalidConfig, format, args...))
}

// Validate ensures all parts of the config are valid.
func (p *Params) Validate(path string) error {
	for name, v := range map[string]float64{
		"rank_tolerance":                      p.RankTolerance,
		"linearization_threshold":             p.LinearizationThreshold,
		"landmark_distance_threshold":         p.LandmarkDistanceThreshold,
		"dynamic_outlier_rejection_threshold": p.DynamicOutlierRejectionThreshold,
		"retriangulation_threshold":           p.RetriangulationThreshold,
	} {
		if math.IsNaN(v) {
			return newInvalidConfigError(path, "%s is NaN", name)
		}
	}
	if p.RankTolerance < 0 {
		return newInvalidConfigError(path, "rank_tolerance %g must be non-negative", p.RankTolerance)
	}
	if !(p.LandmarkDistanceThreshold > 0) {
		return newInvalidConfigError(path, "landmark_distance_threshold %g must be positive", p.LandmarkDistanceThreshold)
	}
	if p.RetriangulationThreshold < 0 {
		return newInvalidConfigError(path, "retriangulation_threshold %g must be non-negative", p.RetriangulationThreshold)
	}
	if p.MaxRefineIterations < 0 {
		return newInvalidConfigError(path, "max_refine_iterations %d must be non-negative", p.MaxRefineIterations)
	}
	if !p.DegeneracyMode.valid() {
		return newInvalidConfigError(path, "unknown degeneracy_mode %q, expected one of %v", p.DegeneracyMode, degeneracyModes)
	}
	if !p.LinearizationMode.valid() {
		return newInvalidConfigError(path, "unknown linearization_mode %q, expected one of %v", p.LinearizationMode, linearizationModes)
	}
	switch p.LinearizationMetric {
	case "", TangentMetric, ElementwiseMetric:
	default:
		return newInvalidConfigError(path, "unknown linearization_metric %q", p.LinearizationMetric)
	}
	if _, err := p.BodyPSensor.Pose(); err != nil {
		return goutils.NewConfigValidationError(fmt.Sprintf("%s.body_p_sensor", path), errors.Wrap(ErrInvalidConfig, err.Error()))
	}
	return nil
}

func (p *Params) metric() spatialmath.Metric {
	if p.LinearizationMetric == ElementwiseMetric {
		return spatialmath.NewElementwiseMetric()
	}
	return spatialmath.NewTangentMetric()
}

// ParamsFromAttributes decodes an attribute map over DefaultParams. Unknown attributes are an
// error; enum names are matched case-insensitively.
func ParamsFromAttributes(attributes map[string]interface{}) (*Params, error) {
	conf := DefaultParams()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &conf,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       lowercaseEnumHook,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return &conf, nil
}

var (
	degeneracyModeType    = reflect.TypeOf(DegeneracyMode(""))
	linearizationModeType = reflect.TypeOf(LinearizationMode(""))
)

func lowercaseEnumHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || (to != degeneracyModeType && to != linearizationModeType) {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	return strings.ToLower(strings.TrimSpace(s)), nil
}

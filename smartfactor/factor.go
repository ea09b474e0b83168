package smartfactor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/smartslam/factorgraph"
	"go.viam.com/smartslam/logging"
	"go.viam.com/smartslam/noise"
	"go.viam.com/smartslam/rimage/transform"
	"go.viam.com/smartslam/spatialmath"
)

// SmartProjectionPoseFactor constrains the poses that observed a single landmark with a fixed,
// shared calibration. The landmark is never a variable of the graph: it is triangulated from the
// current pose estimates and marginalized out of every linearization.
//
// A factor is safe for concurrent use; calls on one instance are serialized.
type SmartProjectionPoseFactor struct {
	mu           sync.Mutex
	logger       logging.Logger
	params       Params
	bodyPSensor  spatialmath.Pose
	hasSensor    bool
	measurements measurementSet

	triangulation *triangulationEntry
	linearization *linearizationEntry
	result        TriangulationResult
	evaluated     bool

	triangulations atomic.Uint64
	linearizations atomic.Uint64
	cacheHits      atomic.Uint64
}

var _ factorgraph.NonlinearFactor = (*SmartProjectionPoseFactor)(nil)

// NewSmartProjectionPoseFactor returns a factor without observations.
func NewSmartProjectionPoseFactor(logger logging.Logger, params Params) (*SmartProjectionPoseFactor, error) {
	if err := params.Validate("smart_factor"); err != nil {
		return nil, err
	}
	if params.LinearizationMetric == "" {
		params.LinearizationMetric = TangentMetric
	}
	bodyPSensor, err := params.BodyPSensor.Pose()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if logger == nil {
		logger = logging.Global().Sublogger("smartfactor")
	}
	return &SmartProjectionPoseFactor{
		logger:       logger,
		params:       params,
		bodyPSensor:  bodyPSensor,
		hasSensor:    params.BodyPSensor != nil,
		measurements: newMeasurementSet(),
		result:       TriangulationResult{Status: Degenerate},
	}, nil
}

// AddObservation records that the camera on the pose at key saw the landmark at pixel. A nil
// noise model is unit noise. Every pose may observe the landmark at most once.
func (f *SmartProjectionPoseFactor) AddObservation(
	key factorgraph.Key,
	pixel r2.Point,
	noiseModel noise.Model,
	calibration transform.Calibration,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.measurements.add(key, pixel, noiseModel, calibration); err != nil {
		return err
	}
	f.triangulation = nil
	f.linearization = nil
	return nil
}

// Size returns the number of observations.
func (f *SmartProjectionPoseFactor) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measurements.size()
}

// Keys returns the observing pose keys in the order they were added.
func (f *SmartProjectionPoseFactor) Keys() []factorgraph.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measurements.keys()
}

// Measured returns the observed pixels, in key order.
func (f *SmartProjectionPoseFactor) Measured() []r2.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measurements.pixels()
}

// Measurements returns a copy of every observation.
func (f *SmartProjectionPoseFactor) Measurements() []Measurement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Measurement(nil), f.measurements.items...)
}

// NoiseModels returns the noise model of every observation, in key order.
func (f *SmartProjectionPoseFactor) NoiseModels() []noise.Model {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Map(f.measurements.items, func(m Measurement, _ int) noise.Model { return m.Noise })
}

// Calibrations returns the calibration of every observation, in key order.
func (f *SmartProjectionPoseFactor) Calibrations() []transform.Calibration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Map(f.measurements.items, func(m Measurement, _ int) transform.Calibration { return m.Calibration })
}

// BodyPSensor returns the camera pose in the body frame; the identity when none was configured.
func (f *SmartProjectionPoseFactor) BodyPSensor() spatialmath.Pose {
	return f.bodyPSensor
}

// Params returns the factor's configuration.
func (f *SmartProjectionPoseFactor) Params() Params {
	return f.params
}

// Stats returns counters of triangulations, full linearizations and linearization cache hits.
func (f *SmartProjectionPoseFactor) Stats() FactorStats {
	return FactorStats{
		Triangulations: f.triangulations.Load(),
		Linearizations: f.linearizations.Load(),
		CacheHits:      f.cacheHits.Load(),
	}
}

// Result returns the outcome of the latest triangulation. A factor that has never been
// evaluated reports Degenerate.
func (f *SmartProjectionPoseFactor) Result() TriangulationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Status returns the latest triangulation status.
func (f *SmartProjectionPoseFactor) Status() TriangulationStatus {
	return f.Result().Status
}

// Point returns the latest landmark estimate, if it is valid.
func (f *SmartProjectionPoseFactor) Point() (r3.Vector, bool) {
	r := f.Result()
	return r.Point, r.Status == Valid
}

// IsValid reports whether the latest triangulation succeeded.
func (f *SmartProjectionPoseFactor) IsValid() bool {
	return f.Status() == Valid
}

// IsDegenerate reports whether the latest triangulation was underconstrained.
func (f *SmartProjectionPoseFactor) IsDegenerate() bool {
	return f.Status() == Degenerate
}

// IsPointBehindCamera reports whether the latest landmark estimate was behind some camera.
func (f *SmartProjectionPoseFactor) IsPointBehindCamera() bool {
	return f.Status() == BehindCamera
}

// IsOutlier reports whether the latest landmark estimate failed outlier rejection.
func (f *SmartProjectionPoseFactor) IsOutlier() bool {
	return f.Status() == Outlier
}

// IsFarPoint reports whether the latest landmark estimate exceeded the distance threshold.
func (f *SmartProjectionPoseFactor) IsFarPoint() bool {
	return f.Status() == FarPoint
}

// Cameras returns the cameras of every observation at the given estimate.
func (f *SmartProjectionPoseFactor) Cameras(values *factorgraph.Values) ([]transform.Camera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cameras, _, err := f.cameras(values)
	return cameras, err
}

func (f *SmartProjectionPoseFactor) cameras(values *factorgraph.Values) ([]transform.Camera, []spatialmath.Pose, error) {
	cameras := make([]transform.Camera, f.measurements.size())
	poses := make([]spatialmath.Pose, f.measurements.size())
	for i, m := range f.measurements.items {
		pose, err := values.At(m.Key)
		if err != nil {
			return nil, nil, err
		}
		poses[i] = pose
		if f.hasSensor {
			cameras[i] = transform.NewPinholePoseWithSensor(pose, f.bodyPSensor, m.Calibration)
		} else {
			cameras[i] = transform.NewPinholePose(pose, m.Calibration)
		}
	}
	return cameras, poses, nil
}

// triangulateSafe returns the landmark for the cameras, triangulating only when they moved since
// the last triangulation. It never fails: problems are reported through the status.
func (f *SmartProjectionPoseFactor) triangulateSafe(cameras []transform.Camera) TriangulationResult {
	cameraPoses := lo.Map(cameras, func(c transform.Camera, _ int) spatialmath.Pose { return c.Pose() })
	if !needsTriangulation(f.triangulation, cameraPoses, f.params.RetriangulationThreshold) {
		return f.triangulation.result
	}
	f.triangulations.Inc()
	result := f.classify(cameras)
	if result.Status != Valid && result.Status != Outlier &&
		f.params.DegeneracyMode == HandleInfinity && len(cameras) > 0 {
		dir, err := cameras[0].BackprojectPointAtInfinity(f.measurements.items[0].Pixel)
		if err == nil {
			result.Direction = dir
			result.HasDirection = true
		}
	}
	f.triangulation = &triangulationEntry{cameraPoses: cameraPoses, result: result}

	if !f.evaluated || f.result.Status != result.Status {
		f.logger.Debugw("landmark status changed",
			"keys", f.measurements.keys(), "from", f.result.Status, "to", result.Status)
	}
	f.result = result
	f.evaluated = true
	return result
}

func (f *SmartProjectionPoseFactor) classify(cameras []transform.Camera) TriangulationResult {
	if len(cameras) < 2 {
		return TriangulationResult{Status: Degenerate}
	}
	pixels := f.measurements.pixels()
	point, err := transform.TriangulatePoint(cameras, pixels, transform.TriangulationOptions{
		RankTolerance: f.params.RankTolerance,
		Optimize:      f.params.EnableEPI,
		MaxIterations: f.params.MaxRefineIterations,
	})
	switch {
	case errors.Is(err, transform.ErrTriangulationCheirality):
		return TriangulationResult{Status: BehindCamera}
	case err != nil:
		return TriangulationResult{Status: Degenerate}
	}

	for _, cam := range cameras {
		if cam.Pose().Point().Distance(point) > f.params.LandmarkDistanceThreshold {
			return TriangulationResult{Status: FarPoint, Point: point, HasPoint: true}
		}
	}
	if f.params.DynamicOutlierRejectionThreshold >= 0 {
		errs, err := transform.ReprojectionErrors(cameras, pixels, point)
		if err != nil {
			return TriangulationResult{Status: BehindCamera}
		}
		worst := lo.Max(lo.Map(errs, func(e r2.Point, _ int) float64 { return e.Norm() }))
		if worst > f.params.DynamicOutlierRejectionThreshold {
			return TriangulationResult{Status: Outlier, Point: point, HasPoint: true}
		}
	}
	return TriangulationResult{Status: Valid, Point: point, HasPoint: true}
}

// Error returns half the sum of squared whitened reprojection errors at the triangulated
// landmark, or zero when the factor is inactive.
func (f *SmartProjectionPoseFactor) Error(values *factorgraph.Values) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cameras, _, err := f.cameras(values)
	if err != nil {
		return 0, err
	}
	return f.errorAt(cameras, f.triangulateSafe(cameras))
}

func (f *SmartProjectionPoseFactor) errorAt(cameras []transform.Camera, result TriangulationResult) (float64, error) {
	switch {
	case result.Status == Valid:
		return f.totalError(cameras, func(cam transform.Camera) (r2.Point, error) {
			return cam.Project(result.Point)
		})
	case result.HasDirection:
		e, err := f.totalError(cameras, func(cam transform.Camera) (r2.Point, error) {
			pixel, _, _, err := cam.ProjectPointAtInfinity(result.Direction)
			return pixel, err
		})
		if err != nil {
			return 0, nil
		}
		return e, nil
	default:
		return 0, nil
	}
}

func (f *SmartProjectionPoseFactor) totalError(
	cameras []transform.Camera,
	project func(transform.Camera) (r2.Point, error),
) (float64, error) {
	var sum float64
	for i, cam := range cameras {
		m := f.measurements.items[i]
		pixel, err := project(cam)
		if err != nil {
			return 0, errors.Wrapf(err, "projecting into %s", m.Key)
		}
		sum += m.Noise.SquaredMahalanobis(mat.NewVecDense(2, []float64{pixel.X - m.Pixel.X, pixel.Y - m.Pixel.Y}))
	}
	return 0.5 * sum, nil
}

// TotalReprojectionError is Error, except that a non-nil point is used in place of the
// triangulated landmark.
func (f *SmartProjectionPoseFactor) TotalReprojectionError(values *factorgraph.Values, point *r3.Vector) (float64, error) {
	if point == nil {
		return f.Error(values)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cameras, _, err := f.cameras(values)
	if err != nil {
		return 0, err
	}
	return f.totalError(cameras, func(cam transform.Camera) (r2.Point, error) { return cam.Project(*point) })
}

// ReprojectionErrorAfterTriangulation returns the stacked unwhitened pixel errors, projected minus
// measured, at the triangulated landmark.
func (f *SmartProjectionPoseFactor) ReprojectionErrorAfterTriangulation(values *factorgraph.Values) (*mat.VecDense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cameras, _, err := f.cameras(values)
	if err != nil {
		return nil, err
	}
	result := f.triangulateSafe(cameras)
	if result.Status != Valid {
		return nil, errors.Wrapf(ErrNoValidPoint, "status %s", result.Status)
	}
	errs, err := transform.ReprojectionErrors(cameras, f.measurements.pixels(), result.Point)
	if err != nil {
		return nil, err
	}
	out := mat.NewVecDense(2*len(errs), nil)
	for i, e := range errs {
		out.SetVec(2*i, e.X)
		out.SetVec(2*i+1, e.Y)
	}
	return out, nil
}

// Linearize returns the landmark-marginalized Gaussian factor over the observing poses, or nil
// when the factor is inactive. A cached result is returned while no pose has moved more than the
// linearization threshold.
func (f *SmartProjectionPoseFactor) Linearize(values *factorgraph.Values) (factorgraph.GaussianFactor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cameras, poses, err := f.cameras(values)
	if err != nil {
		return nil, err
	}
	if !f.params.needsLinearization(f.linearization, poses) {
		f.cacheHits.Inc()
		f.logger.Debugw("reusing cached linearization", "keys", f.measurements.keys())
		return f.linearization.factor, nil
	}
	f.linearizations.Inc()
	result := f.triangulateSafe(cameras)
	lf, err := f.linearizeAt(cameras, result)
	if err != nil {
		return nil, err
	}
	f.linearization = &linearizationEntry{poses: poses, factor: lf, result: result}
	return lf, nil
}

// Equal compares configuration and observations within tol.
func (f *SmartProjectionPoseFactor) Equal(other *SmartProjectionPoseFactor, tol float64) bool {
	if other == nil {
		return false
	}
	if f == other {
		return true
	}
	a, b := f.Params(), other.Params()
	a.BodyPSensor, b.BodyPSensor = nil, nil
	if a != b || f.hasSensor != other.hasSensor || !spatialmath.PoseAlmostEqual(f.bodyPSensor, other.bodyPSensor, tol) {
		return false
	}
	ours, theirs := f.Measurements(), other.Measurements()
	if len(ours) != len(theirs) {
		return false
	}
	for i := range ours {
		x, y := ours[i], theirs[i]
		if x.Key != y.Key || x.Pixel.Sub(y.Pixel).Norm() > tol ||
			!x.Noise.Equal(y.Noise, tol) || !x.Calibration.Equal(y.Calibration, tol) {
			return false
		}
	}
	return true
}

func (f *SmartProjectionPoseFactor) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "SmartProjectionPoseFactor keys %v\n", f.measurements.keys())
	fmt.Fprintf(&sb, "  degeneracy %s, linearization %s, rank tolerance %g, EPI %t\n",
		f.params.DegeneracyMode, f.params.LinearizationMode, f.params.RankTolerance, f.params.EnableEPI)
	if f.hasSensor {
		fmt.Fprintf(&sb, "  body_P_sensor %v\n", f.bodyPSensor)
	}
	fmt.Fprintf(&sb, "  result %v\n", f.result)
	for _, m := range f.measurements.items {
		fmt.Fprintf(&sb, "  %s: z = (%g, %g), noise %v, calibration %v\n", m.Key, m.Pixel.X, m.Pixel.Y, m.Noise, m.Calibration)
	}
	return sb.String()
}

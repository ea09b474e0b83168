package smartfactor

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/smartslam/factorgraph"
	"go.viam.com/smartslam/logging"
	"go.viam.com/smartslam/noise"
	"go.viam.com/smartslam/rimage/transform"
	"go.viam.com/smartslam/spatialmath"
)

var testIntrinsics = &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}

func x(i uint64) factorgraph.Key {
	return factorgraph.Symbol('x', i)
}

func newTestFactor(t *testing.T, params Params) *SmartProjectionPoseFactor {
	t.Helper()
	f, err := NewSmartProjectionPoseFactor(logging.NewTestLogger(t), params)
	test.That(t, err, test.ShouldBeNil)
	return f
}

// stereoScene is two cameras one unit apart along x observing (0, 0, 5).
func stereoScene(t *testing.T, params Params) (*SmartProjectionPoseFactor, *factorgraph.Values) {
	t.Helper()
	values := factorgraph.NewValues()
	test.That(t, values.Insert(x(0), spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, values.Insert(x(1), spatialmath.NewPoseFromPoint(r3.Vector{X: 1})), test.ShouldBeNil)

	f := newTestFactor(t, params)
	test.That(t, f.AddObservation(x(0), r2.Point{X: 320, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
	test.That(t, f.AddObservation(x(1), r2.Point{X: 220, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
	return f, values
}

// ringScene places n cameras on an arc looking at a landmark, with pixel offsets and mixed noise.
func ringScene(t *testing.T, n int, params Params) (*SmartProjectionPoseFactor, *factorgraph.Values, r3.Vector) {
	t.Helper()
	landmark := r3.Vector{X: 0.2, Y: -0.1, Z: 1}
	values := factorgraph.NewValues()
	f := newTestFactor(t, params)
	for i := 0; i < n; i++ {
		theta := -0.6 + 1.2*float64(i)/float64(n-1)
		eye := r3.Vector{X: 4 * math.Sin(theta), Y: 0.3 * float64(i%2), Z: 1 - 4*math.Cos(theta)}
		pose, err := spatialmath.NewPoseLookingAt(eye, landmark.Add(r3.Vector{X: 0.05 * float64(i)}), r3.Vector{Y: -1})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, values.Insert(x(uint64(i)), pose), test.ShouldBeNil)

		pixel, err := transform.NewPinholePose(pose, testIntrinsics).Project(landmark)
		test.That(t, err, test.ShouldBeNil)
		sign := float64(1 - 2*(i%2))
		pixel = pixel.Add(r2.Point{X: 0.4 * sign, Y: -0.25 * sign})
		model, err := noise.NewIsotropic(2, 1+0.25*float64(i))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.AddObservation(x(uint64(i)), pixel, model, testIntrinsics), test.ShouldBeNil)
	}
	return f, values, landmark
}

func TestAddObservation(t *testing.T) {
	f := newTestFactor(t, DefaultParams())
	test.That(t, f.AddObservation(x(3), r2.Point{X: 1, Y: 2}, nil, testIntrinsics), test.ShouldBeNil)
	test.That(t, f.AddObservation(x(1), r2.Point{X: 3, Y: 4}, nil, testIntrinsics), test.ShouldBeNil)

	err := f.AddObservation(x(3), r2.Point{X: 5, Y: 6}, nil, testIntrinsics)
	test.That(t, errors.Is(err, ErrInvalidMeasurement), test.ShouldBeTrue)
	err = f.AddObservation(x(4), r2.Point{X: math.NaN()}, nil, testIntrinsics)
	test.That(t, errors.Is(err, ErrInvalidMeasurement), test.ShouldBeTrue)
	err = f.AddObservation(x(5), r2.Point{X: math.Inf(1)}, nil, testIntrinsics)
	test.That(t, errors.Is(err, ErrInvalidMeasurement), test.ShouldBeTrue)
	err = f.AddObservation(x(6), r2.Point{}, noise.NewUnit(3), testIntrinsics)
	test.That(t, errors.Is(err, ErrInvalidMeasurement), test.ShouldBeTrue)
	err = f.AddObservation(x(7), r2.Point{}, nil, nil)
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)
	err = f.AddObservation(x(8), r2.Point{}, nil, &transform.PinholeCameraIntrinsics{})
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)

	// failed additions leave the factor unchanged
	test.That(t, f.Size(), test.ShouldEqual, 2)
	test.That(t, f.Keys(), test.ShouldResemble, []factorgraph.Key{x(3), x(1)})
	test.That(t, f.Measured(), test.ShouldResemble, []r2.Point{{X: 1, Y: 2}, {X: 3, Y: 4}})
	test.That(t, f.NoiseModels()[0].Equal(noise.NewUnit(2), 0), test.ShouldBeTrue)
	test.That(t, f.Calibrations()[1], test.ShouldEqual, testIntrinsics)
}

func TestStereoScenario(t *testing.T) {
	for _, epi := range []bool{false, true} {
		params := DefaultParams()
		params.EnableEPI = epi
		f, values := stereoScene(t, params)

		e, err := f.Error(values)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, e, test.ShouldBeLessThan, 1e-12)
		test.That(t, f.IsValid(), test.ShouldBeTrue)
		point, ok := f.Point()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, point.Sub(r3.Vector{Z: 5}).Norm(), test.ShouldBeLessThan, 1e-6)

		lf, err := f.Linearize(values)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lf, test.ShouldNotBeNil)
		test.That(t, lf.Keys(), test.ShouldResemble, []factorgraph.Key{x(0), x(1)})
		test.That(t, lf.Dims(), test.ShouldResemble, []int{6, 6})
	}
}

func TestMissingKey(t *testing.T) {
	f, values := stereoScene(t, DefaultParams())
	partial := factorgraph.NewValues()
	pose, err := values.At(x(0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, partial.Insert(x(0), pose), test.ShouldBeNil)

	_, err = f.Error(partial)
	test.That(t, errors.Is(err, factorgraph.ErrKeyNotFound), test.ShouldBeTrue)
	_, err = f.Linearize(partial)
	test.That(t, errors.Is(err, factorgraph.ErrKeyNotFound), test.ShouldBeTrue)
}

func TestSensorOffset(t *testing.T) {
	sensor := spatialmath.NewPose(spatialmath.RotationExpmap(r3.Vector{X: 0.2, Y: -0.1}), r3.Vector{X: 0.1, Y: -0.05, Z: 0.3})
	params := DefaultParams()
	params.BodyPSensor = spatialmath.NewPoseConfig(sensor)
	f := newTestFactor(t, params)
	test.That(t, spatialmath.PoseAlmostEqual(f.BodyPSensor(), sensor, 1e-12), test.ShouldBeTrue)

	// bodies placed so that the cameras sit where the stereo cameras do
	values := factorgraph.NewValues()
	for i, camPose := range []spatialmath.Pose{spatialmath.NewZeroPose(), spatialmath.NewPoseFromPoint(r3.Vector{X: 1})} {
		test.That(t, values.Insert(x(uint64(i)), spatialmath.Compose(camPose, sensor.Inverse())), test.ShouldBeNil)
	}
	test.That(t, f.AddObservation(x(0), r2.Point{X: 320, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
	test.That(t, f.AddObservation(x(1), r2.Point{X: 220, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)

	e, err := f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldBeLessThan, 1e-12)
	point, ok := f.Point()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, point.Sub(r3.Vector{Z: 5}).Norm(), test.ShouldBeLessThan, 1e-6)

	cameras, err := f.Cameras(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(cameras[1].Pose(), spatialmath.NewPoseFromPoint(r3.Vector{X: 1}), 1e-9), test.ShouldBeTrue)
}

func TestDegenerateIgnored(t *testing.T) {
	t.Run("single observation", func(t *testing.T) {
		f := newTestFactor(t, DefaultParams())
		test.That(t, f.AddObservation(x(0), r2.Point{X: 320, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
		values := factorgraph.NewValues()
		test.That(t, values.Insert(x(0), spatialmath.NewZeroPose()), test.ShouldBeNil)

		e, err := f.Error(values)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, e, test.ShouldEqual, 0.)
		lf, err := f.Linearize(values)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lf, test.ShouldBeNil)
		test.That(t, f.IsDegenerate(), test.ShouldBeTrue)
	})
	t.Run("same pose twice", func(t *testing.T) {
		f := newTestFactor(t, DefaultParams())
		values := factorgraph.NewValues()
		for i := uint64(0); i < 2; i++ {
			test.That(t, values.Insert(x(i), spatialmath.NewPoseFromPoint(r3.Vector{X: 1})), test.ShouldBeNil)
			test.That(t, f.AddObservation(x(i), r2.Point{X: 300, Y: 250}, nil, testIntrinsics), test.ShouldBeNil)
		}
		e, err := f.Error(values)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, e, test.ShouldEqual, 0.)
		lf, err := f.Linearize(values)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lf, test.ShouldBeNil)
		test.That(t, f.IsDegenerate(), test.ShouldBeTrue)
		_, ok := f.Point()
		test.That(t, ok, test.ShouldBeFalse)
	})
}

func TestBehindCamera(t *testing.T) {
	f, values := stereoScene(t, DefaultParams())
	// rays that only meet behind the cameras
	f2 := newTestFactor(t, DefaultParams())
	test.That(t, f2.AddObservation(x(0), r2.Point{X: 320, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
	test.That(t, f2.AddObservation(x(1), r2.Point{X: 420, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)

	e, err := f2.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldEqual, 0.)
	test.That(t, f2.IsPointBehindCamera(), test.ShouldBeTrue)
	lf, err := f2.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lf, test.ShouldBeNil)

	// the well posed factor is unaffected
	_, err = f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.IsValid(), test.ShouldBeTrue)
}

func TestFarPoint(t *testing.T) {
	params := DefaultParams()
	params.LandmarkDistanceThreshold = 4
	f, values := stereoScene(t, params)
	e, err := f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldEqual, 0.)
	test.That(t, f.IsFarPoint(), test.ShouldBeTrue)
	test.That(t, f.Result().HasPoint, test.ShouldBeTrue)
	lf, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lf, test.ShouldBeNil)
}

func outlierScene(t *testing.T, threshold float64) (*SmartProjectionPoseFactor, *factorgraph.Values) {
	t.Helper()
	params := DefaultParams()
	params.DynamicOutlierRejectionThreshold = threshold
	f, values := stereoScene(t, params)
	test.That(t, values.Insert(x(2), spatialmath.NewPoseFromPoint(r3.Vector{X: 0.5, Y: 0.5})), test.ShouldBeNil)
	// the true pixel is (270, 190); this one is 60 pixels off
	test.That(t, f.AddObservation(x(2), r2.Point{X: 270, Y: 250}, nil, testIntrinsics), test.ShouldBeNil)
	return f, values
}

func TestOutlierRejection(t *testing.T) {
	f, values := outlierScene(t, 10)
	e, err := f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldEqual, 0.)
	test.That(t, f.IsOutlier(), test.ShouldBeTrue)
	lf, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lf, test.ShouldBeNil)

	// the same data is accepted when the check is off or loose enough
	for _, threshold := range []float64{-1, 1000} {
		f, values := outlierScene(t, threshold)
		e, err := f.Error(values)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, e, test.ShouldBeGreaterThan, 1)
		test.That(t, f.IsValid(), test.ShouldBeTrue)
	}

	// and an outlier stays inactive in zero-on-degeneracy mode apart from its keys
	params := DefaultParams()
	params.DynamicOutlierRejectionThreshold = 10
	params.DegeneracyMode = ZeroOnDegeneracy
	fz, valuesZ := stereoScene(t, params)
	test.That(t, valuesZ.Insert(x(2), spatialmath.NewPoseFromPoint(r3.Vector{X: 0.5, Y: 0.5})), test.ShouldBeNil)
	test.That(t, fz.AddObservation(x(2), r2.Point{X: 270, Y: 250}, nil, testIntrinsics), test.ShouldBeNil)
	lf, err = fz.Linearize(valuesZ)
	test.That(t, err, test.ShouldBeNil)
	hf, ok := lf.(*factorgraph.HessianFactor)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, hf.Equal(factorgraph.NewZeroHessianFactor(fz.Keys(), []int{6, 6, 6}), 0), test.ShouldBeTrue)
}

func TestZeroOnDegeneracy(t *testing.T) {
	params := DefaultParams()
	params.DegeneracyMode = ZeroOnDegeneracy
	f := newTestFactor(t, params)
	values := factorgraph.NewValues()
	for i := uint64(0); i < 2; i++ {
		test.That(t, values.Insert(x(i), spatialmath.NewZeroPose()), test.ShouldBeNil)
		test.That(t, f.AddObservation(x(i), r2.Point{X: 320, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
	}
	e, err := f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldEqual, 0.)

	lf, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	hf, ok := lf.(*factorgraph.HessianFactor)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, hf.Keys(), test.ShouldResemble, []factorgraph.Key{x(0), x(1)})
	info, linear := hf.Information()
	test.That(t, mat.Norm(info, 1), test.ShouldEqual, 0.)
	test.That(t, mat.Norm(linear, 1), test.ShouldEqual, 0.)
}

func TestHandleInfinity(t *testing.T) {
	params := DefaultParams()
	params.DegeneracyMode = HandleInfinity
	f := newTestFactor(t, params)

	// two cameras at the same place, rotated, observing a consistent direction
	values := factorgraph.NewValues()
	poses := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPose(spatialmath.RotationExpmap(r3.Vector{X: 0.05, Y: 0.1}), r3.Vector{}),
	}
	landmark := r3.Vector{X: 0.3, Y: 0.2, Z: 5}
	for i, pose := range poses {
		test.That(t, values.Insert(x(uint64(i)), pose), test.ShouldBeNil)
		pixel, err := transform.NewPinholePose(pose, testIntrinsics).Project(landmark)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.AddObservation(x(uint64(i)), pixel, nil, testIntrinsics), test.ShouldBeNil)
	}

	e, err := f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldBeLessThan, 1e-12)
	test.That(t, f.IsDegenerate(), test.ShouldBeTrue)
	result := f.Result()
	test.That(t, result.HasDirection, test.ShouldBeTrue)
	test.That(t, result.Direction.Sub(landmark.Normalize()).Norm(), test.ShouldBeLessThan, 1e-9)

	lf, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	hf, ok := lf.(*factorgraph.HessianFactor)
	test.That(t, ok, test.ShouldBeTrue)

	var rotationInfo float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			blk := hf.Block(i, j)
			for r := 0; r < 6; r++ {
				for c := 0; c < 6; c++ {
					if r >= 3 || c >= 3 {
						test.That(t, blk.At(r, c), test.ShouldEqual, 0.)
					} else if i == j && r == c {
						rotationInfo += blk.At(r, c)
					}
				}
			}
		}
	}
	test.That(t, rotationInfo, test.ShouldBeGreaterThan, 1)

	// a rotation that disagrees with the measurements costs something
	rotated, err := values.Retract(factorgraph.VectorValues{x(1): mat.NewVecDense(6, []float64{0, 0.01, 0, 0, 0, 0})})
	test.That(t, err, test.ShouldBeNil)
	e, err = f.Error(rotated)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldBeGreaterThan, 1)
	// while a translation alone does not
	translated, err := values.Retract(factorgraph.VectorValues{x(1): mat.NewVecDense(6, []float64{0, 0, 0, 0, 0, 1e-9})})
	test.That(t, err, test.ShouldBeNil)
	e, err = f.Error(translated)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e, test.ShouldBeLessThan, 1e-12)
}

func TestStatusToggles(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	params := DefaultParams()
	f, err := NewSmartProjectionPoseFactor(logger, params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.AddObservation(x(0), r2.Point{X: 320, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
	test.That(t, f.AddObservation(x(1), r2.Point{X: 220, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)

	good := factorgraph.NewValues()
	test.That(t, good.Insert(x(0), spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, good.Insert(x(1), spatialmath.NewPoseFromPoint(r3.Vector{X: 1})), test.ShouldBeNil)
	collapsed := factorgraph.NewValues()
	test.That(t, collapsed.Insert(x(0), spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, collapsed.Insert(x(1), spatialmath.NewZeroPose()), test.ShouldBeNil)

	for _, step := range []struct {
		values *factorgraph.Values
		status TriangulationStatus
	}{{good, Valid}, {collapsed, BehindCamera}, {good, Valid}} {
		_, err := f.Error(step.values)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Status(), test.ShouldEqual, step.status)
	}
	test.That(t, logs.FilterMessage("landmark status changed").Len(), test.ShouldEqual, 3)
	test.That(t, f.Stats().Triangulations, test.ShouldEqual, uint64(3))
}

func TestReprojectionInspection(t *testing.T) {
	f, values, landmark := ringScene(t, 4, DefaultParams())
	residuals, err := f.ReprojectionErrorAfterTriangulation(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, residuals.Len(), test.ShouldEqual, 8)
	test.That(t, mat.Norm(residuals, math.Inf(1)), test.ShouldBeLessThan, 1)

	e, err := f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	same, err := f.TotalReprojectionError(values, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, same, test.ShouldEqual, e)
	atTruth, err := f.TotalReprojectionError(values, &landmark)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, atTruth, test.ShouldBeGreaterThan, 0)

	behind := r3.Vector{Z: -100}
	_, err = f.TotalReprojectionError(values, &behind)
	test.That(t, errors.Is(err, transform.ErrCheirality), test.ShouldBeTrue)

	degenerate := newTestFactor(t, DefaultParams())
	_, err = degenerate.ReprojectionErrorAfterTriangulation(values)
	test.That(t, errors.Is(err, ErrNoValidPoint), test.ShouldBeTrue)
	_, err = degenerate.ComputeJacobians(values)
	test.That(t, errors.Is(err, ErrNoValidPoint), test.ShouldBeTrue)
}

func TestFactorEqualAndString(t *testing.T) {
	a, _ := stereoScene(t, DefaultParams())
	b, _ := stereoScene(t, DefaultParams())
	test.That(t, a.Equal(b, 1e-9), test.ShouldBeTrue)
	test.That(t, a.Equal(a, 0), test.ShouldBeTrue)
	test.That(t, a.Equal(nil, 0), test.ShouldBeFalse)

	params := DefaultParams()
	params.LinearizationMode = JacobianQ
	c, _ := stereoScene(t, params)
	test.That(t, a.Equal(c, 1e-9), test.ShouldBeFalse)

	d := newTestFactor(t, DefaultParams())
	test.That(t, d.AddObservation(x(0), r2.Point{X: 320, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
	test.That(t, d.AddObservation(x(1), r2.Point{X: 221, Y: 240}, nil, testIntrinsics), test.ShouldBeNil)
	test.That(t, a.Equal(d, 1e-9), test.ShouldBeFalse)
	test.That(t, a.Equal(d, 2), test.ShouldBeTrue)

	s := a.String()
	test.That(t, s, test.ShouldContainSubstring, "x0")
	test.That(t, s, test.ShouldContainSubstring, "ignore_degeneracy")
	test.That(t, s, test.ShouldContainSubstring, "(220, 240)")
}

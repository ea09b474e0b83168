package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

var (
	testPoseA = NewPose(RotationExpmap(r3.Vector{X: 0.1, Y: -0.3, Z: 0.2}), r3.Vector{X: 1, Y: 2, Z: -0.5})
	testPoseB = NewPose(RotationExpmap(r3.Vector{X: -0.4, Y: 0.05, Z: 1.1}), r3.Vector{X: -3, Y: 0.5, Z: 4})
)

func TestExpmapLogmap(t *testing.T) {
	for _, tc := range []struct {
		name  string
		omega r3.Vector
	}{
		{"zero", r3.Vector{}},
		{"tiny", r3.Vector{X: 1e-7, Y: -2e-7, Z: 3e-8}},
		{"moderate", r3.Vector{X: 0.3, Y: -0.2, Z: 0.9}},
		{"large", r3.Vector{X: 2, Y: 1, Z: -1}},
		{"near pi", r3.Vector{Z: math.Pi - 1e-6}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			back := RotationLogmap(RotationExpmap(tc.omega))
			test.That(t, back.X, test.ShouldAlmostEqual, tc.omega.X, 1e-6)
			test.That(t, back.Y, test.ShouldAlmostEqual, tc.omega.Y, 1e-6)
			test.That(t, back.Z, test.ShouldAlmostEqual, tc.omega.Z, 1e-6)
		})
	}
}

func TestRotationBasics(t *testing.T) {
	rot := RotationExpmap(r3.Vector{Z: math.Pi / 2})
	v := rot.Rotate(r3.Vector{X: 1})
	test.That(t, v.X, test.ShouldAlmostEqual, 0)
	test.That(t, v.Y, test.ShouldAlmostEqual, 1)
	back := rot.Unrotate(v)
	test.That(t, back.X, test.ShouldAlmostEqual, 1)

	id := rot.Mul(rot.Transpose())
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			expected := 0.
			if r == c {
				expected = 1
			}
			test.That(t, id.At(r, c), test.ShouldAlmostEqual, expected)
		}
	}

	_, err := NewRotationMatrix([]float64{1, 0, 0, 0, 1, 0, 0, 0})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewRotationMatrix([]float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewRotationMatrix([]float64{2, 0, 0, 0, 1, 0, 0, 0, 1})
	test.That(t, err, test.ShouldNotBeNil)
	ok, err := NewRotationMatrix(rot.mat[:])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldResemble, rot)
}

func TestQuaternionRoundTrip(t *testing.T) {
	for _, omega := range []r3.Vector{
		{},
		{X: 3},
		{Y: -2.9},
		{Z: 3.1},
		{X: 0.4, Y: 0.5, Z: -0.6},
	} {
		rot := RotationExpmap(omega)
		q := rot.Quaternion()
		test.That(t, quat.Abs(q), test.ShouldAlmostEqual, 1)
		test.That(t, q.Real, test.ShouldBeGreaterThanOrEqualTo, 0)
		back := NewRotationMatrixFromQuat(q)
		test.That(t, NewElementwiseMetric().Distance(NewPose(rot, r3.Vector{}), NewPose(back, r3.Vector{})),
			test.ShouldBeLessThan, 1e-9)
	}
	scaled := NewRotationMatrixFromQuat(quat.Number{Real: 2})
	test.That(t, scaled, test.ShouldResemble, IdentityRotation())
}

func TestComposeInverse(t *testing.T) {
	id := Compose(testPoseA, testPoseA.Inverse())
	test.That(t, PoseAlmostEqual(id, NewZeroPose(), 1e-12), test.ShouldBeTrue)

	between := PoseBetween(testPoseA, testPoseB)
	test.That(t, PoseAlmostEqual(Compose(testPoseA, between), testPoseB, 1e-12), test.ShouldBeTrue)

	p := r3.Vector{X: 0.3, Y: -1, Z: 2}
	world := testPoseA.TransformFrom(p)
	back := testPoseA.TransformTo(world)
	test.That(t, back.Sub(p).Norm(), test.ShouldBeLessThan, 1e-12)

	chained := Compose(testPoseA, testPoseB).TransformFrom(p)
	stepwise := testPoseA.TransformFrom(testPoseB.TransformFrom(p))
	test.That(t, chained.Sub(stepwise).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestRetractLocalCoordinates(t *testing.T) {
	xi := []float64{0.01, -0.2, 0.3, 1, -2, 0.5}
	moved := testPoseA.Retract(xi)
	back := testPoseA.LocalCoordinates(moved)
	for i := range xi {
		test.That(t, back[i], test.ShouldAlmostEqual, xi[i], 1e-9)
	}
	zero := testPoseA.LocalCoordinates(testPoseA)
	for _, v := range zero {
		test.That(t, v, test.ShouldAlmostEqual, 0)
	}
	test.That(t, NewTangentMetric().Distance(testPoseA, moved), test.ShouldAlmostEqual, math.Sqrt(0.0001+0.04+0.09+1+4+0.25), 1e-9)
}

func numericPoseJacobian(f func(Pose) r3.Vector, p Pose) *mat.Dense {
	const h = 1e-6
	jac := mat.NewDense(3, PoseDim, nil)
	for j := 0; j < PoseDim; j++ {
		plus := make([]float64, PoseDim)
		minus := make([]float64, PoseDim)
		plus[j] = h
		minus[j] = -h
		d := f(p.Retract(plus)).Sub(f(p.Retract(minus))).Mul(1 / (2 * h))
		jac.Set(0, j, d.X)
		jac.Set(1, j, d.Y)
		jac.Set(2, j, d.Z)
	}
	return jac
}

func TestTransformToJacobians(t *testing.T) {
	world := r3.Vector{X: 2, Y: -1, Z: 7}
	_, dPose, dPoint := testPoseA.TransformToWithJacobians(world)

	numPose := numericPoseJacobian(func(p Pose) r3.Vector { return p.TransformTo(world) }, testPoseA)
	test.That(t, mat.EqualApprox(dPose, numPose, 1e-6), test.ShouldBeTrue)

	const h = 1e-6
	numPoint := mat.NewDense(3, 3, nil)
	for j, dir := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}} {
		d := testPoseA.TransformTo(world.Add(dir.Mul(h))).Sub(testPoseA.TransformTo(world.Sub(dir.Mul(h)))).Mul(1 / (2 * h))
		numPoint.Set(0, j, d.X)
		numPoint.Set(1, j, d.Y)
		numPoint.Set(2, j, d.Z)
	}
	test.That(t, mat.EqualApprox(dPoint, numPoint, 1e-6), test.ShouldBeTrue)
}

func TestAdjointMapsBodyPerturbation(t *testing.T) {
	// Perturbing the body of body∘sensor is the same as perturbing the composite by Ad(sensor⁻¹)ξ.
	sensor := testPoseB
	adj := sensor.Inverse().AdjointMap()
	xi := []float64{1e-5, -2e-5, 3e-5, 2e-5, 1e-5, -1e-5}
	left := Compose(testPoseA.Retract(xi), sensor)

	var mapped mat.VecDense
	mapped.MulVec(adj, mat.NewVecDense(PoseDim, xi))
	right := Compose(testPoseA, sensor).Retract(mapped.RawVector().Data)
	test.That(t, NewElementwiseMetric().Distance(left, right), test.ShouldBeLessThan, 1e-7)
}

func TestPoseLookingAt(t *testing.T) {
	eye := r3.Vector{X: -5}
	pose, err := NewPoseLookingAt(eye, r3.Vector{}, r3.Vector{Z: 1})
	test.That(t, err, test.ShouldBeNil)
	local := pose.TransformTo(r3.Vector{})
	test.That(t, local.X, test.ShouldAlmostEqual, 0)
	test.That(t, local.Y, test.ShouldAlmostEqual, 0)
	test.That(t, local.Z, test.ShouldAlmostEqual, 5)
	// world up appears as negative image y
	up := pose.TransformTo(r3.Vector{Z: 1})
	test.That(t, up.Y, test.ShouldBeLessThan, 0)

	_, err = NewPoseLookingAt(eye, eye, r3.Vector{Z: 1})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewPoseLookingAt(r3.Vector{}, r3.Vector{Z: 3}, r3.Vector{Z: 1})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMetrics(t *testing.T) {
	a := NewPoseFromPoint(r3.Vector{X: 1})
	b := NewPoseFromPoint(r3.Vector{X: 1.5, Y: -0.1})
	test.That(t, NewElementwiseMetric().Distance(a, b), test.ShouldAlmostEqual, 0.5)
	test.That(t, NewTangentMetric().Distance(a, b), test.ShouldAlmostEqual, math.Sqrt(0.26))
	test.That(t, PoseAlmostEqual(a, b, 0.49), test.ShouldBeFalse)
	test.That(t, PoseAlmostEqual(a, b, 0.5), test.ShouldBeTrue)
}

func TestPoseConfig(t *testing.T) {
	var nilConf *PoseConfig
	p, err := nilConf.Pose()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, PoseAlmostEqual(p, NewZeroPose(), 0), test.ShouldBeTrue)

	back, err := NewPoseConfig(testPoseA).Pose()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, PoseAlmostEqual(back, testPoseA, 1e-12), test.ShouldBeTrue)

	p, err = (&PoseConfig{Translation: r3.Vector{X: 1, Y: 2, Z: 3}}).Pose()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Point(), test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})

	_, err = (&PoseConfig{Orientation: &QuaternionConfig{}}).Pose()
	test.That(t, err, test.ShouldNotBeNil)
	_, err = (&PoseConfig{Translation: r3.Vector{X: math.NaN()}}).Pose()
	test.That(t, err, test.ShouldNotBeNil)
}

package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/smartslam/spatialmath"
)

var (
	// ErrCheirality is returned when projecting a point that lies behind the camera.
	ErrCheirality = errors.New("point is behind the camera")
	// ErrProjectionInfinity is returned when a point lies on the camera plane and projects to infinity.
	ErrProjectionInfinity = errors.New("point projects to infinity")
)

// depths with magnitude below this are treated as lying on the camera plane.
const projectionDepthEpsilon = 1e-10

// Camera is a calibrated camera at a pose in the world. The camera frame has +z along the
// optical axis, +x to the right and +y down the image.
type Camera interface {
	// Pose returns world_T_camera.
	Pose() spatialmath.Pose
	Calibration() Calibration
	Project(p r3.Vector) (r2.Point, error)
	// ProjectWithJacobians also returns the 2x6 Jacobian with respect to the pose tangent and the
	// 2x3 Jacobian with respect to the point.
	ProjectWithJacobians(p r3.Vector) (r2.Point, *mat.Dense, *mat.Dense, error)
	// ProjectPointAtInfinity projects a world direction. The Jacobians are 2x6 with respect to the
	// pose (translation columns are zero) and 2x2 with respect to the direction's sphere tangent.
	ProjectPointAtInfinity(dir r3.Vector) (r2.Point, *mat.Dense, *mat.Dense, error)
	Backproject(pixel r2.Point, depth float64) (r3.Vector, error)
	// BackprojectPointAtInfinity returns the unit world direction seen at pixel.
	BackprojectPointAtInfinity(pixel r2.Point) (r3.Vector, error)
}

// PinholePose is a camera whose pose varies and whose calibration is fixed and shared.
type PinholePose struct {
	pose spatialmath.Pose
	cal  Calibration
	// maps camera tangent Jacobians to the body tangent; nil when camera and body coincide
	bodyAdjoint *mat.Dense
}

// NewPinholePose returns a camera at pose.
func NewPinholePose(pose spatialmath.Pose, cal Calibration) *PinholePose {
	return &PinholePose{pose: pose, cal: cal}
}

// NewPinholePoseWithSensor returns the camera mounted at bodyPSensor on a body at bodyPose.
// Pose Jacobians are taken with respect to the body pose.
func NewPinholePoseWithSensor(bodyPose, bodyPSensor spatialmath.Pose, cal Calibration) *PinholePose {
	return &PinholePose{
		pose:        spatialmath.Compose(bodyPose, bodyPSensor),
		cal:         cal,
		bodyAdjoint: bodyPSensor.Inverse().AdjointMap(),
	}
}

// Pose returns world_T_camera.
func (pc *PinholePose) Pose() spatialmath.Pose {
	return pc.pose
}

// Calibration returns the shared calibration.
func (pc *PinholePose) Calibration() Calibration {
	return pc.cal
}

// Project returns the pixel at which a world point is seen.
func (pc *PinholePose) Project(p r3.Vector) (r2.Point, error) {
	local := pc.pose.TransformTo(p)
	pn, err := projectToNormalized(local)
	if err != nil {
		return r2.Point{}, err
	}
	pixel, _ := pc.cal.Uncalibrate(pn)
	return pixel, nil
}

func projectToNormalized(local r3.Vector) (r2.Point, error) {
	if math.Abs(local.Z) < projectionDepthEpsilon {
		return r2.Point{}, ErrProjectionInfinity
	}
	if local.Z < 0 {
		return r2.Point{}, ErrCheirality
	}
	return r2.Point{X: local.X / local.Z, Y: local.Y / local.Z}, nil
}

// derivative of the normalized projection (x/z, y/z) with respect to (x, y, z).
func normalizedProjectionJacobian(local r3.Vector) *mat.Dense {
	invZ := 1 / local.Z
	return mat.NewDense(2, 3, []float64{
		invZ, 0, -local.X * invZ * invZ,
		0, invZ, -local.Y * invZ * invZ,
	})
}

// ProjectWithJacobians projects p and returns the Jacobians with respect to the pose and the point.
func (pc *PinholePose) ProjectWithJacobians(p r3.Vector) (r2.Point, *mat.Dense, *mat.Dense, error) {
	local, dLocalDPose, dLocalDPoint := pc.pose.TransformToWithJacobians(p)
	pn, err := projectToNormalized(local)
	if err != nil {
		return r2.Point{}, nil, nil, err
	}
	pixel, dK := pc.cal.Uncalibrate(pn)

	var dPixelDLocal mat.Dense
	dPixelDLocal.Mul(dK, normalizedProjectionJacobian(local))

	var dPose, dPoint mat.Dense
	dPose.Mul(&dPixelDLocal, dLocalDPose)
	dPoint.Mul(&dPixelDLocal, dLocalDPoint)
	return pixel, pc.toBody(&dPose), &dPoint, nil
}

// ProjectPointAtInfinity projects a direction, which only depends on the camera rotation.
func (pc *PinholePose) ProjectPointAtInfinity(dir r3.Vector) (r2.Point, *mat.Dense, *mat.Dense, error) {
	rot := pc.pose.Rotation()
	local := rot.Unrotate(dir)
	pn, err := projectToNormalized(local)
	if err != nil {
		return r2.Point{}, nil, nil, err
	}
	pixel, dK := pc.cal.Uncalibrate(pn)

	var dPixelDLocal mat.Dense
	dPixelDLocal.Mul(dK, normalizedProjectionJacobian(local))

	dLocalDPose := mat.NewDense(3, spatialmath.PoseDim, nil)
	dLocalDPose.Slice(0, 3, 0, 3).(*mat.Dense).Copy(spatialmath.Skew(local))
	var dPose mat.Dense
	dPose.Mul(&dPixelDLocal, dLocalDPose)

	var dLocalDDir, dDir mat.Dense
	dLocalDDir.Mul(rot.Transpose().Dense(), SphereBasis(dir))
	dDir.Mul(&dPixelDLocal, &dLocalDDir)
	return pixel, pc.toBody(&dPose), &dDir, nil
}

// Backproject returns the world point seen at pixel at the given depth along the optical axis.
func (pc *PinholePose) Backproject(pixel r2.Point, depth float64) (r3.Vector, error) {
	pn, err := pc.cal.Calibrate(pixel)
	if err != nil {
		return r3.Vector{}, err
	}
	return pc.pose.TransformFrom(r3.Vector{X: pn.X * depth, Y: pn.Y * depth, Z: depth}), nil
}

// BackprojectPointAtInfinity returns the unit world direction of the ray through pixel.
func (pc *PinholePose) BackprojectPointAtInfinity(pixel r2.Point) (r3.Vector, error) {
	pn, err := pc.cal.Calibrate(pixel)
	if err != nil {
		return r3.Vector{}, err
	}
	return pc.pose.Rotation().Rotate(r3.Vector{X: pn.X, Y: pn.Y, Z: 1}).Normalize(), nil
}

func (pc *PinholePose) toBody(dPose *mat.Dense) *mat.Dense {
	if pc.bodyAdjoint == nil {
		return dPose
	}
	var out mat.Dense
	out.Mul(dPose, pc.bodyAdjoint)
	return &out
}

// SphereBasis returns a 3x2 orthonormal basis of the plane tangent to the unit sphere at dir.
func SphereBasis(dir r3.Vector) *mat.Dense {
	n := dir.Normalize()
	// cross with the axis least aligned with n for numerical stability
	axis := r3.Vector{X: 1}
	ax, ay, az := math.Abs(n.X), math.Abs(n.Y), math.Abs(n.Z)
	switch {
	case ay <= ax && ay <= az:
		axis = r3.Vector{Y: 1}
	case az <= ax && az <= ay:
		axis = r3.Vector{Z: 1}
	}
	b1 := n.Cross(axis).Normalize()
	b2 := n.Cross(b1)
	return mat.NewDense(3, 2, []float64{
		b1.X, b2.X,
		b1.Y, b2.Y,
		b1.Z, b2.Z,
	})
}

// RetractDirection moves a unit direction along its 2-dof sphere tangent.
func RetractDirection(dir r3.Vector, delta [2]float64) r3.Vector {
	basis := SphereBasis(dir)
	step := r3.Vector{
		X: basis.At(0, 0)*delta[0] + basis.At(0, 1)*delta[1],
		Y: basis.At(1, 0)*delta[0] + basis.At(1, 1)*delta[1],
		Z: basis.At(2, 0)*delta[0] + basis.At(2, 1)*delta[1],
	}
	return dir.Normalize().Add(step).Normalize()
}

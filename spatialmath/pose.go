package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// PoseDim is the dimension of the pose tangent space, ordered [ω, v].
const PoseDim = 6

// Pose is a rigid transform world_T_local: a rotation followed by a translation. A pose maps
// points expressed in its local frame into the world frame.
type Pose struct {
	rot   RotationMatrix
	trans r3.Vector
}

// NewPose returns a pose with the given rotation and translation.
func NewPose(rot RotationMatrix, trans r3.Vector) Pose {
	return Pose{rot: rot, trans: trans}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{rot: IdentityRotation()}
}

// NewPoseFromPoint returns a pose with no rotation at the given point.
func NewPoseFromPoint(point r3.Vector) Pose {
	return Pose{rot: IdentityRotation(), trans: point}
}

// NewPoseFromQuat builds a pose from a (not necessarily normalized) quaternion and a translation.
func NewPoseFromQuat(q quat.Number, trans r3.Vector) Pose {
	return Pose{rot: NewRotationMatrixFromQuat(q), trans: trans}
}

// NewPoseLookingAt returns a camera pose at eye whose optical axis (local +z) points at target,
// with local +y pointing away from up (image rows grow downward).
func NewPoseLookingAt(eye, target, up r3.Vector) (Pose, error) {
	forward := target.Sub(eye)
	if forward.Norm() == 0 {
		return Pose{}, errors.New("eye and target coincide")
	}
	z := forward.Normalize()
	x := z.Cross(up)
	if x.Norm() < 1e-9 {
		return Pose{}, errors.New("viewing direction is parallel to up vector")
	}
	x = x.Normalize()
	y := z.Cross(x)
	rot := RotationMatrix{[9]float64{
		x.X, y.X, z.X,
		x.Y, y.Y, z.Y,
		x.Z, y.Z, z.Z,
	}}
	return Pose{rot: rot, trans: eye}, nil
}

// Rotation returns the rotation of the pose.
func (p Pose) Rotation() RotationMatrix {
	return p.rot
}

// Point returns the translation of the pose.
func (p Pose) Point() r3.Vector {
	return p.trans
}

// Compose returns a∘b.
func Compose(a, b Pose) Pose {
	return Pose{rot: a.rot.Mul(b.rot), trans: a.trans.Add(a.rot.Rotate(b.trans))}
}

// Inverse returns the pose that undoes p.
func (p Pose) Inverse() Pose {
	rt := p.rot.Transpose()
	return Pose{rot: rt, trans: rt.Rotate(p.trans).Mul(-1)}
}

// PoseBetween returns the pose taking a to b, i.e. a⁻¹∘b.
func PoseBetween(a, b Pose) Pose {
	return Compose(a.Inverse(), b)
}

// TransformFrom maps a point in the local frame into the world frame.
func (p Pose) TransformFrom(local r3.Vector) r3.Vector {
	return p.rot.Rotate(local).Add(p.trans)
}

// TransformTo maps a world point into the local frame.
func (p Pose) TransformTo(world r3.Vector) r3.Vector {
	return p.rot.Unrotate(world.Sub(p.trans))
}

// TransformToWithJacobians is TransformTo along with its 3x6 Jacobian with respect to the pose
// tangent [ω, v] and its 3x3 Jacobian with respect to the world point.
func (p Pose) TransformToWithJacobians(world r3.Vector) (r3.Vector, *mat.Dense, *mat.Dense) {
	local := p.TransformTo(world)
	dPose := mat.NewDense(3, PoseDim, nil)
	dPose.Slice(0, 3, 0, 3).(*mat.Dense).Copy(Skew(local))
	for i := 0; i < 3; i++ {
		dPose.Set(i, 3+i, -1)
	}
	dPoint := p.rot.Transpose().Dense()
	return local, dPose, dPoint
}

// Retract moves the pose along the tangent vector xi = [ω, v]:
// P ⊕ ξ = (R·Exp(ω), t + R·v).
func (p Pose) Retract(xi []float64) Pose {
	omega := r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
	v := r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}
	return Pose{rot: p.rot.Mul(RotationExpmap(omega)), trans: p.trans.Add(p.rot.Rotate(v))}
}

// LocalCoordinates is the inverse of Retract: it returns ξ such that p.Retract(ξ) == other.
func (p Pose) LocalCoordinates(other Pose) []float64 {
	omega := RotationLogmap(p.rot.Transpose().Mul(other.rot))
	v := p.rot.Unrotate(other.trans.Sub(p.trans))
	return []float64{omega.X, omega.Y, omega.Z, v.X, v.Y, v.Z}
}

// AdjointMap returns the 6x6 adjoint for tangent vectors ordered [ω, v]:
// [[R, 0], [[t]×R, R]].
func (p Pose) AdjointMap() *mat.Dense {
	r := p.rot.Dense()
	var tr mat.Dense
	tr.Mul(Skew(p.trans), r)
	adj := mat.NewDense(PoseDim, PoseDim, nil)
	adj.Slice(0, 3, 0, 3).(*mat.Dense).Copy(r)
	adj.Slice(3, 6, 3, 6).(*mat.Dense).Copy(r)
	adj.Slice(3, 6, 0, 3).(*mat.Dense).Copy(&tr)
	return adj
}

func (p Pose) String() string {
	q := p.rot.Quaternion()
	return fmt.Sprintf("{X:%.6g Y:%.6g Z:%.6g qW:%.6g qX:%.6g qY:%.6g qZ:%.6g}",
		p.trans.X, p.trans.Y, p.trans.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}

// PoseAlmostEqual returns whether every rotation and translation entry of a and b differs by no
// more than tol.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	return NewElementwiseMetric().Distance(a, b) <= tol
}

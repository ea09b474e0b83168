// Package spatialmath defines rigid rotations and poses in 3D space together with the tangent
// space chart and Jacobians used by the factor code.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

const (
	// small angle below which Rodrigues' formula falls back to its Taylor expansion.
	expmapEpsilon = 1e-10
	// tolerance used to decide whether a 3x3 matrix is a rotation.
	orthonormalTolerance = 1e-6
)

// RotationMatrix is a 3x3 matrix in row major order.
// m[3*r + c] is the element in the r'th row and c'th column.
type RotationMatrix struct {
	mat [9]float64
}

// IdentityRotation returns the rotation that does nothing.
func IdentityRotation() RotationMatrix {
	return RotationMatrix{[9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// NewRotationMatrix creates a rotation from row-major values, verifying that they describe a
// proper rotation (orthonormal, determinant +1).
func NewRotationMatrix(m []float64) (RotationMatrix, error) {
	if len(m) != 9 {
		return RotationMatrix{}, errors.Errorf("input slice has %d elements, need exactly 9", len(m))
	}
	var rm RotationMatrix
	copy(rm.mat[:], m)
	prod := rm.Mul(rm.Transpose())
	id := IdentityRotation()
	for i := range prod.mat {
		if math.Abs(prod.mat[i]-id.mat[i]) > orthonormalTolerance {
			return RotationMatrix{}, errors.New("matrix is not orthonormal")
		}
	}
	if det := mat.Det(rm.Dense()); math.Abs(det-1) > orthonormalTolerance {
		return RotationMatrix{}, errors.Errorf("rotation matrix has determinant %f", det)
	}
	return rm, nil
}

// NewRotationMatrixFromQuat converts a quaternion (normalized first) to a rotation matrix.
func NewRotationMatrixFromQuat(q quat.Number) RotationMatrix {
	n := quat.Abs(q)
	if n == 0 {
		return IdentityRotation()
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return RotationMatrix{[9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}}
}

// At returns the float corresponding to the element at the specified location.
func (rm RotationMatrix) At(row, col int) float64 {
	return rm.mat[row*3+col]
}

// Row returns the row at index i as an r3.Vector.
func (rm RotationMatrix) Row(i int) r3.Vector {
	return r3.Vector{X: rm.mat[3*i], Y: rm.mat[3*i+1], Z: rm.mat[3*i+2]}
}

// Col returns the column at index i as an r3.Vector.
func (rm RotationMatrix) Col(i int) r3.Vector {
	return r3.Vector{X: rm.mat[i], Y: rm.mat[i+3], Z: rm.mat[i+6]}
}

// Mul returns rm * other.
func (rm RotationMatrix) Mul(other RotationMatrix) RotationMatrix {
	var out RotationMatrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.mat[3*r+c] = rm.mat[3*r]*other.mat[c] + rm.mat[3*r+1]*other.mat[3+c] + rm.mat[3*r+2]*other.mat[6+c]
		}
	}
	return out
}

// Transpose returns the inverse rotation.
func (rm RotationMatrix) Transpose() RotationMatrix {
	m := rm.mat
	return RotationMatrix{[9]float64{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}}
}

// Rotate returns R*v.
func (rm RotationMatrix) Rotate(v r3.Vector) r3.Vector {
	return r3.Vector{X: rm.Row(0).Dot(v), Y: rm.Row(1).Dot(v), Z: rm.Row(2).Dot(v)}
}

// Unrotate returns Rᵀ*v.
func (rm RotationMatrix) Unrotate(v r3.Vector) r3.Vector {
	return r3.Vector{X: rm.Col(0).Dot(v), Y: rm.Col(1).Dot(v), Z: rm.Col(2).Dot(v)}
}

// Dense returns a copy of the rotation as a gonum matrix.
func (rm RotationMatrix) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, rm.mat[:])
	return mat.NewDense(3, 3, data)
}

// Quaternion returns the unit quaternion with non-negative real part equivalent to the rotation.
func (rm RotationMatrix) Quaternion() quat.Number {
	m := rm.mat
	var q quat.Number
	tr := m[0] + m[4] + m[8]
	switch {
	case tr > 0:
		s := 0.5 / math.Sqrt(tr+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m[7] - m[5]) * s, Jmag: (m[2] - m[6]) * s, Kmag: (m[3] - m[1]) * s}
	case m[0] > m[4] && m[0] > m[8]:
		s := 2 * math.Sqrt(1+m[0]-m[4]-m[8])
		q = quat.Number{Real: (m[7] - m[5]) / s, Imag: 0.25 * s, Jmag: (m[1] + m[3]) / s, Kmag: (m[2] + m[6]) / s}
	case m[4] > m[8]:
		s := 2 * math.Sqrt(1+m[4]-m[0]-m[8])
		q = quat.Number{Real: (m[2] - m[6]) / s, Imag: (m[1] + m[3]) / s, Jmag: 0.25 * s, Kmag: (m[5] + m[7]) / s}
	default:
		s := 2 * math.Sqrt(1+m[8]-m[0]-m[4])
		q = quat.Number{Real: (m[3] - m[1]) / s, Imag: (m[2] + m[6]) / s, Jmag: (m[5] + m[7]) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

func (rm RotationMatrix) String() string {
	m := rm.mat
	return fmt.Sprintf("[[%.6g %.6g %.6g] [%.6g %.6g %.6g] [%.6g %.6g %.6g]]",
		m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8])
}

// Skew returns the 3x3 cross product matrix [v]× such that [v]× u = v × u.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// RotationExpmap maps a rotation vector (axis times angle, radians) to a rotation matrix using
// Rodrigues' formula.
func RotationExpmap(omega r3.Vector) RotationMatrix {
	theta2 := omega.Norm2()
	var a, b float64
	if theta2 < expmapEpsilon {
		a = 1 - theta2/6
		b = 0.5 - theta2/24
	} else {
		theta := math.Sqrt(theta2)
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / theta2
	}
	x, y, z := omega.X, omega.Y, omega.Z
	// R = I + a*K + b*K², with K = [ω]×
	return RotationMatrix{[9]float64{
		1 - b*(y*y+z*z), -a*z + b*x*y, a*y + b*x*z,
		a*z + b*x*y, 1 - b*(x*x+z*z), -a*x + b*y*z,
		-a*y + b*x*z, a*x + b*y*z, 1 - b*(x*x+y*y),
	}}
}

// RotationLogmap is the inverse of RotationExpmap, returning a rotation vector with norm in [0, π].
func RotationLogmap(rm RotationMatrix) r3.Vector {
	m := rm.mat
	cosTheta := math.Max(-1, math.Min(1, (m[0]+m[4]+m[8]-1)/2))
	theta := math.Acos(cosTheta)
	vee := r3.Vector{X: m[7] - m[5], Y: m[2] - m[6], Z: m[3] - m[1]}
	sinTheta := math.Sin(theta)

	switch {
	case theta < 1e-4:
		// θ/sinθ ≈ 1 + θ²/6
		return vee.Mul(0.5 * (1 + theta*theta/6))
	case math.Pi-theta < 1e-4:
		// Near π the antisymmetric part vanishes; recover the axis from R + I = 2aaᵀ.
		j := 0
		if m[4] > m[j*4] {
			j = 1
		}
		if m[8] > m[j*4] {
			j = 2
		}
		col := rm.Col(j)
		switch j {
		case 0:
			col.X++
		case 1:
			col.Y++
		default:
			col.Z++
		}
		axis := col.Normalize()
		// fix the sign using the (small) antisymmetric part when it is informative
		if vee.Dot(axis) < 0 {
			axis = axis.Mul(-1)
		}
		return axis.Mul(theta)
	default:
		return vee.Mul(theta / (2 * sinTheta))
	}
}

package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// QuaternionConfig is the serialized form of an orientation quaternion. It need not be normalized.
type QuaternionConfig struct {
	W float64 `json:"w" yaml:"w"`
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// PoseConfig is the serialized form of a pose. A missing orientation is the identity.
type PoseConfig struct {
	Translation r3.Vector         `json:"translation" yaml:"translation"`
	Orientation *QuaternionConfig `json:"orientation,omitempty" yaml:"orientation,omitempty"`
}

// NewPoseConfig returns the serialized form of p.
func NewPoseConfig(p Pose) *PoseConfig {
	q := p.Rotation().Quaternion()
	return &PoseConfig{
		Translation: p.Point(),
		Orientation: &QuaternionConfig{W: q.Real, X: q.Imag, Y: q.Jmag, Z: q.Kmag},
	}
}

// Pose converts the config into a pose.
func (pc *PoseConfig) Pose() (Pose, error) {
	if pc == nil {
		return NewZeroPose(), nil
	}
	t := pc.Translation
	if math.IsNaN(t.X+t.Y+t.Z) || math.IsInf(t.X+t.Y+t.Z, 0) {
		return Pose{}, errors.Errorf("translation %v is not finite", t)
	}
	if pc.Orientation == nil {
		return NewPoseFromPoint(t), nil
	}
	o := pc.Orientation
	q := quat.Number{Real: o.W, Imag: o.X, Jmag: o.Y, Kmag: o.Z}
	n := quat.Abs(q)
	if n < 1e-9 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Pose{}, errors.Errorf("orientation quaternion %v cannot be normalized", *o)
	}
	return NewPoseFromQuat(q, t), nil
}

package transform

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// InverseBrownConradyDistortionType undoes a Brown-Conrady distortion.
	InverseBrownConradyDistortionType = DistortionType("inverse_brown_conrady")
)

// Distorter defines a Transform that takes an undistorted point on the normalized image plane
// and distorts it according to the model.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
	// Jacobian is the 2x2 derivative of Transform at (x, y).
	Jacobian(x, y float64) *mat.Dense
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case InverseBrownConradyDistortionType:
		return NewInverseBrownConrady(parameters)
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

// invertDistortion finds (x, y) such that d.Transform(x, y) = (xd, yd) with Newton-Raphson,
// starting from the distorted point.
func invertDistortion(d Distorter, xd, yd float64) (float64, float64, bool) {
	const maxIterations = 20
	const tolerance = 1e-10

	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		xdEst, ydEst := d.Transform(xu, yu)
		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			return xu, yu, true
		}

		jac := d.Jacobian(xu, yu)
		det := jac.At(0, 0)*jac.At(1, 1) - jac.At(0, 1)*jac.At(1, 0)
		if det == 0 {
			return xu, yu, false
		}
		// [xu, yu] -= J⁻¹ [errX, errY]
		xu -= (jac.At(1, 1)*errX - jac.At(0, 1)*errY) / det
		yu -= (-jac.At(1, 0)*errX + jac.At(0, 0)*errY) / det
	}
	xdEst, ydEst := d.Transform(xu, yu)
	errX, errY := xdEst-xd, ydEst-yd
	return xu, yu, errX*errX+errY*errY < tolerance*tolerance
}

package smartfactor

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// TriangulationStatus classifies the outcome of triangulating a factor's landmark.
type TriangulationStatus int

// The possible triangulation outcomes.
const (
	// Valid means the landmark is well constrained, in front of every camera and consistent with
	// the measurements.
	Valid TriangulationStatus = iota
	// Degenerate means too few views or rays too close to parallel for the rank tolerance.
	Degenerate
	// BehindCamera means the triangulated point lies behind at least one camera.
	BehindCamera
	// FarPoint means some camera is farther from the point than the landmark distance threshold.
	FarPoint
	// Outlier means the mean reprojection error exceeds the dynamic outlier rejection threshold.
	Outlier
)

func (s TriangulationStatus) String() string {
	switch s {
	case Valid:
		return "valid"
	case Degenerate:
		return "degenerate"
	case BehindCamera:
		return "behind_camera"
	case FarPoint:
		return "far_point"
	case Outlier:
		return "outlier"
	default:
		return fmt.Sprintf("TriangulationStatus(%d)", int(s))
	}
}

// TriangulationResult is a status and, when meaningful, the landmark estimate.
type TriangulationResult struct {
	Status TriangulationStatus
	// Point is set for Valid, FarPoint and Outlier results.
	Point    r3.Vector
	HasPoint bool
	// Direction is the unit world direction of the landmark treated as a point at infinity. It
	// is only set for invalid results of factors in HandleInfinity mode.
	Direction    r3.Vector
	HasDirection bool
}

func (r TriangulationResult) String() string {
	switch {
	case r.HasPoint:
		return fmt.Sprintf("%s %v", r.Status, r.Point)
	case r.HasDirection:
		return fmt.Sprintf("%s at infinity %v", r.Status, r.Direction)
	default:
		return r.Status.String()
	}
}

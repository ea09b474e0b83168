package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Metric measures how far apart two poses are. Implementations are symmetric enough for use as
// relinearization predicates; they need not satisfy the triangle inequality.
type Metric interface {
	Distance(from, to Pose) float64
}

type tangentMetric struct{}

// NewTangentMetric returns a metric equal to the Euclidean norm of the local coordinates of `to`
// around `from`, mixing radians and translation units.
func NewTangentMetric() Metric {
	return tangentMetric{}
}

func (tangentMetric) Distance(from, to Pose) float64 {
	return floats.Norm(from.LocalCoordinates(to), 2)
}

type elementwiseMetric struct{}

// NewElementwiseMetric returns a metric equal to the largest absolute difference between
// corresponding rotation matrix and translation entries.
func NewElementwiseMetric() Metric {
	return elementwiseMetric{}
}

func (elementwiseMetric) Distance(from, to Pose) float64 {
	dist := floats.Distance(from.rot.mat[:], to.rot.mat[:], math.Inf(1))
	dt := to.trans.Sub(from.trans)
	return math.Max(dist, math.Max(math.Abs(dt.X), math.Max(math.Abs(dt.Y), math.Abs(dt.Z))))
}

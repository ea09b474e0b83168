// Package pointcloud holds landmark maps as ordered point clouds and reads and writes them as PCD
// files.
package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/smartslam/utils"
)

// Point is a position in meters with an optional color.
type Point struct {
	Position r3.Vector
	Color    color.NRGBA
	HasColor bool
}

// PointCloud is an ordered list of points. Insertion order is preserved so that point i can be
// matched back to whatever produced it.
type PointCloud struct {
	points   []Point
	hasColor bool
}

// New returns an empty point cloud.
func New() *PointCloud {
	return &PointCloud{}
}

// NewWithPrealloc returns an empty point cloud with room for size points.
func NewWithPrealloc(size int) *PointCloud {
	return &PointCloud{points: make([]Point, 0, size)}
}

// Add appends a point; c may be nil for an uncolored point.
func (pc *PointCloud) Add(p r3.Vector, c *color.NRGBA) error {
	if !utils.IsFinite(p.X, p.Y, p.Z) {
		return errors.Errorf("point %v is not finite", p)
	}
	pt := Point{Position: p}
	if c != nil {
		pt.Color = *c
		pt.HasColor = true
		pc.hasColor = true
	}
	pc.points = append(pc.points, pt)
	return nil
}

// Size returns the number of points.
func (pc *PointCloud) Size() int {
	return len(pc.points)
}

// HasColor reports whether any point carries a color.
func (pc *PointCloud) HasColor() bool {
	return pc.hasColor
}

// At returns point i.
func (pc *PointCloud) At(i int) Point {
	return pc.points[i]
}

// Iterate calls fn on every point in order until fn returns false.
func (pc *PointCloud) Iterate(fn func(i int, p Point) bool) {
	for i, p := range pc.points {
		if !fn(i, p) {
			return
		}
	}
}

// Bounds returns the axis aligned box containing every point.
func (pc *PointCloud) Bounds() (r3.Vector, r3.Vector, bool) {
	if len(pc.points) == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	lo, hi := pc.points[0].Position, pc.points[0].Position
	for _, p := range pc.points[1:] {
		lo = r3.Vector{X: min(lo.X, p.Position.X), Y: min(lo.Y, p.Position.Y), Z: min(lo.Z, p.Position.Z)}
		hi = r3.Vector{X: max(hi.X, p.Position.X), Y: max(hi.Y, p.Position.Y), Z: max(hi.Z, p.Position.Z)}
	}
	return lo, hi, true
}

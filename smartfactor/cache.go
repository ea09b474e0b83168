package smartfactor

import (
	"go.viam.com/smartslam/factorgraph"
	"go.viam.com/smartslam/spatialmath"
)

// FactorStats counts the expensive operations a factor has performed.
type FactorStats struct {
	Triangulations uint64
	Linearizations uint64
	CacheHits      uint64
}

// triangulationEntry is the landmark estimate for one set of camera poses.
type triangulationEntry struct {
	cameraPoses []spatialmath.Pose
	result      TriangulationResult
}

// linearizationEntry is everything produced by one linearization. It is replaced as a whole and
// never patched: poses are exactly the body poses the factor was computed at.
type linearizationEntry struct {
	poses  []spatialmath.Pose
	factor factorgraph.GaussianFactor
	result TriangulationResult
}

// needsTriangulation reports whether the cached landmark was computed for other camera poses.
func needsTriangulation(entry *triangulationEntry, cameraPoses []spatialmath.Pose, threshold float64) bool {
	if entry == nil || len(entry.cameraPoses) != len(cameraPoses) {
		return true
	}
	metric := spatialmath.NewElementwiseMetric()
	for i, p := range cameraPoses {
		if metric.Distance(entry.cameraPoses[i], p) > threshold {
			return true
		}
	}
	return false
}

// needsLinearization reports whether any pose moved more than the linearization threshold
// since the cached linearization.
func (p *Params) needsLinearization(entry *linearizationEntry, poses []spatialmath.Pose) bool {
	if p.LinearizationThreshold < 0 || entry == nil || len(entry.poses) != len(poses) {
		return true
	}
	if len(poses) == 0 {
		return false
	}
	metric := p.metric()
	for i := range poses {
		current, cached := poses[i], entry.poses[i]
		if p.RelinearizeRelative {
			current = spatialmath.PoseBetween(poses[0], poses[i])
			cached = spatialmath.PoseBetween(entry.poses[0], entry.poses[i])
		}
		if metric.Distance(cached, current) > p.LinearizationThreshold {
			return true
		}
	}
	return false
}

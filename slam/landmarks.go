package slam

import (
	"image/color"

	"go.viam.com/smartslam/pointcloud"
	"go.viam.com/smartslam/smartfactor"
)

var statusColors = map[smartfactor.TriangulationStatus]color.NRGBA{
	smartfactor.Valid:    {G: 200, A: 255},
	smartfactor.FarPoint: {B: 200, A: 255},
	smartfactor.Outlier:  {R: 220, A: 255},
}

// LandmarkCloud collects the latest landmark estimate of every factor that has one, colored by
// triangulation status. Factors must have been evaluated first, e.g. by Summarize.
func LandmarkCloud(problem *Problem) (*pointcloud.PointCloud, error) {
	cloud := pointcloud.NewWithPrealloc(len(problem.Factors))
	for _, f := range problem.Factors {
		result := f.Result()
		if !result.HasPoint {
			continue
		}
		c := statusColors[result.Status]
		if err := cloud.Add(result.Point, &c); err != nil {
			return nil, err
		}
	}
	return cloud, nil
}

package slam

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/smartslam/factorgraph"
	"go.viam.com/smartslam/rimage/transform"
	"go.viam.com/smartslam/spatialmath"
)

const synthCameraID = "cam0"

// SynthOptions controls Synthesize.
type SynthOptions struct {
	Seed         int64
	NumPoses     int
	NumLandmarks int
	// Radius of the ring of cameras, all looking at the origin.
	Radius float64
	// Landmarks are drawn uniformly from a cube of half-width Spread around the origin.
	Spread     float64
	PixelSigma float64
	// OutlierFraction of the tracks get one observation displaced by tens of pixels.
	OutlierFraction float64
	// PoseNoise perturbs the stored initial estimates, in meters and radians.
	PoseNoise  float64
	Intrinsics transform.PinholeCameraIntrinsics
	Factor     map[string]interface{}
}

// DefaultSynthOptions returns a small well-conditioned scene.
func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		Seed:         1,
		NumPoses:     8,
		NumLandmarks: 50,
		Radius:       5,
		Spread:       1,
		PixelSigma:   1,
		Intrinsics: transform.PinholeCameraIntrinsics{
			Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
		},
	}
}

// Synthesize generates a scene by projecting random landmarks into a ring of cameras. The same
// options always produce the same scene. Landmarks seen by fewer than two cameras are dropped.
func Synthesize(opts SynthOptions) (*Scene, error) {
	if opts.NumPoses < 2 {
		return nil, errors.Errorf("need at least 2 poses, got %d", opts.NumPoses)
	}
	if opts.Radius <= opts.Spread*math.Sqrt(3) {
		return nil, errors.Errorf("ring radius %g does not clear landmark cube of half-width %g", opts.Radius, opts.Spread)
	}
	if opts.OutlierFraction < 0 || opts.OutlierFraction > 1 {
		return nil, errors.Errorf("outlier fraction %g not in [0, 1]", opts.OutlierFraction)
	}
	intrinsics := opts.Intrinsics
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	//nolint:gosec
	rng := rand.New(rand.NewSource(opts.Seed))

	scene := &Scene{
		Factor:  opts.Factor,
		Cameras: []CameraConfig{{ID: synthCameraID, Intrinsics: intrinsics}},
	}
	up := r3.Vector{Y: 1}
	truePoses := make([]spatialmath.Pose, opts.NumPoses)
	keys := make([]string, opts.NumPoses)
	for i := range truePoses {
		theta := 2 * math.Pi * float64(i) / float64(opts.NumPoses)
		eye := r3.Vector{X: opts.Radius * math.Cos(theta), Y: 0.3 * opts.Radius * math.Sin(3*theta), Z: opts.Radius * math.Sin(theta)}
		pose, err := spatialmath.NewPoseLookingAt(eye, r3.Vector{}, up)
		if err != nil {
			return nil, err
		}
		truePoses[i] = pose
		keys[i] = factorgraph.Symbol('x', uint64(i)).String()

		initial := pose
		if opts.PoseNoise > 0 {
			xi := make([]float64, spatialmath.PoseDim)
			for j := range xi {
				xi[j] = opts.PoseNoise * rng.NormFloat64()
			}
			initial = pose.Retract(xi)
		}
		scene.Poses = append(scene.Poses, PoseEntry{Key: keys[i], PoseConfig: *spatialmath.NewPoseConfig(initial)})
	}

	for l := 0; l < opts.NumLandmarks; l++ {
		point := r3.Vector{
			X: opts.Spread * (2*rng.Float64() - 1),
			Y: opts.Spread * (2*rng.Float64() - 1),
			Z: opts.Spread * (2*rng.Float64() - 1),
		}
		track := TrackConfig{Landmark: factorgraph.Symbol('l', uint64(l)).String(), Truth: &point}
		for i, pose := range truePoses {
			pixel, err := transform.NewPinholePose(pose, &intrinsics).Project(point)
			if err != nil || pixel.X < 0 || pixel.Y < 0 || pixel.X >= float64(intrinsics.Width) || pixel.Y >= float64(intrinsics.Height) {
				continue
			}
			track.Observations = append(track.Observations, ObservationConfig{
				Pose:   keys[i],
				Camera: synthCameraID,
				U:      pixel.X + opts.PixelSigma*rng.NormFloat64(),
				V:      pixel.Y + opts.PixelSigma*rng.NormFloat64(),
				Sigma:  opts.PixelSigma,
			})
		}
		if len(track.Observations) < 2 {
			continue
		}
		if rng.Float64() < opts.OutlierFraction {
			o := &track.Observations[rng.Intn(len(track.Observations))]
			angle := 2 * math.Pi * rng.Float64()
			shift := 30 + 30*rng.Float64()
			o.U += shift * math.Cos(angle)
			o.V += shift * math.Sin(angle)
		}
		scene.Tracks = append(scene.Tracks, track)
	}
	return scene, nil
}

package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrTriangulationUnderconstrained is returned when the rays do not determine a finite point.
	ErrTriangulationUnderconstrained = errors.New("triangulation underconstrained")
	// ErrTriangulationCheirality is returned when the triangulated point is behind some camera.
	ErrTriangulationCheirality = errors.New("triangulated point is behind a camera")
)

// TriangulationOptions configures TriangulatePoint.
type TriangulationOptions struct {
	// RankTolerance is the absolute threshold on singular values of the linear system; fewer than
	// three singular values above it means the rays are degenerate.
	RankTolerance float64
	// Optimize refines the linear solution by minimizing reprojection error over the point.
	Optimize bool
	// MaxIterations bounds the refinement; zero selects a default.
	MaxIterations int
}

const (
	defaultRefineIterations = 10
	refineStepTolerance     = 1e-10
	homogeneousEpsilon      = 1e-12
)

func checkTriangulationInput(cameras []Camera, measurements []r2.Point) error {
	if len(cameras) != len(measurements) {
		return errors.Errorf("%d cameras but %d measurements", len(cameras), len(measurements))
	}
	if len(cameras) < 2 {
		return errors.Wrapf(ErrTriangulationUnderconstrained, "need at least 2 views, got %d", len(cameras))
	}
	return nil
}

// TriangulateDLT triangulates a point with the direct linear transform over the ideal
// (undistorted) pixels of each view.
func TriangulateDLT(cameras []Camera, measurements []r2.Point, rankTol float64) (r3.Vector, error) {
	if err := checkTriangulationInput(cameras, measurements); err != nil {
		return r3.Vector{}, err
	}
	a := mat.NewDense(2*len(cameras), 4, nil)
	for i, cam := range cameras {
		k := cam.Calibration().CameraMatrix()
		pn, err := cam.Calibration().Calibrate(measurements[i])
		if err != nil {
			return r3.Vector{}, errors.Wrapf(err, "view %d", i)
		}
		var ideal mat.VecDense
		ideal.MulVec(k, mat.NewVecDense(3, []float64{pn.X, pn.Y, 1}))
		u := ideal.AtVec(0) / ideal.AtVec(2)
		v := ideal.AtVec(1) / ideal.AtVec(2)

		var proj mat.Dense
		proj.Mul(k, worldToCameraMatrix(cam))
		for c := 0; c < 4; c++ {
			a.Set(2*i, c, u*proj.At(2, c)-proj.At(0, c))
			a.Set(2*i+1, c, v*proj.At(2, c)-proj.At(1, c))
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, errors.Wrap(ErrTriangulationUnderconstrained, "failed to factorize DLT system")
	}
	rank := 0
	for _, s := range svd.Values(nil) {
		if s > rankTol {
			rank++
		}
	}
	if rank < 3 {
		return r3.Vector{}, errors.Wrapf(ErrTriangulationUnderconstrained, "DLT system has rank %d", rank)
	}
	var vt mat.Dense
	svd.VTo(&vt)
	h := vt.ColView(3)
	w := h.AtVec(3)
	if math.Abs(w) < homogeneousEpsilon*mat.Norm(h, 2) {
		return r3.Vector{}, errors.Wrap(ErrTriangulationUnderconstrained, "point at infinity")
	}
	return r3.Vector{X: h.AtVec(0) / w, Y: h.AtVec(1) / w, Z: h.AtVec(2) / w}, nil
}

// worldToCameraMatrix returns [Rᵀ | −Rᵀt] for the camera pose (R, t).
func worldToCameraMatrix(cam Camera) *mat.Dense {
	pose := cam.Pose()
	rt := pose.Rotation().Transpose()
	t := rt.Rotate(pose.Point()).Mul(-1)
	out := mat.NewDense(3, 4, nil)
	for r := 0; r < 3; r++ {
		row := rt.Row(r)
		out.SetRow(r, []float64{row.X, row.Y, row.Z, 0})
	}
	out.Set(0, 3, t.X)
	out.Set(1, 3, t.Y)
	out.Set(2, 3, t.Z)
	return out
}

// TriangulatePoint triangulates with DLT, optionally refines, and verifies the point is in front
// of every camera. The result is deterministic for identical inputs.
func TriangulatePoint(cameras []Camera, measurements []r2.Point, opts TriangulationOptions) (r3.Vector, error) {
	point, err := TriangulateDLT(cameras, measurements, opts.RankTolerance)
	if err != nil {
		return r3.Vector{}, err
	}
	if opts.Optimize {
		iterations := opts.MaxIterations
		if iterations <= 0 {
			iterations = defaultRefineIterations
		}
		point = refinePoint(cameras, measurements, point, iterations)
	}
	for i, cam := range cameras {
		if local := cam.Pose().TransformTo(point); local.Z <= 0 {
			return point, errors.Wrapf(ErrTriangulationCheirality, "view %d depth %g", i, local.Z)
		}
	}
	return point, nil
}

// refinePoint runs Gauss-Newton on the point with the cameras fixed and unit weights. Steps that
// do not reduce the error are halved; the best point seen is returned.
func refinePoint(cameras []Camera, measurements []r2.Point, point r3.Vector, iterations int) r3.Vector {
	best := point
	bestErr, ok := sumSquaredReprojection(cameras, measurements, best)
	if !ok {
		return best
	}
	for iter := 0; iter < iterations; iter++ {
		hessian := mat.NewSymDense(3, nil)
		gradient := mat.NewVecDense(3, nil)
		for i, cam := range cameras {
			pixel, _, dPoint, err := cam.ProjectWithJacobians(best)
			if err != nil {
				return best
			}
			residual := mat.NewVecDense(2, []float64{measurements[i].X - pixel.X, measurements[i].Y - pixel.Y})
			var jtj mat.SymDense
			jtj.SymOuterK(1, dPoint.T())
			hessian.AddSym(hessian, &jtj)
			var jtr mat.VecDense
			jtr.MulVec(dPoint.T(), residual)
			gradient.AddVec(gradient, &jtr)
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(hessian); !ok {
			return best
		}
		var step mat.VecDense
		if err := chol.SolveVecTo(&step, gradient); err != nil {
			return best
		}
		delta := r3.Vector{X: step.AtVec(0), Y: step.AtVec(1), Z: step.AtVec(2)}

		improved := false
		for halvings := 0; halvings < 5; halvings++ {
			candidate := best.Add(delta)
			if e, ok := sumSquaredReprojection(cameras, measurements, candidate); ok && e <= bestErr {
				best, bestErr = candidate, e
				improved = true
				break
			}
			delta = delta.Mul(0.5)
		}
		if !improved || delta.Norm() < refineStepTolerance {
			return best
		}
	}
	return best
}

func sumSquaredReprojection(cameras []Camera, measurements []r2.Point, point r3.Vector) (float64, bool) {
	errs, err := ReprojectionErrors(cameras, measurements, point)
	if err != nil {
		return 0, false
	}
	var sum float64
	for _, e := range errs {
		sum += e.Norm() * e.Norm()
	}
	return sum, true
}

// ReprojectionErrors returns projected minus measured pixel for each view.
func ReprojectionErrors(cameras []Camera, measurements []r2.Point, point r3.Vector) ([]r2.Point, error) {
	if len(cameras) != len(measurements) {
		return nil, errors.Errorf("%d cameras but %d measurements", len(cameras), len(measurements))
	}
	out := make([]r2.Point, len(cameras))
	for i, cam := range cameras {
		pixel, err := cam.Project(point)
		if err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		out[i] = pixel.Sub(measurements[i])
	}
	return out, nil
}

package smartfactor

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/smartslam/factorgraph"
	"go.viam.com/smartslam/rimage/transform"
	"go.viam.com/smartslam/spatialmath"
)

const (
	pointDim     = 3
	directionDim = 2
	// reciprocal condition number below which the landmark information is treated as singular
	minLandmarkRCond = 1e-12
)

// Jacobians is the whitened linearization of every observation about the triangulated landmark:
// the stacked residual b = z - π is approximated by F·δpose + E·δpoint.
type Jacobians struct {
	Keys []factorgraph.Key
	// F holds one 2x6 block per observation with respect to its body pose.
	F []*mat.Dense
	// E is the 2m x 3 Jacobian with respect to the landmark.
	E *mat.Dense
	B *mat.VecDense
}

// stackedF returns the block diagonal 2m x 6m matrix of the pose Jacobians.
func (j *Jacobians) stackedF() *mat.Dense {
	m := len(j.F)
	out := mat.NewDense(measurementDim*m, spatialmath.PoseDim*m, nil)
	for i, blk := range j.F {
		out.Slice(measurementDim*i, measurementDim*(i+1), spatialmath.PoseDim*i, spatialmath.PoseDim*(i+1)).(*mat.Dense).Copy(blk)
	}
	return out
}

type projectWithJacobiansFunc func(transform.Camera) (r2.Point, *mat.Dense, *mat.Dense, error)

func (f *SmartProjectionPoseFactor) buildJacobians(
	cameras []transform.Camera,
	landmarkDim int,
	project projectWithJacobiansFunc,
) (*Jacobians, error) {
	m := len(cameras)
	jac := &Jacobians{
		Keys: f.measurements.keys(),
		F:    make([]*mat.Dense, m),
		E:    mat.NewDense(measurementDim*m, landmarkDim, nil),
		B:    mat.NewVecDense(measurementDim*m, nil),
	}
	for i, cam := range cameras {
		meas := f.measurements.items[i]
		pixel, dPose, dLandmark, err := project(cam)
		if err != nil {
			return nil, errors.Wrapf(err, "projecting into %s", meas.Key)
		}
		residual := mat.NewVecDense(measurementDim, []float64{meas.Pixel.X - pixel.X, meas.Pixel.Y - pixel.Y})
		jac.F[i] = meas.Noise.WhitenMatrix(dPose)
		jac.E.Slice(measurementDim*i, measurementDim*(i+1), 0, landmarkDim).(*mat.Dense).Copy(meas.Noise.WhitenMatrix(dLandmark))
		jac.B.SliceVec(measurementDim*i, measurementDim*(i+1)).(*mat.VecDense).CopyVec(meas.Noise.Whiten(residual))
	}
	return jac, nil
}

// ComputeJacobians linearizes every observation about the triangulated landmark without
// eliminating it.
func (f *SmartProjectionPoseFactor) ComputeJacobians(values *factorgraph.Values) (*Jacobians, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cameras, _, err := f.cameras(values)
	if err != nil {
		return nil, err
	}
	result := f.triangulateSafe(cameras)
	if result.Status != Valid {
		return nil, errors.Wrapf(ErrNoValidPoint, "status %s", result.Status)
	}
	return f.buildJacobians(cameras, pointDim, func(cam transform.Camera) (r2.Point, *mat.Dense, *mat.Dense, error) {
		return cam.ProjectWithJacobians(result.Point)
	})
}

func (f *SmartProjectionPoseFactor) linearizeAt(cameras []transform.Camera, result TriangulationResult) (factorgraph.GaussianFactor, error) {
	keys := f.measurements.keys()
	if len(keys) == 0 {
		return nil, nil
	}
	dims := make([]int, len(keys))
	for i := range dims {
		dims[i] = spatialmath.PoseDim
	}

	switch {
	case result.Status == Valid:
		jac, err := f.buildJacobians(cameras, pointDim, func(cam transform.Camera) (r2.Point, *mat.Dense, *mat.Dense, error) {
			return cam.ProjectWithJacobians(result.Point)
		})
		if err != nil {
			return nil, err
		}
		return f.eliminate(jac, dims)
	case f.params.DegeneracyMode == ZeroOnDegeneracy:
		return factorgraph.NewZeroHessianFactor(keys, dims), nil
	case result.HasDirection:
		jac, err := f.buildJacobians(cameras, directionDim, func(cam transform.Camera) (r2.Point, *mat.Dense, *mat.Dense, error) {
			return cam.ProjectPointAtInfinity(result.Direction)
		})
		if err == nil {
			var lf factorgraph.GaussianFactor
			if lf, err = f.eliminate(jac, dims); err == nil {
				return lf, nil
			}
		}
		f.logger.Debugw("dropping rotation-only factor", "keys", keys, "error", err)
		return nil, nil
	default:
		return nil, nil
	}
}

// eliminate marginalizes the landmark out of jac and packages the result per the linearization
// mode.
func (f *SmartProjectionPoseFactor) eliminate(jac *Jacobians, dims []int) (factorgraph.GaussianFactor, error) {
	info, linear, constant, err := schurComplement(jac)
	if err != nil {
		return nil, err
	}
	rows, landmarkDim := jac.E.Dims()
	if f.params.LinearizationMode == Hessian || rows <= landmarkDim {
		hf, err := factorgraph.NewHessianFactor(jac.Keys, dims, info, linear, constant)
		if err != nil {
			return nil, err
		}
		return hf, nil
	}

	var projection *mat.Dense
	if f.params.LinearizationMode == JacobianSVD {
		projection, err = leftNullSpace(jac.E)
	} else {
		projection, err = orthogonalComplementProjector(jac.E)
	}
	if err != nil {
		return nil, err
	}
	var a mat.Dense
	a.Mul(projection, jac.stackedF())
	var b mat.VecDense
	b.MulVec(projection, jac.B)
	jf, err := factorgraph.NewJacobianFactorFromStacked(jac.Keys, dims, &a, &b)
	if err != nil {
		return nil, err
	}
	return jf, nil
}

// schurComplement eliminates the landmark from the normal equations of jac:
//
//	G = FᵀF − FᵀE P EᵀF
//	g = Fᵀb − FᵀE P Eᵀb
//	f = bᵀb − bᵀE P Eᵀb
//
// with P = (EᵀE)⁻¹.
func schurComplement(jac *Jacobians) (*mat.SymDense, *mat.VecDense, float64, error) {
	var ete mat.SymDense
	ete.SymOuterK(1, jac.E.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&ete); !ok {
		return nil, nil, 0, errors.Wrap(ErrNumericalInstability, "landmark information is not positive definite")
	}
	if rcond := 1 / chol.Cond(); math.IsNaN(rcond) || rcond < minLandmarkRCond {
		return nil, nil, 0, errors.Wrapf(ErrNumericalInstability, "landmark information has reciprocal condition %g", rcond)
	}
	var p mat.SymDense
	if err := chol.InverseTo(&p); err != nil {
		return nil, nil, 0, errors.Wrap(ErrNumericalInstability, err.Error())
	}

	fs := jac.stackedF()
	var ftf mat.SymDense
	ftf.SymOuterK(1, fs.T())
	var fte, ftep, correction mat.Dense
	fte.Mul(fs.T(), jac.E)
	ftep.Mul(&fte, &p)
	correction.Mul(&ftep, fte.T())

	n := ftf.SymmetricDim()
	info := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			info.SetSym(r, c, ftf.At(r, c)-0.5*(correction.At(r, c)+correction.At(c, r)))
		}
	}

	var ftb, etb, petb, linearCorrection mat.VecDense
	ftb.MulVec(fs.T(), jac.B)
	etb.MulVec(jac.E.T(), jac.B)
	petb.MulVec(&p, &etb)
	linearCorrection.MulVec(&fte, &petb)
	linear := mat.NewVecDense(n, nil)
	linear.SubVec(&ftb, &linearCorrection)
	constant := mat.Dot(jac.B, jac.B) - mat.Dot(&etb, &petb)

	if !finiteMatrix(info) || !finiteMatrix(linear) || math.IsNaN(constant) || math.IsInf(constant, 0) {
		return nil, nil, 0, errors.Wrap(ErrNumericalInstability, "reduced system is not finite")
	}
	return info, linear, constant, nil
}

// leftNullSpace returns Nᵀ, whose rows span the left null space of e.
func leftNullSpace(e *mat.Dense) (*mat.Dense, error) {
	rows, cols := e.Dims()
	var svd mat.SVD
	if ok := svd.Factorize(e, mat.SVDFull); !ok {
		return nil, errors.Wrap(ErrNumericalInstability, "SVD of landmark jacobian failed")
	}
	var u mat.Dense
	svd.UTo(&u)
	nt := mat.NewDense(rows-cols, rows, nil)
	nt.Copy(u.Slice(0, rows, cols, rows).T())
	return nt, nil
}

// orthogonalComplementProjector returns I − Q₁Q₁ᵀ where Q₁ spans the columns of e.
func orthogonalComplementProjector(e *mat.Dense) (*mat.Dense, error) {
	rows, cols := e.Dims()
	var qr mat.QR
	qr.Factorize(e)
	var q mat.Dense
	qr.QTo(&q)
	q1 := q.Slice(0, rows, 0, cols)
	var qqt mat.Dense
	qqt.Mul(q1, q1.T())
	out := mat.NewDense(rows, rows, nil)
	for i := 0; i < rows; i++ {
		out.Set(i, i, 1)
	}
	out.Sub(out, &qqt)
	if !finiteMatrix(out) {
		return nil, errors.Wrap(ErrNumericalInstability, "QR of landmark jacobian is not finite")
	}
	return out, nil
}

func finiteMatrix(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

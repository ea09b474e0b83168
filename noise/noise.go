// Package noise provides Gaussian measurement noise models that whiten residuals and Jacobians so
// that squared norms of whitened quantities are Mahalanobis distances.
package noise

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/smartslam/utils"
)

// ErrInvalidNoise is returned when a noise model cannot be built from the given parameters.
var ErrInvalidNoise = errors.New("invalid noise model")

// Model is a zero-mean Gaussian noise model.
type Model interface {
	Dim() int
	// Whiten returns R·v where RᵀR is the information matrix.
	Whiten(v *mat.VecDense) *mat.VecDense
	// WhitenMatrix returns R·A.
	WhitenMatrix(a *mat.Dense) *mat.Dense
	// SquaredMahalanobis returns vᵀΣ⁻¹v.
	SquaredMahalanobis(v *mat.VecDense) float64
	// Sigmas returns the standard deviation of each component.
	Sigmas() []float64
	Equal(other Model, tol float64) bool
	String() string
}

type diagonal struct {
	sigmas    []float64
	invSigmas []float64
	name      string
}

// NewDiagonal returns a model with independent components of the given standard deviations.
func NewDiagonal(sigmas ...float64) (Model, error) {
	if len(sigmas) == 0 {
		return nil, errors.Wrap(ErrInvalidNoise, "no sigmas given")
	}
	inv := make([]float64, len(sigmas))
	for i, s := range sigmas {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, errors.Wrapf(ErrInvalidNoise, "sigma %d is %v, must be positive and finite", i, s)
		}
		inv[i] = 1 / s
	}
	return &diagonal{sigmas: append([]float64(nil), sigmas...), invSigmas: inv, name: "diagonal"}, nil
}

// NewIsotropic returns a model of dimension dim with the same standard deviation everywhere.
func NewIsotropic(dim int, sigma float64) (Model, error) {
	if dim <= 0 {
		return nil, errors.Wrapf(ErrInvalidNoise, "dimension %d must be positive", dim)
	}
	sigmas := make([]float64, dim)
	for i := range sigmas {
		sigmas[i] = sigma
	}
	m, err := NewDiagonal(sigmas...)
	if err != nil {
		return nil, err
	}
	m.(*diagonal).name = "isotropic"
	return m, nil
}

// NewUnit returns the identity noise model of dimension dim.
func NewUnit(dim int) Model {
	m, err := NewIsotropic(dim, 1)
	if err != nil {
		// only reachable for a non-positive dimension, which is a programming error
		panic(err)
	}
	m.(*diagonal).name = "unit"
	return m
}

func (d *diagonal) Dim() int {
	return len(d.sigmas)
}

func (d *diagonal) Whiten(v *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(v.Len(), nil)
	for i := 0; i < v.Len(); i++ {
		out.SetVec(i, v.AtVec(i)*d.invSigmas[i])
	}
	return out
}

func (d *diagonal) WhitenMatrix(a *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(a)
	rows, _ := a.Dims()
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		floats.Scale(d.invSigmas[i], row)
	}
	return &out
}

func (d *diagonal) SquaredMahalanobis(v *mat.VecDense) float64 {
	w := d.Whiten(v)
	return mat.Dot(w, w)
}

func (d *diagonal) Sigmas() []float64 {
	return append([]float64(nil), d.sigmas...)
}

func (d *diagonal) Equal(other Model, tol float64) bool {
	o, ok := other.(*diagonal)
	if !ok || o.Dim() != d.Dim() {
		return false
	}
	return floats.EqualApprox(d.sigmas, o.sigmas, tol)
}

func (d *diagonal) String() string {
	return fmt.Sprintf("%s sigmas %v", d.name, d.sigmas)
}

type gaussian struct {
	sqrtInfo *mat.Dense
	sigmas   []float64
	cov      *mat.SymDense
}

// NewGaussianCovariance returns a model with a full covariance matrix, which must be symmetric
// positive definite.
func NewGaussianCovariance(cov *mat.SymDense) (Model, error) {
	if cov == nil || cov.SymmetricDim() == 0 {
		return nil, errors.Wrap(ErrInvalidNoise, "empty covariance")
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, errors.Wrap(ErrInvalidNoise, "covariance is not positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)
	var sqrtInfo mat.Dense
	if err := sqrtInfo.Inverse(&l); err != nil {
		return nil, errors.Wrap(ErrInvalidNoise, err.Error())
	}
	n := cov.SymmetricDim()
	sigmas := make([]float64, n)
	for i := range sigmas {
		sigmas[i] = math.Sqrt(cov.At(i, i))
	}
	var covCopy mat.SymDense
	covCopy.CopySym(cov)
	return &gaussian{sqrtInfo: &sqrtInfo, sigmas: sigmas, cov: &covCopy}, nil
}

func (g *gaussian) Dim() int {
	return len(g.sigmas)
}

func (g *gaussian) Whiten(v *mat.VecDense) *mat.VecDense {
	var out mat.VecDense
	out.MulVec(g.sqrtInfo, v)
	return &out
}

func (g *gaussian) WhitenMatrix(a *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(g.sqrtInfo, a)
	return &out
}

func (g *gaussian) SquaredMahalanobis(v *mat.VecDense) float64 {
	w := g.Whiten(v)
	return mat.Dot(w, w)
}

func (g *gaussian) Sigmas() []float64 {
	return append([]float64(nil), g.sigmas...)
}

func (g *gaussian) Equal(other Model, tol float64) bool {
	o, ok := other.(*gaussian)
	if !ok || o.Dim() != g.Dim() {
		return false
	}
	return mat.EqualApprox(g.cov, o.cov, tol)
}

func (g *gaussian) String() string {
	return fmt.Sprintf("gaussian covariance %v", mat.Formatted(g.cov, mat.Squeeze()))
}

// CheckDim returns an error if the model does not have the expected dimension.
func CheckDim(m Model, dim int) error {
	if m.Dim() != dim {
		return utils.NewDimensionMismatchError("noise model", dim, m.Dim())
	}
	return nil
}

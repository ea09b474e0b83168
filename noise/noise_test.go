package noise

import (
	"errors"
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestDiagonal(t *testing.T) {
	m, err := NewDiagonal(2, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Dim(), test.ShouldEqual, 2)

	v := mat.NewVecDense(2, []float64{4, 1})
	w := m.Whiten(v)
	test.That(t, w.AtVec(0), test.ShouldAlmostEqual, 2)
	test.That(t, w.AtVec(1), test.ShouldAlmostEqual, 2)
	test.That(t, m.SquaredMahalanobis(v), test.ShouldAlmostEqual, 8)

	a := mat.NewDense(2, 3, []float64{2, 4, 6, 1, 1, 1})
	wa := m.WhitenMatrix(a)
	test.That(t, wa.RawRowView(0), test.ShouldResemble, []float64{1, 2, 3})
	test.That(t, wa.RawRowView(1), test.ShouldResemble, []float64{2, 2, 2})
	// input untouched
	test.That(t, a.At(0, 0), test.ShouldEqual, 2.)
}

func TestInvalidSigmas(t *testing.T) {
	for _, sigmas := range [][]float64{
		{},
		{0},
		{-1, 1},
		{math.NaN()},
		{math.Inf(1)},
	} {
		_, err := NewDiagonal(sigmas...)
		test.That(t, errors.Is(err, ErrInvalidNoise), test.ShouldBeTrue)
	}
	_, err := NewIsotropic(0, 1)
	test.That(t, errors.Is(err, ErrInvalidNoise), test.ShouldBeTrue)
}

func TestIsotropicAndUnit(t *testing.T) {
	iso, err := NewIsotropic(2, 1)
	test.That(t, err, test.ShouldBeNil)
	unit := NewUnit(2)
	test.That(t, unit.Equal(iso, 1e-9), test.ShouldBeTrue)
	test.That(t, unit.String(), test.ShouldContainSubstring, "unit")
	test.That(t, iso.Sigmas(), test.ShouldResemble, []float64{1, 1})
	test.That(t, CheckDim(unit, 2), test.ShouldBeNil)
	test.That(t, CheckDim(unit, 3), test.ShouldNotBeNil)

	other, err := NewIsotropic(2, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, unit.Equal(other, 1e-9), test.ShouldBeFalse)
}

func TestGaussianCovariance(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{4, 1, 1, 2})
	m, err := NewGaussianCovariance(cov)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Sigmas()[0], test.ShouldAlmostEqual, 2)
	test.That(t, m.Sigmas()[1], test.ShouldAlmostEqual, math.Sqrt(2))

	v := mat.NewVecDense(2, []float64{1, -2})
	var inv mat.Dense
	test.That(t, inv.Inverse(cov), test.ShouldBeNil)
	var tmp mat.VecDense
	tmp.MulVec(&inv, v)
	test.That(t, m.SquaredMahalanobis(v), test.ShouldAlmostEqual, mat.Dot(v, &tmp), 1e-12)

	// whitening a matrix column-wise agrees with whitening vectors
	a := mat.NewDense(2, 1, []float64{1, -2})
	wa := m.WhitenMatrix(a)
	wv := m.Whiten(v)
	test.That(t, wa.At(0, 0), test.ShouldAlmostEqual, wv.AtVec(0))
	test.That(t, wa.At(1, 0), test.ShouldAlmostEqual, wv.AtVec(1))

	same, err := NewGaussianCovariance(mat.NewSymDense(2, []float64{4, 1, 1, 2}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Equal(same, 1e-12), test.ShouldBeTrue)
	test.That(t, m.Equal(NewUnit(2), 1e-12), test.ShouldBeFalse)

	_, err = NewGaussianCovariance(mat.NewSymDense(2, []float64{1, 2, 2, 1}))
	test.That(t, errors.Is(err, ErrInvalidNoise), test.ShouldBeTrue)
}

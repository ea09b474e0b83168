package factorgraph

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/smartslam/utils"
)

// GaussianFactor is a quadratic factor over tangent-space deltas:
// error(δ) = ½δᵀGδ − δᵀg + ½f.
type GaussianFactor interface {
	Keys() []Key
	// Dims returns the dimension of each key, in key order.
	Dims() []int
	// Error evaluates the quadratic at delta. Keys missing from delta are taken as zero.
	Error(delta VectorValues) float64
	// Information returns the dense information matrix G and vector g over the factor's keys.
	Information() (*mat.SymDense, *mat.VecDense)
	Empty() bool
}

func offsets(dims []int) ([]int, int) {
	offs := make([]int, len(dims))
	total := 0
	for i, d := range dims {
		offs[i] = total
		total += d
	}
	return offs, total
}

// HessianFactor stores the information form of a Gaussian factor directly.
type HessianFactor struct {
	keys     []Key
	dims     []int
	offsets  []int
	info     *mat.SymDense
	linear   *mat.VecDense
	constant float64
}

// NewHessianFactor builds a factor from its information matrix G, vector g and constant f.
func NewHessianFactor(keys []Key, dims []int, info *mat.SymDense, linear *mat.VecDense, constant float64) (*HessianFactor, error) {
	if len(keys) != len(dims) {
		return nil, utils.NewDimensionMismatchError("dims", len(keys), len(dims))
	}
	offs, total := offsets(dims)
	if info.SymmetricDim() != total {
		return nil, utils.NewDimensionMismatchError("information matrix", total, info.SymmetricDim())
	}
	if linear.Len() != total {
		return nil, utils.NewDimensionMismatchError("information vector", total, linear.Len())
	}
	return &HessianFactor{
		keys:     append([]Key(nil), keys...),
		dims:     append([]int(nil), dims...),
		offsets:  offs,
		info:     info,
		linear:   linear,
		constant: constant,
	}, nil
}

// NewZeroHessianFactor returns a factor with no information over the given keys.
func NewZeroHessianFactor(keys []Key, dims []int) *HessianFactor {
	_, total := offsets(dims)
	f, err := NewHessianFactor(keys, dims, mat.NewSymDense(total, nil), mat.NewVecDense(total, nil), 0)
	if err != nil {
		panic(err)
	}
	return f
}

// Keys returns the keys the factor involves.
func (hf *HessianFactor) Keys() []Key {
	return append([]Key(nil), hf.keys...)
}

// Dims returns the dimension of each key.
func (hf *HessianFactor) Dims() []int {
	return append([]int(nil), hf.dims...)
}

// Block returns a copy of the (i, j) block of G.
func (hf *HessianFactor) Block(i, j int) *mat.Dense {
	out := mat.NewDense(hf.dims[i], hf.dims[j], nil)
	for r := 0; r < hf.dims[i]; r++ {
		for c := 0; c < hf.dims[j]; c++ {
			out.Set(r, c, hf.info.At(hf.offsets[i]+r, hf.offsets[j]+c))
		}
	}
	return out
}

// LinearTerm returns a copy of the i'th block of g.
func (hf *HessianFactor) LinearTerm(i int) *mat.VecDense {
	out := mat.NewVecDense(hf.dims[i], nil)
	out.CopyVec(hf.linear.SliceVec(hf.offsets[i], hf.offsets[i]+hf.dims[i]))
	return out
}

// ConstantTerm returns f.
func (hf *HessianFactor) ConstantTerm() float64 {
	return hf.constant
}

// Error returns ½δᵀGδ − δᵀg + ½f.
func (hf *HessianFactor) Error(delta VectorValues) float64 {
	x := delta.Stack(hf.keys, hf.dims)
	return 0.5*mat.Inner(x, hf.info, x) - mat.Dot(x, hf.linear) + 0.5*hf.constant
}

// Information returns G and g.
func (hf *HessianFactor) Information() (*mat.SymDense, *mat.VecDense) {
	return hf.info, hf.linear
}

// Empty reports whether the factor has no keys.
func (hf *HessianFactor) Empty() bool {
	return len(hf.keys) == 0
}

// Equal compares keys and all terms within tol.
func (hf *HessianFactor) Equal(other *HessianFactor, tol float64) bool {
	if other == nil || len(hf.keys) != len(other.keys) {
		return false
	}
	for i := range hf.keys {
		if hf.keys[i] != other.keys[i] || hf.dims[i] != other.dims[i] {
			return false
		}
	}
	return mat.EqualApprox(hf.info, other.info, tol) &&
		mat.EqualApprox(hf.linear, other.linear, tol) &&
		math.Abs(hf.constant-other.constant) <= tol
}

func (hf *HessianFactor) String() string {
	return fmt.Sprintf("HessianFactor keys %v\nG = %v\ng = %v\nf = %g",
		hf.keys, mat.Formatted(hf.info, mat.Squeeze()), mat.Formatted(hf.linear.T(), mat.Squeeze()), hf.constant)
}

// JacobianFactor is the square-root form: error(δ) = ½‖Σᵢ Aᵢδᵢ − b‖².
type JacobianFactor struct {
	keys   []Key
	blocks []*mat.Dense
	b      *mat.VecDense
}

// NewJacobianFactor builds a factor from one block per key; all blocks share the row count of b.
func NewJacobianFactor(keys []Key, blocks []*mat.Dense, b *mat.VecDense) (*JacobianFactor, error) {
	if len(keys) != len(blocks) {
		return nil, utils.NewDimensionMismatchError("blocks", len(keys), len(blocks))
	}
	for i, blk := range blocks {
		rows, _ := blk.Dims()
		if rows != b.Len() {
			return nil, errors.Errorf("block %d has %d rows, expected %d", i, rows, b.Len())
		}
	}
	return &JacobianFactor{keys: append([]Key(nil), keys...), blocks: blocks, b: b}, nil
}

// NewJacobianFactorFromStacked splits a dense [A] with columns grouped by dims into key blocks.
func NewJacobianFactorFromStacked(keys []Key, dims []int, a *mat.Dense, b *mat.VecDense) (*JacobianFactor, error) {
	offs, total := offsets(dims)
	rows, cols := a.Dims()
	if cols != total {
		return nil, utils.NewDimensionMismatchError("stacked jacobian columns", total, cols)
	}
	blocks := make([]*mat.Dense, len(keys))
	for i := range keys {
		blk := mat.NewDense(rows, dims[i], nil)
		blk.Copy(a.Slice(0, rows, offs[i], offs[i]+dims[i]))
		blocks[i] = blk
	}
	return NewJacobianFactor(keys, blocks, b)
}

// Keys returns the keys the factor involves.
func (jf *JacobianFactor) Keys() []Key {
	return append([]Key(nil), jf.keys...)
}

// Dims returns the column count of each block.
func (jf *JacobianFactor) Dims() []int {
	dims := make([]int, len(jf.blocks))
	for i, blk := range jf.blocks {
		_, dims[i] = blk.Dims()
	}
	return dims
}

// Rows returns the number of rows of the factor.
func (jf *JacobianFactor) Rows() int {
	return jf.b.Len()
}

// A returns the block for the i'th key.
func (jf *JacobianFactor) A(i int) *mat.Dense {
	return jf.blocks[i]
}

// B returns the right-hand side.
func (jf *JacobianFactor) B() *mat.VecDense {
	return jf.b
}

func (jf *JacobianFactor) stacked() *mat.Dense {
	dims := jf.Dims()
	offs, total := offsets(dims)
	a := mat.NewDense(jf.Rows(), total, nil)
	for i, blk := range jf.blocks {
		a.Slice(0, jf.Rows(), offs[i], offs[i]+dims[i]).(*mat.Dense).Copy(blk)
	}
	return a
}

// Error returns ½‖Aδ − b‖².
func (jf *JacobianFactor) Error(delta VectorValues) float64 {
	if jf.Rows() == 0 {
		return 0
	}
	var r mat.VecDense
	r.MulVec(jf.stacked(), delta.Stack(jf.keys, jf.Dims()))
	r.SubVec(&r, jf.b)
	return 0.5 * mat.Dot(&r, &r)
}

// Information returns AᵀA and Aᵀb.
func (jf *JacobianFactor) Information() (*mat.SymDense, *mat.VecDense) {
	_, total := offsets(jf.Dims())
	info := mat.NewSymDense(total, nil)
	linear := mat.NewVecDense(total, nil)
	if jf.Rows() == 0 {
		return info, linear
	}
	a := jf.stacked()
	info.SymOuterK(1, a.T())
	linear.MulVec(a.T(), jf.b)
	return info, linear
}

// ToHessian converts to information form, with constant bᵀb.
func (jf *JacobianFactor) ToHessian() *HessianFactor {
	info, linear := jf.Information()
	var constant float64
	if jf.Rows() > 0 {
		constant = mat.Dot(jf.b, jf.b)
	}
	hf, err := NewHessianFactor(jf.keys, jf.Dims(), info, linear, constant)
	if err != nil {
		panic(err)
	}
	return hf
}

// Empty reports whether the factor has no keys.
func (jf *JacobianFactor) Empty() bool {
	return len(jf.keys) == 0
}

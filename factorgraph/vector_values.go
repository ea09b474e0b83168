package factorgraph

import (
	"gonum.org/v1/gonum/mat"
)

// VectorValues maps keys to tangent-space vectors, e.g. an update step or a gradient.
type VectorValues map[Key]*mat.VecDense

// ZeroVectorValues returns a zero vector of size dim for each key.
func ZeroVectorValues(keys []Key, dim int) VectorValues {
	out := make(VectorValues, len(keys))
	for _, k := range keys {
		out[k] = mat.NewVecDense(dim, nil)
	}
	return out
}

// Dot returns the sum of per-key dot products over keys present in both.
func (vv VectorValues) Dot(other VectorValues) float64 {
	var sum float64
	for k, v := range vv {
		if o, ok := other[k]; ok {
			sum += mat.Dot(v, o)
		}
	}
	return sum
}

// Stack concatenates the vectors of keys in order, using zeros for keys that are missing.
func (vv VectorValues) Stack(keys []Key, dims []int) *mat.VecDense {
	total := 0
	for _, d := range dims {
		total += d
	}
	out := mat.NewVecDense(total, nil)
	offset := 0
	for i, k := range keys {
		if v, ok := vv[k]; ok {
			out.SliceVec(offset, offset+dims[i]).(*mat.VecDense).CopyVec(v)
		}
		offset += dims[i]
	}
	return out
}

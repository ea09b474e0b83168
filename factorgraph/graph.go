package factorgraph

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/smartslam/logging"
	"go.viam.com/smartslam/utils"
)

// NonlinearFactor is a factor whose error depends nonlinearly on pose estimates.
type NonlinearFactor interface {
	Keys() []Key
	// Error returns the factor's contribution to the total objective at the estimate.
	Error(values *Values) (float64, error)
	// Linearize returns a Gaussian approximation around the estimate, or nil when the factor is
	// inactive and contributes nothing.
	Linearize(values *Values) (GaussianFactor, error)
}

// NonlinearFactorGraph is an ordered collection of nonlinear factors.
type NonlinearFactorGraph struct {
	factors []NonlinearFactor
	logger  logging.Logger
}

// NewNonlinearFactorGraph returns an empty graph.
func NewNonlinearFactorGraph(logger logging.Logger) *NonlinearFactorGraph {
	return &NonlinearFactorGraph{logger: logger}
}

// Add appends factors to the graph.
func (g *NonlinearFactorGraph) Add(factors ...NonlinearFactor) {
	g.factors = append(g.factors, factors...)
}

// Len returns the number of factors.
func (g *NonlinearFactorGraph) Len() int {
	return len(g.factors)
}

// At returns the i'th factor.
func (g *NonlinearFactorGraph) At(i int) NonlinearFactor {
	return g.factors[i]
}

// Factors returns the factors in insertion order.
func (g *NonlinearFactorGraph) Factors() []NonlinearFactor {
	return append([]NonlinearFactor(nil), g.factors...)
}

// Keys returns every key involved in some factor, deduplicated and sorted.
func (g *NonlinearFactorGraph) Keys() []Key {
	return sortedUniqueKeys(lo.FlatMap(g.factors, func(f NonlinearFactor, _ int) []Key { return f.Keys() }))
}

func sortedUniqueKeys(keys []Key) []Key {
	keys = lo.Uniq(keys)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ErrorPerFactor evaluates every factor in parallel. Each factor is evaluated by exactly one
// worker; results are returned in factor order.
func (g *NonlinearFactorGraph) ErrorPerFactor(ctx context.Context, values *Values) ([]float64, error) {
	errs := make([]float64, len(g.factors))
	err := utils.GroupWorkParallel(
		ctx,
		len(g.factors),
		g.logPartition("error"),
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) error {
				e, err := g.factors[workNum].Error(values)
				if err != nil {
					return errors.Wrapf(err, "factor %d", workNum)
				}
				errs[workNum] = e
				return nil
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return errs, nil
}

// Error returns the total error of the graph at the estimate.
func (g *NonlinearFactorGraph) Error(ctx context.Context, values *Values) (float64, error) {
	errs, err := g.ErrorPerFactor(ctx, values)
	if err != nil {
		return 0, err
	}
	return lo.Sum(errs), nil
}

// Linearize linearizes every factor in parallel and collects the active ones, in factor order.
func (g *NonlinearFactorGraph) Linearize(ctx context.Context, values *Values) (*GaussianFactorGraph, error) {
	linear := make([]GaussianFactor, len(g.factors))
	err := utils.GroupWorkParallel(
		ctx,
		len(g.factors),
		g.logPartition("linearize"),
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) error {
				lf, err := g.factors[workNum].Linearize(values)
				if err != nil {
					return errors.Wrapf(err, "factor %d", workNum)
				}
				linear[workNum] = lf
				return nil
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	out := NewGaussianFactorGraph()
	for _, lf := range linear {
		if lf != nil {
			out.Add(lf)
		}
	}
	return out, nil
}

func (g *NonlinearFactorGraph) logPartition(op string) utils.BeforeParallelGroupWorkFunc {
	return func(numGroups int) {
		if g.logger != nil {
			g.logger.Debugw("evaluating factor graph", "op", op, "factors", len(g.factors), "workers", numGroups)
		}
	}
}

// GaussianFactorGraph is a collection of linearized factors.
type GaussianFactorGraph struct {
	factors []GaussianFactor
}

// NewGaussianFactorGraph returns an empty linear graph.
func NewGaussianFactorGraph() *GaussianFactorGraph {
	return &GaussianFactorGraph{}
}

// Add appends a factor.
func (gg *GaussianFactorGraph) Add(f GaussianFactor) {
	gg.factors = append(gg.factors, f)
}

// Len returns the number of factors.
func (gg *GaussianFactorGraph) Len() int {
	return len(gg.factors)
}

// At returns the i'th factor.
func (gg *GaussianFactorGraph) At(i int) GaussianFactor {
	return gg.factors[i]
}

// Keys returns every key involved in some factor, deduplicated and sorted.
func (gg *GaussianFactorGraph) Keys() []Key {
	return sortedUniqueKeys(lo.FlatMap(gg.factors, func(f GaussianFactor, _ int) []Key { return f.Keys() }))
}

// Error sums the errors of all factors at delta.
func (gg *GaussianFactorGraph) Error(delta VectorValues) float64 {
	return lo.SumBy(gg.factors, func(f GaussianFactor) float64 { return f.Error(delta) })
}

// Hessian assembles the dense joint information matrix and vector over ordering, which must
// contain every key of the graph.
func (gg *GaussianFactorGraph) Hessian(ordering []Key) (*mat.SymDense, *mat.VecDense, error) {
	dims := map[Key]int{}
	for _, f := range gg.factors {
		for i, k := range f.Keys() {
			d := f.Dims()[i]
			if prev, ok := dims[k]; ok && prev != d {
				return nil, nil, errors.Errorf("key %s has inconsistent dimensions %d and %d", k, prev, d)
			}
			dims[k] = d
		}
	}
	position := map[Key]int{}
	total := 0
	for _, k := range ordering {
		if _, dup := position[k]; dup {
			return nil, nil, errors.Errorf("key %s appears twice in ordering", k)
		}
		d, ok := dims[k]
		if !ok {
			d = 6
		}
		position[k] = total
		total += d
	}
	for k := range dims {
		if _, ok := position[k]; !ok {
			return nil, nil, errors.Errorf("ordering is missing key %s", k)
		}
	}
	if total == 0 {
		return nil, nil, errors.New("empty ordering")
	}

	info := mat.NewSymDense(total, nil)
	linear := mat.NewVecDense(total, nil)
	for _, f := range gg.factors {
		g, v := f.Information()
		keys := f.Keys()
		fdims := f.Dims()
		offs, _ := offsets(fdims)
		for i, ki := range keys {
			pi := position[ki]
			for r := 0; r < fdims[i]; r++ {
				linear.SetVec(pi+r, linear.AtVec(pi+r)+v.AtVec(offs[i]+r))
			}
			for j, kj := range keys {
				pj := position[kj]
				for r := 0; r < fdims[i]; r++ {
					for c := 0; c < fdims[j]; c++ {
						if pi+r > pj+c {
							continue
						}
						info.SetSym(pi+r, pj+c, info.At(pi+r, pj+c)+g.At(offs[i]+r, offs[j]+c))
					}
				}
			}
		}
	}
	return info, linear, nil
}

package ipm

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// blockVector is a vector partitioned along the scenario tree: the root segment
// is replicated on every rank, scenario segments are only allocated on the
// rank owning the scenario.
type blockVector struct {
	tree   *scenarioTree
	root   []float64
	blocks [][]float64
}

func newBlockVector(t *scenarioTree, rootLen int, scenLen func(i int) int) *blockVector {
	v := &blockVector{
		tree:   t,
		root:   make([]float64, rootLen),
		blocks: make([][]float64, t.nScenarios),
	}
	for i := t.first; i < t.last; i++ {
		v.blocks[i] = make([]float64, scenLen(i))
	}
	return v
}

// similar returns a zero vector of the same shape.
func (v *blockVector) similar() *blockVector {
	return newBlockVector(v.tree, len(v.root), func(i int) int { return len(v.blocks[i]) })
}

func (v *blockVector) clone() *blockVector {
	c := v.similar()
	c.copyFrom(v)
	return c
}

// apply calls fn on the aligned local segments of vs, root first.
func apply(fn func(root bool, seg ...[]float64), vs ...*blockVector) {
	t := vs[0].tree
	segs := make([][]float64, len(vs))
	for k, v := range vs {
		segs[k] = v.root
	}
	fn(true, segs...)
	for i := t.first; i < t.last; i++ {
		for k, v := range vs {
			segs[k] = v.blocks[i]
		}
		fn(false, segs...)
	}
}

// sumOver returns the global sum of fn over all segments.
func sumOver(fn func(seg ...[]float64) float64, vs ...*blockVector) float64 {
	var root, local float64
	apply(func(isRoot bool, seg ...[]float64) {
		if isRoot {
			root += fn(seg...)
		} else {
			local += fn(seg...)
		}
	}, vs...)
	return vs[0].tree.sum(root, local)
}

func (v *blockVector) copyFrom(o *blockVector) {
	apply(func(_ bool, s ...[]float64) { copy(s[0], s[1]) }, v, o)
}

func (v *blockVector) setAll(x float64) {
	apply(func(_ bool, s ...[]float64) {
		for i := range s[0] {
			s[0][i] = x
		}
	}, v)
}

func (v *blockVector) scale(a float64) {
	apply(func(_ bool, s ...[]float64) { floats.Scale(a, s[0]) }, v)
}

// axpy computes v += a*x.
func (v *blockVector) axpy(a float64, x *blockVector) {
	apply(func(_ bool, s ...[]float64) { floats.AddScaled(s[0], a, s[1]) }, v, x)
}

// mul computes v ∘= x.
func (v *blockVector) mul(x *blockVector) {
	apply(func(_ bool, s ...[]float64) { floats.Mul(s[0], s[1]) }, v, x)
}

func (v *blockVector) dot(x *blockVector) float64 {
	return sumOver(func(s ...[]float64) float64 { return floats.Dot(s[0], s[1]) }, v, x)
}

func (v *blockVector) infNorm() float64 {
	var local float64
	apply(func(_ bool, s ...[]float64) {
		for _, x := range s[0] {
			local = math.Max(local, math.Abs(x))
		}
	}, v)
	return v.tree.max(local)
}

// minMasked returns the global minimum over the components selected by mask,
// or +Inf if none is selected.
func (v *blockVector) minMasked(mask *blockVector) float64 {
	local := math.Inf(1)
	apply(func(_ bool, s ...[]float64) {
		for i, x := range s[0] {
			if s[1][i] != 0 && x < local {
				local = x
			}
		}
	}, v, mask)
	return v.tree.min(local)
}

// finite reports whether every component on every rank is finite.
func (v *blockVector) finite() bool {
	bad := false
	apply(func(_ bool, s ...[]float64) {
		for _, x := range s[0] {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				bad = true
			}
		}
	}, v)
	return !v.tree.anyRank(bad)
}

func (v *blockVector) count() int {
	return int(sumOver(func(s ...[]float64) float64 { return floats.Sum(s[0]) }, v))
}

// gather returns the whole vector, root segment first and scenarios in order,
// on every rank.
func (v *blockVector) gather() []float64 {
	offsets := make([]int, v.tree.nScenarios+1)
	offsets[0] = len(v.root)
	lens := make([]float64, v.tree.nScenarios)
	for i := v.tree.first; i < v.tree.last; i++ {
		lens[i] = float64(len(v.blocks[i]))
	}
	v.tree.comm.AllReduceSum(lens)
	for i := range lens {
		offsets[i+1] = offsets[i] + int(lens[i])
	}

	out := make([]float64, offsets[v.tree.nScenarios])
	for i := v.tree.first; i < v.tree.last; i++ {
		copy(out[offsets[i]:], v.blocks[i])
	}
	v.tree.comm.AllReduceSum(out)
	copy(out, v.root)
	return out
}

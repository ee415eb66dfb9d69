package ipm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jjhbw/stochipm/internal/comm"
)

// toyQP is
//
//	min ½x1² + ½x2² - x1  s.t.  x1 + x2 = 2,  x1 - x2 <= 10,  -10 <= x <= 10
//
// with the interior optimum x = (1.5, 0.5), y = 0.5 and objective -0.25.
func toyQP(t *testing.T) *Problem {
	b := NewBuilder()
	x1 := b.AddVariable(RootBlock, -1, -10, 10)
	x2 := b.AddVariable(RootBlock, 0, -10, 10)
	b.AddQuadratic(x1, x1, 1)
	b.AddQuadratic(x2, x2, 1)
	b.AddEquality([]Term{T(1, x1), T(1, x2)}, 2)
	b.AddInequality([]Term{T(1, x1), T(-1, x2)}, math.Inf(-1), 10)
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

// equalityQP is min ½x1² + ½x2² s.t. x1 + x2 = 2 with free variables. Its
// optimum is x = (1, 1), y = 1.
func equalityQP(t *testing.T) *Problem {
	b := NewBuilder()
	x1 := b.AddVariable(RootBlock, 0, math.Inf(-1), math.Inf(1))
	x2 := b.AddVariable(RootBlock, 0, math.Inf(-1), math.Inf(1))
	b.AddQuadratic(x1, x1, 1)
	b.AddQuadratic(x2, x2, 1)
	b.AddEquality([]Term{T(1, x1), T(1, x2)}, 2)
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

// recourseLP buys x0 in [0, 10] at cost 1 and covers each scenario demand d_i
// with x0 + y_i >= d_i, y_i >= 0 at cost 0.4. For demands (3, 5, 4) the
// optimum is x0 = 3, y = (0, 2, 1) with objective 4.2. A slack linking row
// bounds the total recourse.
func recourseLP(t *testing.T) *Problem {
	b := NewBuilder()
	x0 := b.AddVariable(RootBlock, 1, 0, 10)
	var ys []Term
	for _, d := range []float64{3, 5, 4} {
		s := b.AddScenario()
		y := b.AddVariable(s, 0.4, 0, math.Inf(1))
		b.AddInequality([]Term{T(1, x0), T(1, y)}, d, math.Inf(1))
		ys = append(ys, T(1, y))
	}
	b.AddInequality(ys, math.Inf(-1), 100)
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

// stochasticQP is a strictly convex QP using every structural feature: root
// rows, coupled scenario rows, linking equalities and inequalities, and every
// kind of bound.
func stochasticQP(t *testing.T) *Problem {
	b := NewBuilder()
	a := b.AddVariable(RootBlock, 0, 0, 5)
	c := b.AddVariable(RootBlock, 0, math.Inf(-1), math.Inf(1))
	b.AddQuadratic(a, a, 1)
	b.AddQuadratic(c, c, 1)
	b.AddEquality([]Term{T(1, a), T(1, c)}, 2)
	b.AddInequality([]Term{T(1, a), T(-1, c)}, math.Inf(-1), 1)

	link := []Term{T(1, a)}
	var total []Term
	for i := 0; i < 4; i++ {
		s := b.AddScenario()
		y0 := b.AddVariable(s, float64(i), 0, math.Inf(1))
		y1 := b.AddVariable(s, -1, math.Inf(-1), 3)
		b.AddQuadratic(y0, y0, 1)
		b.AddQuadratic(y1, y1, 2)
		b.AddEquality([]Term{T(1, a), T(1, y0), T(1, y1)}, 3+float64(i))
		b.AddInequality([]Term{T(1, c), T(-1, y0)}, -5, 5)
		link = append(link, T(1, y1))
		total = append(total, T(1, y0))
	}
	b.AddEquality(link, 2)
	b.AddInequality(total, math.Inf(-1), 50)
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

// onRanks runs fn on n in-process ranks. fn must not call require.
func onRanks(t *testing.T, n int, fn func(c comm.Comm) error) {
	t.Helper()
	require.NoError(t, comm.NewWorld(n).Run(fn))
}

// fillDeterministic sets v to values in [0.5, 1.5) that depend only on the
// seed, the block and the position, not on the rank layout.
func fillDeterministic(v *blockVector, seed int) {
	fill := func(seg []float64, blk int) {
		for j := range seg {
			seg[j] = 0.5 + math.Mod(float64(seed*131+blk*17+j*7)*0.618, 1)
		}
	}
	fill(v.root, 0)
	for i := v.tree.first; i < v.tree.last; i++ {
		fill(v.blocks[i], i+1)
	}
}

// testIterate returns a strictly interior iterate with rank-independent
// values. Inactive pair components are zero.
func testIterate(f *Formulation) *Variables {
	v := f.NewVariables()
	for k, bv := range v.all() {
		fillDeterministic(bv, k+1)
	}
	for _, p := range v.pairs() {
		p.primal.mul(p.mask)
		p.dual.mul(p.mask)
	}
	return v
}

func scaleStep(v *Variables, a float64) {
	for _, c := range v.all() {
		c.scale(a)
	}
}

// applyJacobian returns J(vars)*step, with J the Jacobian of the KKT
// residuals, laid out like a right-hand side.
func applyJacobian(f *Formulation, vars, step *Variables) *Residuals {
	r0 := f.NewResiduals()
	r0.Evaluate(f.NewVariables())
	r := f.NewResiduals()
	r.Evaluate(step)
	lin, lin0 := r.linear(), r0.linear()
	for k := range lin {
		lin[k].axpy(-1, lin0[k])
	}

	comp, ps, ss := r.complementary(), vars.pairs(), step.pairs()
	for k := range comp {
		// v*dgamma + gamma*dv
		a := ps[k].primal.clone()
		a.mul(ss[k].dual)
		b := ps[k].dual.clone()
		b.mul(ss[k].primal)
		comp[k].copyFrom(a)
		comp[k].axpy(1, b)
		comp[k].mul(ps[k].mask)
	}
	return r
}

// residualDistance is the largest difference between two right-hand sides.
func residualDistance(a, b *Residuals) float64 {
	va, vb := append(a.linear(), a.complementary()...), append(b.linear(), b.complementary()...)
	var worst float64
	for k := range va {
		d := va[k].clone()
		d.axpy(-1, vb[k])
		worst = math.Max(worst, d.infNorm())
	}
	return worst
}

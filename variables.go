package ipm

import (
	"math"
)

// Variables is an iterate of the interior-point method, or a step of the same
// shape. The bound slacks v, w, t, u are paired with the multipliers gamma,
// phi, lambda, pi; components without a bound are held at zero.
type Variables struct {
	data *Formulation

	x, s, y, z *blockVector
	v, w, t, u *blockVector
	gamma, phi *blockVector
	lambda, pi *blockVector
}

// NewVariables returns a zero iterate laid out for f.
func (f *Formulation) NewVariables() *Variables {
	return &Variables{
		data:   f,
		x:      f.newX(),
		s:      f.newZ(),
		y:      f.newY(),
		z:      f.newZ(),
		v:      f.newX(),
		w:      f.newX(),
		gamma:  f.newX(),
		phi:    f.newX(),
		t:      f.newZ(),
		u:      f.newZ(),
		lambda: f.newZ(),
		pi:     f.newZ(),
	}
}

func (v *Variables) primal() []*blockVector {
	return []*blockVector{v.x, v.s, v.v, v.w, v.t, v.u}
}

func (v *Variables) dual() []*blockVector {
	return []*blockVector{v.y, v.z, v.gamma, v.phi, v.lambda, v.pi}
}

func (v *Variables) all() []*blockVector {
	return append(v.primal(), v.dual()...)
}

// pair is one complementarity pair with the mask of its active components.
type pair struct {
	primal, dual, mask *blockVector
}

func (v *Variables) pairs() [4]pair {
	f := v.data
	return [4]pair{
		{v.v, v.gamma, f.ixlow},
		{v.w, v.phi, f.ixupp},
		{v.t, v.lambda, f.iclow},
		{v.u, v.pi, f.icupp},
	}
}

func (v *Variables) clone() *Variables {
	c := v.data.NewVariables()
	c.copyFrom(v)
	return c
}

func (v *Variables) copyFrom(o *Variables) {
	dst, src := v.all(), o.all()
	for k := range dst {
		dst[k].copyFrom(src[k])
	}
}

func (v *Variables) setAll(x float64) {
	for _, c := range v.all() {
		c.setAll(x)
	}
}

func (v *Variables) negate() {
	for _, c := range v.all() {
		c.scale(-1)
	}
}

// axpy computes v += alpha*step.
func (v *Variables) axpy(alpha float64, step *Variables) {
	v.axpyPD(alpha, alpha, step)
}

// axpyPD moves the primal group by alphaPrimal and the dual group by alphaDual.
func (v *Variables) axpyPD(alphaPrimal, alphaDual float64, step *Variables) {
	dst, src := v.primal(), step.primal()
	for k := range dst {
		dst[k].axpy(alphaPrimal, src[k])
	}
	dst, src = v.dual(), step.dual()
	for k := range dst {
		dst[k].axpy(alphaDual, src[k])
	}
}

// scanPairs calls fn for every active complementarity component with its
// current values and step directions.
func (v *Variables) scanPairs(step *Variables, fn func(p, dp, d, dd float64)) {
	ps, ss := v.pairs(), step.pairs()
	for k := range ps {
		apply(func(_ bool, seg ...[]float64) {
			p, d, m, dp, dd := seg[0], seg[1], seg[2], seg[3], seg[4]
			for j := range m {
				if m[j] != 0 {
					fn(p[j], dp[j], d[j], dd[j])
				}
			}
		}, ps[k].primal, ps[k].dual, ps[k].mask, ss[k].primal, ss[k].dual)
	}
}

// complementarity sums fn over every active pair component, globally.
func (v *Variables) complementarity(step *Variables, fn func(p, dp, d, dd float64) float64) float64 {
	var root, local float64
	ps, ss := v.pairs(), step.pairs()
	for k := range ps {
		apply(func(isRoot bool, seg ...[]float64) {
			p, d, m, dp, dd := seg[0], seg[1], seg[2], seg[3], seg[4]
			var acc float64
			for j := range m {
				if m[j] != 0 {
					acc += fn(p[j], dp[j], d[j], dd[j])
				}
			}
			if isRoot {
				root += acc
			} else {
				local += acc
			}
		}, ps[k].primal, ps[k].dual, ps[k].mask, ss[k].primal, ss[k].dual)
	}
	return v.data.tree.sum(root, local)
}

// mu returns the average complementarity product, or zero if the problem has
// no bounds.
func (v *Variables) mu() float64 {
	n := v.data.nComplementary
	if n == 0 {
		return 0
	}
	return v.complementarity(v, func(p, _, d, _ float64) float64 { return p * d }) / float64(n)
}

// mustep returns the complementarity gap after a step of length alpha.
func (v *Variables) mustep(step *Variables, alpha float64) float64 {
	return v.mustepPD(step, alpha, alpha)
}

func (v *Variables) mustepPD(step *Variables, alphaPrimal, alphaDual float64) float64 {
	n := v.data.nComplementary
	if n == 0 {
		return 0
	}
	return v.complementarity(step, func(p, dp, d, dd float64) float64 {
		return (p + alphaPrimal*dp) * (d + alphaDual*dd)
	}) / float64(n)
}

// stepbound returns the largest alpha in [0, 1] keeping every active pair
// component nonnegative.
func (v *Variables) stepbound(step *Variables) float64 {
	ap, ad := v.stepboundPD(step)
	return math.Min(ap, ad)
}

func (v *Variables) stepboundPD(step *Variables) (alphaPrimal, alphaDual float64) {
	alphaPrimal, alphaDual = 1, 1
	v.scanPairs(step, func(p, dp, d, dd float64) {
		if dp < 0 {
			alphaPrimal = math.Min(alphaPrimal, -p/dp)
		}
		if dd < 0 {
			alphaDual = math.Min(alphaDual, -d/dd)
		}
	})
	tree := v.data.tree
	alphaPrimal = tree.min(math.Max(alphaPrimal, 0))
	alphaDual = tree.min(math.Max(alphaDual, 0))
	return alphaPrimal, alphaDual
}

// blocking describes the component that limits a step.
type blocking struct {
	alpha float64

	primalValue, primalStep float64
	dualValue, dualStep     float64

	// 0 if nothing blocks, 1 if a primal component blocks, 2 if a dual one does
	side int
}

func (b *blocking) payload() []float64 {
	return []float64{b.primalValue, b.primalStep, b.dualValue, b.dualStep, float64(b.side)}
}

func (b *blocking) set(p []float64) {
	b.primalValue, b.primalStep, b.dualValue, b.dualStep, b.side = p[0], p[1], p[2], p[3], int(p[4])
}

// agree makes every rank hold the globally blocking component.
func (b *blocking) agree(t *scenarioTree) {
	p := b.payload()
	b.alpha = t.argmin(b.alpha, p)
	b.set(p)
}

// findBlocking returns the largest step in [0, 1] for a single step length
// together with the component that blocks it.
func (v *Variables) findBlocking(step *Variables) blocking {
	b := blocking{alpha: 1}
	v.scanPairs(step, func(p, dp, d, dd float64) {
		if dp < 0 && -p/dp < b.alpha {
			b = blocking{alpha: math.Max(-p/dp, 0), primalValue: p, primalStep: dp, dualValue: d, dualStep: dd, side: 1}
		}
		if dd < 0 && -d/dd < b.alpha {
			b = blocking{alpha: math.Max(-d/dd, 0), primalValue: p, primalStep: dp, dualValue: d, dualStep: dd, side: 2}
		}
	})
	b.agree(v.data.tree)
	return b
}

// findBlockingPD is findBlocking for separate primal and dual step lengths.
func (v *Variables) findBlockingPD(step *Variables) (primal, dual blocking) {
	primal, dual = blocking{alpha: 1}, blocking{alpha: 1}
	v.scanPairs(step, func(p, dp, d, dd float64) {
		if dp < 0 && -p/dp < primal.alpha {
			primal = blocking{alpha: math.Max(-p/dp, 0), primalValue: p, primalStep: dp, dualValue: d, dualStep: dd, side: 1}
		}
		if dd < 0 && -d/dd < dual.alpha {
			dual = blocking{alpha: math.Max(-d/dd, 0), primalValue: p, primalStep: dp, dualValue: d, dualStep: dd, side: 2}
		}
	})
	primal.agree(v.data.tree)
	dual.agree(v.data.tree)
	return primal, dual
}

// interiorPoint resets the iterate to x = s = y = z = 0 with every active bound
// slack set to alpha and every active multiplier set to beta.
func (v *Variables) interiorPoint(alpha, beta float64) {
	v.setAll(0)
	v.shiftBoundVariables(alpha, beta)
}

// shiftBoundVariables adds alpha to the active bound slacks and beta to the
// active multipliers.
func (v *Variables) shiftBoundVariables(alpha, beta float64) {
	for _, p := range v.pairs() {
		apply(func(_ bool, seg ...[]float64) {
			prim, dual, m := seg[0], seg[1], seg[2]
			for j := range m {
				if m[j] != 0 {
					prim[j] += alpha
					dual[j] += beta
				}
			}
		}, p.primal, p.dual, p.mask)
	}
}

// violation returns the largest amount by which an active pair component is
// negative, or zero.
func (v *Variables) violation() float64 {
	var worst float64
	v.scanPairs(v, func(p, _, d, _ float64) {
		worst = math.Max(worst, math.Max(-p, -d))
	})
	return v.data.tree.max(worst)
}

// finite reports whether every component is finite on every rank.
func (v *Variables) finite() bool {
	for _, c := range v.all() {
		if !c.finite() {
			return false
		}
	}
	return true
}

// valid reports whether the iterate is finite and strictly interior.
func (v *Variables) valid() bool {
	if !v.finite() {
		return false
	}
	ok := true
	v.scanPairs(v, func(p, _, d, _ float64) {
		if !(p > 0 && d > 0) {
			ok = false
		}
	})
	return !v.data.tree.anyRank(!ok)
}

// Primal gathers the primal solution x, root block first, on every rank.
func (v *Variables) Primal() []float64 {
	return v.x.gather()
}

// EqualityDuals gathers the multipliers of the equality rows; linking rows
// follow the root rows.
func (v *Variables) EqualityDuals() []float64 {
	return v.y.gather()
}

// InequalityDuals gathers the multipliers of the inequality rows.
func (v *Variables) InequalityDuals() []float64 {
	return v.z.gather()
}

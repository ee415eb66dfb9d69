package ipm

import (
	"math"
)

// Residuals holds the residuals of the KKT conditions at an iterate. A linear
// system solve takes a Residuals value as its right-hand side, so the
// complementarity part can be set independently of the linear part.
type Residuals struct {
	data *Formulation

	// linear residuals
	rQ, rA, rC, rz *blockVector
	rv, rw, rt, ru *blockVector

	// complementarity residuals of the pairs (v,gamma), (w,phi), (t,lambda), (u,pi)
	rgamma, rphi, rlambda, rpi *blockVector

	residualNorm float64
	dualityGap   float64
}

// NewResiduals returns zero residuals laid out for f.
func (f *Formulation) NewResiduals() *Residuals {
	return &Residuals{
		data:    f,
		rQ:      f.newX(),
		rA:      f.newY(),
		rC:      f.newZ(),
		rz:      f.newZ(),
		rv:      f.newX(),
		rw:      f.newX(),
		rt:      f.newZ(),
		ru:      f.newZ(),
		rgamma:  f.newX(),
		rphi:    f.newX(),
		rlambda: f.newZ(),
		rpi:     f.newZ(),
	}
}

func (r *Residuals) linear() []*blockVector {
	return []*blockVector{r.rQ, r.rA, r.rC, r.rz, r.rv, r.rw, r.rt, r.ru}
}

func (r *Residuals) complementary() []*blockVector {
	return []*blockVector{r.rgamma, r.rphi, r.rlambda, r.rpi}
}

func (r *Residuals) masks() []*blockVector {
	f := r.data
	return []*blockVector{f.ixlow, f.ixupp, f.iclow, f.icupp}
}

// ResidualNorm is the largest infinity norm of the linear residuals at the
// last Evaluate.
func (r *Residuals) ResidualNorm() float64 {
	return r.residualNorm
}

// DualityGap is the duality gap at the last Evaluate.
func (r *Residuals) DualityGap() float64 {
	return r.dualityGap
}

func (r *Residuals) copyFrom(o *Residuals) {
	dst, src := append(r.linear(), r.complementary()...), append(o.linear(), o.complementary()...)
	for k := range dst {
		dst[k].copyFrom(src[k])
	}
	r.residualNorm, r.dualityGap = o.residualNorm, o.dualityGap
}

// Evaluate recomputes the linear residuals, the residual norm and the duality
// gap at vars. The complementarity part is cleared.
func (r *Residuals) Evaluate(vars *Variables) {
	f := r.data
	tmpX := f.newX()

	// rQ = Qx + c - Aᵀy - Cᵀz - gamma + phi
	f.mulQ(r.rQ, vars.x)
	r.rQ.axpy(1, f.cost)
	f.a.mulT(tmpX, vars.y)
	r.rQ.axpy(-1, tmpX)
	f.c.mulT(tmpX, vars.z)
	r.rQ.axpy(-1, tmpX)
	r.rQ.axpy(-1, vars.gamma)
	r.rQ.axpy(1, vars.phi)

	// rA = Ax - b
	f.a.mul(r.rA, vars.x)
	r.rA.axpy(-1, f.b)

	// rC = Cx - s
	f.c.mul(r.rC, vars.x)
	r.rC.axpy(-1, vars.s)

	// rz = z - lambda + pi
	r.rz.copyFrom(vars.z)
	r.rz.axpy(-1, vars.lambda)
	r.rz.axpy(1, vars.pi)

	boundResidual(r.rv, vars.x, vars.v, -1, f.xlow, f.ixlow)
	boundResidual(r.rw, vars.x, vars.w, 1, f.xupp, f.ixupp)
	boundResidual(r.rt, vars.s, vars.t, -1, f.clow, f.iclow)
	boundResidual(r.ru, vars.s, vars.u, 1, f.cupp, f.icupp)

	r.residualNorm = 0
	for _, v := range r.linear() {
		r.residualNorm = math.Max(r.residualNorm, v.infNorm())
	}

	// gap = xᵀQx + cᵀx - bᵀy - clowᵀlambda + cuppᵀpi - xlowᵀgamma + xuppᵀphi
	f.mulQ(tmpX, vars.x)
	r.dualityGap = tmpX.dot(vars.x) + f.cost.dot(vars.x) - f.b.dot(vars.y) -
		f.clow.dot(vars.lambda) + f.cupp.dot(vars.pi) -
		f.xlow.dot(vars.gamma) + f.xupp.dot(vars.phi)

	r.ClearComplementarity()
}

// boundResidual sets r = x + sign*slack - bound on the active components and
// zero elsewhere.
func boundResidual(r, x, slack *blockVector, sign float64, bound, mask *blockVector) {
	apply(func(_ bool, s ...[]float64) {
		r, x, slack, bound, mask := s[0], s[1], s[2], s[3], s[4]
		for j := range r {
			if mask[j] == 0 {
				r[j] = 0
				continue
			}
			r[j] = x[j] + sign*slack[j] - bound[j]
		}
	}, r, x, slack, bound, mask)
}

// ClearLinear zeroes the linear residuals, leaving a pure complementarity
// right-hand side.
func (r *Residuals) ClearLinear() {
	for _, v := range r.linear() {
		v.setAll(0)
	}
}

func (r *Residuals) ClearComplementarity() {
	for _, v := range r.complementary() {
		v.setAll(0)
	}
}

// SetComplementarity sets every active complementarity residual to the pair
// product at vars plus shift.
func (r *Residuals) SetComplementarity(vars *Variables, shift float64) {
	r.ClearComplementarity()
	r.AddComplementarityProducts(vars, shift)
}

// AddComplementarityProducts adds the pair products of a, which may be an
// iterate or a step, plus shift to the active complementarity residuals.
func (r *Residuals) AddComplementarityProducts(a *Variables, shift float64) {
	res, masks, ps := r.complementary(), r.masks(), a.pairs()
	for k := range res {
		apply(func(_ bool, s ...[]float64) {
			r, m, p, d := s[0], s[1], s[2], s[3]
			for j := range r {
				if m[j] != 0 {
					r[j] += p[j]*d[j] + shift
				}
			}
		}, res[k], masks[k], ps[k].primal, ps[k].dual)
	}
}

// ProjectComplementarity projects the complementarity residuals onto the box
// [rmin, rmax]: entries below rmin become rmin - p, entries above rmax become
// max(rmax - p, -rmax), entries inside become zero.
func (r *Residuals) ProjectComplementarity(rmin, rmax float64) {
	res, masks := r.complementary(), r.masks()
	for k := range res {
		apply(func(_ bool, s ...[]float64) {
			r, m := s[0], s[1]
			for j, p := range r {
				switch {
				case m[j] == 0:
					r[j] = 0
				case p < rmin:
					r[j] = rmin - p
				case p > rmax:
					r[j] = math.Max(rmax-p, -rmax)
				default:
					r[j] = 0
				}
			}
		}, res[k], masks[k])
	}
}

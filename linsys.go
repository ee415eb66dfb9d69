package ipm

import (
	"github.com/pkg/errors"
)

var (
	// ErrSingularBlock is returned by Factor when a diagonal block or the Schur
	// complement is numerically singular on some rank.
	ErrSingularBlock = errors.New("singular block in KKT system")

	// ErrInnerSolveBreakdown is returned by Solve when neither the direct nor
	// the refined solution is finite.
	ErrInnerSolveBreakdown = errors.New("inner solve broke down")
)

// SolveTelemetry reports how the inner iterative refinement of a solve went.
type SolveTelemetry struct {
	// Skipped is set when no refinement iteration was needed or configured.
	Skipped   bool
	Converged bool

	RelResidual float64
	Iterations  int
}

// Inertia counts the positive, negative and zero eigenvalues of the KKT matrix.
type Inertia struct {
	Positive, Negative, Zero int
}

// LinearSystem solves the Newton system of the interior-point method at the
// current iterate.
type LinearSystem interface {
	// Factor refactorizes the system after the iterate, and with it the
	// barrier diagonal, changed.
	Factor(vars *Variables) error

	// Solve computes step such that J(vars)*step = rhs, where J is the
	// Jacobian of the KKT conditions.
	Solve(vars *Variables, rhs *Residuals, step *Variables) (SolveTelemetry, error)

	// SetInnerTolerance sets the relative residual tolerance of the inner
	// iterative refinement.
	SetInnerTolerance(tol float64)

	// DecreasePreconditionerImpact makes the preconditioner closer to the
	// exact factorization and reports whether anything changed. The system
	// must be refactorized afterwards.
	DecreasePreconditionerImpact() bool

	ReportsInertia() bool
	Inertia() (Inertia, bool)
}

// augmented holds the barrier diagonals and the reduced right-hand side of the
// symmetric augmented system
//
//	[Q+Dx  Aᵀ   Cᵀ   ] [ Δx]   [bx        ]
//	[A     -δI  0    ] [-Δy] = [rA        ]
//	[C     0    -Ds⁻¹] [-Δz]   [rC + bz/Ds]
type augmented struct {
	dx, ds *blockVector

	bx, ry, rz, bz *blockVector
}

func newAugmented(f *Formulation) *augmented {
	return &augmented{
		dx: f.newX(),
		ds: f.newZ(),
		bx: f.newX(),
		ry: f.newY(),
		rz: f.newZ(),
		bz: f.newZ(),
	}
}

// setDiagonals computes Dx = gamma/v + phi/w + regPrimal and
// Ds = lambda/t + pi/u at vars.
func (a *augmented) setDiagonals(vars *Variables, regPrimal float64) {
	f := vars.data
	a.dx.setAll(regPrimal)
	a.ds.setAll(0)
	apply(func(_ bool, s ...[]float64) {
		dx, v, g, il, w, p, iu := s[0], s[1], s[2], s[3], s[4], s[5], s[6]
		for j := range dx {
			if il[j] != 0 {
				dx[j] += g[j] / v[j]
			}
			if iu[j] != 0 {
				dx[j] += p[j] / w[j]
			}
		}
	}, a.dx, vars.v, vars.gamma, f.ixlow, vars.w, vars.phi, f.ixupp)
	apply(func(_ bool, s ...[]float64) {
		ds, t, l, il, u, p, iu := s[0], s[1], s[2], s[3], s[4], s[5], s[6]
		for j := range ds {
			if il[j] != 0 {
				ds[j] += l[j] / t[j]
			}
			if iu[j] != 0 {
				ds[j] += p[j] / u[j]
			}
		}
	}, a.ds, vars.t, vars.lambda, f.iclow, vars.u, vars.pi, f.icupp)
}

// reduce eliminates the bound slacks and multipliers from rhs.
//
//	bx = rQ + (rgamma + gamma*rv)/v - (rphi - phi*rw)/w
//	bz = rz + (rlambda + lambda*rt)/t - (rpi - pi*ru)/u
func (a *augmented) reduce(vars *Variables, rhs *Residuals) {
	f := vars.data
	a.bx.copyFrom(rhs.rQ)
	eliminate(a.bx, vars.v, vars.gamma, rhs.rgamma, rhs.rv, f.ixlow, 1)
	eliminate(a.bx, vars.w, vars.phi, rhs.rphi, rhs.rw, f.ixupp, -1)

	a.bz.copyFrom(rhs.rz)
	eliminate(a.bz, vars.t, vars.lambda, rhs.rlambda, rhs.rt, f.iclow, 1)
	eliminate(a.bz, vars.u, vars.pi, rhs.rpi, rhs.ru, f.icupp, -1)

	a.ry.copyFrom(rhs.rA)
	apply(func(_ bool, s ...[]float64) {
		rz, rc, bz, ds := s[0], s[1], s[2], s[3]
		for j := range rz {
			rz[j] = rc[j] + bz[j]/ds[j]
		}
	}, a.rz, rhs.rC, a.bz, a.ds)
}

// eliminate adds (rcomp + sign*mult*rbound)/slack, scaled by sign, to b on the
// active components.
func eliminate(b, slack, mult, rcomp, rbound, mask *blockVector, sign float64) {
	apply(func(_ bool, s ...[]float64) {
		b, sl, m, rc, rb, mk := s[0], s[1], s[2], s[3], s[4], s[5]
		for j := range b {
			if mk[j] != 0 {
				b[j] += sign * (rc[j] + sign*m[j]*rb[j]) / sl[j]
			}
		}
	}, b, slack, mult, rcomp, rbound, mask)
}

// expand recovers the full step from the solution (ux, -uy, -uz) of the
// augmented system.
func (a *augmented) expand(vars *Variables, rhs *Residuals, ux, uy, uz *blockVector, step *Variables) {
	f := vars.data
	step.x.copyFrom(ux)
	step.y.copyFrom(uy)
	step.y.scale(-1)
	step.z.copyFrom(uz)
	step.z.scale(-1)

	// Δs = (bz - Δz)/Ds
	apply(func(_ bool, s ...[]float64) {
		ds, bz, dz, d := s[0], s[1], s[2], s[3]
		for j := range ds {
			ds[j] = (bz[j] - dz[j]) / d[j]
		}
	}, step.s, a.bz, step.z, a.ds)

	// Δv = Δx - rv, Δw = rw - Δx, Δt = Δs - rt, Δu = ru - Δs
	recoverPair(step.v, step.gamma, step.x, rhs.rv, vars.v, vars.gamma, rhs.rgamma, f.ixlow, 1)
	recoverPair(step.w, step.phi, step.x, rhs.rw, vars.w, vars.phi, rhs.rphi, f.ixupp, -1)
	recoverPair(step.t, step.lambda, step.s, rhs.rt, vars.t, vars.lambda, rhs.rlambda, f.iclow, 1)
	recoverPair(step.u, step.pi, step.s, rhs.ru, vars.u, vars.pi, rhs.rpi, f.icupp, -1)
}

// recoverPair computes the slack step dslack = sign*(dbase - rbound) and the
// multiplier step dmult = (rcomp - mult*dslack)/slack on the active components.
func recoverPair(dslack, dmult, dbase, rbound, slack, mult, rcomp, mask *blockVector, sign float64) {
	apply(func(_ bool, s ...[]float64) {
		dsl, dm, db, rb, sl, m, rc, mk := s[0], s[1], s[2], s[3], s[4], s[5], s[6], s[7]
		for j := range dsl {
			if mk[j] == 0 {
				dsl[j], dm[j] = 0, 0
				continue
			}
			dsl[j] = sign * (db[j] - rb[j])
			dm[j] = (rc[j] - m[j]*dsl[j]) / sl[j]
		}
	}, dslack, dmult, dbase, rbound, slack, mult, rcomp, mask)
}

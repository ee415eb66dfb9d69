package ipm

import (
	"math"

	"github.com/jjhbw/stochipm/internal/krylov"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// schurBlock is the augmented system K_i of one scenario together with its
// border B_i to the root block.
type schurBlock struct {
	nx, ny, nz int

	base   *mat.Dense // K_i without barrier diagonal and regularization
	k      *mat.Dense
	border *mat.Dense
	lu     mat.LU
}

func (b *schurBlock) dim() int { return b.nx + b.ny + b.nz }

// SchurSystem solves the Newton system of a block-structured problem by
// eliminating every scenario block into the Schur complement of the root block
//
//	S = K0 - Σ B_iᵀ K_i⁻¹ B_i
//
// Scenario blocks are factorized on their owning rank, the contributions to S
// are summed over all ranks and S is factorized redundantly on every rank.
//
// With a positive drop tolerance the factorized S is sparsified and only used
// as a preconditioner of BiCGStab on the full KKT operator.
type SchurSystem struct {
	data *Formulation
	opts Options

	n0, ny0, nz0 int
	dim0         int

	base0  *mat.Dense
	k0     *mat.Dense
	blocks []*schurBlock
	s      *mat.Dense
	sLU    mat.LU

	aug *augmented

	innerTol float64
	dropTol  float64

	inertia   Inertia
	inertiaOK bool
}

// NewSchurSystem assembles the static part of every locally owned block.
func NewSchurSystem(f *Formulation, opts Options) *SchurSystem {
	p := f.problem
	sys := &SchurSystem{
		data:     f,
		opts:     opts,
		n0:       p.Root.nx(),
		ny0:      p.Root.my() + p.myl(),
		nz0:      p.Root.mz() + p.mzl(),
		blocks:   make([]*schurBlock, len(p.Scenarios)),
		aug:      newAugmented(f),
		innerTol: opts.InnerTolerance,
		dropTol:  opts.SchurDropTolerance,
	}
	sys.dim0 = sys.n0 + sys.ny0 + sys.nz0

	// root: [Q0 Aᵀ Cᵀ; A 0 0; C 0 0] with A = [A0; F0], C = [C0; G0]
	sys.base0 = mat.NewDense(sys.dim0, sys.dim0, nil)
	setSym(sys.base0, 0, 0, p.Root.Hessian)
	yRoot, yLink := sys.n0, sys.n0+p.Root.my()
	zRoot, zLink := sys.n0+sys.ny0, sys.n0+sys.ny0+p.Root.mz()
	setPair(sys.base0, yRoot, 0, p.Root.Eq)
	setPair(sys.base0, yLink, 0, p.Root.LinkEq)
	setPair(sys.base0, zRoot, 0, p.Root.Ineq)
	setPair(sys.base0, zLink, 0, p.Root.LinkIneq)
	sys.k0 = mat.NewDense(sys.dim0, sys.dim0, nil)
	sys.s = mat.NewDense(sys.dim0, sys.dim0, nil)

	for i := f.tree.first; i < f.tree.last; i++ {
		sc := &p.Scenarios[i]
		b := &schurBlock{nx: sc.nx(), ny: sc.my(), nz: sc.mz()}
		b.base = mat.NewDense(b.dim(), b.dim(), nil)
		setSym(b.base, 0, 0, sc.Hessian)
		setPair(b.base, b.nx, 0, sc.Eq)
		setPair(b.base, b.nx+b.ny, 0, sc.Ineq)
		b.k = mat.NewDense(b.dim(), b.dim(), nil)

		// B_i: linking columns of x_i rows, coupling rows into x0 columns
		b.border = mat.NewDense(b.dim(), sys.dim0, nil)
		setBlock(b.border, 0, yLink, sc.LinkEq, true)
		setBlock(b.border, 0, zLink, sc.LinkIneq, true)
		setBlock(b.border, b.nx, 0, sc.EqCoupling, false)
		setBlock(b.border, b.nx+b.ny, 0, sc.IneqCoupling, false)
		sys.blocks[i] = b
	}
	return sys
}

// setBlock copies m, or mᵀ, into dst at (r, c). A nil m is a zero block.
func setBlock(dst *mat.Dense, r, c int, m *mat.Dense, trans bool) {
	if m == nil {
		return
	}
	var src mat.Matrix = m
	if trans {
		src = m.T()
	}
	rows, cols := src.Dims()
	dst.Slice(r, r+rows, c, c+cols).(*mat.Dense).Copy(src)
}

func setSym(dst *mat.Dense, r, c int, m *mat.Dense) {
	setBlock(dst, r, c, m, false)
}

// setPair places m at (r, c) and its transpose at (c, r).
func setPair(dst *mat.Dense, r, c int, m *mat.Dense) {
	setBlock(dst, r, c, m, false)
	setBlock(dst, c, r, m, true)
}

// setDiagonal writes the barrier diagonal and the regularization of one block
// into k, starting from base.
func (sys *SchurSystem) setDiagonal(k, base *mat.Dense, dx, ds []float64, nx, ny int) {
	k.Copy(base)
	for j, d := range dx {
		k.Set(j, j, k.At(j, j)+d)
	}
	for j := 0; j < ny; j++ {
		k.Set(nx+j, nx+j, -sys.opts.DualRegularization)
	}
	for j, d := range ds {
		k.Set(nx+ny+j, nx+ny+j, -1/d)
	}
}

// Factor implements LinearSystem.
func (sys *SchurSystem) Factor(vars *Variables) error {
	f := sys.data
	sys.aug.setDiagonals(vars, sys.opts.PrimalRegularization)

	sys.setDiagonal(sys.k0, sys.base0, sys.aug.dx.root, sys.aug.ds.root, sys.n0, sys.ny0)

	singular := false
	contrib := mat.NewDense(sys.dim0, sys.dim0, nil)
	for i := f.tree.first; i < f.tree.last; i++ {
		b := sys.blocks[i]
		sys.setDiagonal(b.k, b.base, sys.aug.dx.blocks[i], sys.aug.ds.blocks[i], b.nx, b.ny)
		b.lu.Factorize(b.k)
		if isSingular(&b.lu) {
			klog.Warningf("scenario %d: augmented system is singular", i)
			singular = true
			continue
		}
		var kinvB, btKinvB mat.Dense
		if err := b.lu.SolveTo(&kinvB, false, b.border); err != nil && !isCondition(err) {
			klog.Warningf("scenario %d: %v", i, err)
			singular = true
			continue
		}
		btKinvB.Mul(b.border.T(), &kinvB)
		contrib.Add(contrib, &btKinvB)
	}
	if f.tree.anyRank(singular) {
		return errors.Wrap(ErrSingularBlock, "scenario block")
	}

	f.tree.comm.AllReduceSum(contrib.RawMatrix().Data)
	sys.s.Sub(sys.k0, contrib)

	if sys.opts.ComputeInertia {
		sys.computeInertia()
	}

	precond := sys.s
	if sys.dropTol > 0 {
		precond = sparsify(sys.s, sys.dropTol)
	}
	sys.sLU.Factorize(precond)
	if isSingular(&sys.sLU) {
		return errors.Wrap(ErrSingularBlock, "schur complement")
	}
	return nil
}

func isSingular(lu *mat.LU) bool {
	c := lu.Cond()
	return math.IsInf(c, 1) || math.IsNaN(c)
}

func isCondition(err error) bool {
	_, ok := errors.Cause(err).(mat.Condition)
	return ok
}

// sparsify drops the off-diagonal entries s_ij with
// |s_ij| < tol * sqrt(|s_ii * s_jj|).
func sparsify(s *mat.Dense, tol float64) *mat.Dense {
	n, _ := s.Dims()
	out := mat.DenseCopyOf(s)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if math.Abs(s.At(i, j)) < tol*math.Sqrt(math.Abs(s.At(i, i)*s.At(j, j))) {
				out.Set(i, j, 0)
			}
		}
	}
	return out
}

// computeInertia adds up the inertia of every scenario block and of S, which
// equals the inertia of the whole KKT matrix.
func (sys *SchurSystem) computeInertia() {
	f := sys.data
	local := make([]float64, 3)
	for i := f.tree.first; i < f.tree.last; i++ {
		countInertia(sys.blocks[i].k, local)
	}
	f.tree.comm.AllReduceSum(local)
	countInertia(sys.s, local)
	sys.inertia = Inertia{Positive: int(local[0]), Negative: int(local[1]), Zero: int(local[2])}
	sys.inertiaOK = true
}

func countInertia(k *mat.Dense, acc []float64) {
	n, _ := k.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(k.At(i, j)+k.At(j, i)))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return
	}
	vals := eig.Values(nil)
	scale := math.Max(math.Abs(floats.Max(vals)), math.Abs(floats.Min(vals)))
	for _, v := range vals {
		switch {
		case math.Abs(v) <= 1e-12*scale:
			acc[2]++
		case v > 0:
			acc[0]++
		default:
			acc[1]++
		}
	}
}

// Solve implements LinearSystem.
func (sys *SchurSystem) Solve(vars *Variables, rhs *Residuals, step *Variables) (SolveTelemetry, error) {
	sys.aug.reduce(vars, rhs)
	r := sys.pack(sys.aug.bx, sys.aug.ry, sys.aug.rz)

	direct := make([]float64, len(r))
	if err := sys.blockSolve(direct, r); err != nil {
		return SolveTelemetry{}, err
	}

	tel := SolveTelemetry{Skipped: true, Converged: true}
	u := direct
	if sys.opts.InnerRefinement {
		res, err := krylov.LinearSolve(
			krylov.MatrixOps{MatVec: sys.mulKKT, Dot: sys.dot},
			r,
			&krylov.BiCGStab{},
			krylov.Settings{
				X0:            direct,
				Tolerance:     sys.innerTol,
				MaxIterations: sys.opts.InnerMaxIterations,
				PSolve:        sys.blockSolve,
			},
		)
		tel = SolveTelemetry{
			Skipped:     err == nil && res.Stats.Iterations == 0,
			Converged:   err == nil,
			RelResidual: res.Stats.RelResidual,
			Iterations:  res.Stats.Iterations,
		}
		switch {
		case err == nil, err == krylov.ErrIterationLimit:
			u = res.X
		case errors.Cause(err) == krylov.ErrBreakdown:
			klog.V(4).Infof("inner refinement: %v, keeping direct solution", err)
		default:
			return tel, errors.Wrap(err, "inner refinement")
		}
	}
	if !sys.finite(u) {
		return tel, ErrInnerSolveBreakdown
	}

	ux, uy, uz := sys.data.newX(), sys.data.newY(), sys.data.newZ()
	sys.unpack(u, ux, uy, uz)
	sys.aug.expand(vars, rhs, ux, uy, uz, step)
	return tel, nil
}

// The local layout of an augmented vector is the root segment followed by the
// owned scenario segments, each ordered (x, y, z).

func (sys *SchurSystem) pack(x, y, z *blockVector) []float64 {
	out := make([]float64, 0, sys.localDim())
	out = append(append(append(out, x.root...), y.root...), z.root...)
	for i := sys.data.tree.first; i < sys.data.tree.last; i++ {
		out = append(append(append(out, x.blocks[i]...), y.blocks[i]...), z.blocks[i]...)
	}
	return out
}

func (sys *SchurSystem) unpack(u []float64, x, y, z *blockVector) {
	off := 0
	take := func(dst []float64) {
		off += copy(dst, u[off:off+len(dst)])
	}
	take(x.root)
	take(y.root)
	take(z.root)
	for i := sys.data.tree.first; i < sys.data.tree.last; i++ {
		take(x.blocks[i])
		take(y.blocks[i])
		take(z.blocks[i])
	}
}

func (sys *SchurSystem) localDim() int {
	n := sys.dim0
	for i := sys.data.tree.first; i < sys.data.tree.last; i++ {
		n += sys.blocks[i].dim()
	}
	return n
}

// segments splits a local vector into the root segment and the scenario
// segments, which are nil for scenarios owned by other ranks.
func (sys *SchurSystem) segments(u []float64) ([]float64, [][]float64) {
	segs := make([][]float64, len(sys.blocks))
	off := sys.dim0
	for i := sys.data.tree.first; i < sys.data.tree.last; i++ {
		d := sys.blocks[i].dim()
		segs[i] = u[off : off+d]
		off += d
	}
	return u[:sys.dim0], segs
}

// dot is the global inner product of two local vectors.
func (sys *SchurSystem) dot(a, b []float64) float64 {
	root := floats.Dot(a[:sys.dim0], b[:sys.dim0])
	return sys.data.tree.sum(root, floats.Dot(a[sys.dim0:], b[sys.dim0:]))
}

func (sys *SchurSystem) finite(u []float64) bool {
	bad := false
	for _, x := range u {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			bad = true
			break
		}
	}
	return !sys.data.tree.anyRank(bad)
}

// mulKKT applies the full augmented operator:
//
//	dst_0 = K0 u_0 + Σ B_iᵀ u_i
//	dst_i = B_i u_0 + K_i u_i
func (sys *SchurSystem) mulKKT(dst, u []float64) {
	u0, us := sys.segments(u)
	d0, ds := sys.segments(dst)

	acc := make([]float64, sys.dim0)
	for i := sys.data.tree.first; i < sys.data.tree.last; i++ {
		b, ui := sys.blocks[i], us[i]
		mulAdd(acc, b.border, ui, true)
		for j := range ds[i] {
			ds[i][j] = 0
		}
		mulAdd(ds[i], b.border, u0, false)
		mulAdd(ds[i], b.k, ui, false)
	}
	sys.data.tree.comm.AllReduceSum(acc)
	for j := range d0 {
		d0[j] = 0
	}
	mulAdd(d0, sys.k0, u0, false)
	floats.Add(d0, acc)
}

// blockSolve solves with the block elimination:
//
//	u_0 = S⁻¹ (r_0 - Σ B_iᵀ K_i⁻¹ r_i)
//	u_i = K_i⁻¹ (r_i - B_i u_0)
func (sys *SchurSystem) blockSolve(dst, r []float64) error {
	r0, rs := sys.segments(r)
	u0, us := sys.segments(dst)
	tree := sys.data.tree

	// a failing rank still joins every collective
	var failed error
	acc := make([]float64, sys.dim0)
	for i := tree.first; i < tree.last; i++ {
		b, ri := sys.blocks[i], rs[i]
		var tmp mat.VecDense
		if err := b.lu.SolveVecTo(&tmp, false, mat.NewVecDense(len(ri), ri)); err != nil && !isCondition(err) {
			failed = errors.Wrapf(err, "scenario %d", i)
			break
		}
		mulAdd(acc, b.border, tmp.RawVector().Data, true)
	}
	tree.comm.AllReduceSum(acc)
	if err := agreeOnFailure(tree, failed); err != nil {
		return err
	}

	rhs0 := make([]float64, sys.dim0)
	floats.SubTo(rhs0, r0, acc)
	if err := sys.sLU.SolveVecTo(mat.NewVecDense(sys.dim0, u0), false, mat.NewVecDense(sys.dim0, rhs0)); err != nil && !isCondition(err) {
		return errors.Wrap(err, "schur complement")
	}

	for i := tree.first; i < tree.last; i++ {
		b, ri := sys.blocks[i], rs[i]
		rhs := make([]float64, len(ri))
		mulAdd(rhs, b.border, u0, false)
		floats.SubTo(rhs, ri, rhs)
		if err := b.lu.SolveVecTo(mat.NewVecDense(len(rhs), us[i]), false, mat.NewVecDense(len(rhs), rhs)); err != nil && !isCondition(err) {
			failed = errors.Wrapf(err, "scenario %d", i)
			break
		}
	}
	return agreeOnFailure(tree, failed)
}

// agreeOnFailure returns ErrSingularBlock on every rank when local is non-nil
// on any of them. It is a collective operation.
func agreeOnFailure(t *scenarioTree, local error) error {
	if !t.anyRank(local != nil) {
		return nil
	}
	if local != nil {
		return errors.Wrap(ErrSingularBlock, local.Error())
	}
	return errors.Wrap(ErrSingularBlock, "block solve failed on another rank")
}

// SetInnerTolerance implements LinearSystem.
func (sys *SchurSystem) SetInnerTolerance(tol float64) {
	sys.innerTol = tol
}

// DecreasePreconditionerImpact divides the drop tolerance of the sparsified
// Schur complement by ten, switching to the exact complement once it falls
// below the configured floor.
func (sys *SchurSystem) DecreasePreconditionerImpact() bool {
	if sys.dropTol == 0 {
		return false
	}
	sys.dropTol /= 10
	if sys.dropTol < sys.opts.SchurDropToleranceFloor {
		sys.dropTol = 0
	}
	klog.V(4).Infof("schur preconditioner drop tolerance decreased to %g", sys.dropTol)
	return true
}

// ReportsInertia implements LinearSystem.
func (sys *SchurSystem) ReportsInertia() bool {
	return sys.opts.ComputeInertia
}

// Inertia returns the inertia computed by the last Factor.
func (sys *SchurSystem) Inertia() (Inertia, bool) {
	return sys.inertia, sys.inertiaOK
}

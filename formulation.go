package ipm

import (
	"math"

	"github.com/jjhbw/stochipm/internal/comm"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// rowOp is the distributed action of a block-structured constraint matrix
//
//	[ R0            ]  root rows
//	[ L0  L1 ... Ln ]  linking rows
//	[ T1  W1        ]
//	[ ...     ...   ]
//	[ Tn          Wn]
//
// on vectors laid out along the scenario tree. Nil blocks are zero.
type rowOp struct {
	tree *scenarioTree

	root, rootLink        *mat.Dense
	coupling, local, link []*mat.Dense

	rootRows, linkRows int
}

// mulAdd computes dst += m*x, or dst += mᵀ*x when trans is set.
func mulAdd(dst []float64, m *mat.Dense, x []float64, trans bool) {
	if m == nil || len(dst) == 0 || len(x) == 0 {
		return
	}
	var a mat.Matrix = m
	if trans {
		a = m.T()
	}
	var tmp mat.VecDense
	tmp.MulVec(a, mat.NewVecDense(len(x), x))
	floats.Add(dst, tmp.RawVector().Data)
}

// mul computes dst = op*x. x is laid out like the columns, dst like the rows.
func (op *rowOp) mul(dst, x *blockVector) {
	dst.setAll(0)
	t := op.tree

	mulAdd(dst.root[:op.rootRows], op.root, x.root, false)

	linkPart := make([]float64, op.linkRows)
	for i := t.first; i < t.last; i++ {
		mulAdd(dst.blocks[i], op.coupling[i], x.root, false)
		mulAdd(dst.blocks[i], op.local[i], x.blocks[i], false)
		mulAdd(linkPart, op.link[i], x.blocks[i], false)
	}
	t.comm.AllReduceSum(linkPart)
	mulAdd(linkPart, op.rootLink, x.root, false)
	copy(dst.root[op.rootRows:], linkPart)
}

// mulT computes dst = opᵀ*y.
func (op *rowOp) mulT(dst, y *blockVector) {
	dst.setAll(0)
	t := op.tree

	yRoot, yLink := y.root[:op.rootRows], y.root[op.rootRows:]

	rootPart := make([]float64, len(dst.root))
	for i := t.first; i < t.last; i++ {
		mulAdd(rootPart, op.coupling[i], y.blocks[i], true)
		mulAdd(dst.blocks[i], op.local[i], y.blocks[i], true)
		mulAdd(dst.blocks[i], op.link[i], yLink, true)
	}
	t.comm.AllReduceSum(rootPart)
	mulAdd(rootPart, op.root, yRoot, true)
	mulAdd(rootPart, op.rootLink, yLink, true)
	copy(dst.root, rootPart)
}

// Formulation is the rank-local view of a Problem distributed along a scenario
// tree. It owns the bound vectors and masks every Variables and Residuals
// instance of a solve refers to.
type Formulation struct {
	problem *Problem
	tree    *scenarioTree

	a, c rowOp
	q    []*mat.Dense
	q0   *mat.Dense

	cost, b                    *blockVector
	xlow, xupp, clow, cupp     *blockVector
	ixlow, ixupp, iclow, icupp *blockVector

	nComplementary int
}

// NewFormulation distributes p over the ranks of c. Every rank must call it with
// the same problem.
func NewFormulation(p *Problem, c comm.Comm) (*Formulation, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid problem")
	}
	tree := newScenarioTree(len(p.Scenarios), c)
	f := &Formulation{
		problem: p,
		tree:    tree,
		q0:      p.Root.Hessian,
		q:       make([]*mat.Dense, len(p.Scenarios)),
	}

	f.a = rowOp{tree: tree, root: p.Root.Eq, rootLink: p.Root.LinkEq, rootRows: p.Root.my(), linkRows: p.myl()}
	f.c = rowOp{tree: tree, root: p.Root.Ineq, rootLink: p.Root.LinkIneq, rootRows: p.Root.mz(), linkRows: p.mzl()}
	for _, op := range []*rowOp{&f.a, &f.c} {
		op.coupling = make([]*mat.Dense, len(p.Scenarios))
		op.local = make([]*mat.Dense, len(p.Scenarios))
		op.link = make([]*mat.Dense, len(p.Scenarios))
	}
	for i := tree.first; i < tree.last; i++ {
		s := &p.Scenarios[i]
		f.q[i] = s.Hessian
		f.a.coupling[i], f.a.local[i], f.a.link[i] = s.EqCoupling, s.Eq, s.LinkEq
		f.c.coupling[i], f.c.local[i], f.c.link[i] = s.IneqCoupling, s.Ineq, s.LinkIneq
	}

	f.cost = f.newX()
	f.b = f.newY()
	f.xlow, f.xupp, f.ixlow, f.ixupp = f.newX(), f.newX(), f.newX(), f.newX()
	f.clow, f.cupp, f.iclow, f.icupp = f.newZ(), f.newZ(), f.newZ(), f.newZ()

	fill := func(isRoot bool, i int, blk *Block) {
		pick := func(v *blockVector) []float64 {
			if isRoot {
				return v.root
			}
			return v.blocks[i]
		}
		copy(pick(f.cost), blk.Cost)
		copy(pick(f.b), blk.EqRHS)
		setBounds(pick(f.xlow), pick(f.ixlow), blk.Lower, -1)
		setBounds(pick(f.xupp), pick(f.ixupp), blk.Upper, 1)
		setBounds(pick(f.clow), pick(f.iclow), blk.IneqLow, -1)
		setBounds(pick(f.cupp), pick(f.icupp), blk.IneqUpp, 1)
	}
	fill(true, 0, &p.Root)
	for i := tree.first; i < tree.last; i++ {
		fill(false, i, &p.Scenarios[i])
	}
	copy(f.b.root[p.Root.my():], p.LinkEqRHS)
	mz0 := p.Root.mz()
	setBounds(f.clow.root[mz0:], f.iclow.root[mz0:], p.LinkIneqLow, -1)
	setBounds(f.cupp.root[mz0:], f.icupp.root[mz0:], p.LinkIneqUpp, 1)

	f.nComplementary = f.ixlow.count() + f.ixupp.count() + f.iclow.count() + f.icupp.count()
	return f, nil
}

// setBounds copies the finite entries of bounds into val and marks them in
// mask. Infinite entries of the given sign mean "no bound".
func setBounds(val, mask, bounds []float64, sign float64) {
	for j, x := range bounds {
		if math.IsInf(x, int(sign)) {
			continue
		}
		val[j] = x
		mask[j] = 1
	}
}

func (f *Formulation) newX() *blockVector {
	return newBlockVector(f.tree, f.problem.Root.nx(), func(i int) int { return f.problem.Scenarios[i].nx() })
}

func (f *Formulation) newY() *blockVector {
	return newBlockVector(f.tree, f.problem.Root.my()+f.problem.myl(), func(i int) int { return f.problem.Scenarios[i].my() })
}

func (f *Formulation) newZ() *blockVector {
	return newBlockVector(f.tree, f.problem.Root.mz()+f.problem.mzl(), func(i int) int { return f.problem.Scenarios[i].mz() })
}

// mulQ computes dst = Q*x.
func (f *Formulation) mulQ(dst, x *blockVector) {
	dst.setAll(0)
	mulAdd(dst.root, f.q0, x.root, false)
	for i := f.tree.first; i < f.tree.last; i++ {
		mulAdd(dst.blocks[i], f.q[i], x.blocks[i], false)
	}
}

// Objective returns ½ xᵀQx + cᵀx of the iterate.
func (f *Formulation) Objective(vars *Variables) float64 {
	qx := f.newX()
	f.mulQ(qx, vars.x)
	return 0.5*qx.dot(vars.x) + f.cost.dot(vars.x)
}

// Comm returns the communicator the formulation is distributed over.
func (f *Formulation) Comm() comm.Comm {
	return f.tree.comm
}

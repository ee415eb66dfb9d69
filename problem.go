package ipm

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Block holds the data of one node of the two-stage scenario tree.
//
// For the root block the coupling matrices must be nil. For a scenario block i
// the rows read
//
//	EqCoupling*x0 + Eq*x_i = EqRHS
//	IneqLow <= IneqCoupling*x0 + Ineq*x_i <= IneqUpp
//
// Absent bounds are encoded as -Inf/+Inf. A nil matrix stands for a zero block.
type Block struct {
	Cost    []float64
	Hessian *mat.Dense

	Lower, Upper []float64

	EqCoupling *mat.Dense
	Eq         *mat.Dense
	EqRHS      []float64

	IneqCoupling *mat.Dense
	Ineq         *mat.Dense
	IneqLow      []float64
	IneqUpp      []float64

	// columns of the linking rows that multiply the variables of this block
	LinkEq   *mat.Dense
	LinkIneq *mat.Dense
}

// Problem is a block-structured convex QP
//
//	min  ½ xᵀQx + cᵀx
//	s.t. A x = b,  clow <= C x <= cupp,  xlow <= x <= xupp
//
// with one root block, independent scenario blocks coupled to the root
// variables, and optional linking rows spanning all blocks.
type Problem struct {
	Root      Block
	Scenarios []Block

	LinkEqRHS   []float64
	LinkIneqLow []float64
	LinkIneqUpp []float64
}

func (b *Block) nx() int { return len(b.Cost) }
func (b *Block) my() int { return len(b.EqRHS) }
func (b *Block) mz() int { return len(b.IneqLow) }
func (p *Problem) myl() int { return len(p.LinkEqRHS) }
func (p *Problem) mzl() int { return len(p.LinkIneqLow) }

// sizes returns the number of variables, equality rows and inequality rows of
// the whole problem.
func (p *Problem) sizes() (nx, my, mz int) {
	nx, my, mz = p.Root.nx(), p.Root.my()+p.myl(), p.Root.mz()+p.mzl()
	for i := range p.Scenarios {
		nx += p.Scenarios[i].nx()
		my += p.Scenarios[i].my()
		mz += p.Scenarios[i].mz()
	}
	return
}

// Validate checks the dimensions and bound consistency of every block.
func (p *Problem) Validate() error {
	n0 := p.Root.nx()
	if p.Root.EqCoupling != nil || p.Root.IneqCoupling != nil {
		return errors.New("root block must not have coupling matrices")
	}
	if len(p.LinkIneqLow) != len(p.LinkIneqUpp) {
		return errors.New("linking inequality bounds differ in length")
	}
	if err := checkRowBounds(p.LinkIneqLow, p.LinkIneqUpp); err != nil {
		return errors.Wrap(err, "linking inequalities")
	}

	if err := p.Root.validate(0, p.myl(), p.mzl()); err != nil {
		return errors.Wrap(err, "root block")
	}
	for i := range p.Scenarios {
		if err := p.Scenarios[i].validate(n0, p.myl(), p.mzl()); err != nil {
			return errors.Wrapf(err, "scenario %d", i)
		}
	}
	return nil
}

// validate checks one block. n0 is the number of root variables the coupling
// matrices multiply (zero for the root block itself).
func (b *Block) validate(n0, myl, mzl int) error {
	n := b.nx()
	if n == 0 {
		return errors.New("block has no variables")
	}
	if len(b.Lower) != n || len(b.Upper) != n {
		return errors.New("bound vectors not of same length as cost vector")
	}
	for j := 0; j < n; j++ {
		if b.Lower[j] > b.Upper[j] {
			return errors.Errorf("variable %d has lower bound %v above upper bound %v", j, b.Lower[j], b.Upper[j])
		}
	}
	if len(b.IneqLow) != len(b.IneqUpp) {
		return errors.New("inequality bounds differ in length")
	}
	if err := checkRowBounds(b.IneqLow, b.IneqUpp); err != nil {
		return err
	}

	if err := checkDims("hessian", b.Hessian, n, n); err != nil {
		return err
	}
	if b.Hessian != nil && !mat.EqualApprox(b.Hessian, b.Hessian.T(), 1e-12) {
		return errors.New("hessian is not symmetric")
	}
	checks := []dimCheck{
		{"equality matrix", b.Eq, b.my(), n},
		{"inequality matrix", b.Ineq, b.mz(), n},
		{"linking equality matrix", b.LinkEq, myl, n},
		{"linking inequality matrix", b.LinkIneq, mzl, n},
	}
	if n0 > 0 {
		checks = append(checks,
			dimCheck{"equality coupling matrix", b.EqCoupling, b.my(), n0},
			dimCheck{"inequality coupling matrix", b.IneqCoupling, b.mz(), n0},
		)
	}
	for _, c := range checks {
		if err := checkDims(c.name, c.m, c.rows, c.cols); err != nil {
			return err
		}
	}
	return nil
}

// checkRowBounds requires every inequality row to carry at least one finite
// bound and consistent bound order.
func checkRowBounds(low, upp []float64) error {
	for i := range low {
		if math.IsInf(low[i], -1) && math.IsInf(upp[i], 1) {
			return errors.Errorf("inequality row %d has no finite bound", i)
		}
		if low[i] > upp[i] {
			return errors.Errorf("inequality row %d has lower bound above upper bound", i)
		}
	}
	return nil
}

type dimCheck struct {
	name       string
	m          *mat.Dense
	rows, cols int
}

func checkDims(name string, m *mat.Dense, rows, cols int) error {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	if r != rows || c != cols {
		return errors.Errorf("%s is %d×%d, expected %d×%d", name, r, c, rows, cols)
	}
	return nil
}

// DataNorm returns the largest absolute entry of the problem data, ignoring
// infinite bounds. It makes the termination tolerances scale-invariant.
func (p *Problem) DataNorm() float64 {
	var norm float64
	upd := func(v float64) {
		if !math.IsInf(v, 0) && math.Abs(v) > norm {
			norm = math.Abs(v)
		}
	}
	updVec := func(v []float64) {
		for _, x := range v {
			upd(x)
		}
	}
	updMat := func(m *mat.Dense) {
		if m == nil {
			return
		}
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				upd(m.At(i, j))
			}
		}
	}
	blocks := append([]Block{p.Root}, p.Scenarios...)
	for i := range blocks {
		b := &blocks[i]
		updVec(b.Cost)
		updVec(b.Lower)
		updVec(b.Upper)
		updVec(b.EqRHS)
		updVec(b.IneqLow)
		updVec(b.IneqUpp)
		for _, m := range []*mat.Dense{b.Hessian, b.EqCoupling, b.Eq, b.IneqCoupling, b.Ineq, b.LinkEq, b.LinkIneq} {
			updMat(m)
		}
	}
	updVec(p.LinkEqRHS)
	updVec(p.LinkIneqLow)
	updVec(p.LinkIneqUpp)
	return norm
}

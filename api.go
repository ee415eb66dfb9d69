package ipm

import (
	"gonum.org/v1/gonum/mat"
)

// RootBlock identifies the root block in a Variable.
const RootBlock = -1

// Variable refers to a column of a block added to a Builder.
type Variable struct {
	Block int
	Index int
}

// Term is coef * variable, for use in defining constraints.
type Term struct {
	Coef     float64
	Variable Variable
}

// T is shorthand for a Term.
func T(coef float64, v Variable) Term {
	return Term{Coef: coef, Variable: v}
}

type row struct {
	terms    []Term
	low, upp float64
}

type blockBuilder struct {
	cost, lower, upper []float64
	quad               map[[2]int]float64
	eq, ineq           []row
}

func (b *blockBuilder) nx() int { return len(b.cost) }

// Builder assembles a Problem from constraints written as lists of terms. A
// row is placed in the root block if it only has root variables, in a
// scenario if it has the variables of that scenario and possibly root
// variables, and among the linking rows otherwise.
type Builder struct {
	root      blockBuilder
	scenarios []*blockBuilder

	linkEq, linkIneq []row
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddScenario adds an empty scenario block and returns its index.
func (b *Builder) AddScenario() int {
	b.scenarios = append(b.scenarios, &blockBuilder{})
	return len(b.scenarios) - 1
}

func (b *Builder) block(i int) *blockBuilder {
	if i == RootBlock {
		return &b.root
	}
	if i < 0 || i >= len(b.scenarios) {
		panic("block has not been added to this builder")
	}
	return b.scenarios[i]
}

// AddVariable adds a variable with the given cost and bounds to a block and
// returns a reference to it. Use ±Inf for absent bounds.
func (b *Builder) AddVariable(block int, cost, lower, upper float64) Variable {
	blk := b.block(block)
	blk.cost = append(blk.cost, cost)
	blk.lower = append(blk.lower, lower)
	blk.upper = append(blk.upper, upper)
	return Variable{Block: block, Index: blk.nx() - 1}
}

// AddQuadratic adds q to the Hessian entries (v1, v2) and (v2, v1), which
// contributes q*v1*v2 to the objective for v1 != v2 and ½q*v1² otherwise.
func (b *Builder) AddQuadratic(v1, v2 Variable, q float64) {
	b.checkVariable(v1)
	b.checkVariable(v2)
	if v1.Block != v2.Block {
		panic("quadratic terms must not couple blocks")
	}
	blk := b.block(v1.Block)
	if blk.quad == nil {
		blk.quad = make(map[[2]int]float64)
	}
	blk.quad[[2]int{v1.Index, v2.Index}] += q
	if v1.Index != v2.Index {
		blk.quad[[2]int{v2.Index, v1.Index}] += q
	}
}

// AddEquality adds the row Σ terms = rhs.
func (b *Builder) AddEquality(terms []Term, rhs float64) {
	b.addRow(terms, rhs, rhs, true)
}

// AddInequality adds the row low <= Σ terms <= upp. Use ±Inf for an absent
// side.
func (b *Builder) AddInequality(terms []Term, low, upp float64) {
	b.addRow(terms, low, upp, false)
}

func (b *Builder) addRow(terms []Term, low, upp float64, equality bool) {
	if len(terms) == 0 {
		panic("must add terms")
	}
	for _, t := range terms {
		b.checkVariable(t.Variable)
	}

	r := row{terms: terms, low: low, upp: upp}
	block, linking := placement(terms)
	switch {
	case linking && equality:
		b.linkEq = append(b.linkEq, r)
	case linking:
		b.linkIneq = append(b.linkIneq, r)
	case equality:
		blk := b.block(block)
		blk.eq = append(blk.eq, r)
	default:
		blk := b.block(block)
		blk.ineq = append(blk.ineq, r)
	}
}

// checkVariable panics if v does not refer to a variable of this builder.
func (b *Builder) checkVariable(v Variable) {
	if v.Index < 0 || v.Index >= b.block(v.Block).nx() {
		panic("provided term contains a variable that has not been declared to this builder yet")
	}
}

// placement returns the block a row belongs to, or linking if it spans
// more than one scenario.
func placement(terms []Term) (block int, linking bool) {
	block = RootBlock
	for _, t := range terms {
		switch {
		case t.Variable.Block == RootBlock:
		case block == RootBlock:
			block = t.Variable.Block
		case block != t.Variable.Block:
			return 0, true
		}
	}
	return block, false
}

// rowMatrix collects the coefficients rows have on the variables of block. It
// returns nil if none of them touches block.
func rowMatrix(rows []row, block, ncols int) *mat.Dense {
	if len(rows) == 0 || ncols == 0 {
		return nil
	}
	m := mat.NewDense(len(rows), ncols, nil)
	touched := false
	for i, r := range rows {
		for _, t := range r.terms {
			if t.Variable.Block != block {
				continue
			}
			m.Set(i, t.Variable.Index, m.At(i, t.Variable.Index)+t.Coef)
			touched = true
		}
	}
	if !touched {
		return nil
	}
	return m
}

func bounds(rows []row) (low, upp []float64) {
	low, upp = make([]float64, len(rows)), make([]float64, len(rows))
	for i, r := range rows {
		low[i], upp[i] = r.low, r.upp
	}
	return
}

func (blk *blockBuilder) build(id int, b *Builder) Block {
	n := blk.nx()
	out := Block{
		Cost:     append([]float64(nil), blk.cost...),
		Lower:    append([]float64(nil), blk.lower...),
		Upper:    append([]float64(nil), blk.upper...),
		Eq:       rowMatrix(blk.eq, id, n),
		Ineq:     rowMatrix(blk.ineq, id, n),
		LinkEq:   rowMatrix(b.linkEq, id, n),
		LinkIneq: rowMatrix(b.linkIneq, id, n),
	}
	out.EqRHS, _ = bounds(blk.eq)
	out.IneqLow, out.IneqUpp = bounds(blk.ineq)
	if id != RootBlock {
		n0 := b.root.nx()
		out.EqCoupling = rowMatrix(blk.eq, RootBlock, n0)
		out.IneqCoupling = rowMatrix(blk.ineq, RootBlock, n0)
	}
	if len(blk.quad) > 0 {
		out.Hessian = mat.NewDense(n, n, nil)
		for ij, q := range blk.quad {
			out.Hessian.Set(ij[0], ij[1], q)
		}
	}
	return out
}

// Build assembles and validates the problem.
func (b *Builder) Build() (*Problem, error) {
	p := &Problem{Root: b.root.build(RootBlock, b)}
	for i, s := range b.scenarios {
		p.Scenarios = append(p.Scenarios, s.build(i, b))
	}
	p.LinkEqRHS, _ = bounds(b.linkEq)
	p.LinkIneqLow, p.LinkIneqUpp = bounds(b.linkIneq)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

package ipm

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// ErrNotLinear is returned by SimplexReference for problems with a nonzero
// Hessian.
var ErrNotLinear = errors.New("problem has a quadratic objective")

// denseProblem is a Problem with all blocks assembled into single matrices.
// Columns are ordered root first, then each scenario; rows are ordered root
// rows, linking rows, then the rows of each scenario.
type denseProblem struct {
	c, xlow, xupp []float64
	q             *mat.Dense

	a *mat.Dense
	b []float64

	cm         *mat.Dense
	clow, cupp []float64
}

// embed copies m into dst with its top left corner at (r, c). A nil m is
// a zero block.
func embed(dst *mat.Dense, r, c int, m *mat.Dense) {
	if m == nil {
		return
	}
	rows, cols := m.Dims()
	dst.Slice(r, r+rows, c, c+cols).(*mat.Dense).Copy(m)
}

// newDenseOrNil returns nil for an empty shape.
func newDenseOrNil(r, c int) *mat.Dense {
	if r == 0 || c == 0 {
		return nil
	}
	return mat.NewDense(r, c, nil)
}

func (p *Problem) assemble() denseProblem {
	nx, my, mz := p.sizes()
	d := denseProblem{
		a:  newDenseOrNil(my, nx),
		cm: newDenseOrNil(mz, nx),
	}

	blocks := append([]*Block{&p.Root}, make([]*Block, len(p.Scenarios))...)
	for i := range p.Scenarios {
		blocks[i+1] = &p.Scenarios[i]
	}

	hasQ := false
	for _, blk := range blocks {
		d.c = append(d.c, blk.Cost...)
		d.xlow = append(d.xlow, blk.Lower...)
		d.xupp = append(d.xupp, blk.Upper...)
		hasQ = hasQ || (blk.Hessian != nil && mat.Norm(blk.Hessian, math.Inf(1)) != 0)
	}

	// root and linking rows come first
	d.b = append(append(d.b, p.Root.EqRHS...), p.LinkEqRHS...)
	d.clow = append(append(d.clow, p.Root.IneqLow...), p.LinkIneqLow...)
	d.cupp = append(append(d.cupp, p.Root.IneqUpp...), p.LinkIneqUpp...)
	if d.a != nil {
		embed(d.a, 0, 0, p.Root.Eq)
		embed(d.a, p.Root.my(), 0, p.Root.LinkEq)
	}
	if d.cm != nil {
		embed(d.cm, 0, 0, p.Root.Ineq)
		embed(d.cm, p.Root.mz(), 0, p.Root.LinkIneq)
	}

	col, ry, rz := p.Root.nx(), p.Root.my()+p.myl(), p.Root.mz()+p.mzl()
	for i := range p.Scenarios {
		s := &p.Scenarios[i]
		if d.a != nil {
			embed(d.a, p.Root.my(), col, s.LinkEq)
			embed(d.a, ry, 0, s.EqCoupling)
			embed(d.a, ry, col, s.Eq)
		}
		if d.cm != nil {
			embed(d.cm, p.Root.mz(), col, s.LinkIneq)
			embed(d.cm, rz, 0, s.IneqCoupling)
			embed(d.cm, rz, col, s.Ineq)
		}
		d.b = append(d.b, s.EqRHS...)
		d.clow = append(d.clow, s.IneqLow...)
		d.cupp = append(d.cupp, s.IneqUpp...)
		col, ry, rz = col+s.nx(), ry+s.my(), rz+s.mz()
	}

	if hasQ {
		d.q = mat.NewDense(nx, nx, nil)
		off := 0
		for _, blk := range blocks {
			embed(d.q, off, off, blk.Hessian)
			off += blk.nx()
		}
	}
	return d
}

// column expresses an original variable as offset + Σ sign*x_k over
// nonnegative standard form columns k.
type column struct {
	offset float64
	cols   []int
	signs  []float64
}

// standardForm is min cᵀx s.t. Ax = b, x >= 0.
type standardForm struct {
	c      []float64
	rows   [][]float64
	b      []float64
	vars   []column
	offset float64
}

func (sf *standardForm) newColumn(cost float64) int {
	sf.c = append(sf.c, cost)
	for i := range sf.rows {
		sf.rows[i] = append(sf.rows[i], 0)
	}
	return len(sf.c) - 1
}

// addRow appends the row Σ coef_j*var_j + slack*s = rhs over the original
// variables. A zero slack adds no column.
func (sf *standardForm) addRow(coef []float64, rhs, slack float64) {
	row := make([]float64, len(sf.c))
	for j, a := range coef {
		if a == 0 {
			continue
		}
		v := sf.vars[j]
		rhs -= a * v.offset
		for k, col := range v.cols {
			row[col] += a * v.signs[k]
		}
	}
	sf.rows = append(sf.rows, row)
	sf.b = append(sf.b, rhs)
	if slack != 0 {
		col := sf.newColumn(0)
		sf.rows[len(sf.rows)-1][col] = slack
	}
}

func toStandardForm(d denseProblem) *standardForm {
	sf := &standardForm{}
	n := len(d.c)
	var bounded []int

	for j := 0; j < n; j++ {
		lo, up := d.xlow[j], d.xupp[j]
		switch {
		case !math.IsInf(lo, -1):
			sf.vars = append(sf.vars, column{offset: lo, cols: []int{sf.newColumn(d.c[j])}, signs: []float64{1}})
			sf.offset += d.c[j] * lo
			if !math.IsInf(up, 1) {
				bounded = append(bounded, j)
			}
		case !math.IsInf(up, 1):
			sf.vars = append(sf.vars, column{offset: up, cols: []int{sf.newColumn(-d.c[j])}, signs: []float64{-1}})
			sf.offset += d.c[j] * up
		default:
			plus, minus := sf.newColumn(d.c[j]), sf.newColumn(-d.c[j])
			sf.vars = append(sf.vars, column{cols: []int{plus, minus}, signs: []float64{1, -1}})
		}
	}

	unit := make([]float64, n)
	for _, j := range bounded {
		unit[j] = 1
		sf.addRow(unit, d.xupp[j], 1)
		unit[j] = 0
	}
	if d.a != nil {
		for i := range d.b {
			sf.addRow(d.a.RawRowView(i), d.b[i], 0)
		}
	}
	if d.cm != nil {
		for i := range d.clow {
			if !math.IsInf(d.clow[i], -1) {
				sf.addRow(d.cm.RawRowView(i), d.clow[i], -1)
			}
			if !math.IsInf(d.cupp[i], 1) {
				sf.addRow(d.cm.RawRowView(i), d.cupp[i], 1)
			}
		}
	}

	// simplex wants a nonnegative rhs
	for i := range sf.rows {
		if sf.b[i] < 0 {
			sf.b[i] = -sf.b[i]
			for k := range sf.rows[i] {
				sf.rows[i][k] = -sf.rows[i][k]
			}
		}
	}
	return sf
}

func (sf *standardForm) matrix() *mat.Dense {
	m := mat.NewDense(len(sf.rows), len(sf.c), nil)
	for i, row := range sf.rows {
		m.SetRow(i, row)
	}
	return m
}

// recover maps a standard form solution back to the original variables.
func (sf *standardForm) recover(xs []float64) []float64 {
	x := make([]float64, len(sf.vars))
	for j, v := range sf.vars {
		x[j] = v.offset
		for k, col := range v.cols {
			x[j] += v.signs[k] * xs[col]
		}
	}
	return x
}

// SimplexReference solves the linear program p with the simplex method and
// returns its optimal objective and primal solution, ordered like
// Result.X. It is meant for verifying interior-point solutions of small
// problems.
func SimplexReference(p *Problem) (float64, []float64, error) {
	if err := p.Validate(); err != nil {
		return 0, nil, errors.Wrap(err, "invalid problem")
	}
	d := p.assemble()
	if d.q != nil {
		return 0, nil, ErrNotLinear
	}
	sf := toStandardForm(d)
	if len(sf.rows) == 0 {
		return 0, nil, errors.New("simplex needs at least one constraint or finite bound pair")
	}

	z, xs, err := lp.Simplex(sf.c, sf.matrix(), sf.b, 0, nil)
	if err != nil {
		return 0, nil, errors.Wrap(err, "simplex")
	}
	return z + sf.offset, sf.recover(xs), nil
}

package ipm

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// ErrInfeasibleEmptyRow is returned when a row without any nonzero coefficient
// cannot be satisfied by its right-hand side or bounds.
var ErrInfeasibleEmptyRow = errors.New("empty row cannot be satisfied")

// undoer maps a result of the cleaned problem back to the problem before one
// cleanup operation.
type undoer func(*Result) *Result

// modelCleaner removes rows that carry no coefficients and remembers how to
// put them back into a solution.
type modelCleaner struct {
	undoers []undoer
}

func newModelCleaner() *modelCleaner {
	return &modelCleaner{}
}

func (mc *modelCleaner) addUndoer(u undoer) {
	mc.undoers = append(mc.undoers, u)
}

// rowSelection lists the rows kept of every segment of a row vector, in the
// order the segments appear in a gathered solution: root rows, linking rows,
// then the rows of each scenario.
type rowSelection struct {
	keep [][]int
	lens []int
}

func (rs *rowSelection) add(keep []int, n int) {
	rs.keep = append(rs.keep, keep)
	rs.lens = append(rs.lens, n)
}

func (rs *rowSelection) removed() int {
	n := 0
	for i := range rs.keep {
		n += rs.lens[i] - len(rs.keep[i])
	}
	return n
}

// expand reinserts zeros for the removed rows of v.
func (rs *rowSelection) expand(v []float64) []float64 {
	total := 0
	for _, l := range rs.lens {
		total += l
	}
	out := make([]float64, total)
	off, roff := 0, 0
	for k, keep := range rs.keep {
		for j, idx := range keep {
			out[off+idx] = v[roff+j]
		}
		off += rs.lens[k]
		roff += len(keep)
	}
	return out
}

// cleanup returns a copy of p without empty rows. The matrices of p are not
// modified.
func (mc *modelCleaner) cleanup(p *Problem) (*Problem, error) {
	q := *p
	q.Scenarios = append([]Block(nil), p.Scenarios...)

	eq, err := mc.removeEmptyEqualities(p, &q)
	if err != nil {
		return nil, err
	}
	ineq, err := mc.removeEmptyInequalities(p, &q)
	if err != nil {
		return nil, err
	}

	if eq.removed() > 0 || ineq.removed() > 0 {
		klog.V(2).Infof("model cleanup removed %d equality and %d inequality rows", eq.removed(), ineq.removed())
	}
	if eq.removed() > 0 {
		mc.addUndoer(func(r *Result) *Result {
			out := *r
			out.Y = eq.expand(r.Y)
			return &out
		})
	}
	if ineq.removed() > 0 {
		mc.addUndoer(func(r *Result) *Result {
			out := *r
			out.Z = ineq.expand(r.Z)
			return &out
		})
	}
	return &q, nil
}

func (mc *modelCleaner) removeEmptyEqualities(p, q *Problem) (*rowSelection, error) {
	rs := &rowSelection{}

	keep, err := keepEqualityRows(p.Root.EqRHS, p.Root.Eq)
	if err != nil {
		return nil, errors.Wrap(err, "root block")
	}
	rs.add(keep, p.Root.my())
	q.Root.Eq, q.Root.EqRHS = selectRows(p.Root.Eq, keep), selectValues(p.Root.EqRHS, keep)

	linkKeep, err := keepEqualityRows(p.LinkEqRHS, linkingMatrices(p, func(b *Block) *mat.Dense { return b.LinkEq })...)
	if err != nil {
		return nil, errors.Wrap(err, "linking rows")
	}
	rs.add(linkKeep, p.myl())
	q.LinkEqRHS = selectValues(p.LinkEqRHS, linkKeep)
	q.Root.LinkEq = selectRows(p.Root.LinkEq, linkKeep)

	for i := range p.Scenarios {
		s, t := &p.Scenarios[i], &q.Scenarios[i]
		keep, err := keepEqualityRows(s.EqRHS, s.EqCoupling, s.Eq)
		if err != nil {
			return nil, errors.Wrapf(err, "scenario %d", i)
		}
		rs.add(keep, s.my())
		t.EqCoupling, t.Eq, t.EqRHS = selectRows(s.EqCoupling, keep), selectRows(s.Eq, keep), selectValues(s.EqRHS, keep)
		t.LinkEq = selectRows(s.LinkEq, linkKeep)
	}
	return rs, nil
}

func (mc *modelCleaner) removeEmptyInequalities(p, q *Problem) (*rowSelection, error) {
	rs := &rowSelection{}

	keep, err := keepInequalityRows(p.Root.IneqLow, p.Root.IneqUpp, p.Root.Ineq)
	if err != nil {
		return nil, errors.Wrap(err, "root block")
	}
	rs.add(keep, p.Root.mz())
	q.Root.Ineq = selectRows(p.Root.Ineq, keep)
	q.Root.IneqLow, q.Root.IneqUpp = selectValues(p.Root.IneqLow, keep), selectValues(p.Root.IneqUpp, keep)

	linkKeep, err := keepInequalityRows(p.LinkIneqLow, p.LinkIneqUpp, linkingMatrices(p, func(b *Block) *mat.Dense { return b.LinkIneq })...)
	if err != nil {
		return nil, errors.Wrap(err, "linking rows")
	}
	rs.add(linkKeep, p.mzl())
	q.LinkIneqLow, q.LinkIneqUpp = selectValues(p.LinkIneqLow, linkKeep), selectValues(p.LinkIneqUpp, linkKeep)
	q.Root.LinkIneq = selectRows(p.Root.LinkIneq, linkKeep)

	for i := range p.Scenarios {
		s, t := &p.Scenarios[i], &q.Scenarios[i]
		keep, err := keepInequalityRows(s.IneqLow, s.IneqUpp, s.IneqCoupling, s.Ineq)
		if err != nil {
			return nil, errors.Wrapf(err, "scenario %d", i)
		}
		rs.add(keep, s.mz())
		t.IneqCoupling, t.Ineq = selectRows(s.IneqCoupling, keep), selectRows(s.Ineq, keep)
		t.IneqLow, t.IneqUpp = selectValues(s.IneqLow, keep), selectValues(s.IneqUpp, keep)
		t.LinkIneq = selectRows(s.LinkIneq, linkKeep)
	}
	return rs, nil
}

// postsolve undoes the cleanup operations in reverse order.
func (mc *modelCleaner) postsolve(r *Result) *Result {
	for i := len(mc.undoers) - 1; i >= 0; i-- {
		r = mc.undoers[i](r)
	}
	return r
}

func linkingMatrices(p *Problem, pick func(*Block) *mat.Dense) []*mat.Dense {
	ms := []*mat.Dense{pick(&p.Root)}
	for i := range p.Scenarios {
		ms = append(ms, pick(&p.Scenarios[i]))
	}
	return ms
}

// rowEmpty reports whether row r is zero in every given matrix. Nil matrices
// are zero.
func rowEmpty(r int, ms ...*mat.Dense) bool {
	for _, m := range ms {
		if m == nil {
			continue
		}
		for _, x := range m.RawRowView(r) {
			if x != 0 {
				return false
			}
		}
	}
	return true
}

// keepEqualityRows returns the nonempty rows. An empty row must have a zero
// right-hand side.
func keepEqualityRows(rhs []float64, ms ...*mat.Dense) ([]int, error) {
	var keep []int
	for r := range rhs {
		if !rowEmpty(r, ms...) {
			keep = append(keep, r)
			continue
		}
		if rhs[r] != 0 {
			return nil, errors.Wrapf(ErrInfeasibleEmptyRow, "equality row %d has right-hand side %v", r, rhs[r])
		}
	}
	return keep, nil
}

// keepInequalityRows returns the nonempty rows. The bounds of an empty row
// must admit zero.
func keepInequalityRows(low, upp []float64, ms ...*mat.Dense) ([]int, error) {
	var keep []int
	for r := range low {
		if !rowEmpty(r, ms...) {
			keep = append(keep, r)
			continue
		}
		if low[r] > 0 || upp[r] < 0 {
			return nil, errors.Wrapf(ErrInfeasibleEmptyRow, "inequality row %d has bounds [%v, %v]", r, low[r], upp[r])
		}
	}
	return keep, nil
}

// selectRows returns the given rows of m. A selection of no rows is the nil
// matrix; selecting every row returns m itself.
func selectRows(m *mat.Dense, rows []int) *mat.Dense {
	if m == nil || len(rows) == 0 {
		return nil
	}
	r, c := m.Dims()
	if len(rows) == r {
		return m
	}
	var data []float64
	for _, i := range rows {
		// RawRowView returns a slice backed by the same array as backing the receiver.
		data = append(data, m.RawRowView(i)...)
	}
	return mat.NewDense(len(rows), c, data)
}

func selectValues(v []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for j, i := range idx {
		out[j] = v[i]
	}
	return out
}

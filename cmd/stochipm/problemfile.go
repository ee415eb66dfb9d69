package main

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"sigs.k8s.io/yaml"

	ipm "github.com/jjhbw/stochipm"
)

// problemFile is the YAML layout of a problem. Bounds are lists in which
// null marks an absent bound; an omitted list means no bounds at all.
type problemFile struct {
	Root      blockFile   `json:"root"`
	Scenarios []blockFile `json:"scenarios,omitempty"`

	LinkEqRHS   []float64  `json:"link_eq_rhs,omitempty"`
	LinkIneqLow []*float64 `json:"link_ineq_low,omitempty"`
	LinkIneqUpp []*float64 `json:"link_ineq_upp,omitempty"`
}

type blockFile struct {
	Cost    []float64   `json:"cost"`
	Hessian [][]float64 `json:"hessian,omitempty"`
	Lower   []*float64  `json:"lower,omitempty"`
	Upper   []*float64  `json:"upper,omitempty"`

	EqCoupling [][]float64 `json:"eq_coupling,omitempty"`
	Eq         [][]float64 `json:"eq,omitempty"`
	EqRHS      []float64   `json:"eq_rhs,omitempty"`

	IneqCoupling [][]float64 `json:"ineq_coupling,omitempty"`
	Ineq         [][]float64 `json:"ineq,omitempty"`
	IneqLow      []*float64  `json:"ineq_low,omitempty"`
	IneqUpp      []*float64  `json:"ineq_upp,omitempty"`

	LinkEq   [][]float64 `json:"link_eq,omitempty"`
	LinkIneq [][]float64 `json:"link_ineq,omitempty"`
}

func loadProblem(path string) (*ipm.Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read problem file")
	}
	return parseProblem(data)
}

func parseProblem(data []byte) (*ipm.Problem, error) {
	var pf problemFile
	if err := yaml.UnmarshalStrict(data, &pf); err != nil {
		return nil, errors.Wrap(err, "parse problem file")
	}

	root, err := pf.Root.block()
	if err != nil {
		return nil, errors.Wrap(err, "root")
	}
	p := &ipm.Problem{Root: root, LinkEqRHS: pf.LinkEqRHS}
	for i := range pf.Scenarios {
		blk, err := pf.Scenarios[i].block()
		if err != nil {
			return nil, errors.Wrapf(err, "scenario %d", i)
		}
		p.Scenarios = append(p.Scenarios, blk)
	}
	p.LinkIneqLow, p.LinkIneqUpp = rowBounds(pf.LinkIneqLow, pf.LinkIneqUpp)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *blockFile) block() (ipm.Block, error) {
	n := len(b.Cost)
	for _, v := range [][]*float64{b.Lower, b.Upper} {
		if len(v) != 0 && len(v) != n {
			return ipm.Block{}, errors.Errorf("%d variable bounds for %d variables", len(v), n)
		}
	}
	out := ipm.Block{
		Cost:  b.Cost,
		Lower: bounds(b.Lower, n, math.Inf(-1)),
		Upper: bounds(b.Upper, n, math.Inf(1)),
		EqRHS: b.EqRHS,
	}
	out.IneqLow, out.IneqUpp = rowBounds(b.IneqLow, b.IneqUpp)

	var err error
	matrices := []struct {
		name string
		dst  **mat.Dense
		rows [][]float64
	}{
		{"hessian", &out.Hessian, b.Hessian},
		{"eq_coupling", &out.EqCoupling, b.EqCoupling},
		{"eq", &out.Eq, b.Eq},
		{"ineq_coupling", &out.IneqCoupling, b.IneqCoupling},
		{"ineq", &out.Ineq, b.Ineq},
		{"link_eq", &out.LinkEq, b.LinkEq},
		{"link_ineq", &out.LinkIneq, b.LinkIneq},
	}
	for _, m := range matrices {
		if *m.dst, err = dense(m.rows); err != nil {
			return ipm.Block{}, errors.Wrap(err, m.name)
		}
	}
	return out, nil
}

// bounds expands a bound list of length n, or of length zero for no bounds.
func bounds(v []*float64, n int, absent float64) []float64 {
	out := make([]float64, n)
	for j := range out {
		out[j] = absent
		if j < len(v) && v[j] != nil {
			out[j] = *v[j]
		}
	}
	return out
}

// rowBounds expands row bounds; a side given for no row is absent for all.
func rowBounds(low, upp []*float64) ([]float64, []float64) {
	m := max(len(low), len(upp))
	return bounds(low, m, math.Inf(-1)), bounds(upp, m, math.Inf(1))
}

// dense converts a list of rows. An empty list is the nil matrix.
func dense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, nil
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for i, r := range rows {
		if len(r) != c {
			return nil, errors.Errorf("row %d has %d entries, expected %d", i, len(r), c)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), c, data), nil
}

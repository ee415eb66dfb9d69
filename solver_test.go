package ipm

import (
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jjhbw/stochipm/internal/comm"
)

func tightOptions() Options {
	opts := DefaultOptions()
	opts.MuTol = 1e-9
	opts.ArTol = 1e-8
	return opts
}

var methodTypes = []InteriorPointMethodType{IPM_PRIMAL, IPM_PRIMAL_DUAL}

func TestSolve_toyQP(t *testing.T) {
	for _, typ := range methodTypes {
		t.Run(typ.String(), func(t *testing.T) {
			hist := &HistoryMonitor{}
			res, err := Solve(toyQP(t), typ, tightOptions(), hist)
			require.NoError(t, err)

			assert.Equal(t, SUCCESSFUL_TERMINATION, res.Status)
			assert.InDeltaSlice(t, []float64{1.5, 0.5}, res.X, 1e-8)
			assert.InDeltaSlice(t, []float64{0.5}, res.Y, 1e-8)
			assert.InDeltaSlice(t, []float64{0}, res.Z, 1e-8)
			assert.InDelta(t, -0.25, res.Objective, 1e-8)

			records := hist.Records()
			require.Len(t, records, res.Iterations+1)
			last := records[len(records)-1]
			assert.Equal(t, SUCCESSFUL_TERMINATION, last.Status)
			assert.Equal(t, res.Iterations, last.Iteration)
			for _, r := range records[:len(records)-1] {
				assert.Equal(t, NOT_FINISHED, r.Status)
				assert.True(t, r.AlphaPrimal > 0 && r.AlphaPrimal <= 1, "iteration %d", r.Iteration)
			}
		})
	}
}

func TestSolve_equalityQP(t *testing.T) {
	// without bounds the starting point is already optimal
	res, err := Solve(equalityQP(t), IPM_PRIMAL_DUAL, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SUCCESSFUL_TERMINATION, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, 0.0, res.Mu)
	assert.InDeltaSlice(t, []float64{1, 1}, res.X, 1e-8)
	assert.InDeltaSlice(t, []float64{1}, res.Y, 1e-8)
}

// assertFeasible checks x against the rows and bounds of p.
func assertFeasible(t *testing.T, p *Problem, x []float64, tol float64) {
	t.Helper()
	d := p.assemble()
	xv := mat.NewVecDense(len(x), x)

	var ax mat.VecDense
	ax.MulVec(d.a, xv)
	assert.InDeltaSlice(t, d.b, ax.RawVector().Data, tol, "equality rows")

	var cx mat.VecDense
	cx.MulVec(d.cm, xv)
	for i := range d.clow {
		assert.GreaterOrEqual(t, cx.AtVec(i), d.clow[i]-tol, "inequality row %d", i)
		assert.LessOrEqual(t, cx.AtVec(i), d.cupp[i]+tol, "inequality row %d", i)
	}
	for j := range x {
		assert.GreaterOrEqual(t, x[j], d.xlow[j]-tol, "variable %d", j)
		assert.LessOrEqual(t, x[j], d.xupp[j]+tol, "variable %d", j)
	}
}

func TestSolveDistributed_stochasticQP(t *testing.T) {
	p := stochasticQP(t)

	var reference *Result
	for _, typ := range methodTypes {
		for _, ranks := range []int{1, 2, 4} {
			t.Run(fmt.Sprintf("%v on %d ranks", typ, ranks), func(t *testing.T) {
				res, err := SolveDistributed(p, ranks, typ, tightOptions())
				require.NoError(t, err)
				require.Equal(t, SUCCESSFUL_TERMINATION, res.Status)
				assertFeasible(t, p, res.X, 1e-6)

				if reference == nil {
					reference = res
					return
				}
				assert.InDelta(t, reference.Objective, res.Objective, 1e-6)
				assert.InDeltaSlice(t, reference.X, res.X, 1e-5)
				assert.InDeltaSlice(t, reference.Y, res.Y, 1e-5)
			})
		}
	}
}

func TestSolveDistributed_recourseLP(t *testing.T) {
	p := recourseLP(t)
	z, x, err := SimplexReference(p)
	require.NoError(t, err)

	for _, typ := range methodTypes {
		t.Run(typ.String(), func(t *testing.T) {
			res, err := SolveDistributed(p, 2, typ, tightOptions())
			require.NoError(t, err)
			assert.Equal(t, SUCCESSFUL_TERMINATION, res.Status)
			assert.InDelta(t, z, res.Objective, 1e-6)
			assert.InDeltaSlice(t, x, res.X, 1e-5)
			assert.InDelta(t, floats.Dot(p.Root.Cost, res.X[:1])+0.4*floats.Sum(res.X[1:]), res.Objective, 1e-12)
		})
	}
}

func TestSolve_iterationLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxIterations = 1

	hist := &HistoryMonitor{}
	res, err := Solve(toyQP(t), IPM_PRIMAL, opts, hist)
	require.NoError(t, err)
	assert.Equal(t, MAX_ITS_EXCEEDED, res.Status)
	assert.Equal(t, 1, res.Iterations)

	records := hist.Records()
	require.Len(t, records, 2)
	assert.Equal(t, NOT_FINISHED, records[0].Status)
	assert.Greater(t, records[0].AlphaPrimal, 0.0)
	assert.Equal(t, MAX_ITS_EXCEEDED, records[1].Status)
	assert.Equal(t, 0.0, records[1].AlphaPrimal)
}

func TestSolveDistributed_invalid(t *testing.T) {
	p := toyQP(t)

	_, err := SolveDistributed(p, 0, IPM_PRIMAL, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.MaxIterations = 0
	_, err = SolveDistributed(p, 1, IPM_PRIMAL, opts)
	assert.Error(t, err)

	p.Root.Cost = p.Root.Cost[:1]
	_, err = SolveDistributed(p, 1, IPM_PRIMAL, DefaultOptions())
	assert.Error(t, err)
}

func TestSolver_mockSystem(t *testing.T) {

	tests := []struct {
		name        string
		sys         *countingSystem
		wantStatus  TerminationStatus
		wantErr     bool
		wantFactors int
		wantRecords int
	}{
		{
			name:        "zero steps run into the iteration limit",
			sys:         &countingSystem{tel: SolveTelemetry{Converged: true}},
			wantStatus:  MAX_ITS_EXCEEDED,
			wantFactors: 3,
			wantRecords: 3,
		},
		{
			name:        "singular block",
			sys:         &countingSystem{factorErr: errors.Wrap(ErrSingularBlock, "block 0")},
			wantStatus:  NUMERICAL_DIFFICULTIES,
			wantFactors: 1,
		},
		{
			name:        "inner solve breakdown",
			sys:         &countingSystem{solveErr: ErrInnerSolveBreakdown},
			wantStatus:  NUMERICAL_DIFFICULTIES,
			wantFactors: 1,
		},
		{
			name:        "misuse",
			sys:         &countingSystem{factorErr: errors.New("dimension mismatch")},
			wantErr:     true,
			wantFactors: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFormulation(toyQP(t), comm.Self())
			require.NoError(t, err)
			opts := DefaultOptions()
			opts.MaxIterations = 2

			hist := &HistoryMonitor{}
			strategy := NewInteriorPointMethod(f, dataNorm(f), IPM_PRIMAL, nil, opts)
			res, err := newSolver(f, strategy, tt.sys, opts, hist).Solve()
			assert.Equal(t, tt.wantFactors, tt.sys.factors)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Len(t, hist.Records(), tt.wantRecords)
			assert.Len(t, res.X, 2)
		})
	}
}

func TestSolver_nonFiniteSteps(t *testing.T) {

	tests := []struct {
		name        string
		nanFrom     int
		wantFactors int
		wantRecords int
	}{
		{"starting point", 1, 1, 0},
		{"first iteration", 2, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFormulation(toyQP(t), comm.Self())
			require.NoError(t, err)
			opts := DefaultOptions()
			sys := &countingSystem{tel: SolveTelemetry{Converged: true}, nanFrom: tt.nanFrom}

			hist := &HistoryMonitor{}
			strategy := NewInteriorPointMethod(f, dataNorm(f), IPM_PRIMAL_DUAL, nil, opts)
			res, err := newSolver(f, strategy, sys, opts, hist).Solve()
			require.NoError(t, err)

			assert.Equal(t, NUMERICAL_DIFFICULTIES, res.Status)
			assert.Equal(t, tt.wantFactors, sys.factors)
			// the last finite iterate is kept
			assert.Equal(t, []float64{0, 0}, res.X)
			assert.Equal(t, []float64{0}, res.Y)
			assert.False(t, math.IsNaN(res.Objective))

			records := hist.Records()
			require.Len(t, records, tt.wantRecords)
			if tt.wantRecords > 0 {
				assert.Equal(t, NUMERICAL_DIFFICULTIES, records[0].Status)
			}
		})
	}
}

func TestSolver_inertiaCheck(t *testing.T) {

	tests := []struct {
		name         string
		inertia      Inertia
		wantTroubled bool
	}{
		{"regular", Inertia{Positive: 2, Negative: 2}, false},
		{"zero eigenvalue", Inertia{Positive: 1, Negative: 2, Zero: 1}, true},
		{"too many negative eigenvalues", Inertia{Positive: 1, Negative: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFormulation(toyQP(t), comm.Self())
			require.NoError(t, err)
			opts := DefaultOptions()
			opts.MaxIterations = 1
			in := tt.inertia
			sys := &countingSystem{tel: SolveTelemetry{Converged: true}, inertia: &in}

			hist := &HistoryMonitor{}
			strategy := NewInteriorPointMethod(f, dataNorm(f), IPM_PRIMAL, nil, opts)
			res, err := newSolver(f, strategy, sys, opts, hist).Solve()
			require.NoError(t, err)
			assert.Equal(t, MAX_ITS_EXCEEDED, res.Status)

			records := hist.Records()
			require.Len(t, records, 2)
			assert.Equal(t, tt.wantTroubled, records[0].NumericalTroubles)
			// troubled iterations take the probing step
			assert.Equal(t, tt.wantTroubled, records[0].Probed)
		})
	}
}

func TestSolver_sharpenPreconditioner(t *testing.T) {
	f, err := NewFormulation(toyQP(t), comm.Self())
	require.NoError(t, err)
	opts := DefaultOptions()
	sys := &countingSystem{sharpenings: 1}
	s := newSolver(f, NewInteriorPointMethod(f, 1, IPM_PRIMAL_DUAL, nil, opts), sys, opts)
	v := f.NewVariables()

	ctx := newIterationContext(0, 1, 0)
	ok, err := s.sharpenPreconditioner(v, ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ctx.PrecondDecreased)
	assert.Equal(t, 1, sys.factors)

	// once per iteration
	ok, err = s.sharpenPreconditioner(v, ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// nothing left to sharpen
	ok, err = s.sharpenPreconditioner(v, newIterationContext(1, 1, 0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, sys.factors)

	sys.sharpenings, sys.factorErr = 2, ErrSingularBlock
	_, err = s.sharpenPreconditioner(v, newIterationContext(2, 1, 0))
	assert.Equal(t, ErrSingularBlock, errors.Cause(err))
}

func Test_validStepLength(t *testing.T) {
	for _, a := range []float64{0, -0.5, 1.0000001, math.NaN(), math.Inf(1)} {
		assert.False(t, validStepLength(a), "%v", a)
	}
	for _, a := range []float64{1e-12, 0.5, 1} {
		assert.True(t, validStepLength(a), "%v", a)
	}
}

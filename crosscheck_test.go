package ipm

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSimplexReference(t *testing.T) {

	// min -2x1 + x2  s.t.  x1 - x2 <= 1,  x1 <= 4,  x2 free
	freeAndUpper := func(t *testing.T) *Problem {
		b := NewBuilder()
		x1 := b.AddVariable(RootBlock, -2, math.Inf(-1), 4)
		x2 := b.AddVariable(RootBlock, 1, math.Inf(-1), math.Inf(1))
		b.AddInequality([]Term{T(1, x1), T(-1, x2)}, math.Inf(-1), 1)
		p, err := b.Build()
		require.NoError(t, err)
		return p
	}

	tests := []struct {
		name    string
		problem func(t *testing.T) *Problem
		wantZ   float64
		wantX   []float64
	}{
		{
			name:    "two-stage recourse",
			problem: recourseLP,
			wantZ:   4.2,
			wantX:   []float64{3, 0, 2, 1},
		},
		{
			name:    "free and upper bounded variables",
			problem: freeAndUpper,
			wantZ:   -5,
			wantX:   []float64{4, 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			z, x, err := SimplexReference(tt.problem(t))
			require.NoError(t, err)
			assert.InDelta(t, tt.wantZ, z, 1e-9)
			assert.InDeltaSlice(t, tt.wantX, x, 1e-9)
		})
	}
}

func TestSimplexReference_quadratic(t *testing.T) {
	_, _, err := SimplexReference(toyQP(t))
	assert.Equal(t, ErrNotLinear, errors.Cause(err))
}

func TestSimplexReference_unconstrained(t *testing.T) {
	b := NewBuilder()
	b.AddVariable(RootBlock, 1, 0, math.Inf(1))
	p, err := b.Build()
	require.NoError(t, err)

	_, _, err = SimplexReference(p)
	assert.Error(t, err)
}

func Test_toStandardForm(t *testing.T) {
	d := denseProblem{
		c:    []float64{1, -1, 2},
		xlow: []float64{1, math.Inf(-1), math.Inf(-1)},
		xupp: []float64{3, 2, math.Inf(1)},
		a:    mat.NewDense(1, 3, []float64{1, 1, 1}),
		b:    []float64{0},
	}
	sf := toStandardForm(d)

	// x0 = 1 + s0, x1 = 2 - s1, x2 = s2 - s3, plus the slack of x0 <= 3
	assert.Equal(t, []float64{1, 1, 2, -2, 0}, sf.c)
	assert.Equal(t, -1.0, sf.offset)
	want := mat.NewDense(2, 5, []float64{
		1, 0, 0, 0, 1,
		// 1 + s0 + 2 - s1 + s2 - s3 = 0, flipped to a nonnegative rhs
		-1, 1, -1, 1, 0,
	})
	assert.True(t, mat.Equal(want, sf.matrix()), "got\n%v", mat.Formatted(sf.matrix()))
	assert.Equal(t, []float64{2, 3}, sf.b)

	assert.Equal(t, []float64{1.5, 1, -1}, sf.recover([]float64{0.5, 1, 0, 1, 0}))
}

func TestProblem_assemble(t *testing.T) {
	p := stochasticQP(t)
	d := p.assemble()

	nx, my, mz := p.sizes()
	require.Equal(t, 10, nx)
	require.Equal(t, 6, my)
	require.Equal(t, 6, mz)

	// root row, linking row, then one row per scenario
	assert.Equal(t, []float64{2, 2, 3, 4, 5, 6}, d.b)
	assert.Equal(t, []float64{1, 1, 0, 0, 0, 0, 0, 0, 0, 0}, mat.Row(nil, 0, d.a))
	assert.Equal(t, []float64{1, 0, 0, 1, 0, 1, 0, 1, 0, 1}, mat.Row(nil, 1, d.a))
	assert.Equal(t, []float64{1, 0, 0, 0, 0, 0, 1, 1, 0, 0}, mat.Row(nil, 4, d.a))

	assert.Equal(t, []float64{0, 0, 1, 0, 1, 0, 1, 0, 1, 0}, mat.Row(nil, 1, d.cm))
	assert.Equal(t, []float64{0, 1, 0, 0, -1, 0, 0, 0, 0, 0}, mat.Row(nil, 3, d.cm))
	assert.Equal(t, []float64{-5, 5}, []float64{d.clow[3], d.cupp[3]})
	assert.Equal(t, 50.0, d.cupp[1])

	assert.Equal(t, []float64{0, 0, 0, -1, 1, -1, 2, -1, 3, -1}, d.c)
	require.NotNil(t, d.q)
	assert.Equal(t, 2.0, d.q.At(9, 9))
	assert.Equal(t, 0.0, d.q.At(8, 9))
}

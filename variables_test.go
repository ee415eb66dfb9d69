package ipm

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjhbw/stochipm/internal/comm"
)

// toyIterate returns toyQP on one rank with bound slacks at 1 and multipliers
// at 2. toyQP has five active pairs: both lower and upper variable bounds and
// the upper bound of its inequality row.
func toyIterate(t *testing.T) (*Formulation, *Variables) {
	f, err := NewFormulation(toyQP(t), comm.Self())
	require.NoError(t, err)
	require.Equal(t, 5, f.nComplementary)

	v := f.NewVariables()
	v.interiorPoint(1, 2)
	return f, v
}

func TestVariables_interiorPoint(t *testing.T) {
	_, v := toyIterate(t)

	assert.Equal(t, []float64{0, 0}, v.x.root)
	assert.Equal(t, []float64{1, 1}, v.v.root)
	assert.Equal(t, []float64{2, 2}, v.phi.root)
	// the row has no lower bound
	assert.Equal(t, []float64{0}, v.t.root)
	assert.Equal(t, []float64{0}, v.lambda.root)
	assert.Equal(t, []float64{1}, v.u.root)

	assert.Equal(t, 2.0, v.mu())
	assert.True(t, v.valid())
	assert.Equal(t, 0.0, v.violation())
}

func TestVariables_stepbound(t *testing.T) {
	f, v := toyIterate(t)

	step := f.NewVariables()
	step.v.root[0] = -4
	step.phi.root[1] = -16
	// inactive components never block
	step.t.root[0] = -100
	step.lambda.root[0] = -100

	ap, ad := v.stepboundPD(step)
	assert.Equal(t, 0.25, ap)
	assert.Equal(t, 0.125, ad)
	assert.Equal(t, 0.125, v.stepbound(step))

	b := v.findBlocking(step)
	assert.Equal(t, blocking{alpha: 0.125, primalValue: 1, primalStep: 0, dualValue: 2, dualStep: -16, side: 2}, b)

	primal, dual := v.findBlockingPD(step)
	assert.Equal(t, blocking{alpha: 0.25, primalValue: 1, primalStep: -4, dualValue: 2, dualStep: 0, side: 1}, primal)
	assert.Equal(t, b, dual)

	// (1-2)*2 + 2 + 2 + 1*(2-8) + 2 over five pairs
	assert.InDelta(t, -0.4, v.mustep(step, 0.5), 1e-15)
	// the dual step of 0.125 takes phi[1] exactly to zero
	assert.InDelta(t, 0.8, v.mustepPD(step, 0.5, 0.125), 1e-15)
}

func TestVariables_stepbound_unblocked(t *testing.T) {
	f, v := toyIterate(t)

	step := f.NewVariables()
	step.setAll(1)
	assert.Equal(t, 1.0, v.stepbound(step))
	b := v.findBlocking(step)
	assert.Equal(t, 0, b.side)
	assert.Equal(t, 1.0, b.alpha)
}

func TestVariables_axpyPD(t *testing.T) {
	f, v := toyIterate(t)

	step := f.NewVariables()
	step.setAll(1)
	v.axpyPD(0.5, 0.25, step)

	assert.Equal(t, []float64{0.5, 0.5}, v.x.root)
	assert.Equal(t, []float64{1.5, 1.5}, v.w.root)
	assert.Equal(t, []float64{0.25}, v.z.root)
	assert.Equal(t, []float64{2.25, 2.25}, v.gamma.root)
}

func TestVariables_valid(t *testing.T) {

	tests := []struct {
		name          string
		modify        func(v *Variables)
		wantValid     bool
		wantViolation float64
	}{
		{
			name:      "interior",
			modify:    func(v *Variables) {},
			wantValid: true,
		},
		{
			name:      "slack on the boundary",
			modify:    func(v *Variables) { v.v.root[0] = 0 },
			wantValid: false,
		},
		{
			name:          "negative multiplier",
			modify:        func(v *Variables) { v.phi.root[1] = -3 },
			wantValid:     false,
			wantViolation: 3,
		},
		{
			name:      "not finite",
			modify:    func(v *Variables) { v.y.root[0] = math.NaN() },
			wantValid: false,
		},
		{
			name:      "inactive component",
			modify:    func(v *Variables) { v.t.root[0] = -5 },
			wantValid: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, v := toyIterate(t)
			tt.modify(v)
			assert.Equal(t, tt.wantValid, v.valid())
			assert.Equal(t, tt.wantViolation, v.violation())
		})
	}
}

func TestVariables_noBounds(t *testing.T) {
	f, err := NewFormulation(equalityQP(t), comm.Self())
	require.NoError(t, err)

	v := f.NewVariables()
	v.setAll(3)
	step := f.NewVariables()
	step.setAll(-1)

	assert.Equal(t, 0.0, v.mu())
	assert.Equal(t, 0.0, v.mustep(step, 1))
	assert.Equal(t, 1.0, v.stepbound(step))
	assert.True(t, v.valid())
}

func TestVariables_findBlocking_distributed(t *testing.T) {
	p := stochasticQP(t)

	var mu sync.Mutex
	got := map[int]blocking{}
	onRanks(t, 3, func(c comm.Comm) error {
		f, err := NewFormulation(p, c)
		if err != nil {
			return err
		}
		v := f.NewVariables()
		v.interiorPoint(1, 1)
		step := f.NewVariables()
		step.v.root[0] = -2
		// y0 of the last scenario, owned by the last rank
		if f.tree.owns(3) {
			step.v.blocks[3][0] = -10
			step.gamma.blocks[3][0] = 7
		}
		b := v.findBlocking(step)

		mu.Lock()
		got[c.Rank()] = b
		mu.Unlock()
		return nil
	})

	want := blocking{alpha: 0.1, primalValue: 1, primalStep: -10, dualValue: 1, dualStep: 7, side: 1}
	for r := 0; r < 3; r++ {
		assert.Equal(t, want, got[r], "rank %d", r)
	}
}

package ipm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// merits is one iteration as seen by the termination tests.
type merits struct {
	mu, rnorm, gap float64
}

func repeated(m merits, n int) []merits {
	out := make([]merits, n)
	for i := range out {
		out[i] = m
	}
	return out
}

// halving has a residual norm that halves every iteration.
func halving(n int) []merits {
	out := make([]merits, n)
	r := 1.0
	for i := range out {
		out[i] = merits{mu: 1, rnorm: r}
		r /= 2
	}
	return out
}

func Test_statusTracker_status(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxIterations = 50

	tests := []struct {
		name    string
		history []merits
		want    TerminationStatus
	}{
		{
			name:    "converged",
			history: []merits{{mu: 1, rnorm: 1}, {mu: 1e-7, rnorm: 1e-5}},
			want:    SUCCESSFUL_TERMINATION,
		},
		{
			name:    "small mu with a large residual",
			history: []merits{{mu: 1e-7, rnorm: 1e-2}},
			want:    NOT_FINISHED,
		},
		{
			name:    "iteration limit",
			history: halving(51),
			want:    MAX_ITS_EXCEEDED,
		},
		{
			name:    "merit explodes",
			history: append(repeated(merits{mu: 1, rnorm: 1e-3}, 10), merits{mu: 1, rnorm: 100}),
			want:    INFEASIBLE,
		},
		{
			name:    "merit explodes too early",
			history: append(repeated(merits{mu: 1, rnorm: 1e-3}, 5), merits{mu: 1, rnorm: 100}),
			want:    NOT_FINISHED,
		},
		{
			name:    "stalled",
			history: repeated(merits{mu: 1, rnorm: 1, gap: -2}, 31),
			want:    UNKNOWN,
		},
		{
			name:    "complementarity outruns feasibility",
			history: []merits{{mu: 1, rnorm: 1}, {mu: 1e-9, rnorm: 1}},
			want:    UNKNOWN,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStatusTracker(opts, 1)
			var got TerminationStatus
			for i, m := range tt.history {
				got = s.status(i, m.mu, m.rnorm, m.gap)
				if i < len(tt.history)-1 {
					assert.Equal(t, NOT_FINISHED, got, "iteration %d", i)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

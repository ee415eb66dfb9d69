package ipm

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jjhbw/stochipm/internal/comm"
)

func Test_newScenarioTree(t *testing.T) {

	tests := []struct {
		name       string
		nScenarios int
		size       int
		want       [][2]int
	}{
		{"single rank", 5, 1, [][2]int{{0, 5}}},
		{"even split", 4, 2, [][2]int{{0, 2}, {2, 4}}},
		{"remainder to the first ranks", 5, 3, [][2]int{{0, 2}, {2, 4}, {4, 5}}},
		{"more ranks than scenarios", 2, 4, [][2]int{{0, 1}, {1, 2}, {2, 2}, {2, 2}}},
		{"no scenarios", 0, 2, [][2]int{{0, 0}, {0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := comm.NewWorld(tt.size)
			for r := 0; r < tt.size; r++ {
				tree := newScenarioTree(tt.nScenarios, w.Rank(r))
				assert.Equal(t, tt.want[r], [2]int{tree.first, tree.last}, "rank %d", r)
				assert.Equal(t, r == 0, tree.isRoot())
			}
		})
	}
}

func Test_scenarioTree_owns(t *testing.T) {
	tree := newScenarioTree(5, comm.NewWorld(3).Rank(1))
	assert.False(t, tree.owns(1))
	assert.True(t, tree.owns(2))
	assert.True(t, tree.owns(3))
	assert.False(t, tree.owns(4))
}

func Test_scenarioTree_collectives(t *testing.T) {

	var mu sync.Mutex
	got := map[int][]float64{}

	onRanks(t, 3, func(c comm.Comm) error {
		tree := newScenarioTree(3, c)
		r := float64(c.Rank())

		// the root contribution is replicated, it must only count once
		sum := tree.sum(10, r)
		hi := tree.max(r)
		lo := tree.min(-r)
		some := tree.anyRank(c.Rank() == 2)
		none := tree.anyRank(false)

		mu.Lock()
		got[c.Rank()] = []float64{sum, hi, lo, b2f(some), b2f(none)}
		mu.Unlock()
		return nil
	})

	for r := 0; r < 3; r++ {
		assert.Equal(t, []float64{13, 2, -2, 1, 0}, got[r], "rank %d", r)
	}
}

func Test_scenarioTree_argmin(t *testing.T) {

	tests := []struct {
		name      string
		alphas    []float64
		wantAlpha float64
		wantOwner float64
	}{
		{"unique minimum", []float64{0.7, 0.2, 0.9}, 0.2, 1},
		{"tie goes to the lowest rank", []float64{0.5, 0.3, 0.3}, 0.3, 1},
		{"nothing blocks", []float64{1, 1, 1}, 1, 0},
		{"infinite", []float64{math.Inf(1), math.Inf(1), math.Inf(1)}, math.Inf(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			payloads := map[int][]float64{}
			alphas := map[int]float64{}

			onRanks(t, len(tt.alphas), func(c comm.Comm) error {
				tree := newScenarioTree(len(tt.alphas), c)
				payload := []float64{float64(c.Rank()), 42}
				alpha := tree.argmin(tt.alphas[c.Rank()], payload)

				mu.Lock()
				payloads[c.Rank()], alphas[c.Rank()] = payload, alpha
				mu.Unlock()
				return nil
			})

			for r := range tt.alphas {
				assert.Equal(t, tt.wantAlpha, alphas[r])
				assert.Equal(t, []float64{tt.wantOwner, 42}, payloads[r], "rank %d", r)
			}
		})
	}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

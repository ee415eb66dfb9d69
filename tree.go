package ipm

import (
	"math"

	"github.com/jjhbw/stochipm/internal/comm"
)

// scenarioTree distributes the scenario blocks of a two-stage problem over the
// ranks of a communicator. The root block is replicated on every rank, each
// scenario lives on exactly one rank.
type scenarioTree struct {
	comm       comm.Comm
	nScenarios int

	// owned scenarios are [first, last)
	first, last int
}

// newScenarioTree assigns contiguous chunks of scenarios to ranks; the first
// n%size ranks receive one scenario more.
func newScenarioTree(nScenarios int, c comm.Comm) *scenarioTree {
	size, rank := c.Size(), c.Rank()
	per, rem := nScenarios/size, nScenarios%size

	first := rank*per + min(rank, rem)
	count := per
	if rank < rem {
		count++
	}
	return &scenarioTree{
		comm:       c,
		nScenarios: nScenarios,
		first:      first,
		last:       first + count,
	}
}

func (t *scenarioTree) owns(i int) bool {
	return i >= t.first && i < t.last
}

func (t *scenarioTree) isRoot() bool {
	return t.comm.Rank() == 0
}

// sum returns the global sum of a replicated root contribution and a rank-local
// scenario contribution.
func (t *scenarioTree) sum(root, local float64) float64 {
	buf := []float64{local}
	t.comm.AllReduceSum(buf)
	return root + buf[0]
}

func (t *scenarioTree) max(local float64) float64 {
	buf := []float64{local}
	t.comm.AllReduceMax(buf)
	return buf[0]
}

func (t *scenarioTree) min(local float64) float64 {
	buf := []float64{local}
	t.comm.AllReduceMin(buf)
	return buf[0]
}

// anyRank reports whether flag is set on at least one rank.
func (t *scenarioTree) anyRank(flag bool) bool {
	v := 0.0
	if flag {
		v = 1
	}
	return t.max(v) > 0
}

// argmin agrees on the global minimum of alpha and broadcasts payload from the
// lowest rank holding it, so that every rank ends up with identical data.
func (t *scenarioTree) argmin(alpha float64, payload []float64) float64 {
	global := t.min(alpha)
	owner := math.Inf(1)
	if alpha == global {
		owner = float64(t.comm.Rank())
	}
	owner = t.min(owner)
	if math.IsInf(owner, 1) {
		owner = 0
	}
	t.comm.Broadcast(payload, int(owner))
	return global
}

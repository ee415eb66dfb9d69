// Package comm provides the collective operations the distributed solver needs,
// implemented for ranks that run as goroutines inside one process.
package comm

import (
	"math"
	"sync"

	"github.com/pkg/errors"
)

// Comm is a communicator over a fixed group of ranks. Every rank must call the
// collectives in the same order with buffers of the same length.
type Comm interface {
	Rank() int
	Size() int

	// AllReduceSum replaces buf on every rank with the elementwise sum over ranks.
	AllReduceSum(buf []float64)
	AllReduceMax(buf []float64)
	AllReduceMin(buf []float64)

	// Broadcast copies buf of rank root into buf of every other rank.
	Broadcast(buf []float64, root int)

	Barrier()
}

// Self returns a communicator containing only the calling rank.
func Self() Comm {
	return self{}
}

type self struct{}

func (self) Rank() int { return 0 }
func (self) Size() int { return 1 }
func (self) AllReduceSum([]float64) {}
func (self) AllReduceMax([]float64) {}
func (self) AllReduceMin([]float64) {}
func (self) Broadcast([]float64, int) {}
func (self) Barrier() {}

// World is a group of in-process ranks sharing collective buffers.
type World struct {
	size  int
	slots [][]float64

	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation int
}

// NewWorld creates a world of size ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		panic("comm: world size must be positive")
	}
	w := &World{
		size:  size,
		slots: make([][]float64, size),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Size returns the number of ranks.
func (w *World) Size() int {
	return w.size
}

// Rank returns the communicator of rank r.
func (w *World) Rank(r int) Comm {
	if r < 0 || r >= w.size {
		panic("comm: rank out of range")
	}
	return &member{world: w, rank: r}
}

// Run executes fn on every rank concurrently and waits for all of them. The first
// non-nil error, in rank order, is returned.
func (w *World) Run(fn func(c Comm) error) error {
	errs := make([]error, w.size)

	var wg sync.WaitGroup
	for r := 0; r < w.size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(w.Rank(r))
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "rank %d", r)
		}
	}
	return nil
}

// barrier blocks until all ranks have arrived.
func (w *World) barrier() {
	w.mu.Lock()
	gen := w.generation
	w.arrived++
	if w.arrived == w.size {
		w.arrived = 0
		w.generation++
		w.cond.Broadcast()
	} else {
		for gen == w.generation {
			w.cond.Wait()
		}
	}
	w.mu.Unlock()
}

type member struct {
	world *World
	rank  int
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.world.size }

func (m *member) Barrier() {
	m.world.barrier()
}

func (m *member) AllReduceSum(buf []float64) {
	m.reduce(buf, 0, func(a, b float64) float64 { return a + b })
}

func (m *member) AllReduceMax(buf []float64) {
	m.reduce(buf, math.Inf(-1), math.Max)
}

func (m *member) AllReduceMin(buf []float64) {
	m.reduce(buf, math.Inf(1), math.Min)
}

func (m *member) Broadcast(buf []float64, root int) {
	w := m.world
	if m.rank == root {
		w.slots[root] = append(w.slots[root][:0], buf...)
	}
	w.barrier()
	if m.rank != root {
		if len(w.slots[root]) != len(buf) {
			panic("comm: mismatched broadcast length")
		}
		copy(buf, w.slots[root])
	}
	w.barrier()
}

// reduce publishes buf, waits for every rank, folds all slots into buf and waits
// again so that no rank republishes before everyone has read.
func (m *member) reduce(buf []float64, identity float64, op func(a, b float64) float64) {
	w := m.world
	w.slots[m.rank] = append(w.slots[m.rank][:0], buf...)
	w.barrier()

	for i := range buf {
		acc := identity
		for r := 0; r < w.size; r++ {
			if len(w.slots[r]) != len(buf) {
				panic("comm: mismatched reduction length")
			}
			acc = op(acc, w.slots[r][i])
		}
		buf[i] = acc
	}
	w.barrier()
}

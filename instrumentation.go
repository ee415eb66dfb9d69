package ipm

import (
	"sync"
)

// Monitor receives a record of every interior-point iteration. With several
// ranks every rank reports identical records, so implementations shared
// between ranks should only listen to one of them.
type Monitor interface {
	ProcessIteration(IterationRecord)
}

// IterationRecord summarizes one interior-point iteration.
type IterationRecord struct {
	Iteration int

	Mu           float64
	ResidualNorm float64
	DualityGap   float64
	Objective    float64

	Sigma                  float64
	AlphaPrimal, AlphaDual float64

	GondzioCorrections int
	SmallCorrections   int
	InnerIterations    int

	NumericalTroubles bool
	PureCentering     bool
	Probed            bool

	Status TerminationStatus
}

// HistoryMonitor keeps every record it receives.
type HistoryMonitor struct {
	mu      sync.Mutex
	records []IterationRecord
}

func (h *HistoryMonitor) ProcessIteration(r IterationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
}

// Records returns a copy of the records received so far.
func (h *HistoryMonitor) Records() []IterationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]IterationRecord(nil), h.records...)
}

package ipm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryMonitor(t *testing.T) {

	h := &HistoryMonitor{}
	assert.Empty(t, h.Records())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.ProcessIteration(IterationRecord{Iteration: i, Status: NOT_FINISHED})
		}(i)
	}
	wg.Wait()

	recs := h.Records()
	assert.Len(t, recs, 8)

	// the returned slice is a copy
	recs[0].Status = INFEASIBLE
	for _, r := range h.Records() {
		assert.Equal(t, NOT_FINISHED, r.Status)
	}
}

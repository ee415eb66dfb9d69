package comm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorld_Collectives(t *testing.T) {
	w := NewWorld(3)

	sums := make([][]float64, 3)
	maxs := make([][]float64, 3)
	mins := make([][]float64, 3)
	bcast := make([][]float64, 3)

	err := w.Run(func(c Comm) error {
		r := float64(c.Rank())

		s := []float64{r, 1}
		c.AllReduceSum(s)
		sums[c.Rank()] = s

		mx := []float64{r, -r}
		c.AllReduceMax(mx)
		maxs[c.Rank()] = mx

		mn := []float64{r, -r}
		c.AllReduceMin(mn)
		mins[c.Rank()] = mn

		b := []float64{r, r}
		c.Broadcast(b, 1)
		bcast[c.Rank()] = b

		c.Barrier()
		return nil
	})
	require.NoError(t, err)

	for r := 0; r < 3; r++ {
		assert.Equal(t, []float64{3, 3}, sums[r])
		assert.Equal(t, []float64{2, 0}, maxs[r])
		assert.Equal(t, []float64{0, -2}, mins[r])
		assert.Equal(t, []float64{1, 1}, bcast[r])
	}
}

func TestWorld_RunReportsFirstError(t *testing.T) {
	w := NewWorld(2)
	err := w.Run(func(c Comm) error {
		if c.Rank() == 1 {
			return errors.New("boom")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank 1")
}

func TestSelf(t *testing.T) {
	c := Self()
	buf := []float64{4, 5}
	c.AllReduceSum(buf)
	c.AllReduceMax(buf)
	assert.Equal(t, []float64{4, 5}, buf)
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())
}

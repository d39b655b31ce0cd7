package bins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParetoWeights(t *testing.T) {
	w, err := ParetoWeights(10, 0.8, 0.2)
	require.NoError(t, err)
	require.Len(t, w, 10)

	var sum float64
	for i, v := range w {
		assert.Greater(t, v, 0.0)
		if i > 0 {
			assert.Less(t, v, w[i-1], "layer %d heavier than layer %d", i+1, i)
		}
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// the top two layers carry roughly the requested share
	assert.InDelta(t, 0.8, w[0]+w[1], 0.01)
}

func TestParetoWeightsRejectsBadInput(t *testing.T) {
	for _, c := range []struct {
		layers int
		p, q   float64
	}{
		{0, 0.8, 0.2},
		{5, 0, 0.2},
		{5, 0.8, 1},
		{5, 1.2, 0.2},
	} {
		_, err := ParetoWeights(c.layers, c.p, c.q)
		assert.Error(t, err)
	}
}

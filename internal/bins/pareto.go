package bins

import (
	"fmt"
	"math"
)

// ParetoWeights returns per-layer weights for layers 1..layers following a
// truncated Pareto distribution in which a share p of bin usage falls in the
// top share q of the layers.
func ParetoWeights(layers int, p, q float64) ([]float64, error) {
	if layers < 1 {
		return nil, fmt.Errorf("pareto: layers must be >= 1")
	}
	if p <= 0 || p >= 1 || q <= 0 || q >= 1 {
		return nil, fmt.Errorf("pareto: p and q must be in (0, 1)")
	}

	tp := truncatedPareto{lo: 1, hi: float64(layers) + 1}
	alpha := tp.alpha(p, q)

	w := make([]float64, layers)
	for l := 1; l <= layers; l++ {
		w[l-1] = tp.cdf(float64(l+1), alpha) - tp.cdf(float64(l), alpha)
	}
	return w, nil
}

type truncatedPareto struct {
	lo, hi float64
}

func (t truncatedPareto) cdf(x, alpha float64) float64 {
	if x <= t.lo {
		return 0
	}
	if x > t.hi {
		return 1
	}
	c := 1 - math.Pow(t.lo/t.hi, alpha)
	return 1 - (math.Pow(t.lo, alpha)/c)*(math.Pow(x, -alpha)-math.Pow(t.hi, -alpha))
}

// alpha bisects the Pareto index so that cdf(x0) == p, where x0 sits at q of
// the layer range.
func (t truncatedPareto) alpha(p, q float64) float64 {
	const tolerance = 1e-5
	left, right := 0.01, 5.0
	x0 := q*(t.hi-t.lo) + t.lo
	for math.Abs(right-left) > tolerance {
		mid := (left + right) / 2
		if t.cdf(x0, mid) < p {
			left = mid
		} else {
			right = mid
		}
	}
	return (left + right) / 2
}

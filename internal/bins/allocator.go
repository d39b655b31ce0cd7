// Package bins draws storage bin codes for orders from a layered storage
// matrix, weighting layers by how often they are used.
package bins

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
)

// DefaultMaxAttempts bounds sampling rounds per allocation.
const DefaultMaxAttempts = 20

// LayerSource lists the bin codes currently available in a storage layer.
// Layers are numbered from 1.
type LayerSource interface {
	BinsInLayer(ctx context.Context, layer int) ([]int, error)
}

type InsufficientBinsError struct {
	Requested int
	Found     int
	Attempts  int
}

func (e *InsufficientBinsError) Error() string {
	return fmt.Sprintf("insufficient bins: found %d of %d after %d attempts", e.Found, e.Requested, e.Attempts)
}

var ErrNoWeights = errors.New("layer weights must be non-negative with a positive sum")

// Allocator is not safe for concurrent use; it owns its random source.
type Allocator struct {
	layers      LayerSource
	cum         []float64
	rnd         *rand.Rand
	maxAttempts int

	// OnLayerError observes layer queries that failed. Failures count as an
	// empty layer.
	OnLayerError func(layer int, err error)
}

// New builds an allocator over weights, where weights[i] is the relative
// frequency of layer i+1.
func New(layers LayerSource, weights []float64, rnd *rand.Rand, maxAttempts int) (*Allocator, error) {
	cum, err := cumulative(weights)
	if err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Allocator{layers: layers, cum: cum, rnd: rnd, maxAttempts: maxAttempts}, nil
}

func cumulative(weights []float64) ([]float64, error) {
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}
	var sum float64
	for _, w := range weights {
		if w < 0 {
			return nil, ErrNoWeights
		}
		sum += w
	}
	if sum <= 0 {
		return nil, ErrNoWeights
	}
	cum := make([]float64, len(weights))
	last := 0
	var acc float64
	for i, w := range weights {
		acc += w / sum
		cum[i] = acc
		if w > 0 {
			last = i
		}
	}
	// pin the tail to 1 so rounding never leaves room for a trailing
	// zero-weight layer
	for i := last; i < len(cum); i++ {
		cum[i] = 1
	}
	return cum, nil
}

// sampleLayer returns a 1-based layer. Zero-weight layers occupy no interval
// and are never returned.
func (a *Allocator) sampleLayer() int {
	r := a.rnd.Float64()
	for i, c := range a.cum {
		if r < c {
			return i + 1
		}
	}
	return len(a.cum)
}

// Allocate returns exactly n distinct bin codes, none of them in exclude.
func (a *Allocator) Allocate(ctx context.Context, n int, exclude map[int]struct{}) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}

	claimed := make(map[int]struct{}, n)
	out := make([]int, 0, n)
	attempts := 0
	for attempts < a.maxAttempts && len(out) < n {
		attempts++

		counts := map[int]int{}
		var order []int
		for i := 0; i < n-len(out); i++ {
			l := a.sampleLayer()
			if counts[l] == 0 {
				order = append(order, l)
			}
			counts[l]++
		}

		for _, layer := range order {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			codes, err := a.layers.BinsInLayer(ctx, layer)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if a.OnLayerError != nil {
					a.OnLayerError(layer, err)
				}
				continue
			}

			var candidates []int
			seen := make(map[int]struct{}, len(codes))
			for _, c := range codes {
				if _, dup := seen[c]; dup {
					continue
				}
				seen[c] = struct{}{}
				if _, taken := exclude[c]; taken {
					continue
				}
				if _, taken := claimed[c]; taken {
					continue
				}
				candidates = append(candidates, c)
			}
			a.rnd.Shuffle(len(candidates), func(i, j int) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			})

			take := min(counts[layer], len(candidates), n-len(out))
			for _, c := range candidates[:take] {
				claimed[c] = struct{}{}
				out = append(out, c)
			}
		}
	}

	if len(out) < n {
		return nil, &InsufficientBinsError{Requested: n, Found: len(out), Attempts: attempts}
	}
	return out, nil
}

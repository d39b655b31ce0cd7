// Package advance pre-positions orders with the storage manager ahead of the
// normal-operation segments that will consume them.
package advance

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/matrixsim/internal/station"
)

type Allocator interface {
	Allocate(ctx context.Context, n int, exclude map[int]struct{}) ([]int, error)
}

type Submitter interface {
	UpsertAdvanceOrder(ctx context.Context, orderNo string, bins []int) error
}

// Demand describes how many advance orders a station type needs per hour and
// how large each one is.
type Demand struct {
	Type          station.Type
	OrdersPerHour float64
	BinsPerOrder  int
}

type Order struct {
	Seq       uint64
	Name      string
	Type      station.Type
	Bins      []int
	CreatedAt time.Time
}

// Manager queues advance orders per station type. It is owned by the engine
// loop and is not safe for concurrent use.
type Manager struct {
	alloc   Allocator
	sub     Submitter
	demands []Demand

	seq    uint64
	queues map[station.Type][]Order

	// NewName names orders for the storage manager.
	NewName func() string
}

func NewManager(alloc Allocator, sub Submitter, demands []Demand) *Manager {
	return &Manager{
		alloc:   alloc,
		sub:     sub,
		demands: demands,
		queues:  map[station.Type][]Order{},
		NewName: uuid.NewString,
	}
}

// OrdersFor is how many orders of a demand cover the remaining time.
func OrdersFor(d Demand, remaining time.Duration) int {
	if d.OrdersPerHour <= 0 || remaining <= 0 {
		return 0
	}
	n := d.OrdersPerHour * remaining.Seconds() / 3600
	return int(math.Ceil(n - 1e-9))
}

// Stage creates, submits and queues the advance orders needed to cover
// remaining. Codes in exclude and codes already queued are never reused.
// Orders submitted before a failure stay queued and are returned with the
// error.
func (m *Manager) Stage(ctx context.Context, remaining time.Duration, now time.Time, exclude map[int]struct{}) ([]Order, error) {
	taken := make(map[int]struct{}, len(exclude))
	for c := range exclude {
		taken[c] = struct{}{}
	}
	for _, c := range m.Outstanding() {
		taken[c] = struct{}{}
	}

	var staged []Order
	for _, d := range m.demands {
		for i := OrdersFor(d, remaining); i > 0; i-- {
			codes, err := m.alloc.Allocate(ctx, d.BinsPerOrder, taken)
			if err != nil {
				return staged, fmt.Errorf("allocate %s advance order: %w", d.Type, err)
			}
			o := Order{
				Name:      m.NewName(),
				Type:      d.Type,
				Bins:      codes,
				CreatedAt: now,
			}
			if err := m.sub.UpsertAdvanceOrder(ctx, o.Name, o.Bins); err != nil {
				return staged, fmt.Errorf("submit advance order %s: %w", o.Name, err)
			}
			m.seq++
			o.Seq = m.seq
			m.queues[d.Type] = append(m.queues[d.Type], o)
			for _, c := range codes {
				taken[c] = struct{}{}
			}
			staged = append(staged, o)
		}
	}
	return staged, nil
}

// Next removes and returns the oldest queued order for t.
func (m *Manager) Next(t station.Type) (Order, bool) {
	q := m.queues[t]
	if len(q) == 0 {
		return Order{}, false
	}
	o := q[0]
	m.queues[t] = q[1:]
	return o, true
}

// Pending counts queued orders of type t.
func (m *Manager) Pending(t station.Type) int {
	return len(m.queues[t])
}

// Outstanding lists every code held by a queued order.
func (m *Manager) Outstanding() []int {
	var out []int
	for _, q := range m.queues {
		for _, o := range q {
			out = append(out, o.Bins...)
		}
	}
	return out
}

// Package health probes the configured simulation server pairs.
package health

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/matrixsim/internal/config"
	"github.com/example/matrixsim/internal/control"
	"github.com/example/matrixsim/internal/telemetry"
)

// Report is the outcome of probing one server pair.
type Report struct {
	Server            int       `json:"server"`
	StorageManager    string    `json:"storage_manager"`
	TrafficController string    `json:"traffic_controller"`
	SimulationActive  bool      `json:"simulation_active"`
	CheckedAt         time.Time `json:"checked_at"`
}

// OK reports whether both services answered.
func (r Report) OK() bool {
	return r.StorageManager == "ok" && r.TrafficController == "ok"
}

// Monitor polls every configured server pair and keeps the latest report.
type Monitor struct {
	Servers  map[int]config.Endpoints
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   zerolog.Logger

	mu   sync.Mutex
	last map[int]Report
	wg   sync.WaitGroup
}

func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.Interval)
	defer t.Stop()

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case <-t.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	for _, n := range m.ServerNumbers() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			r, ok := m.Check(ctx, n)
			if !ok {
				return
			}
			if !r.OK() {
				m.Logger.Warn().Int("server", n).Str("sm", r.StorageManager).Str("tc", r.TrafficController).Msg("upstream unhealthy")
			}
		}()
	}
}

// Check probes one server pair now. ok is false for an unknown server.
func (m *Monitor) Check(ctx context.Context, server int) (Report, bool) {
	ep, ok := m.Servers[server]
	if !ok {
		return Report{}, false
	}

	sm := control.NewStorageManager(ep.StorageManager, m.Client, m.Timeout)
	tc := control.NewTrafficController(ep.TrafficController, m.Client, m.Timeout)

	r := Report{Server: server, StorageManager: "ok", TrafficController: "ok", CheckedAt: time.Now()}
	if err := sm.Health(ctx); err != nil {
		r.StorageManager = err.Error()
	}
	h, err := tc.Health(ctx)
	if err != nil {
		r.TrafficController = err.Error()
	}
	r.SimulationActive = h.Active()

	label := strconv.Itoa(server)
	telemetry.UpstreamUp.WithLabelValues(label, "sm").Set(up(r.StorageManager))
	telemetry.UpstreamUp.WithLabelValues(label, "tc").Set(up(r.TrafficController))

	m.mu.Lock()
	if m.last == nil {
		m.last = map[int]Report{}
	}
	m.last[server] = r
	m.mu.Unlock()
	return r, true
}

// Last returns the most recent report for a server, if any.
func (m *Monitor) Last(server int) (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.last[server]
	return r, ok
}

func (m *Monitor) ServerNumbers() []int {
	out := make([]int, 0, len(m.Servers))
	for n := range m.Servers {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func up(s string) float64 {
	if s == "ok" {
		return 1
	}
	return 0
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/matrixsim/internal/advance"
	"github.com/example/matrixsim/internal/bins"
	"github.com/example/matrixsim/internal/clock"
	"github.com/example/matrixsim/internal/control"
	"github.com/example/matrixsim/internal/runs"
	"github.com/example/matrixsim/internal/schedule"
	"github.com/example/matrixsim/internal/station"
	"github.com/example/matrixsim/internal/status"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type storeCall struct {
	At           time.Time
	Station      int
	Bin          int
	AdvanceOrder string
}

// fakeSM simulates a storage manager whose bins arrive at a station as soon
// as they are called.
type fakeSM struct {
	mu    sync.Mutex
	clock clock.Clock

	layers    map[int][]int
	atStation map[int][]int
	stuck     map[int]bool

	calls    []string
	called   map[int][][]int
	stored   []storeCall
	orders   map[string][]int
	overlaps []int

	failCall error
	onStore  func(n int)
}

func newFakeSM(c clock.Clock) *fakeSM {
	layer1 := make([]int, 0, 100)
	layer2 := make([]int, 0, 100)
	for i := 0; i < 100; i++ {
		layer1 = append(layer1, 1000+i)
		layer2 = append(layer2, 2000+i)
	}
	return &fakeSM{
		clock:     c,
		layers:    map[int][]int{1: layer1, 2: layer2},
		atStation: map[int][]int{},
		stuck:     map[int]bool{},
		called:    map[int][][]int{},
		orders:    map[string][]int{},
	}
}

func (f *fakeSM) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeSM) CallBins(_ context.Context, stationCode int, codes []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("call %d", stationCode))
	if f.failCall != nil {
		return f.failCall
	}
	for _, c := range codes {
		for _, resident := range f.atStation {
			for _, r := range resident {
				if r == c {
					f.overlaps = append(f.overlaps, c)
				}
			}
		}
	}
	f.called[stationCode] = append(f.called[stationCode], append([]int(nil), codes...))
	f.atStation[stationCode] = append(f.atStation[stationCode], codes...)
	return nil
}

func (f *fakeSM) StoreBin(_ context.Context, stationCode, bin int, advanceOrder string) error {
	f.mu.Lock()
	f.record(fmt.Sprintf("store %d", stationCode))
	q := f.atStation[stationCode]
	for i, c := range q {
		if c == bin {
			f.atStation[stationCode] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	f.stored = append(f.stored, storeCall{At: f.clock.Now(), Station: stationCode, Bin: bin, AdvanceOrder: advanceOrder})
	n := len(f.stored)
	hook := f.onStore
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeSM) StoragesAtStation(_ context.Context, stationCode int) ([]control.Storage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("status %d", stationCode))
	q := f.atStation[stationCode]
	if len(q) == 0 || f.stuck[stationCode] {
		return nil, nil
	}
	return []control.Storage{{Code: q[0], LastMovement: control.AtStationWork}}, nil
}

func (f *fakeSM) BinsInLayer(_ context.Context, layer int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("layer %d", layer))
	return append([]int(nil), f.layers[layer]...), nil
}

func (f *fakeSM) UpsertAdvanceOrder(_ context.Context, orderNo string, codes []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upsert " + orderNo)
	f.orders[orderNo] = codes
	return nil
}

func (f *fakeSM) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sm reset")
	return nil
}

func (f *fakeSM) Initialize(context.Context, json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sm initialize")
	return nil
}

func (f *fakeSM) SetObstacles(context.Context, json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sm obstacles")
	return nil
}

func (f *fakeSM) InitializeStorage(context.Context, json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sm storage")
	return nil
}

func (f *fakeSM) SetAutoStore(context.Context, json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sm autostore")
	return nil
}

func (f *fakeSM) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeTC struct {
	mu     sync.Mutex
	calls  []string
	stops  int
	failOn string
}

func (f *fakeTC) do(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if name == f.failOn {
		return errors.New(name + " refused")
	}
	return nil
}

func (f *fakeTC) CycleStop(context.Context, string) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return f.do("tc cyclestop")
}

func (f *fakeTC) SetObstacles(context.Context, json.RawMessage) error   { return f.do("tc obstacles") }
func (f *fakeTC) SeedSkycars(context.Context, json.RawMessage) error    { return f.do("tc skycars") }
func (f *fakeTC) SetConstraints(context.Context, json.RawMessage) error { return f.do("tc constraints") }
func (f *fakeTC) StartCube(context.Context) error                       { return f.do("tc start") }

type fakeStore struct {
	mu       sync.Mutex
	startErr error
	logErr   error
	started  []runs.Run
	logs     []runs.LogEntry
	finished []string
	params   map[int64][]byte
}

func (f *fakeStore) StartRun(_ context.Context, run runs.Run) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.started = append(f.started, run)
	if run.ID > 0 {
		return run.ID, nil
	}
	return 1, nil
}

func (f *fakeStore) FinishRun(_ context.Context, id int64, _ time.Time, outcome string, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, fmt.Sprintf("%d:%s", id, outcome))
	return nil
}

func (f *fakeStore) AppendLogs(_ context.Context, entries []runs.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return f.logErr
	}
	f.logs = append(f.logs, entries...)
	return nil
}

func (f *fakeStore) SaveParameters(_ context.Context, runID int64, request []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.params == nil {
		f.params = map[int64][]byte{}
	}
	f.params[runID] = request
	return nil
}

func (f *fakeStore) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.logs {
		out = append(out, e.Message)
	}
	return out
}

type harness struct {
	clock   *clock.Virtual
	sm      *fakeSM
	tc      *fakeTC
	store   *fakeStore
	tracker *status.Tracker
}

func newHarness() *harness {
	c := clock.NewVirtual(t0)
	return &harness{
		clock:   c,
		sm:      newFakeSM(c),
		tc:      &fakeTC{},
		store:   &fakeStore{},
		tracker: status.NewTracker(),
	}
}

func testPlan(t *testing.T, sched string, stationCodes ...int) Plan {
	t.Helper()
	s, err := schedule.Parse(sched)
	require.NoError(t, err)

	var specs []station.Spec
	for _, c := range stationCodes {
		specs = append(specs, station.Spec{Code: c, Type: station.Inbound})
	}
	groups, err := station.Build(specs, []station.GroupSpec{{ID: 1, StationCodes: stationCodes}})
	require.NoError(t, err)

	return Plan{
		RunID:         42,
		Name:          "test run",
		ServerNumber:  1,
		Schedule:      s,
		Groups:        groups,
		HandlingDelay: map[station.Type]time.Duration{station.Inbound: 2 * time.Second, station.Outbound: 3 * time.Second},
		BinsPerOrder:  map[station.Type]int{station.Inbound: 2, station.Outbound: 2},
		Demands: []advance.Demand{
			{Type: station.Inbound, OrdersPerHour: 100, BinsPerOrder: 2},
			{Type: station.Outbound, OrdersPerHour: 0, BinsPerOrder: 2},
		},
		LayerWeights: []float64{0.6, 0.4},
	}
}

func (h *harness) engine(t *testing.T, plan Plan) *Engine {
	t.Helper()
	n := 0
	e, err := New(plan, Deps{
		Storage: h.sm,
		Traffic: h.tc,
		Store:   h.store,
		Status:  h.tracker,
		Clock:   h.clock,
		Logger:  zerolog.Nop(),
	}, Options{
		Pace:          500 * time.Millisecond,
		CheckInterval: time.Second,
		Rand:          rand.New(rand.NewSource(1)),
		OrderName: func() string {
			n++
			return fmt.Sprintf("ao-%d", n)
		},
	})
	require.NoError(t, err)
	return e
}

func TestAdvanceThenNormalRun(t *testing.T) {
	h := newHarness()
	e := h.engine(t, testPlan(t, "AO:10,N:20", 1, 2))

	require.NoError(t, e.Run(context.Background()))

	st := h.tracker.Get()
	assert.Equal(t, status.Completed, st.Phase)
	assert.Equal(t, status.Completed, e.State())
	require.NotNil(t, st.StopTime)
	assert.WithinDuration(t, t0.Add(30*time.Second), *st.StopTime, 500*time.Millisecond)

	// exactly one advance order for the 10s segment
	require.Len(t, h.sm.orders, 1)
	aoBins := h.sm.orders["ao-1"]
	require.Len(t, aoBins, 2)

	// the advance order is the first thing served once normal operation starts
	// the advance order at 10s, then a fresh pair every other second
	require.Len(t, h.sm.called[1], 11)
	require.Len(t, h.sm.called[2], 11)
	assert.ElementsMatch(t, aoBins, append(append([]int(nil), h.sm.called[1][0]...), h.sm.called[2][0]...))

	stores := map[int][]storeCall{}
	for _, s := range h.sm.stored {
		stores[s.Station] = append(stores[s.Station], s)
	}
	for code, ss := range stores {
		require.NotEmpty(t, ss)
		assert.Equal(t, "ao-1", ss[0].AdvanceOrder, "station %d", code)
		assert.Equal(t, t0.Add(10*time.Second), ss[0].At)
		for i := 1; i < len(ss); i++ {
			assert.Equal(t, "", ss[i].AdvanceOrder)
			assert.GreaterOrEqual(t, ss[i].At.Sub(ss[i-1].At), 2*time.Second, "station %d stored too early", code)
		}
	}

	assert.Empty(t, h.sm.overlaps, "bin dispatched while resident elsewhere")
	assert.Equal(t, 1, h.tc.stops)
	assert.Equal(t, []string{"42:completed"}, h.store.finished)

	msgs := h.store.messages()
	assert.Equal(t, "Simulation starts", msgs[0])
	assert.Equal(t, "Simulation ends", msgs[len(msgs)-1])
	assert.Contains(t, msgs, "Number of inbound advance orders: 1")
	assert.Contains(t, msgs, "Number of outbound advance orders: 0")
	assert.Contains(t, msgs, "Advance order ends in 10 seconds")
	assert.Contains(t, msgs, "Normal operation starts")

	var prev time.Time
	for _, l := range h.store.logs {
		assert.False(t, l.Timestamp.Before(prev), "log out of order")
		prev = l.Timestamp
		assert.Equal(t, int64(42), l.RunID)
	}
}

func TestCallFailureFailsRun(t *testing.T) {
	h := newHarness()
	failure := &control.RequestFailure{Service: "sm", Op: "call_bins", Status: 500, Body: "boom"}
	h.sm.failCall = failure
	e := h.engine(t, testPlan(t, "N:20", 1))

	err := e.Run(context.Background())
	var rf *control.RequestFailure
	require.True(t, errors.As(err, &rf))

	st := h.tracker.Get()
	assert.Equal(t, status.Failed, st.Phase)
	assert.Contains(t, st.Error, "call_bins")

	calls := h.sm.callLog()
	assert.Equal(t, "call 1", calls[len(calls)-1], "no storage calls after the failure")
	assert.Equal(t, 1, h.tc.stops)
	assert.Equal(t, []string{"42:failed"}, h.store.finished)

	var errorEntries int
	for _, l := range h.store.logs {
		if l.Severity == runs.Error {
			errorEntries++
		}
	}
	assert.GreaterOrEqual(t, errorEntries, 1)
}

func TestStopRequestEndsRun(t *testing.T) {
	h := newHarness()
	h.sm.onStore = func(n int) {
		if n == 3 {
			h.tracker.RequestStop()
		}
	}
	e := h.engine(t, testPlan(t, "N:3600", 1))

	require.NoError(t, e.Run(context.Background()))
	st := h.tracker.Get()
	assert.Equal(t, status.Stopped, st.Phase)
	assert.True(t, st.StopRequested)
	assert.Len(t, h.sm.stored, 3)
	assert.Equal(t, 1, h.tc.stops)
	assert.Equal(t, []string{"42:stopped"}, h.store.finished)
}

func TestContextCancellationStopsRun(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.sm.onStore = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	e := h.engine(t, testPlan(t, "N:3600", 1))

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, status.Stopped, h.tracker.Get().Phase)
	// cleanup still reaches the traffic controller and the store
	assert.Equal(t, 1, h.tc.stops)
	assert.Equal(t, []string{"42:stopped"}, h.store.finished)
}

func TestRunStartPersistenceFailure(t *testing.T) {
	h := newHarness()
	h.store.startErr = errors.New("db down")
	e := h.engine(t, testPlan(t, "N:20", 1))

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record run start")
	assert.Equal(t, status.Failed, h.tracker.Get().Phase)
	assert.Empty(t, h.sm.callLog())
	assert.Empty(t, h.store.finished)
}

func TestLogWriteFailureIsNotFatal(t *testing.T) {
	h := newHarness()
	h.store.logErr = errors.New("disk full")
	e := h.engine(t, testPlan(t, "N:5", 1))

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, status.Completed, h.tracker.Get().Phase)
	assert.Empty(t, h.store.logs)
}

func TestInsufficientBinsFailsRun(t *testing.T) {
	h := newHarness()
	h.sm.layers = map[int][]int{1: {1}}
	e := h.engine(t, testPlan(t, "N:20", 1, 2))

	err := e.Run(context.Background())
	var ie *bins.InsufficientBinsError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 2, ie.Requested)
	assert.Equal(t, status.Failed, h.tracker.Get().Phase)
}

func TestGroupReplenishedOnlyWhenAllStationsEmpty(t *testing.T) {
	h := newHarness()
	h.sm.stuck[2] = true
	e := h.engine(t, testPlan(t, "N:10", 1, 2))

	require.NoError(t, e.Run(context.Background()))

	// station 2 never releases its bin, so the group is never refilled
	assert.Len(t, h.sm.called[1], 1)
	assert.Len(t, h.sm.called[2], 1)
	require.Len(t, h.sm.stored, 1)
	assert.Equal(t, 1, h.sm.stored[0].Station)
}

func TestStrayBinAtEmptyStationFailsRun(t *testing.T) {
	h := newHarness()
	h.sm.atStation[2] = []int{9999}
	plan := testPlan(t, "N:10", 1, 2)
	plan.BinsPerOrder[station.Inbound] = 1
	e := h.engine(t, plan)

	err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrUnknownBin)
	assert.Contains(t, err.Error(), "9999")
	assert.Equal(t, status.Failed, h.tracker.Get().Phase)
	assert.Empty(t, h.sm.called[2])
	require.Len(t, h.sm.stored, 1)
	assert.Equal(t, 1, h.sm.stored[0].Station)
}

func TestDrainAfterNormalSegment(t *testing.T) {
	h := newHarness()
	plan := testPlan(t, "N:5,AO:10", 1)
	plan.HandlingDelay[station.Inbound] = 3 * time.Second
	plan.BinsPerOrder[station.Inbound] = 2
	e := h.engine(t, plan)

	require.NoError(t, e.Run(context.Background()))

	msgs := h.store.messages()
	assert.Contains(t, msgs, "Normal operation ends. Completing remaining bins in existing orders.")
	assert.Contains(t, msgs, "All orders completed beyond normal operation.")

	// the advance order segment only starts once every in-flight bin is stored
	var drained, staged int
	for i, m := range msgs {
		switch m {
		case "All orders completed beyond normal operation.":
			drained = i
		case "Advance order starts":
			staged = i
		}
	}
	assert.Less(t, drained, staged)
	for code, queue := range h.sm.atStation {
		assert.Empty(t, queue, "station %d left with bins", code)
	}
}

func TestFreshBinsSpreadOverGroup(t *testing.T) {
	tests := []struct {
		name         string
		binsPerOrder int
		want         []int
	}{
		{"one bin three stations", 1, []int{1, 0, 0}},
		{"five bins three stations", 5, []int{2, 2, 1}},
		{"three bins three stations", 3, []int{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			plan := testPlan(t, "N:1", 1, 2, 3)
			plan.BinsPerOrder[station.Inbound] = tt.binsPerOrder
			e := h.engine(t, plan)

			require.NoError(t, e.Run(context.Background()))

			total := 0
			for i, code := range []int{1, 2, 3} {
				if tt.want[i] == 0 {
					assert.Empty(t, h.sm.called[code], "station %d", code)
					continue
				}
				require.NotEmpty(t, h.sm.called[code], "station %d", code)
				assert.Len(t, h.sm.called[code][0], tt.want[i], "station %d", code)
				total += len(h.sm.called[code][0])
			}
			assert.Equal(t, tt.binsPerOrder, total)
		})
	}
}

func TestAdvanceOrderTakenByOneGroup(t *testing.T) {
	h := newHarness()
	plan := testPlan(t, "AO:10,N:5", 1)
	groups, err := station.Build(
		[]station.Spec{
			{Code: 1, Type: station.Inbound},
			{Code: 2, Type: station.Inbound},
			{Code: 3, Type: station.Outbound},
		},
		[]station.GroupSpec{
			{ID: 1, StationCodes: []int{1}},
			{ID: 2, StationCodes: []int{2}},
			{ID: 3, StationCodes: []int{3}},
		},
	)
	require.NoError(t, err)
	plan.Groups = groups
	plan.Demands[1].OrdersPerHour = 100
	e := h.engine(t, plan)

	require.NoError(t, e.Run(context.Background()))

	// one inbound and one outbound order, each on its own queue
	require.Len(t, h.sm.orders, 2)
	inbound, outbound := h.sm.orders["ao-1"], h.sm.orders["ao-2"]
	require.Len(t, inbound, 2)
	require.Len(t, outbound, 2)

	require.NotEmpty(t, h.sm.called[1])
	require.NotEmpty(t, h.sm.called[2])
	require.NotEmpty(t, h.sm.called[3])
	assert.ElementsMatch(t, inbound, h.sm.called[1][0])
	assert.ElementsMatch(t, outbound, h.sm.called[3][0])
	for _, c := range h.sm.called[2][0] {
		assert.NotContains(t, inbound, c, "fresh bin taken from a queued order")
		assert.NotContains(t, outbound, c, "fresh bin taken from a queued order")
	}

	storedBy := map[string]map[int]int{}
	for _, s := range h.sm.stored {
		if storedBy[s.AdvanceOrder] == nil {
			storedBy[s.AdvanceOrder] = map[int]int{}
		}
		storedBy[s.AdvanceOrder][s.Station]++
	}
	assert.Equal(t, map[int]int{1: 2}, storedBy["ao-1"])
	assert.Equal(t, map[int]int{3: 2}, storedBy["ao-2"])
	assert.Positive(t, storedBy[""][2])

	var first []storeCall
	for _, s := range h.sm.stored {
		if s.Station == 1 {
			first = append(first, s)
		}
	}
	require.GreaterOrEqual(t, len(first), 2)
	assert.Equal(t, "ao-1", first[0].AdvanceOrder)
	assert.Equal(t, "ao-1", first[1].AdvanceOrder)
	assert.Empty(t, h.sm.overlaps)
}

func TestSetupRunsInOrder(t *testing.T) {
	h := newHarness()
	plan := testPlan(t, "N:1", 1)
	raw := json.RawMessage(`{}`)
	plan.Setup = &Setup{
		Reset:            true,
		Layout:           raw,
		Obstacles:        raw,
		Storage:          raw,
		TrafficObstacles: raw,
		Skycars:          raw,
		Constraints:      raw,
		StartCube:        true,
		AutoStore:        raw,
	}
	e := h.engine(t, plan)
	require.NoError(t, e.Run(context.Background()))

	smCalls := h.sm.callLog()
	assert.Equal(t, []string{"sm reset", "sm initialize", "sm obstacles", "sm storage"}, smCalls[:4])
	assert.Equal(t, []string{"tc obstacles", "tc skycars", "tc constraints", "tc start", "tc cyclestop"}, h.tc.calls)
	assert.Equal(t, "sm autostore", smCalls[4])
}

func TestSetupFailureFailsRun(t *testing.T) {
	h := newHarness()
	h.tc.failOn = "tc skycars"
	plan := testPlan(t, "N:10", 1)
	plan.Setup = &Setup{Skycars: json.RawMessage(`{}`), StartCube: true}
	e := h.engine(t, plan)

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed skycars")
	assert.Equal(t, []string{"tc skycars", "tc cyclestop"}, h.tc.calls)
	assert.Equal(t, status.Failed, h.tracker.Get().Phase)
}

func TestParametersPersisted(t *testing.T) {
	h := newHarness()
	plan := testPlan(t, "N:1", 1)
	plan.Request = []byte(`{"configuration":{"name":"test run"}}`)
	e := h.engine(t, plan)

	require.NoError(t, e.Run(context.Background()))
	assert.JSONEq(t, string(plan.Request), string(h.store.params[42]))
}

func TestTransitionGuard(t *testing.T) {
	e := &Engine{state: status.Created}
	require.ErrorIs(t, e.transition(status.Completed), ErrInvalidTransition)
	require.NoError(t, e.transition(status.Running))
	require.NoError(t, e.transition(status.Stopped))
	require.ErrorIs(t, e.transition(status.Running), ErrInvalidTransition)
}

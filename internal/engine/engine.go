// Package engine runs a simulation: it walks the operation schedule,
// pre-positions advance orders, keeps stations supplied with bins and stores
// them back once handled.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/matrixsim/internal/advance"
	"github.com/example/matrixsim/internal/bins"
	"github.com/example/matrixsim/internal/clock"
	"github.com/example/matrixsim/internal/control"
	"github.com/example/matrixsim/internal/runs"
	"github.com/example/matrixsim/internal/schedule"
	"github.com/example/matrixsim/internal/station"
	"github.com/example/matrixsim/internal/status"
	"github.com/example/matrixsim/internal/telemetry"
)

type StorageManager interface {
	CallBins(ctx context.Context, stationCode int, codes []int) error
	StoreBin(ctx context.Context, stationCode, bin int, advanceOrder string) error
	StoragesAtStation(ctx context.Context, stationCode int) ([]control.Storage, error)
	BinsInLayer(ctx context.Context, layer int) ([]int, error)
	UpsertAdvanceOrder(ctx context.Context, orderNo string, codes []int) error

	Reset(ctx context.Context) error
	Initialize(ctx context.Context, layout json.RawMessage) error
	SetObstacles(ctx context.Context, obstacles json.RawMessage) error
	InitializeStorage(ctx context.Context, storage json.RawMessage) error
	SetAutoStore(ctx context.Context, settings json.RawMessage) error
}

type TrafficController interface {
	CycleStop(ctx context.Context, reason string) error

	SetObstacles(ctx context.Context, obstacles json.RawMessage) error
	SeedSkycars(ctx context.Context, skycars json.RawMessage) error
	SetConstraints(ctx context.Context, constraints json.RawMessage) error
	StartCube(ctx context.Context) error
}

// Store persists the run record and its log.
type Store interface {
	StartRun(ctx context.Context, run runs.Run) (int64, error)
	FinishRun(ctx context.Context, id int64, endedAt time.Time, outcome string, runErr *string) error
	AppendLogs(ctx context.Context, entries []runs.LogEntry) error
	SaveParameters(ctx context.Context, runID int64, request []byte) error
}

// Plan is a validated run request.
type Plan struct {
	RunID        int64
	Name         string
	ServerNumber int

	Schedule schedule.Schedule
	Groups   []*station.Group

	HandlingDelay map[station.Type]time.Duration
	BinsPerOrder  map[station.Type]int
	Demands       []advance.Demand
	LayerWeights  []float64

	Setup *Setup
	// Request is the accepted request body, stored with the run.
	Request []byte
}

type Deps struct {
	Storage StorageManager
	Traffic TrafficController
	Store   Store
	Status  *status.Tracker
	Clock   clock.Clock
	Logger  zerolog.Logger
}

type Options struct {
	// Pace is the pause between loop iterations.
	Pace time.Duration
	// CheckInterval spaces station servicing passes.
	CheckInterval time.Duration
	// MaxAttempts bounds allocator sampling rounds.
	MaxAttempts int
	Rand        *rand.Rand
	// ShutdownTimeout bounds cleanup after the loop exits.
	ShutdownTimeout time.Duration
	// OrderName names advance orders; defaults to random UUIDs.
	OrderName func() string
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownBin        = errors.New("bin not dispatched to station")
)

type Engine struct {
	plan   Plan
	sm     StorageManager
	tc     TrafficController
	store  Store
	status *status.Tracker
	clock  clock.Clock
	log    zerolog.Logger
	opts   Options

	alloc   *bins.Allocator
	orders  *advance.Manager
	journal *journal

	state status.Phase
	runID int64

	start       time.Time
	nextCheck   time.Time
	allDone     bool
	normalIdx   int
	normalStart time.Time
	ending      bool
}

func New(plan Plan, deps Deps, opts Options) (*Engine, error) {
	if opts.Pace <= 0 {
		opts.Pace = 500 * time.Millisecond
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Status == nil {
		deps.Status = status.NewTracker()
	}

	e := &Engine{
		plan:      plan,
		sm:        deps.Storage,
		tc:        deps.Traffic,
		store:     deps.Store,
		status:    deps.Status,
		clock:     deps.Clock,
		log:       deps.Logger.With().Str("component", "engine").Str("simulation", plan.Name).Logger(),
		opts:      opts,
		state:     status.Created,
		allDone:   true,
		normalIdx: -1,
	}
	e.journal = &journal{store: deps.Store, clock: deps.Clock, log: e.log}

	alloc, err := bins.New(deps.Storage, plan.LayerWeights, opts.Rand, opts.MaxAttempts)
	if err != nil {
		return nil, err
	}
	alloc.OnLayerError = func(layer int, err error) {
		e.journal.warn(fmt.Sprintf("No bins available in layer %d: %v", layer, err))
	}
	e.alloc = alloc

	e.orders = advance.NewManager(alloc, deps.Storage, plan.Demands)
	if opts.OrderName != nil {
		e.orders.NewName = opts.OrderName
	}
	return e, nil
}

var transitions = map[status.Phase][]status.Phase{
	status.Created: {status.Running, status.Failed},
	status.Running: {status.Completed, status.Stopped, status.Failed},
}

func (e *Engine) transition(to status.Phase) error {
	for _, allowed := range transitions[e.state] {
		if allowed == to {
			e.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, to)
}

// State is the engine's current phase. Only the goroutine running Run may
// call it while the run is in progress.
func (e *Engine) State() status.Phase { return e.state }

// Run executes the simulation to completion, stop or failure. Cleanup runs on
// every exit path. The returned error is the cause of a failed run.
func (e *Engine) Run(ctx context.Context) error {
	outcome, runErr := e.run(ctx)
	if err := e.transition(outcome); err != nil {
		e.log.Error().Err(err).Msg("finish run")
	}
	e.shutdown(ctx, outcome, runErr)
	return runErr
}

func (e *Engine) run(ctx context.Context) (status.Phase, error) {
	startedAt := e.clock.Now()
	id, err := e.store.StartRun(ctx, runs.Run{
		ID:           e.plan.RunID,
		Name:         e.plan.Name,
		ServerNumber: e.plan.ServerNumber,
		StartedAt:    startedAt,
	})
	if err != nil {
		return status.Failed, fmt.Errorf("record run start: %w", err)
	}
	e.runID = id
	e.journal.runID = id
	e.log = e.log.With().Int64("run_id", id).Logger()
	e.journal.log = e.log

	if len(e.plan.Request) > 0 {
		if err := e.store.SaveParameters(ctx, id, e.plan.Request); err != nil {
			e.log.Warn().Err(err).Msg("persist run parameters")
		}
	}

	if err := e.transition(status.Running); err != nil {
		return status.Failed, err
	}
	e.status.MarkStarted(id, startedAt)
	e.status.Set(status.Running, "Simulation running", nil)
	telemetry.RunActive.Set(1)
	e.journal.info("Simulation starts")

	if err := e.setup(ctx); err != nil {
		return status.Failed, err
	}

	// the schedule starts once the servers are prepared
	e.start = e.clock.Now()
	e.nextCheck = e.start
	total := e.plan.Schedule.Total()

	for {
		if err := e.step(ctx); err != nil {
			if ctx.Err() != nil {
				e.journal.info("Simulation cancelled")
				return status.Stopped, nil
			}
			return status.Failed, err
		}
		e.journal.flush(ctx)

		select {
		case <-ctx.Done():
		case <-e.clock.After(e.opts.Pace):
		}
		if ctx.Err() != nil {
			e.journal.info("Simulation cancelled")
			return status.Stopped, nil
		}

		if e.status.StopRequested() {
			e.journal.info("Stop requested")
			return status.Stopped, nil
		}
		if e.clock.Now().Sub(e.start) >= total {
			return status.Completed, nil
		}
	}
}

func (e *Engine) step(ctx context.Context) error {
	now := e.clock.Now()
	if now.Before(e.nextCheck) {
		return nil
	}
	elapsed := now.Sub(e.start)
	seg, idx := e.plan.Schedule.At(elapsed)

	switch {
	case seg.Mode == schedule.AdvanceOrder && e.allDone:
		return e.stageAdvanceOrders(ctx, now, elapsed, idx)
	case seg.Mode == schedule.Normal || !e.allDone:
		return e.serviceStations(ctx, now, seg, idx)
	}
	return nil
}

func (e *Engine) stageAdvanceOrders(ctx context.Context, now time.Time, elapsed time.Duration, idx int) error {
	segEnd := e.plan.Schedule.EndOf(idx)
	remaining := max(segEnd-elapsed, time.Second)

	e.journal.info("Advance order starts")
	for _, d := range e.plan.Demands {
		e.journal.info(fmt.Sprintf("Number of %s advance orders: %d", d.Type, advance.OrdersFor(d, remaining)))
	}

	staged, err := e.orders.Stage(ctx, remaining, now, e.claimed())
	for _, o := range staged {
		telemetry.AdvanceOrdersTotal.WithLabelValues(o.Type.String()).Inc()
		e.journal.info(fmt.Sprintf("Advance order %s submitted with %d %s bins", o.Name, len(o.Bins), o.Type))
	}
	if err != nil {
		return err
	}

	e.journal.info(fmt.Sprintf("Advance order ends in %d seconds", int(remaining/time.Second)))
	e.nextCheck = e.start.Add(segEnd)
	return nil
}

func (e *Engine) serviceStations(ctx context.Context, now time.Time, seg schedule.Segment, idx int) error {
	if seg.Mode == schedule.Normal && idx != e.normalIdx {
		e.normalIdx = idx
		e.normalStart = now
		e.ending = false
		e.journal.info("Normal operation starts")
	}

	for _, g := range e.plan.Groups {
		if g.Empty() && seg.Mode == schedule.Normal && !e.ending {
			if err := e.replenish(ctx, g); err != nil {
				return err
			}
		}
		if g.Empty() {
			continue
		}
		// every member is queried so a bin at a station that holds nothing is caught
		for _, st := range g.Stations {
			if err := e.serviceStation(ctx, now, st); err != nil {
				return err
			}
		}
	}
	e.nextCheck = now.Add(e.opts.CheckInterval)

	allEmpty := true
	for _, g := range e.plan.Groups {
		if !g.Empty() {
			allEmpty = false
			break
		}
	}
	wasDone := e.allDone
	e.allDone = allEmpty && seg.Mode != schedule.Normal
	if e.allDone && !wasDone {
		e.journal.info("All orders completed beyond normal operation.")
	}

	if !e.ending && (seg.Mode != schedule.Normal || now.Sub(e.normalStart) >= seg.Duration) {
		e.ending = true
		e.journal.info("Normal operation ends. Completing remaining bins in existing orders.")
	}
	return nil
}

// replenish hands a group the oldest advance order of its type or, when none
// is queued, one order's worth of freshly allocated bins, then calls them to
// the stations. Either way the bins are spread ceil(n/stations) per station,
// so trailing stations may get fewer or none.
func (e *Engine) replenish(ctx context.Context, g *station.Group) error {
	if o, ok := e.orders.Next(g.Type); ok {
		g.Assign(o.Bins, o.Name)
		e.journal.info(fmt.Sprintf("Group %d takes advance order %s", g.ID, o.Name))
	} else {
		codes, err := e.alloc.Allocate(ctx, e.plan.BinsPerOrder[g.Type], e.claimed())
		if err != nil {
			return fmt.Errorf("allocate bins for group %d: %w", g.ID, err)
		}
		g.Assign(codes, "")
	}

	for _, st := range g.Stations {
		if st.Empty() {
			continue
		}
		if err := e.sm.CallBins(ctx, st.Code, st.Bins); err != nil {
			e.journal.record(runs.Error, fmt.Sprintf("Call bins failed: %v", err), &st.Code, nil)
			return fmt.Errorf("call bins to station %d: %w", st.Code, err)
		}
		telemetry.BinsCalledTotal.WithLabelValues(st.Type.String()).Add(float64(len(st.Bins)))
		for _, b := range st.Bins {
			e.journal.bin("Bin called", st.Code, b)
		}
	}
	return nil
}

func (e *Engine) serviceStation(ctx context.Context, now time.Time, st *station.Station) error {
	storages, err := e.sm.StoragesAtStation(ctx, st.Code)
	if err != nil {
		return fmt.Errorf("station %d status: %w", st.Code, err)
	}

	bin, present := binAtStation(storages)
	if !present || !st.Eligible(now) {
		return nil
	}
	if !st.Holds(bin) {
		return fmt.Errorf("station %d: %w: %d", st.Code, ErrUnknownBin, bin)
	}

	if err := e.sm.StoreBin(ctx, st.Code, bin, st.AdvanceOrder); err != nil {
		e.journal.record(runs.Error, fmt.Sprintf("Store bin failed: %v", err), &st.Code, &bin)
		return fmt.Errorf("store bin %d at station %d: %w", bin, st.Code, err)
	}
	telemetry.BinsStoredTotal.WithLabelValues(st.Type.String()).Inc()
	e.journal.bin("Bin stored", st.Code, bin)

	st.NextEligible = now.Add(e.plan.HandlingDelay[st.Type])
	st.Remove(bin)
	return nil
}

func binAtStation(storages []control.Storage) (int, bool) {
	for _, s := range storages {
		if s.LastMovement == control.AtStationWork {
			return s.Code, true
		}
	}
	return 0, false
}

// claimed lists every code resident at a station or held by a queued order.
func (e *Engine) claimed() map[int]struct{} {
	out := map[int]struct{}{}
	for _, g := range e.plan.Groups {
		for _, c := range g.Bins() {
			out[c] = struct{}{}
		}
	}
	for _, c := range e.orders.Outstanding() {
		out[c] = struct{}{}
	}
	return out
}

func (e *Engine) shutdown(ctx context.Context, outcome status.Phase, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ShutdownTimeout)
	defer cancel()

	end := e.clock.Now()
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
		e.journal.fail("Simulation failed: " + msg)
	}

	if err := e.tc.CycleStop(ctx, control.StopReason); err != nil {
		e.journal.warn(fmt.Sprintf("Traffic controller cycle stop failed: %v", err))
	}
	e.journal.info("Simulation ends")
	e.journal.flush(ctx)

	if e.runID > 0 {
		if err := e.store.FinishRun(ctx, e.runID, end, string(outcome), errMsg); err != nil {
			e.log.Warn().Err(err).Msg("persist run end")
		}
	}

	telemetry.RunsTotal.WithLabelValues(string(outcome)).Inc()
	telemetry.RunActive.Set(0)

	e.status.MarkStopped(end)
	switch outcome {
	case status.Completed:
		e.status.Set(outcome, "Simulation completed", nil)
	case status.Stopped:
		e.status.Set(outcome, "Simulation stopped", nil)
	default:
		e.status.Set(status.Failed, "Simulation failed", runErr)
	}
}

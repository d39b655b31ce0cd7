// Package jobs accepts run requests and drives at most one simulation at a
// time in the background.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/matrixsim/internal/clock"
	"github.com/example/matrixsim/internal/config"
	"github.com/example/matrixsim/internal/control"
	"github.com/example/matrixsim/internal/engine"
	"github.com/example/matrixsim/internal/status"
)

var ErrRunInProgress = errors.New("a simulation is already running")

// Controllers builds the SM and TC clients for a server pair.
type Controllers func(ep config.Endpoints) (engine.StorageManager, engine.TrafficController)

type Options struct {
	Servers        map[int]config.Endpoints
	Pace           time.Duration
	CheckInterval  time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int
	// Seed fixes the allocator RNG; zero seeds from the clock.
	Seed int64
}

type Service struct {
	store   engine.Store
	clock   clock.Clock
	log     zerolog.Logger
	opts    Options
	tracker *status.Tracker

	// Controllers defaults to HTTP clients with the configured timeout.
	Controllers Controllers

	running atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewService(store engine.Store, c clock.Clock, logger zerolog.Logger, opts Options) *Service {
	if c == nil {
		c = clock.Real{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = control.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:   store,
		clock:   c,
		log:     logger.With().Str("component", "jobs").Logger(),
		opts:    opts,
		tracker: status.NewTracker(),
		ctx:     ctx,
		cancel:  cancel,
	}
	hc := &http.Client{}
	s.Controllers = func(ep config.Endpoints) (engine.StorageManager, engine.TrafficController) {
		return control.NewStorageManager(ep.StorageManager, hc, opts.RequestTimeout),
			control.NewTrafficController(ep.TrafficController, hc, opts.RequestTimeout)
	}
	return s
}

// CreateRun validates the request and starts the engine in the background.
// It returns once the run is accepted.
func (s *Service) CreateRun(_ context.Context, req Request) error {
	plan, err := req.Plan()
	if err != nil {
		return err
	}
	ep, ok := s.opts.Servers[plan.ServerNumber]
	if !ok {
		return &ValidationError{Problems: []string{fmt.Sprintf("configuration.server_number: server %d is not configured", plan.ServerNumber)}}
	}

	if !s.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}

	sm, tc := s.Controllers(ep)
	seed := s.opts.Seed
	if seed == 0 {
		seed = s.clock.Now().UnixNano()
	}
	e, err := engine.New(plan, engine.Deps{
		Storage: sm,
		Traffic: tc,
		Store:   s.store,
		Status:  s.tracker,
		Clock:   s.clock,
		Logger:  s.log,
	}, engine.Options{
		Pace:          s.opts.Pace,
		CheckInterval: s.opts.CheckInterval,
		MaxAttempts:   s.opts.MaxAttempts,
		Rand:          rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		s.running.Store(false)
		return &ValidationError{Problems: []string{err.Error()}}
	}

	s.tracker.Reset(plan.RunID, plan.Name)
	s.log.Info().Str("simulation", plan.Name).Int("server", plan.ServerNumber).Str("schedule", plan.Schedule.String()).Msg("run accepted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if err := e.Run(s.ctx); err != nil {
			s.log.Error().Err(err).Str("simulation", plan.Name).Msg("run failed")
		}
	}()
	return nil
}

func (s *Service) QueryStatus() status.JobStatus { return s.tracker.Get() }

// RequestStop asks the running simulation to stop. It reports whether a run
// was active.
func (s *Service) RequestStop() bool {
	s.tracker.RequestStop()
	return s.running.Load()
}

func (s *Service) QueryTime() time.Time { return s.clock.Now() }

// Running reports whether a run is in progress.
func (s *Service) Running() bool { return s.running.Load() }

// Wait blocks until the background run, if any, has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Close cancels any run in progress and waits for its cleanup.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

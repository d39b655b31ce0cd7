package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Setup holds the payloads that prepare a simulation server pair before a
// run. The payload shapes belong to the SM and TC services; empty payloads
// skip their step.
type Setup struct {
	Reset            bool            `json:"reset,omitempty"`
	Layout           json.RawMessage `json:"layout,omitempty"`
	Obstacles        json.RawMessage `json:"obstacles,omitempty"`
	Storage          json.RawMessage `json:"storage,omitempty"`
	TrafficObstacles json.RawMessage `json:"traffic_obstacles,omitempty"`
	Skycars          json.RawMessage `json:"skycars,omitempty"`
	Constraints      json.RawMessage `json:"constraints,omitempty"`
	StartCube        bool            `json:"start_cube,omitempty"`
	AutoStore        json.RawMessage `json:"auto_store,omitempty"`
}

type setupStep struct {
	name string
	skip bool
	run  func(context.Context) error
}

func (e *Engine) setup(ctx context.Context) error {
	s := e.plan.Setup
	if s == nil {
		return nil
	}
	steps := []setupStep{
		{"reset storage manager", !s.Reset, e.sm.Reset},
		{"initialise layout", len(s.Layout) == 0, func(ctx context.Context) error { return e.sm.Initialize(ctx, s.Layout) }},
		{"configure storage obstacles", len(s.Obstacles) == 0, func(ctx context.Context) error { return e.sm.SetObstacles(ctx, s.Obstacles) }},
		{"initialise storage", len(s.Storage) == 0, func(ctx context.Context) error { return e.sm.InitializeStorage(ctx, s.Storage) }},
		{"configure traffic obstacles", len(s.TrafficObstacles) == 0, func(ctx context.Context) error { return e.tc.SetObstacles(ctx, s.TrafficObstacles) }},
		{"seed skycars", len(s.Skycars) == 0, func(ctx context.Context) error { return e.tc.SeedSkycars(ctx, s.Skycars) }},
		{"set cube constraints", len(s.Constraints) == 0, func(ctx context.Context) error { return e.tc.SetConstraints(ctx, s.Constraints) }},
		{"start cube", !s.StartCube, e.tc.StartCube},
		{"configure auto-store", len(s.AutoStore) == 0, func(ctx context.Context) error { return e.sm.SetAutoStore(ctx, s.AutoStore) }},
	}
	for _, st := range steps {
		if st.skip {
			continue
		}
		if err := st.run(ctx); err != nil {
			return fmt.Errorf("setup: %s: %w", st.name, err)
		}
		e.journal.info("Setup: " + st.name)
	}
	return nil
}

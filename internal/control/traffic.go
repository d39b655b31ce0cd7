package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StopReason is sent with the cycle-stop that ends every run.
const StopReason = "Matrix simulation has stopped the simulation."

// TrafficController is a client for the TC service.
type TrafficController struct {
	c client
}

func NewTrafficController(baseURL string, hc *http.Client, timeout time.Duration) *TrafficController {
	return &TrafficController{c: newClient("tc", baseURL, hc, timeout)}
}

// CycleStop halts the robot job queue.
func (t *TrafficController) CycleStop(ctx context.Context, reason string) error {
	in := struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}{"Enabled", reason}
	return t.c.do(ctx, "cycle_stop", http.MethodPost, "/operation/cyclestop", nil, in, nil)
}

func (t *TrafficController) SetObstacles(ctx context.Context, obstacles json.RawMessage) error {
	return t.c.do(ctx, "obstacles", http.MethodPost, "/wcs/obstacle", nil, obstacles, nil)
}

func (t *TrafficController) SeedSkycars(ctx context.Context, skycars json.RawMessage) error {
	return t.c.do(ctx, "seed_skycars", http.MethodPost, "/simulation/seed-skycars", nil, skycars, nil)
}

func (t *TrafficController) SetConstraints(ctx context.Context, constraints json.RawMessage) error {
	return t.c.do(ctx, "constraints", http.MethodPatch, "/operation/cube/constraints", nil, constraints, nil)
}

// StartCube starts the simulated cube, bypassing readiness checks.
func (t *TrafficController) StartCube(ctx context.Context) error {
	q := url.Values{"start": {"true"}, "bypass": {"true"}}
	return t.c.do(ctx, "start_cube", http.MethodPost, "/operation/cube", q, nil, nil)
}

type TCHealth struct {
	// CycleStop is the raw cycle-stop status; a truthy value means a
	// simulation is active or has not been closed.
	CycleStop string
}

func (h TCHealth) Active() bool {
	switch strings.ToLower(strings.Trim(h.CycleStop, `"`)) {
	case "true", "enabled":
		return true
	}
	return false
}

func (t *TrafficController) Health(ctx context.Context) (TCHealth, error) {
	var out struct {
		Model struct {
			CycleStop struct {
				Status json.RawMessage `json:"status"`
			} `json:"cycle_stop"`
		} `json:"model"`
	}
	if err := t.c.do(ctx, "health", http.MethodGet, "/operation/healthcheck", nil, nil, &out); err != nil {
		return TCHealth{}, err
	}
	return TCHealth{CycleStop: string(out.Model.CycleStop.Status)}, nil
}

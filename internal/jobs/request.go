package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/example/matrixsim/internal/advance"
	"github.com/example/matrixsim/internal/bins"
	"github.com/example/matrixsim/internal/engine"
	"github.com/example/matrixsim/internal/schedule"
	"github.com/example/matrixsim/internal/station"
)

type Configuration struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	ServerNumber   int    `json:"server_number"`
	DurationString string `json:"duration_string"`
}

// Pareto derives layer weights from a truncated Pareto distribution where
// the top P share of layers receives Q of the picks.
type Pareto struct {
	P      float64 `json:"p"`
	Q      float64 `json:"q"`
	Layers int     `json:"layers"`
}

type Parameters struct {
	InboundTime           int       `json:"inbound_time"`
	OutboundTime          int       `json:"outbound_time"`
	InboundBinsPerOrder   int       `json:"inbound_bins_per_order"`
	OutboundBinsPerOrder  int       `json:"outbound_bins_per_order"`
	InboundOrdersPerHour  int       `json:"inbound_orders_per_hour"`
	OutboundOrdersPerHour int       `json:"outbound_orders_per_hour"`
	ParetoProbabilities   []float64 `json:"pareto_probabilities,omitempty"`
	Pareto                *Pareto   `json:"pareto,omitempty"`
}

type Station struct {
	Code int    `json:"code"`
	Type string `json:"type"`
}

type StationGroup struct {
	Group        int   `json:"group"`
	StationCodes []int `json:"station_codes"`
}

// Request is the body of a run submission.
type Request struct {
	Configuration Configuration  `json:"configuration"`
	Parameters    Parameters     `json:"parameters"`
	Stations      []Station      `json:"stations"`
	StationGroups []StationGroup `json:"station_groups"`
	Setup         *engine.Setup  `json:"setup,omitempty"`
}

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// DecodeRequest reads a JSON request, rejecting unknown fields and trailing
// data.
func DecodeRequest(r io.Reader) (Request, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, &ValidationError{Problems: []string{"malformed body: " + err.Error()}}
	}
	if dec.More() {
		return Request{}, &ValidationError{Problems: []string{"malformed body: trailing data"}}
	}
	return req, nil
}

// Plan validates the request and resolves it into an engine plan.
func (r Request) Plan() (engine.Plan, error) {
	verr := &ValidationError{}
	c, p := r.Configuration, r.Parameters

	if c.ID < 0 {
		verr.add("configuration.id must not be negative")
	}
	if strings.TrimSpace(c.Name) == "" {
		verr.add("configuration.name is required")
	}
	if c.ServerNumber < 1 {
		verr.add("configuration.server_number must be positive")
	}
	sched, err := schedule.Parse(c.DurationString)
	if err != nil {
		verr.add("configuration.duration_string: %v", err)
	}

	if p.InboundTime < 0 || p.OutboundTime < 0 {
		verr.add("parameters: handling times must not be negative")
	}
	if p.InboundBinsPerOrder < 0 || p.OutboundBinsPerOrder < 0 {
		verr.add("parameters: bins per order must not be negative")
	}
	if p.InboundOrdersPerHour < 0 || p.OutboundOrdersPerHour < 0 {
		verr.add("parameters: orders per hour must not be negative")
	}
	weights, err := p.layerWeights()
	if err != nil {
		verr.add("parameters: %v", err)
	}

	specs := make([]station.Spec, 0, len(r.Stations))
	for _, s := range r.Stations {
		specs = append(specs, station.Spec{Code: s.Code, Type: station.Type(strings.ToUpper(s.Type))})
	}
	groupSpecs := make([]station.GroupSpec, 0, len(r.StationGroups))
	for _, g := range r.StationGroups {
		groupSpecs = append(groupSpecs, station.GroupSpec{ID: g.Group, StationCodes: g.StationCodes})
	}
	groups, err := station.Build(specs, groupSpecs)
	if err != nil {
		verr.add("stations: %v", err)
	}
	for _, g := range groups {
		if p.binsPerOrder(g.Type) < 1 {
			verr.add("parameters: %s_bins_per_order must be positive for group %d", g.Type, g.ID)
		}
	}
	if p.InboundOrdersPerHour > 0 && p.InboundBinsPerOrder < 1 {
		verr.add("parameters: inbound_bins_per_order must be positive when inbound orders are placed")
	}
	if p.OutboundOrdersPerHour > 0 && p.OutboundBinsPerOrder < 1 {
		verr.add("parameters: outbound_bins_per_order must be positive when outbound orders are placed")
	}

	if len(verr.Problems) > 0 {
		return engine.Plan{}, verr
	}

	body, err := json.Marshal(r)
	if err != nil {
		return engine.Plan{}, fmt.Errorf("encode request: %w", err)
	}

	return engine.Plan{
		RunID:        c.ID,
		Name:         strings.TrimSpace(c.Name),
		ServerNumber: c.ServerNumber,
		Schedule:     sched,
		Groups:       groups,
		HandlingDelay: map[station.Type]time.Duration{
			station.Inbound:  time.Duration(p.InboundTime) * time.Second,
			station.Outbound: time.Duration(p.OutboundTime) * time.Second,
		},
		BinsPerOrder: map[station.Type]int{
			station.Inbound:  p.InboundBinsPerOrder,
			station.Outbound: p.OutboundBinsPerOrder,
		},
		Demands: []advance.Demand{
			{Type: station.Inbound, OrdersPerHour: float64(p.InboundOrdersPerHour), BinsPerOrder: p.InboundBinsPerOrder},
			{Type: station.Outbound, OrdersPerHour: float64(p.OutboundOrdersPerHour), BinsPerOrder: p.OutboundBinsPerOrder},
		},
		LayerWeights: weights,
		Setup:        r.Setup,
		Request:      body,
	}, nil
}

func (p Parameters) binsPerOrder(t station.Type) int {
	if t == station.Outbound {
		return p.OutboundBinsPerOrder
	}
	return p.InboundBinsPerOrder
}

func (p Parameters) layerWeights() ([]float64, error) {
	switch {
	case len(p.ParetoProbabilities) > 0 && p.Pareto != nil:
		return nil, errors.New("pareto_probabilities and pareto are mutually exclusive")
	case len(p.ParetoProbabilities) > 0:
		var sum float64
		for _, w := range p.ParetoProbabilities {
			if w < 0 {
				return nil, errors.New("pareto_probabilities must not be negative")
			}
			sum += w
		}
		if sum <= 0 {
			return nil, errors.New("pareto_probabilities must sum to a positive value")
		}
		return append([]float64(nil), p.ParetoProbabilities...), nil
	case p.Pareto != nil:
		return bins.ParetoWeights(p.Pareto.Layers, p.Pareto.P, p.Pareto.Q)
	default:
		return nil, errors.New("one of pareto_probabilities or pareto is required")
	}
}

// Normalize re-encodes a decoded document (for example YAML) as JSON so it can
// go through DecodeRequest.
func Normalize(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

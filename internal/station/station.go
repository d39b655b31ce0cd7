// Package station models the pick stations a simulation drives and the groups
// that are replenished together.
package station

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type Type string

const (
	Inbound  Type = "I"
	Outbound Type = "O"
)

func (t Type) Valid() bool { return t == Inbound || t == Outbound }

func (t Type) String() string {
	switch t {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	}
	return string(t)
}

// Station is owned by the engine loop and is not safe for concurrent use.
type Station struct {
	Code int
	Type Type
	// Bins are the codes dispatched to the station and not yet stored back.
	Bins         []int
	NextEligible time.Time
	// AdvanceOrder names the advance order the current bins belong to.
	AdvanceOrder string
}

func (s *Station) Empty() bool { return len(s.Bins) == 0 }

func (s *Station) Holds(bin int) bool { return slices.Contains(s.Bins, bin) }

// Remove drops bin from the station. It reports false if the station did not
// hold it.
func (s *Station) Remove(bin int) bool {
	i := slices.Index(s.Bins, bin)
	if i < 0 {
		return false
	}
	s.Bins = slices.Delete(s.Bins, i, i+1)
	if len(s.Bins) == 0 {
		s.AdvanceOrder = ""
	}
	return true
}

// Eligible reports whether the station may store a bin at now.
func (s *Station) Eligible(now time.Time) bool {
	return !now.Before(s.NextEligible)
}

type Group struct {
	ID       int
	Type     Type
	Stations []*Station
}

// Empty reports whether every member station has no resident bins.
func (g *Group) Empty() bool {
	for _, s := range g.Stations {
		if !s.Empty() {
			return false
		}
	}
	return true
}

// Bins lists every resident bin across the group.
func (g *Group) Bins() []int {
	var out []int
	for _, s := range g.Stations {
		out = append(out, s.Bins...)
	}
	return out
}

// Assign spreads bins over the stations in order, at most ceil(len/stations)
// per station.
func (g *Group) Assign(bins []int, advanceOrder string) {
	per := PerStation(len(bins), len(g.Stations))
	for _, s := range g.Stations {
		n := min(per, len(bins))
		s.Bins = append(s.Bins, bins[:n]...)
		if n > 0 {
			s.AdvanceOrder = advanceOrder
		}
		bins = bins[n:]
	}
}

// PerStation is ceil(total/stations).
func PerStation(total, stations int) int {
	if stations <= 0 || total <= 0 {
		return 0
	}
	return (total + stations - 1) / stations
}

type Spec struct {
	Code int
	Type Type
}

type GroupSpec struct {
	ID           int
	StationCodes []int
}

var (
	ErrNoStations = errors.New("at least one station is required")
	ErrNoGroups   = errors.New("at least one station group is required")
)

// Build validates station and group definitions and returns the groups in
// the order given. Every group must reference known stations of a single
// type and no station may appear in two groups.
func Build(stations []Spec, groups []GroupSpec) ([]*Group, error) {
	if len(stations) == 0 {
		return nil, ErrNoStations
	}
	if len(groups) == 0 {
		return nil, ErrNoGroups
	}

	byCode := make(map[int]Spec, len(stations))
	for _, s := range stations {
		if !s.Type.Valid() {
			return nil, fmt.Errorf("station %d: unknown type %q", s.Code, s.Type)
		}
		if _, dup := byCode[s.Code]; dup {
			return nil, fmt.Errorf("station %d: defined twice", s.Code)
		}
		byCode[s.Code] = s
	}

	used := map[int]int{}
	seenGroup := map[int]bool{}
	out := make([]*Group, 0, len(groups))
	for _, gs := range groups {
		if seenGroup[gs.ID] {
			return nil, fmt.Errorf("group %d: defined twice", gs.ID)
		}
		seenGroup[gs.ID] = true
		if len(gs.StationCodes) == 0 {
			return nil, fmt.Errorf("group %d: no stations", gs.ID)
		}

		g := &Group{ID: gs.ID}
		for _, code := range gs.StationCodes {
			sp, ok := byCode[code]
			if !ok {
				return nil, fmt.Errorf("group %d: unknown station %d", gs.ID, code)
			}
			if other, taken := used[code]; taken {
				return nil, fmt.Errorf("group %d: station %d already in group %d", gs.ID, code, other)
			}
			used[code] = gs.ID
			if g.Type == "" {
				g.Type = sp.Type
			} else if g.Type != sp.Type {
				return nil, fmt.Errorf("group %d: mixes %s and %s stations", gs.ID, g.Type, sp.Type)
			}
			g.Stations = append(g.Stations, &Station{Code: sp.Code, Type: sp.Type})
		}
		out = append(out, g)
	}
	return out, nil
}

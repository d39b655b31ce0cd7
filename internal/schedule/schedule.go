// Package schedule parses operation schedules such as "N800;AO1000;N500" or
// "AO:10,N:20" into ordered segments.
package schedule

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	AdvanceOrder Mode = "AO"
	Normal       Mode = "N"
)

type Segment struct {
	Mode     Mode
	Duration time.Duration
}

// Schedule is an ordered, non-empty list of segments.
type Schedule struct {
	segments []Segment
	ends     []time.Duration
}

type ParseError struct {
	Input  string
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("schedule %q: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("schedule %q: token %q: %s", e.Input, e.Token, e.Reason)
}

// maxTotal is the longest schedule a time.Duration can hold in whole seconds.
const maxTotal = time.Duration(math.MaxInt64/int64(time.Second)) * time.Second

func Parse(s string) (Schedule, error) {
	if strings.TrimSpace(s) == "" {
		return Schedule{}, &ParseError{Input: s, Reason: "no segments"}
	}
	tokens := strings.Split(strings.ReplaceAll(s, ",", ";"), ";")

	var sc Schedule
	var total time.Duration
	for _, raw := range tokens {
		tok := strings.TrimSpace(raw)
		seg, err := parseToken(tok)
		if err != nil {
			return Schedule{}, &ParseError{Input: s, Token: tok, Reason: err.Error()}
		}
		if seg.Duration > maxTotal-total {
			return Schedule{}, &ParseError{Input: s, Token: tok, Reason: "total duration too large"}
		}
		total += seg.Duration
		sc.segments = append(sc.segments, seg)
		sc.ends = append(sc.ends, total)
	}
	if total <= 0 {
		return Schedule{}, &ParseError{Input: s, Reason: "total duration must be positive"}
	}
	return sc, nil
}

func parseToken(tok string) (Segment, error) {
	if tok == "" {
		return Segment{}, fmt.Errorf("empty segment")
	}
	i := strings.IndexFunc(tok, func(r rune) bool { return r == ':' || (r >= '0' && r <= '9') })
	if i <= 0 {
		return Segment{}, fmt.Errorf("missing mode")
	}

	var mode Mode
	switch strings.ToUpper(strings.TrimSpace(tok[:i])) {
	case "AO":
		mode = AdvanceOrder
	case "N":
		mode = Normal
	default:
		return Segment{}, fmt.Errorf("unknown mode %q", tok[:i])
	}

	num := strings.TrimSpace(strings.TrimPrefix(tok[i:], ":"))
	secs, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Segment{}, fmt.Errorf("invalid duration %q", num)
	}
	if secs <= 0 {
		return Segment{}, fmt.Errorf("duration must be positive")
	}
	if secs > int64(maxTotal/time.Second) {
		return Segment{}, fmt.Errorf("duration %ds too large", secs)
	}
	return Segment{Mode: mode, Duration: time.Duration(secs) * time.Second}, nil
}

func (s Schedule) Segments() []Segment {
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

func (s Schedule) Len() int { return len(s.segments) }

// Total is the sum of all segment durations.
func (s Schedule) Total() time.Duration {
	if len(s.ends) == 0 {
		return 0
	}
	return s.ends[len(s.ends)-1]
}

// At resolves the segment active at elapsed. Elapsed values past the end
// resolve to the last segment.
func (s Schedule) At(elapsed time.Duration) (Segment, int) {
	for i, end := range s.ends {
		if elapsed < end {
			return s.segments[i], i
		}
	}
	last := len(s.segments) - 1
	return s.segments[last], last
}

// EndOf is the elapsed offset at which segment i finishes.
func (s Schedule) EndOf(i int) time.Duration {
	return s.ends[i]
}

func (s Schedule) String() string {
	parts := make([]string, len(s.segments))
	for i, seg := range s.segments {
		parts[i] = fmt.Sprintf("%s%d", seg.Mode, int(seg.Duration/time.Second))
	}
	return strings.Join(parts, ";")
}

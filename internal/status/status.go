// Package status holds the externally visible state of the current run.
package status

import (
	"sync/atomic"
	"time"
)

type Phase string

const (
	Idle      Phase = "idle"
	Created   Phase = "created"
	Running   Phase = "running"
	Completed Phase = "completed"
	Stopped   Phase = "stopped"
	Failed    Phase = "failed"
)

// Terminal reports whether no further transitions follow.
func (p Phase) Terminal() bool {
	return p == Completed || p == Stopped || p == Failed
}

type JobStatus struct {
	Phase          Phase      `json:"phase"`
	Message        string     `json:"message,omitempty"`
	Error          string     `json:"error,omitempty"`
	RunID          int64      `json:"run_id,omitempty"`
	SimulationName string     `json:"simulation_name,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	StopTime       *time.Time `json:"stop_time,omitempty"`
	StopRequested  bool       `json:"stop_requested"`
}

// Tracker is a single-writer, many-reader status cell plus a cooperative
// stop flag. The zero value reports Idle.
type Tracker struct {
	cur  atomic.Pointer[JobStatus]
	stop atomic.Bool
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) Get() JobStatus {
	s := t.cur.Load()
	if s == nil {
		return JobStatus{Phase: Idle, StopRequested: t.stop.Load()}
	}
	out := *s
	out.StopRequested = t.stop.Load()
	return out
}

// Reset starts a fresh run record in phase Created and clears the stop flag.
func (t *Tracker) Reset(runID int64, name string) {
	t.stop.Store(false)
	t.cur.Store(&JobStatus{Phase: Created, RunID: runID, SimulationName: name})
}

// Set publishes a new phase, keeping the run identity and timestamps.
func (t *Tracker) Set(phase Phase, message string, err error) {
	t.update(func(s *JobStatus) {
		s.Phase = phase
		s.Message = message
		s.Error = ""
		if err != nil {
			s.Error = err.Error()
		}
	})
}

func (t *Tracker) MarkStarted(runID int64, at time.Time) {
	t.update(func(s *JobStatus) {
		s.RunID = runID
		s.StartTime = &at
	})
}

func (t *Tracker) MarkStopped(at time.Time) {
	t.update(func(s *JobStatus) { s.StopTime = &at })
}

func (t *Tracker) update(fn func(*JobStatus)) {
	var next JobStatus
	if cur := t.cur.Load(); cur != nil {
		next = *cur
	}
	fn(&next)
	t.cur.Store(&next)
}

// RequestStop asks the running engine to wind down at its next iteration
// boundary. Repeated calls are harmless.
func (t *Tracker) RequestStop() { t.stop.Store(true) }

func (t *Tracker) StopRequested() bool { return t.stop.Load() }

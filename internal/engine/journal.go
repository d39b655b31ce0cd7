package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/matrixsim/internal/clock"
	"github.com/example/matrixsim/internal/runs"
	"github.com/example/matrixsim/internal/telemetry"
)

// journal buffers run log entries and writes them through the store in
// batches. Every entry is also emitted to the process logger. Persistence is
// best effort: a failed batch is reported and dropped.
type journal struct {
	store   Store
	clock   clock.Clock
	log     zerolog.Logger
	runID   int64
	pending []runs.LogEntry
}

func (j *journal) record(sev runs.Severity, msg string, stationCode, binCode *int) {
	e := runs.LogEntry{
		RunID:       j.runID,
		Timestamp:   j.clock.Now(),
		Severity:    sev,
		Message:     msg,
		StationCode: stationCode,
		BinCode:     binCode,
	}

	var ev *zerolog.Event
	switch sev {
	case runs.Error:
		ev = j.log.Error()
	case runs.Warn:
		ev = j.log.Warn()
	default:
		ev = j.log.Info()
	}
	if stationCode != nil {
		ev = ev.Int("station", *stationCode)
	}
	if binCode != nil {
		ev = ev.Int("bin", *binCode)
	}
	ev.Msg(msg)

	if j.runID == 0 {
		return
	}
	j.pending = append(j.pending, e)
}

func (j *journal) info(msg string) { j.record(runs.Info, msg, nil, nil) }
func (j *journal) warn(msg string) { j.record(runs.Warn, msg, nil, nil) }
func (j *journal) fail(msg string) { j.record(runs.Error, msg, nil, nil) }

func (j *journal) bin(msg string, stationCode, binCode int) {
	j.record(runs.Info, msg, &stationCode, &binCode)
}

func (j *journal) flush(ctx context.Context) {
	if len(j.pending) == 0 {
		return
	}
	batch := j.pending
	j.pending = nil
	if err := j.store.AppendLogs(ctx, batch); err != nil {
		telemetry.LogFlushFailuresTotal.Inc()
		j.log.Warn().Err(err).Int("entries", len(batch)).Msg("persist run log")
	}
}

// Package web serves the JSON API for submitting and observing simulation
// runs.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/matrixsim/internal/auth"
	"github.com/example/matrixsim/internal/db"
	"github.com/example/matrixsim/internal/health"
	"github.com/example/matrixsim/internal/jobs"
	"github.com/example/matrixsim/internal/runs"
	"github.com/example/matrixsim/internal/status"
	"github.com/example/matrixsim/internal/telemetry"
)

const maxBodyBytes = 4 << 20

type Jobs interface {
	CreateRun(ctx context.Context, req jobs.Request) error
	QueryStatus() status.JobStatus
	RequestStop() bool
	QueryTime() time.Time
}

type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]runs.Run, error)
	GetRun(ctx context.Context, id int64) (runs.Run, error)
	ListLogs(ctx context.Context, runID int64, limit int) ([]runs.LogEntry, error)
	Parameters(ctx context.Context, runID int64) ([]byte, error)
}

type Upstreams interface {
	Check(ctx context.Context, server int) (health.Report, bool)
	Last(server int) (health.Report, bool)
}

type Server struct {
	Jobs      Jobs
	Runs      RunHistory
	Upstreams Upstreams
	// Auth guards the mutating routes when set.
	Auth   *auth.Store
	Logger zerolog.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Logger))
	r.Use(middleware.Recoverer)
	r.Use(telemetry.MetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", telemetry.Handler())

	r.Get("/time", s.handleTime)
	r.Get("/status", s.handleStatus)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/logs", s.handleRunLogs)
	r.Get("/runs/{id}/parameters", s.handleRunParameters)
	r.Get("/upstream/{server}/health", s.handleUpstreamHealth)

	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		if s.Auth != nil {
			r.Use(s.Auth.RequireAuth)
		}
		r.Post("/jobs/create", s.handleCreate)
		r.Post("/jobs/stop", s.handleStop)
	})

	return r
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"current_time": s.Jobs.QueryTime().Format(time.DateTime),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Jobs.QueryStatus())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, err := jobs.DecodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = s.Jobs.CreateRun(r.Context(), req)
	}

	var verr *jobs.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "Job creation process has been started"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "problems": verr.Problems})
	case errors.Is(err, jobs.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("create run")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	running := s.Jobs.RequestStop()
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Job creation process has been stopped",
		"running": running,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 50)
	if !ok {
		return
	}
	out, err := s.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("list runs")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if out == nil {
		out = []runs.Run{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, err := s.Runs.GetRun(r.Context(), id)
	switch {
	case db.IsNotFound(err):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Int64("run_id", id).Msg("get run")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r, 1000)
	if !ok {
		return
	}
	entries, err := s.Runs.ListLogs(r.Context(), id, limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Int64("run_id", id).Msg("list run logs")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []runs.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleRunParameters returns the request a run was started with, verbatim.
func (s *Server) handleRunParameters(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.Runs.Parameters(r.Context(), id)
	switch {
	case db.IsNotFound(err):
		writeError(w, http.StatusNotFound, "parameters not found")
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Int64("run_id", id).Msg("get run parameters")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

// handleUpstreamHealth probes a server. With cached=1 the last periodic
// report is returned instead, falling back to a probe when there is none.
func (s *Server) handleUpstreamHealth(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "server"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server number")
		return
	}
	var (
		rep health.Report
		ok  bool
	)
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		rep, ok = s.Upstreams.Last(n)
	}
	if !ok {
		rep, ok = s.Upstreams.Check(r.Context(), n)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "server not configured")
		return
	}
	code := http.StatusOK
	if !rep.OK() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.Auth == nil {
		writeError(w, http.StatusNotFound, "authentication disabled")
		return
	}
	var c credentials
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), c.Username, c.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("authenticate")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.Auth != nil {
		s.Auth.ClearSession(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestLogger attaches a request-scoped logger to the context and logs
// each completed request at debug level.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			l := base.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(l.WithContext(r.Context())))

			l.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("size", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return 0, false
	}
	return id, true
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 10000 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start serves h until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package httpapi serves the engine over HTTP: executions can be submitted,
// cancelled and followed as server-sent events, and run history, statistics
// and indexed progress events can be queried.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/engine/protocol"
	"github.com/ChamsBouzaiene/juno/internal/eventindex"
	"github.com/ChamsBouzaiene/juno/internal/history"
	"github.com/ChamsBouzaiene/juno/internal/server"
)

// DefaultShutdownTimeout bounds POST /v1/shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Options configures a Server. History and Events are optional.
type Options struct {
	History *history.DB
	Events  *eventindex.Index
	// SubmitRate limits execution submissions per second. Zero disables it.
	SubmitRate  float64
	SubmitBurst int
	// Logger receives request logs. Nil disables them.
	Logger *log.Logger
}

// Server is the HTTP front end of a Runner.
type Server struct {
	runner  *server.Runner
	history *history.DB
	events  *eventindex.Index
	limiter *rate.Limiter
	logger  *log.Logger
	router  chi.Router
}

// New creates a Server.
func New(runner *server.Runner, opts Options) *Server {
	s := &Server{
		runner:  runner,
		history: opts.History,
		events:  opts.Events,
		logger:  opts.Logger,
	}
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), burst)
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	if s.logger != nil {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleActive)
			r.With(s.limitSubmissions).Post("/", s.handleExecute)
			r.Route("/{requestID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Delete("/", s.handleCancel)
				r.Get("/events", s.handleEvents)
			})
		})
		r.Get("/history", s.handleHistory)
		r.Get("/rate-limit", s.handleRateLimit)
		r.Get("/stats", s.handleStats)
		r.Get("/events/search", s.handleSearch)
		r.Post("/shutdown", s.handleShutdown)
	})
	return r
}

// limitSubmissions rejects executions above the configured submit rate.
func (s *Server) limitSubmissions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.runner.Engine().ShuttingDown() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "active": len(s.runner.Active())})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active": s.runner.Active()})
}

// handleExecute runs an execution. With ?async=true it returns 202 as soon
// as the run has started; otherwise it waits and returns the result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.ExecuteCommand
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_command", fmt.Sprintf("decode request: %v", err))
		return
	}
	if err := cmd.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_command", err.Error())
		return
	}
	req := cmd.Request()

	if r.URL.Query().Get("async") == "true" {
		if err := s.runner.Start(r.Context(), req, nil); err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/executions/"+req.RequestID)
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": req.RequestID})
		return
	}

	res, err := s.runner.Run(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewExecutionCompleteEvent(res))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	if !s.runner.Cancel(id) {
		writeError(w, http.StatusNotFound, "not_found", "no running request with this id")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id, "status": "cancelling"})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.NewRateLimitInfoEvent(s.runner.Engine().RateLimitInfo()))
}

type statsResponse struct {
	protocol.StatsEvent
	History *historyStats `json:"history,omitempty"`
}

type historyStats struct {
	Statistics protocol.Statistics `json:"statistics"`
}

// handleStats reports the engine's in-memory aggregate and, when a history
// database is configured, the aggregate over every recorded run.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	e := s.runner.Engine()
	resp := statsResponse{StatsEvent: protocol.NewStatsEvent(len(e.History()), e.AggregateStatistics())}
	if s.history != nil {
		f, err := parseHistoryFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}
		agg, err := s.history.Statistics(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
		resp.History = &historyStats{Statistics: protocol.NewStatistics(agg)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	timeout := DefaultShutdownTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "timeout must be a positive duration")
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	err := s.runner.Engine().Shutdown(ctx)
	if err == nil {
		err = s.runner.WaitContext(ctx)
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, protocol.NewShutdownCompleteEvent(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, protocol.NewErrorEvent("", message, kind, ""))
}

// writeEngineError maps submission failures to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var ve *engine.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, server.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate_request", err.Error())
	case errors.Is(err, engine.ErrEngineShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	}
}

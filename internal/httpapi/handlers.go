package httpapi

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/engine/protocol"
	"github.com/ChamsBouzaiene/juno/internal/eventindex"
	"github.com/ChamsBouzaiene/juno/internal/history"
)

// handleEvents streams the protocol events of one running request as
// server-sent events until it completes or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")

	// Subscribe before checking so the completion cannot slip in between.
	ch := make(chan engine.Event, 256)
	unsubscribe := s.runner.Engine().Subscribe(engine.ChannelHook{Ch: ch})
	defer unsubscribe()

	if !s.isActive(id) {
		writeError(w, http.StatusNotFound, "not_found", "no running request with this id")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	// The completion may have been emitted just before subscribing.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.isActive(id) && len(ch) == 0 {
				return
			}
		case ev := <-ch:
			if ev.RequestID != id {
				continue
			}
			out, ok := protocol.FromEngine(ev)
			if !ok {
				continue
			}
			if err := writeSSE(w, out); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
			if ev.Kind == "execution_complete" {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) isActive(id string) bool {
	for _, a := range s.runner.Active() {
		if a == id {
			return true
		}
	}
	return false
}

func writeSSE(w http.ResponseWriter, ev protocol.Event) error {
	data, err := protocol.MarshalEvent(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.GetType(), data)
	return err
}

type runResponse struct {
	RequestID        string              `json:"request_id"`
	SessionID        string              `json:"session_id"`
	Subagent         string              `json:"subagent"`
	Model            string              `json:"model,omitempty"`
	WorkingDirectory string              `json:"working_directory"`
	Status           string              `json:"status"`
	Error            string              `json:"error,omitempty"`
	StartTime        time.Time           `json:"start_time"`
	EndTime          time.Time           `json:"end_time"`
	DurationMs       int64               `json:"duration_ms"`
	Statistics       protocol.Statistics `json:"statistics"`
	Iterations       []iterationResponse `json:"iterations,omitempty"`
}

type iterationResponse struct {
	Iteration  int    `json:"iteration"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	ToolCalls  int    `json:"tool_calls"`
	Events     int    `json:"events"`
	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
}

func newRunResponse(rec history.RunRecord, its []history.IterationRecord) runResponse {
	out := runResponse{
		RequestID:        rec.RequestID,
		SessionID:        rec.SessionID,
		Subagent:         rec.Subagent,
		Model:            rec.Model,
		WorkingDirectory: rec.WorkingDirectory,
		Status:           string(rec.Status),
		Error:            rec.Error,
		StartTime:        rec.StartTime,
		EndTime:          rec.EndTime,
		DurationMs:       rec.Duration.Milliseconds(),
		Statistics:       protocol.NewStatistics(rec.Statistics),
	}
	for _, it := range its {
		out.Iterations = append(out.Iterations, iterationResponse{
			Iteration:  it.Iteration,
			Success:    it.Success,
			DurationMs: it.Duration.Milliseconds(),
			ToolCalls:  it.ToolCalls,
			Events:     it.Events,
			Error:      it.Error,
			ErrorClass: string(it.ErrorClass),
		})
	}
	return out
}

// handleGetRun reports a recorded run, or 202 while it is still running.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	if s.isActive(id) {
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id, "status": string(engine.StatusRunning)})
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "not_found", "run history is not enabled")
		return
	}
	rec, its, err := s.history.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not_found", "unknown request id")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(*rec, its))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "not_found", "run history is not enabled")
		return
	}
	f, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	recs, err := s.history.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	runs := make([]runResponse, 0, len(recs))
	for _, rec := range recs {
		runs = append(runs, newRunResponse(rec, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// parseHistoryFilter reads status, subagent, since (a duration back from
// now) and limit from the query string.
func parseHistoryFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	f := history.Filter{
		Status:   engine.ExecutionStatus(q.Get("status")),
		Subagent: q.Get("subagent"),
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
		f.Since = time.Now().Add(-d)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

type hitResponse struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Backend   string    `json:"backend,omitempty"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
}

// handleSearch queries the progress event index.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event index is not enabled")
		return
	}
	q := r.URL.Query()
	k := 10
	if v := q.Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "k must be a positive integer")
			return
		}
		k = n
	}
	hits, err := s.events.Search(q.Get("q"), eventindex.Filter{
		SessionID: q.Get("session"),
		Type:      engine.ProgressEventType(q.Get("type")),
		Backend:   q.Get("backend"),
	}, k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search_error", err.Error())
		return
	}
	out := make([]hitResponse, 0, len(hits))
	for _, h := range hits {
		out = append(out, hitResponse{
			EventID:   h.EventID,
			SessionID: h.SessionID,
			Kind:      string(h.Type),
			Backend:   h.Backend,
			Iteration: h.Iteration,
			Timestamp: h.Timestamp,
			Content:   h.Content,
			Score:     h.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": out})
}

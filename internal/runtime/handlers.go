package runtime

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/loqalabs/shop-voice/internal/eventstore"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const requestTimeout = 5 * time.Second

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /api/session", r.handleSession)
	mux.HandleFunc("POST /api/session/start", r.handleStart)
	mux.HandleFunc("POST /api/session/stop", r.handleStop)
	mux.HandleFunc("GET /api/session/history", r.handleHistory)
	return otelhttp.NewHandler(mux, "shopvoiced")
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	r.control(w, req, r.session.Start)
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	r.control(w, req, r.session.Stop)
}

// control applies a request and answers with the view right after it.
// Engine callbacks may still move the session afterwards.
func (r *Runtime) control(w http.ResponseWriter, req *http.Request, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn("session request failed", slogError(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

type historyEvent struct {
	Status     string          `json:"status"`
	StatusText string          `json:"status_text"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type historyQuery struct {
	CycleID   string    `json:"cycle_id"`
	Device    string    `json:"device,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	cycle := req.URL.Query().Get("cycle")
	if cycle == "" {
		queries, err := r.store.Recent(req.Context(), limit)
		if err != nil {
			r.logger.Error("failed to list recent queries", slogError(err))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "history unavailable"})
			return
		}
		out := make([]historyQuery, 0, len(queries))
		for _, q := range queries {
			out = append(out, historyQuery{CycleID: q.CycleID, Device: q.Device, CreatedAt: q.CreatedAt})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	events, err := r.store.ListQuery(req.Context(), cycle, limit)
	if err != nil {
		r.logger.Error("failed to list query events", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, toHistory(events))
}

func toHistory(events []eventstore.Event) []historyEvent {
	out := make([]historyEvent, 0, len(events))
	for _, e := range events {
		he := historyEvent{Status: e.Status, StatusText: e.StatusText, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			he.Result = e.Payload
		}
		out = append(out, he)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

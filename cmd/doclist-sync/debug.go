package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentworkforce/doclist/internal/doclist"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// viewSource is the read side of the engine the debug server exposes.
type viewSource interface {
	State() doclist.ViewState
	Rows() []doclist.Record
	FeedState() doclist.FeedState
	PendingCount() int
}

func newDebugRouter(source viewSource, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := source.State()
		status := http.StatusOK
		if state.LastError != "" && len(state.OrderedIDs) == 0 {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"feed":      source.FeedState().String(),
			"rows":      len(state.OrderedIDs),
			"total":     state.Total,
			"cursor":    state.Cursor,
			"pending":   source.PendingCount(),
			"queued":    len(state.QueuedChanges),
			"lastError": state.LastError,
		})
	})
	r.Get("/rows", func(w http.ResponseWriter, req *http.Request) {
		rows := source.Rows()
		if raw := req.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"code": "bad_request", "message": "limit must be a non-negative integer"})
				return
			}
			if limit < len(rows) {
				rows = rows[:limit]
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
	})
	r.Get("/rows/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		row, ok := source.State().RecordsByID[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"code": "not_found", "message": "row not loaded"})
			return
		}
		writeJSON(w, http.StatusOK, row)
	})
	r.Get("/queue", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"queued": source.State().QueuedChanges})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

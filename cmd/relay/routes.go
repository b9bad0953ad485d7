package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/roleplay-relay/internal/report"
	"github.com/hubenschmidt/roleplay-relay/internal/trace"
	"github.com/hubenschmidt/roleplay-relay/internal/transcript"
)

const (
	// maxReportBody bounds POST /api/report; a session's frames are large.
	maxReportBody = 32 << 20

	// defaultTraceSessionLimit is how many trace sessions are returned
	// when the caller omits the ?limit= query parameter.
	defaultTraceSessionLimit = 20
)

type deps struct {
	wsHandler  http.Handler
	reports    *report.Service
	archive    *transcript.Archive
	traceStore *trace.Store
	configured bool
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws", d.wsHandler)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/report", d.handleReport)
	registerTraceRoutes(mux, d.traceStore)
}

func (d deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"upstream_ready": d.configured,
		"report_engines": d.reports.Engines(),
		"archived":       d.archive.Len(),
	})
}

type reportRequest struct {
	SessionID string `json:"session_id"`
	Engine    string `json:"engine"`
	report.Request
}

// handleReport answers with a report for every well-formed request. Evaluator
// failures produce the placeholder, flagged in X-Report-Placeholder.
func (d deps) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if req.SessionID != "" {
		rec, ok := d.archive.Get(req.SessionID)
		if !ok {
			http.Error(w, "unknown or expired session", http.StatusNotFound)
			return
		}
		req.History = rec.History
	}

	res := d.reports.Evaluate(r.Context(), req.Engine, req.Request)
	if res.Placeholder {
		slog.Warn("serving placeholder report", "session_id", req.SessionID, "engine", res.Engine)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Report-Engine", res.Engine)
	w.Header().Set("X-Report-Placeholder", strconv.FormatBool(res.Placeholder))
	json.NewEncoder(w).Encode(res.Report)
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, spans, err := store.GetSession(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"session": sess, "spans": spans})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

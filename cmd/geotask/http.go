package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/geotask/pkg/audit"
	"github.com/wilhg/geotask/pkg/errmodel"
	"github.com/wilhg/geotask/pkg/taskq"
)

const maxArgsBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// buildMux exposes the task runtime:
//
//	POST /api/tasks/{name}        submit; ?wait=true blocks for the payload
//	GET  /api/tasks               registered task names
//	GET  /api/runs/{id}           stored run record
//	GET  /api/runs/{id}/events    run journal
//	GET  /api/runs/{id}/audit     effect states replayed from the journal
//	     /mcp                     tasks as MCP tools, when mcpHandler is set
func buildMux(rt *taskq.Runtime, mcpHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	if mcpHandler != nil {
		mux.Handle("/mcp", mcpHandler)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tasks": rt.Names()})
	})

	mux.HandleFunc("POST /api/tasks/{name}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxArgsBytes))
		if err != nil {
			errmodel.WriteHTTP(w, r, errmodel.Validation("bad_request", "could not read body", nil))
			return
		}
		h, err := rt.Submit(r.Context(), r.PathValue("name"), body)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		if r.URL.Query().Get("wait") != "true" {
			writeJSON(w, http.StatusAccepted, map[string]any{"run_id": h.RunID})
			return
		}
		p, err := h.Await(r.Context())
		status := http.StatusOK
		if err != nil {
			if p.Error == "" {
				// client went away before the run finished
				errmodel.WriteHTTP(w, r, err)
				return
			}
			status = errmodel.HTTPStatus(errmodel.From(err))
		}
		writeJSON(w, status, map[string]any{"run_id": h.RunID, "result": p})
	})

	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := rt.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("GET /api/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := rt.Get(r.Context(), id); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		evs, err := rt.Events(r.Context(), id)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "events": evs})
	})

	mux.HandleFunc("GET /api/runs/{id}/audit", func(w http.ResponseWriter, r *http.Request) {
		rep, err := auditRun(r.Context(), rt, r.PathValue("id"))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"report": rep, "leftovers": rep.Leftovers()})
	})

	return otelhttp.NewHandler(mux, "geotask")
}

func auditRun(ctx context.Context, rt *taskq.Runtime, runID string) (audit.Report, error) {
	if _, err := rt.Get(ctx, runID); err != nil {
		return audit.Report{}, err
	}
	evs, err := rt.Events(ctx, runID)
	if err != nil {
		return audit.Report{}, err
	}
	return audit.Replay(runID, evs)
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"prospector/internal/logging"
	"prospector/internal/types"
)

// handleRun triggers a prospecting run and streams its progress as
// server-sent events. The response stays open for the whole run; the
// client disconnecting cancels the run's context.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)

	var req types.RunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_brief", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	run, err := s.runs.StartRun(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "run_rejected", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logging.Server("run %s streaming to %s", run.ID(), r.RemoteAddr)

	// After a disconnect the stream must still drain so the run's
	// event pump is never left blocked.
	disconnected := false
	for ev := range run.Events() {
		if disconnected {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			logging.ServerError("run %s event marshal failed: %v", run.ID(), err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			logging.Server("run %s client disconnected, draining remainder", run.ID())
			disconnected = true
			continue
		}
		flusher.Flush()
	}
}

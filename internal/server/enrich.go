package server

import (
	"encoding/json"
	"io"
	"net/http"

	"garnish/internal/auth"
	"garnish/internal/pipeline"
)

// maxEnrichBody caps the enrich request body at 1 MiB.
const maxEnrichBody = 1 << 20

// errorResponse is the JSON shape of an error reply.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleReload schedules a table reload through the coordinator. The
// reload itself runs asynchronously; 202 means scheduled, not done.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		writeError(w, http.StatusServiceUnavailable, "no reload coordinator")
		return
	}

	s.coord.Trigger()

	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		s.logger.Info("reload requested", "subject", claims.Subject)
	} else {
		s.logger.Info("reload requested")
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload scheduled"})
}

// handleEnrich runs one posted envelope through the engine and returns
// the result. Results are not produced anywhere and do not count into
// the pipeline counters; this is a debugging tool for table state.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Registry.Initialized() {
		writeError(w, http.StatusServiceUnavailable, "tables not loaded yet")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnrichBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	evt, err := pipeline.JSONCodec{}.DecodeEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := pipeline.Process(r.Context(), evt, s.deps.Registry, s.deps.Engine, nil)
	writeJSON(w, http.StatusOK, res)
}

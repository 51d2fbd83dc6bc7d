package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"garnish/internal/coordinator"
	"garnish/internal/pipeline"
)

// tableStatus describes one deployed lookup table.
type tableStatus struct {
	Name    string   `json:"name"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

// statusResponse is the JSON body of GET /v1/status.
type statusResponse struct {
	Version     string                   `json:"version"`
	Initialized bool                     `json:"initialized"`
	Generation  uint64                   `json:"generation"`
	Checksum    string                   `json:"checksum,omitempty"`
	LoadedAt    time.Time                `json:"loaded_at,omitzero"`
	Tables      []tableStatus            `json:"tables"`
	Reload      coordinator.Status       `json:"reload"`
	Pipeline    pipeline.CounterSnapshot `json:"pipeline"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:     Version,
		Initialized: s.deps.Registry.Initialized(),
		Generation:  s.deps.Registry.Generation(),
		Tables:      []tableStatus{},
	}

	if ts := s.deps.Registry.Current(); ts != nil {
		resp.Checksum = ts.Checksum()
		resp.LoadedAt = ts.LoadedAt()
		for _, name := range ts.Names() {
			tbl := ts.Resolve(name)
			resp.Tables = append(resp.Tables, tableStatus{
				Name:    name,
				Rows:    tbl.Rows(),
				Columns: tbl.Columns(),
			})
		}
	}

	if s.coord != nil {
		resp.Reload = s.coord.Status()
	}
	if s.deps.Counters != nil {
		resp.Pipeline = s.deps.Counters.Snapshot()
	}

	writeJSON(w, http.StatusOK, resp)
}

// registerMetrics registers the /metrics endpoint for Prometheus scraping.
// This endpoint is unauthenticated (standard for Prometheus targets).
func (s *Server) registerMetrics(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s.writeMetrics(w)
	})
}

func (s *Server) writeMetrics(w io.Writer) {
	reg := s.deps.Registry

	// -- Server info --
	_, _ = fmt.Fprintf(w, "# HELP garnish_info Server version and metadata.\n")
	_, _ = fmt.Fprintf(w, "# TYPE garnish_info gauge\n")
	_, _ = fmt.Fprintf(w, "garnish_info{version=%q} 1\n", Version)

	_, _ = fmt.Fprintf(w, "# HELP garnish_up Whether a table set has been loaded.\n")
	_, _ = fmt.Fprintf(w, "# TYPE garnish_up gauge\n")
	if reg.Initialized() {
		_, _ = fmt.Fprintf(w, "garnish_up 1\n")
	} else {
		_, _ = fmt.Fprintf(w, "garnish_up 0\n")
	}

	_, _ = fmt.Fprintf(w, "# HELP garnish_uptime_seconds Seconds since server start.\n")
	_, _ = fmt.Fprintf(w, "# TYPE garnish_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "garnish_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	// -- Table set --
	_, _ = fmt.Fprintf(w, "# HELP garnish_table_generation Snapshot generation counter.\n")
	_, _ = fmt.Fprintf(w, "# TYPE garnish_table_generation counter\n")
	_, _ = fmt.Fprintf(w, "garnish_table_generation %d\n", reg.Generation())

	if ts := reg.Current(); ts != nil {
		_, _ = fmt.Fprintf(w, "# HELP garnish_tables Deployed lookup tables.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_tables gauge\n")
		_, _ = fmt.Fprintf(w, "garnish_tables %d\n", ts.Len())

		_, _ = fmt.Fprintf(w, "# HELP garnish_table_rows Rows per deployed table.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_table_rows gauge\n")
		for _, name := range ts.Names() {
			_, _ = fmt.Fprintf(w, "garnish_table_rows{table=%q} %d\n", name, ts.Resolve(name).Rows())
		}
	}

	// -- Reloads --
	if s.coord != nil {
		st := s.coord.Status()
		_, _ = fmt.Fprintf(w, "# HELP garnish_reloads_total Completed table reloads.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_reloads_total counter\n")
		_, _ = fmt.Fprintf(w, "garnish_reloads_total %d\n", st.Reloads)

		_, _ = fmt.Fprintf(w, "# HELP garnish_reload_skips_total Reloads skipped because the descriptor was unchanged.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_reload_skips_total counter\n")
		_, _ = fmt.Fprintf(w, "garnish_reload_skips_total %d\n", st.Skips)

		_, _ = fmt.Fprintf(w, "# HELP garnish_reload_failures_total Failed reload attempts.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_reload_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "garnish_reload_failures_total %d\n", st.Failures)
	}

	// -- Pipeline --
	if s.deps.Counters != nil {
		snap := s.deps.Counters.Snapshot()
		_, _ = fmt.Fprintf(w, "# HELP garnish_events_processed_total Events run through the lookup engine.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_events_processed_total counter\n")
		_, _ = fmt.Fprintf(w, "garnish_events_processed_total %d\n", snap.Processed)

		_, _ = fmt.Fprintf(w, "# HELP garnish_enrichments_total Enrichment pairs produced.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_enrichments_total counter\n")
		_, _ = fmt.Fprintf(w, "garnish_enrichments_total %d\n", snap.Enrichments)

		_, _ = fmt.Fprintf(w, "# HELP garnish_exceptions_total Lookup exceptions produced.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_exceptions_total counter\n")
		_, _ = fmt.Fprintf(w, "garnish_exceptions_total %d\n", snap.Exceptions)

		_, _ = fmt.Fprintf(w, "# HELP garnish_decode_failures_total Envelopes rejected by the codec.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_decode_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "garnish_decode_failures_total %d\n", snap.DecodeFailures)

		_, _ = fmt.Fprintf(w, "# HELP garnish_produce_errors_total Output produce failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE garnish_produce_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "garnish_produce_errors_total %d\n", snap.ProduceErrors)
	}
}

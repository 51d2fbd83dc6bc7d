package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"garnish/internal/auth"
	"garnish/internal/coordinator"
	"garnish/internal/engine"
	"garnish/internal/enrich"
	"garnish/internal/loader"
	"garnish/internal/pipeline"
	"garnish/internal/registry"
	"garnish/internal/source"
	"garnish/internal/table"
	watchfile "garnish/internal/watcher/file"
)

func testDeps(t *testing.T, withTables bool) pipeline.Deps {
	t.Helper()
	reg := registry.New()
	if withTables {
		tbl, err := table.NewMemory("assets", strings.NewReader(`{"10.0.0.1":"server1"}`), nil)
		if err != nil {
			t.Fatalf("NewMemory: %v", err)
		}
		reg.Replace(registry.NewTableSet(map[string]table.Table{"assets": tbl}, "abc123", time.Now()))
	}
	return pipeline.Deps{
		Registry: reg,
		Engine:   engine.New(),
		Counters: pipeline.NewCounters(),
	}
}

// testCoordinator builds an unstarted coordinator; Trigger works without Start.
func testCoordinator(t *testing.T, reg *registry.Registry) *coordinator.Coordinator {
	t.Helper()
	ld := loader.New(loader.Config{Source: source.NewMux(), Builders: table.Builders()})
	coord, err := coordinator.New(coordinator.Config{
		Watcher:  watchfile.New(watchfile.Config{Path: filepath.Join(t.TempDir(), "tables.json")}),
		Loader:   ld,
		Registry: reg,
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	return coord
}

func TestHealthz(t *testing.T) {
	srv := New(testDeps(t, false), nil, Config{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rr.Code)
	}
}

func TestReadyzGating(t *testing.T) {
	deps := testDeps(t, false)
	srv := New(deps, nil, Config{})
	handler := srv.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before first load = %d, want 503", rr.Code)
	}

	tbl, err := table.NewMemory("assets", strings.NewReader(`{"k":"v"}`), nil)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	deps.Registry.Replace(registry.NewTableSet(map[string]table.Table{"assets": tbl}, "c1", time.Now()))

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("readyz after first load = %d, want 200", rr.Code)
	}

	srv.draining.Store(true)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz while draining = %d, want 503", rr.Code)
	}
}

func TestDrainRejectsRequests(t *testing.T) {
	srv := New(testDeps(t, true), nil, Config{})
	srv.draining.Store(true)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/v1/status", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status while draining = %d, want 503", rr.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	deps := testDeps(t, true)
	srv := New(deps, testCoordinator(t, deps.Registry), Config{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/v1/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Initialized {
		t.Error("initialized = false, want true")
	}
	if resp.Generation != 1 {
		t.Errorf("generation = %d, want 1", resp.Generation)
	}
	if resp.Checksum != "abc123" {
		t.Errorf("checksum = %q", resp.Checksum)
	}
	if len(resp.Tables) != 1 {
		t.Fatalf("tables = %+v", resp.Tables)
	}
	ts := resp.Tables[0]
	if ts.Name != "assets" || ts.Rows != 1 || len(ts.Columns) != 1 || ts.Columns[0] != "value" {
		t.Errorf("table status = %+v", ts)
	}
	if resp.Pipeline.Processed != 0 {
		t.Errorf("pipeline counters = %+v", resp.Pipeline)
	}
}

func TestStatusBeforeFirstLoad(t *testing.T) {
	srv := New(testDeps(t, false), nil, Config{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/v1/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Initialized {
		t.Error("initialized = true, want false")
	}
	if resp.Generation != 0 {
		t.Errorf("generation = %d, want 0", resp.Generation)
	}
	if resp.Tables == nil || len(resp.Tables) != 0 {
		t.Errorf("tables = %#v, want empty non-nil", resp.Tables)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	deps := testDeps(t, true)
	srv := New(deps, testCoordinator(t, deps.Registry), Config{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}

	text := rr.Body.String()
	for _, want := range []string{
		"garnish_info",
		"garnish_up 1",
		"garnish_uptime_seconds",
		"garnish_table_generation 1",
		"garnish_tables 1",
		`garnish_table_rows{table="assets"} 1`,
		"garnish_reloads_total",
		"garnish_events_processed_total",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing metric %q in output", want)
		}
	}
}

func TestEnrichEndpoint(t *testing.T) {
	srv := New(testDeps(t, true), nil, Config{})

	body := `{"event":{"src_ip":"10.0.0.1"},"commands":[{"table":"assets","key":"10.0.0.1"}]}`
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/v1/enrich", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("enrich = %d, want 200: %s", rr.Code, rr.Body)
	}

	var res enrich.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Enrichments) != 1 || res.Enrichments[0].Key != "assets_value" || res.Enrichments[0].Value != "server1" {
		t.Errorf("enrichments = %+v", res.Enrichments)
	}
}

func TestEnrichBeforeFirstLoad(t *testing.T) {
	srv := New(testDeps(t, false), nil, Config{})

	body := `{"event":{},"commands":[]}`
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/v1/enrich", strings.NewReader(body)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("enrich before first load = %d, want 503", rr.Code)
	}
}

func TestEnrichRejectsBadEnvelope(t *testing.T) {
	srv := New(testDeps(t, true), nil, Config{})
	handler := srv.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"event":`},
		{"missing payload", `{"commands":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest("POST", "/v1/enrich", strings.NewReader(tt.body)))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("enrich = %d, want 400", rr.Code)
			}
			var er errorResponse
			if err := json.NewDecoder(rr.Body).Decode(&er); err != nil || er.Error == "" {
				t.Errorf("error body = %q (decode err %v)", rr.Body, err)
			}
		})
	}
}

func TestEnrichMethodNotAllowed(t *testing.T) {
	srv := New(testDeps(t, true), nil, Config{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/v1/enrich", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET enrich = %d, want 405", rr.Code)
	}
}

func TestReloadWithoutCoordinator(t *testing.T) {
	srv := New(testDeps(t, true), nil, Config{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/v1/reload", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("reload = %d, want 503", rr.Code)
	}
}

func TestReloadSchedules(t *testing.T) {
	deps := testDeps(t, true)
	srv := New(deps, testCoordinator(t, deps.Registry), Config{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/v1/reload", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("reload = %d, want 202: %s", rr.Code, rr.Body)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "reload scheduled" {
		t.Errorf("status = %q", resp["status"])
	}
}

func TestAuthOnMutatingEndpoints(t *testing.T) {
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)
	deps := testDeps(t, true)
	srv := New(deps, testCoordinator(t, deps.Registry), Config{Tokens: tokens})
	handler := srv.Handler()

	// GETs stay open.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/status", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status without token = %d, want 200", rr.Code)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/reload", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("reload = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	token, _, err := tokens.Issue("ops")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req := httptest.NewRequest("POST", "/v1/reload", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Errorf("reload with valid token = %d, want 202: %s", rr.Code, rr.Body)
	}
}

func TestAuthDisabled(t *testing.T) {
	deps := testDeps(t, true)
	srv := New(deps, testCoordinator(t, deps.Registry), Config{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/v1/reload", nil))
	if rr.Code != http.StatusAccepted {
		t.Errorf("reload without token service = %d, want 202", rr.Code)
	}
}

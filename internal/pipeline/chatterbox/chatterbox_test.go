package chatterbox

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"garnish/internal/engine"
	"garnish/internal/logging"
	"garnish/internal/pipeline"
	"garnish/internal/registry"
	"garnish/internal/table"
)

func testDeps(t *testing.T) pipeline.Deps {
	t.Helper()
	return pipeline.Deps{
		Registry: registry.New(),
		Engine:   engine.New(),
		Counters: pipeline.NewCounters(),
	}
}

func TestNewFactory_Defaults(t *testing.T) {
	p, err := NewFactory()(nil, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cb, ok := p.(*Chatterbox)
	if !ok {
		t.Fatal("expected *Chatterbox")
	}

	if cb.minInterval != defaultMinInterval {
		t.Errorf("minInterval = %v, want %v", cb.minInterval, defaultMinInterval)
	}
	if cb.maxInterval != defaultMaxInterval {
		t.Errorf("maxInterval = %v, want %v", cb.maxInterval, defaultMaxInterval)
	}
	if len(cb.users) != defaultUserCount {
		t.Errorf("user pool = %d, want %d", len(cb.users), defaultUserCount)
	}
	if len(cb.hosts) != defaultHostCount {
		t.Errorf("host pool = %d, want %d", len(cb.hosts), defaultHostCount)
	}
	if len(cb.agents) == 0 {
		t.Error("agent pool is empty")
	}
	if cb.ipTable != "assets" {
		t.Errorf("ipTable = %q, want %q", cb.ipTable, "assets")
	}
	if cb.userTable != "users" {
		t.Errorf("userTable = %q, want %q", cb.userTable, "users")
	}
	if cb.uaTable != "" || cb.geoTable != "" {
		t.Errorf("uaTable = %q, geoTable = %q, want both empty", cb.uaTable, cb.geoTable)
	}
}

func TestNewFactory_CustomParams(t *testing.T) {
	params := map[string]string{
		"minInterval": "50ms",
		"maxInterval": "200ms",
		"userCount":   "3",
		"hostCount":   "2",
		"ipTable":     "machines",
		"uaTable":     "browsers",
		"geoTable":    "geoip",
	}
	p, err := NewFactory()(params, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cb := p.(*Chatterbox)
	if cb.minInterval != 50*time.Millisecond {
		t.Errorf("minInterval = %v, want 50ms", cb.minInterval)
	}
	if cb.maxInterval != 200*time.Millisecond {
		t.Errorf("maxInterval = %v, want 200ms", cb.maxInterval)
	}
	if len(cb.users) != 3 {
		t.Errorf("user pool = %d, want 3", len(cb.users))
	}
	if len(cb.hosts) != 2 {
		t.Errorf("host pool = %d, want 2", len(cb.hosts))
	}
	if cb.ipTable != "machines" {
		t.Errorf("ipTable = %q, want %q", cb.ipTable, "machines")
	}
	if cb.uaTable != "browsers" {
		t.Errorf("uaTable = %q, want %q", cb.uaTable, "browsers")
	}
	if cb.geoTable != "geoip" {
		t.Errorf("geoTable = %q, want %q", cb.geoTable, "geoip")
	}
}

func TestNewFactory_DisableTables(t *testing.T) {
	params := map[string]string{
		"ipTable":   "",
		"userTable": "",
	}
	p, err := NewFactory()(params, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cb := p.(*Chatterbox)
	if cb.ipTable != "" || cb.userTable != "" {
		t.Errorf("ipTable = %q, userTable = %q, want both disabled", cb.ipTable, cb.userTable)
	}
	if cmds := cb.generate().Commands; len(cmds) != 0 {
		t.Errorf("commands = %+v, want none", cmds)
	}
}

func TestNewFactory_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
	}{
		{"invalid minInterval", map[string]string{"minInterval": "not-a-duration"}},
		{"invalid maxInterval", map[string]string{"maxInterval": "not-a-duration"}},
		{"negative minInterval", map[string]string{"minInterval": "-10ms"}},
		{"negative maxInterval", map[string]string{"maxInterval": "-10ms"}},
		{"min exceeds max", map[string]string{"minInterval": "500ms", "maxInterval": "100ms"}},
		{"invalid userCount", map[string]string{"userCount": "many"}},
		{"zero userCount", map[string]string{"userCount": "0"}},
		{"invalid hostCount", map[string]string{"hostCount": "many"}},
		{"negative hostCount", map[string]string{"hostCount": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFactory()(tt.params, testDeps(t)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewFactory_MissingDeps(t *testing.T) {
	if _, err := NewFactory()(nil, pipeline.Deps{}); err == nil {
		t.Error("expected error for missing registry and engine")
	}
}

func TestNewFactory_EqualMinMax(t *testing.T) {
	params := map[string]string{
		"minInterval": "100ms",
		"maxInterval": "100ms",
	}
	p, err := NewFactory()(params, testDeps(t))
	if err != nil {
		t.Fatalf("min=max should succeed: %v", err)
	}
	cb := p.(*Chatterbox)
	if got := cb.randomInterval(); got != 100*time.Millisecond {
		t.Errorf("randomInterval = %v, want 100ms", got)
	}
}

func TestGenerate_Shape(t *testing.T) {
	cb := &Chatterbox{
		rng:       rand.New(rand.NewPCG(1, 2)),
		users:     []string{"alice"},
		hosts:     []string{"web-01"},
		agents:    []string{"curl/8.5.0"},
		ipTable:   "assets",
		userTable: "users",
		uaTable:   "browsers",
		geoTable:  "geoip",
	}

	evt := cb.generate()

	var payload map[string]string
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	for _, field := range []string{"event_id", "timestamp", "host", "src_ip", "username", "user_agent"} {
		if payload[field] == "" {
			t.Errorf("payload missing %q: %s", field, evt.Payload)
		}
	}
	if payload["username"] != "alice" || payload["host"] != "web-01" {
		t.Errorf("payload identities = %q/%q", payload["username"], payload["host"])
	}
	if !strings.HasPrefix(payload["src_ip"], "10.") {
		t.Errorf("src_ip = %q, want 10.x.x.x", payload["src_ip"])
	}

	if len(evt.Commands) != 4 {
		t.Fatalf("commands = %d, want 4", len(evt.Commands))
	}

	ip := evt.Commands[0]
	if ip.Table != "assets" || ip.Key != payload["src_ip"] || ip.Field != "src_ip" {
		t.Errorf("ip command = %+v", ip)
	}
	user := evt.Commands[1]
	if user.Table != "users" || user.KeyPath != "$.username" || user.Field != "username" {
		t.Errorf("user command = %+v", user)
	}
	ua := evt.Commands[2]
	if ua.Table != "browsers" || ua.KeyPath != "$.user_agent" {
		t.Errorf("ua command = %+v", ua)
	}
	geo := evt.Commands[3]
	if geo.Table != "geoip" || geo.Key != payload["src_ip"] || geo.Prefix != "geo" {
		t.Errorf("geo command = %+v", geo)
	}
}

func TestRun_ProcessesEvents(t *testing.T) {
	tbl, err := table.NewMemory("users", strings.NewReader(`{"alice":{"role":"admin"}}`), nil)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	reg := registry.New()
	reg.Replace(registry.NewTableSet(map[string]table.Table{"users": tbl}, "test", time.Now()))
	counters := pipeline.NewCounters()

	cb := &Chatterbox{
		minInterval: time.Millisecond,
		maxInterval: 2 * time.Millisecond,
		rng:         rand.New(rand.NewPCG(1, 2)),
		users:       []string{"alice"},
		hosts:       []string{"web-01"},
		agents:      []string{"curl/8.5.0"},
		userTable:   "users",
		deps: pipeline.Deps{
			Registry: reg,
			Engine:   engine.New(),
			Counters: counters,
		},
		logger: logging.Default(nil),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = cb.Run(ctx)
		close(done)
	}()
	<-done

	if runErr != nil {
		t.Errorf("Run returned error: %v", runErr)
	}

	snap := counters.Snapshot()
	if snap.Processed == 0 {
		t.Error("expected at least one processed event")
	}
	if snap.Enrichments == 0 {
		t.Error("expected at least one enrichment from the users table")
	}
	if snap.Exceptions != 0 {
		t.Errorf("exceptions = %d, want 0", snap.Exceptions)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	p, err := NewFactory()(map[string]string{
		"minInterval": "1s",
		"maxInterval": "2s",
	}, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	// Cancel immediately - Run should exit without waiting for the interval.
	cancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Run did not stop promptly after context cancellation")
	}
}

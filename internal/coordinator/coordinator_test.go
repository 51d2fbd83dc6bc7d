package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"garnish/internal/loader"
	"garnish/internal/registry"
	"garnish/internal/table"
	"garnish/internal/watcher"
)

const (
	descV1 = `{"tables":[{"name":"assets","location":"mem://assets"}]}`
	descV2 = `{"tables":[{"name":"users","location":"mem://users"}]}`
)

type mapSource struct {
	content map[string]string
}

func (s *mapSource) Open(_ context.Context, location string) (io.ReadCloser, error) {
	c, ok := s.content[location]
	if !ok {
		return nil, fmt.Errorf("no content for %q", location)
	}
	return io.NopCloser(strings.NewReader(c)), nil
}

// fakeWatcher serves a mutable payload and forwards ticks from runTicks
// to the coordinator's notify channel.
type fakeWatcher struct {
	mu      sync.Mutex
	payload string
	err     error
	fetches int
	block   chan struct{}

	runTicks chan struct{}
}

func (w *fakeWatcher) Payload(ctx context.Context) (string, error) {
	w.mu.Lock()
	w.fetches++
	payload, err, block := w.payload, w.err, w.block
	w.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}

func (w *fakeWatcher) Run(ctx context.Context, notify chan<- struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.runTicks:
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}
}

func (w *fakeWatcher) setPayload(p string) {
	w.mu.Lock()
	w.payload = p
	w.mu.Unlock()
}

func (w *fakeWatcher) setBlock(ch chan struct{}) {
	w.mu.Lock()
	w.block = ch
	w.mu.Unlock()
}

func (w *fakeWatcher) fetchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fetches
}

func newTestCoordinator(t *testing.T, w watcher.Watcher, opts ...func(*Config)) (*Coordinator, *registry.Registry) {
	t.Helper()

	src := &mapSource{content: map[string]string{
		"mem://assets": `{"10.0.0.1":"server1"}`,
		"mem://users":  `{"alice":{"role":"admin"}}`,
	}}
	reg := registry.New()
	cfg := Config{
		Watcher: w,
		Loader: loader.New(loader.Config{
			Source:   src,
			Builders: table.Builders(),
		}),
		Registry:    reg,
		MinInterval: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, reg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing dependencies")
	}

	w := &fakeWatcher{payload: descV1}
	src := &mapSource{}
	_, err := New(Config{
		Watcher:    w,
		Loader:     loader.New(loader.Config{Source: src, Builders: table.Builders()}),
		Registry:   registry.New(),
		ResyncCron: "not a cron",
	})
	if err == nil {
		t.Error("expected error for invalid resync cron")
	}
}

func TestStartLoadsInitialTables(t *testing.T) {
	w := &fakeWatcher{payload: descV1, runTicks: make(chan struct{}, 1)}
	c, reg := newTestCoordinator(t, w)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	if !reg.Initialized() {
		t.Fatal("registry not initialized after Start")
	}
	if reg.Generation() != 1 {
		t.Errorf("generation = %d, want 1", reg.Generation())
	}
	if reg.Current().Resolve("assets") == nil {
		t.Error("assets table not loaded")
	}

	st := c.Status()
	if st.Reloads != 1 {
		t.Errorf("reloads = %d, want 1", st.Reloads)
	}
	if st.LastSuccess.IsZero() {
		t.Error("last success not stamped")
	}
}

func TestStartFailsWhenPayloadUnavailable(t *testing.T) {
	w := &fakeWatcher{err: errors.New("watcher offline")}
	c, reg := newTestCoordinator(t, w)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if reg.Initialized() {
		t.Error("registry must stay empty after failed first load")
	}
	if err := c.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop after failed Start = %v, want ErrNotRunning", err)
	}
}

func TestStartFailsOnBadDescriptor(t *testing.T) {
	w := &fakeWatcher{payload: "not json at all"}
	c, reg := newTestCoordinator(t, w)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if reg.Initialized() {
		t.Error("registry must stay empty after failed first load")
	}
}

func TestWatcherNotificationReloads(t *testing.T) {
	w := &fakeWatcher{payload: descV1, runTicks: make(chan struct{}, 1)}
	c, reg := newTestCoordinator(t, w)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	w.setPayload(descV2)
	w.runTicks <- struct{}{}

	waitFor(t, func() bool { return reg.Generation() == 2 }, "no reload after notification")
	if reg.Current().Resolve("users") == nil {
		t.Error("users table not loaded")
	}
	if reg.Current().Resolve("assets") != nil {
		t.Error("assets table must be gone after full replacement")
	}
}

func TestFailedReloadKeepsPreviousTables(t *testing.T) {
	w := &fakeWatcher{payload: descV1, runTicks: make(chan struct{}, 1)}
	c, reg := newTestCoordinator(t, w)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	before := reg.Current()

	w.setPayload("definitely not json")
	c.Trigger()

	waitFor(t, func() bool { return c.Status().Failures >= 1 }, "reload failure not recorded")

	if reg.Generation() != 1 {
		t.Errorf("generation = %d, want 1", reg.Generation())
	}
	if reg.Current() != before {
		t.Error("snapshot replaced by failed reload")
	}
	if c.Status().LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestUnchangedPayloadSkipped(t *testing.T) {
	w := &fakeWatcher{payload: descV1, runTicks: make(chan struct{}, 1)}
	c, reg := newTestCoordinator(t, w)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	c.Trigger()

	waitFor(t, func() bool { return c.Status().Skips >= 1 }, "skip not recorded")
	if reg.Generation() != 1 {
		t.Errorf("generation = %d, want 1 (unchanged payload must not republish)", reg.Generation())
	}
	if c.Status().Reloads != 1 {
		t.Errorf("reloads = %d, want 1", c.Status().Reloads)
	}
}

func TestTriggerCoalescing(t *testing.T) {
	w := &fakeWatcher{payload: descV1, runTicks: make(chan struct{}, 1)}
	c, _ := newTestCoordinator(t, w)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	// Block the next fetch, then pile up triggers behind it.
	release := make(chan struct{})
	w.setBlock(release)
	c.Trigger()
	waitFor(t, func() bool { return w.fetchCount() == 2 }, "reload did not start")

	for range 5 {
		c.Trigger()
	}
	close(release)

	// The five triggers must collapse into exactly one follow-up fetch.
	waitFor(t, func() bool { return w.fetchCount() == 3 }, "coalesced trigger did not reload")
	time.Sleep(50 * time.Millisecond)
	if got := w.fetchCount(); got != 3 {
		t.Errorf("fetches = %d, want 3", got)
	}
}

func TestResyncSchedule(t *testing.T) {
	w := &fakeWatcher{payload: descV1, runTicks: make(chan struct{}, 1)}
	c, _ := newTestCoordinator(t, w, func(cfg *Config) {
		cfg.ResyncCron = "* * * * * *"
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop() }()

	// The every-second schedule refetches an unchanged payload.
	waitFor(t, func() bool { return c.Status().Skips >= 1 }, "resync never triggered")
}

func TestLifecycle(t *testing.T) {
	w := &fakeWatcher{payload: descV1, runTicks: make(chan struct{}, 1)}
	c, _ := newTestCoordinator(t, w)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}

	// A stopped coordinator can be started again.
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}

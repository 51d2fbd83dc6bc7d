// Package coordinator owns the table reload path: the mandatory first
// load, serialized follow-up reloads, unchanged-payload skips, rate
// limiting, and the optional resync schedule.
//
// Reloads are explicitly serialized. A single worker goroutine owns the
// fetch-and-load path; triggers collapse into one pending slot, so any
// burst of change notifications during an in-flight reload causes
// exactly one follow-up reload. A failed reload keeps the previous table
// set serving.
package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"garnish/internal/loader"
	"garnish/internal/logging"
	"garnish/internal/registry"
	"garnish/internal/watcher"
)

var (
	ErrAlreadyRunning = errors.New("coordinator already running")
	ErrNotRunning     = errors.New("coordinator not running")
)

// Status describes the coordinator's reload history.
type Status struct {
	Generation  uint64    `json:"generation"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Reloads     uint64    `json:"reloads"`
	Skips       uint64    `json:"skips"`
	Failures    uint64    `json:"failures"`
}

// Config holds coordinator configuration.
type Config struct {
	Watcher  watcher.Watcher
	Loader   *loader.Loader
	Registry *registry.Registry

	// MinInterval is the minimum spacing between reload attempts.
	// Triggers arriving faster wait for the limiter and coalesce
	// meanwhile. Defaults to 5s.
	MinInterval time.Duration

	// ResyncCron optionally schedules unconditional reload triggers to
	// heal missed notifications (6-field cron expression, seconds
	// first). Empty disables resync.
	ResyncCron string

	Logger *slog.Logger

	// Now is the clock used for reload timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator drives reloads of the table registry from a descriptor
// watcher.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	trigger chan struct{}
	limiter *rate.Limiter
	sched   gocron.Scheduler

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	lastAttempt time.Time
	lastSuccess time.Time
	lastError   string
	reloads     uint64
	skips       uint64
	failures    uint64

	watchWg  sync.WaitGroup
	workerWg sync.WaitGroup
}

// New creates a Coordinator. It does not load anything until Start.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Watcher == nil || cfg.Loader == nil || cfg.Registry == nil {
		return nil, errors.New("coordinator: watcher, loader, and registry are required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		cfg:     cfg,
		logger:  logging.Default(cfg.Logger).With("component", "coordinator"),
		now:     now,
		trigger: make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(cmp.Or(cfg.MinInterval, 5*time.Second)), 1),
	}

	if cfg.ResyncCron != "" {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return nil, fmt.Errorf("create resync scheduler: %w", err)
		}
		if _, err := sched.NewJob(
			gocron.CronJob(cfg.ResyncCron, true),
			gocron.NewTask(func() {
				c.logger.Debug("resync triggered")
				c.Trigger()
			}),
			gocron.WithName("table-resync"),
		); err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("create resync job %q: %w", cfg.ResyncCron, err)
		}
		c.sched = sched
	}

	return c, nil
}

// Start performs the first load synchronously, then launches the watch
// loop, the reload worker, and the resync schedule. A first-load failure
// leaves nothing running and is returned to the caller.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("loading initial tables")
	if err := c.reload(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("initial table load: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.watchWg.Go(func() {
		if err := c.cfg.Watcher.Run(runCtx, c.trigger); err != nil {
			c.logger.Error("watcher stopped", "error", err)
		}
	})
	c.workerWg.Go(func() { c.worker(runCtx) })

	if c.sched != nil {
		c.sched.Start()
		c.logger.Info("resync schedule started", "cron", c.cfg.ResyncCron)
	}
	return nil
}

// Stop cancels the watch loop and reload worker and waits for them to
// return.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	cancel := c.cancel
	c.mu.Unlock()

	if c.sched != nil {
		if err := c.sched.Shutdown(); err != nil {
			c.logger.Warn("resync scheduler shutdown", "error", err)
		}
	}

	cancel()
	c.watchWg.Wait()
	c.workerWg.Wait()

	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	c.logger.Info("coordinator stopped")
	return nil
}

// Trigger requests a reload. It never blocks: if a reload is already
// pending, the request rides along with it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Status reports the coordinator's reload history.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Generation:  c.cfg.Registry.Generation(),
		LastAttempt: c.lastAttempt,
		LastSuccess: c.lastSuccess,
		LastError:   c.lastError,
		Reloads:     c.reloads,
		Skips:       c.skips,
		Failures:    c.failures,
	}
}

// worker consumes triggers one at a time. The limiter spaces attempts
// out; triggers arriving during the wait coalesce into the pending slot.
func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		if err := c.reload(ctx); err != nil {
			c.logger.Warn("reload failed, keeping previous tables", "error", err)
		}
	}
}

// reload fetches the current descriptor payload and replaces the table
// set, unless the payload checksum matches the one already serving.
func (c *Coordinator) reload(ctx context.Context) error {
	c.mu.Lock()
	c.lastAttempt = c.now()
	c.mu.Unlock()

	payload, err := c.cfg.Watcher.Payload(ctx)
	if err != nil {
		c.fail(err)
		return fmt.Errorf("fetch descriptor: %w", err)
	}

	if cur := c.cfg.Registry.Current(); cur != nil && cur.Checksum() == loader.Checksum(payload) {
		c.mu.Lock()
		c.skips++
		c.mu.Unlock()
		c.logger.Debug("descriptor unchanged, skipping reload", "checksum", cur.Checksum())
		return nil
	}

	ts, err := c.cfg.Loader.Load(ctx, payload)
	if err != nil {
		c.fail(err)
		return err
	}

	c.cfg.Registry.Replace(ts)

	c.mu.Lock()
	c.reloads++
	c.lastSuccess = c.now()
	c.lastError = ""
	c.mu.Unlock()

	c.logger.Info("tables reloaded",
		"generation", c.cfg.Registry.Generation(),
		"tables", ts.Len(),
		"checksum", ts.Checksum(),
	)
	return nil
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.failures++
	c.lastError = err.Error()
	c.mu.Unlock()
}

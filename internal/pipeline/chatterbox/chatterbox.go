// Package chatterbox provides a pipeline that makes up security events
// at random intervals and runs them through the lookup engine. It is
// used to exercise an instance without a broker attached.
package chatterbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"garnish/internal/enrich"
	"garnish/internal/pipeline"
)

// Chatterbox emits synthetic events. It implements pipeline.Pipeline.
//
// Logging:
//   - Logger is dependency-injected via the factory
//   - Chatterbox owns its scoped logger (component="pipeline", type="chatterbox")
//   - Logging is intentionally sparse; only lifecycle events are logged
//   - No logging in the event generation loop
type Chatterbox struct {
	minInterval time.Duration
	maxInterval time.Duration
	rng         *rand.Rand

	// users and hosts are pre-generated identity pools so the same
	// subjects recur across events.
	users  []string
	hosts  []string
	agents []string

	// Table names the generated commands point at. Empty disables the
	// corresponding command.
	ipTable   string
	userTable string
	uaTable   string
	geoTable  string

	deps   pipeline.Deps
	logger *slog.Logger
}

// Run emits events until ctx is cancelled. Results are discarded; the
// shared counters are the output.
func (c *Chatterbox) Run(ctx context.Context) error {
	c.logger.Info("chatterbox started",
		"min_interval", c.minInterval,
		"max_interval", c.maxInterval,
	)

	timer := time.NewTimer(c.randomInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("chatterbox stopping")
			return nil
		case <-timer.C:
		}

		evt := c.generate()
		pipeline.Process(ctx, evt, c.deps.Registry, c.deps.Engine, c.deps.Counters)

		timer.Reset(c.randomInterval())
	}
}

// randomInterval returns a random duration between minInterval and maxInterval.
func (c *Chatterbox) randomInterval() time.Duration {
	if c.minInterval >= c.maxInterval {
		return c.minInterval
	}
	delta := c.maxInterval - c.minInterval
	return c.minInterval + time.Duration(c.rng.Int64N(int64(delta)))
}

// generate builds one synthetic event with its lookup commands.
func (c *Chatterbox) generate() enrich.Event {
	srcIP := fmt.Sprintf("10.%d.%d.%d", c.rng.IntN(4), c.rng.IntN(256), c.rng.IntN(256))

	payload, _ := json.Marshal(map[string]any{
		"event_id":   uuid.NewString(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"host":       pick(c.rng, c.hosts),
		"src_ip":     srcIP,
		"username":   pick(c.rng, c.users),
		"user_agent": pick(c.rng, c.agents),
	})

	var cmds []enrich.Command
	if c.ipTable != "" {
		cmds = append(cmds, enrich.Command{Table: c.ipTable, Key: srcIP, Field: "src_ip"})
	}
	if c.userTable != "" {
		cmds = append(cmds, enrich.Command{Table: c.userTable, KeyPath: "$.username", Field: "username"})
	}
	if c.uaTable != "" {
		cmds = append(cmds, enrich.Command{Table: c.uaTable, KeyPath: "$.user_agent", Field: "user_agent"})
	}
	if c.geoTable != "" {
		cmds = append(cmds, enrich.Command{Table: c.geoTable, Key: srcIP, Prefix: "geo"})
	}

	return enrich.Event{Payload: payload, Commands: cmds}
}

// pick returns a random element from the slice.
func pick[T any](rng *rand.Rand, s []T) T {
	return s[rng.IntN(len(s))]
}

// Package pipeline is the stream boundary: it moves event envelopes
// from an input, through the lookup engine, to an output. The kafka
// pipeline is the production path; the chatterbox subpackage feeds the
// engine synthetic events in-process.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"garnish/internal/engine"
	"garnish/internal/enrich"
	"garnish/internal/registry"
)

// Pipeline is a running event stream processor.
type Pipeline interface {
	// Run processes events until ctx is cancelled. Returns nil on
	// normal shutdown.
	Run(ctx context.Context) error
}

// Deps are the shared components a pipeline evaluates events with.
type Deps struct {
	Registry *registry.Registry
	Engine   *engine.Engine
	Counters *Counters
	Logger   *slog.Logger
}

// Factory creates a Pipeline from configuration parameters. Factories
// validate required params, apply defaults, and return a fully
// constructed pipeline or a descriptive error. They must not start
// goroutines or perform I/O beyond validation.
type Factory func(params map[string]string, deps Deps) (Pipeline, error)

// Counters tracks pipeline throughput. Safe for concurrent use.
type Counters struct {
	processed      atomic.Uint64
	enrichments    atomic.Uint64
	exceptions     atomic.Uint64
	decodeFailures atomic.Uint64
	produceErrors  atomic.Uint64
}

// NewCounters creates a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// CounterSnapshot is a point-in-time copy of pipeline counters.
type CounterSnapshot struct {
	Processed      uint64 `json:"processed"`
	Enrichments    uint64 `json:"enrichments"`
	Exceptions     uint64 `json:"exceptions"`
	DecodeFailures uint64 `json:"decode_failures"`
	ProduceErrors  uint64 `json:"produce_errors"`
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Processed:      c.processed.Load(),
		Enrichments:    c.enrichments.Load(),
		Exceptions:     c.exceptions.Load(),
		DecodeFailures: c.decodeFailures.Load(),
		ProduceErrors:  c.produceErrors.Load(),
	}
}

// Process evaluates one envelope against the current table set: one
// snapshot fetch, one engine pass. Exceptions already carried by the
// event stay in front of any the evaluation adds.
func Process(ctx context.Context, evt enrich.Event, reg *registry.Registry, eng *engine.Engine, counters *Counters) enrich.Result {
	pairs, excs := eng.Evaluate(ctx, evt, reg.Current())
	if pairs == nil {
		pairs = []enrich.Pair{}
	}

	if counters != nil {
		counters.processed.Add(1)
		counters.enrichments.Add(uint64(len(pairs)))
		counters.exceptions.Add(uint64(len(excs)))
	}

	return enrich.Result{
		Payload:     evt.Payload,
		Enrichments: pairs,
		Exceptions:  append(evt.Exceptions, excs...),
	}
}

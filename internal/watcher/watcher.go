// Package watcher defines the contract between descriptor watchers and
// the reload coordinator. Concrete implementations live in subpackages
// (file, kafka, mqtt).
package watcher

import (
	"context"
	"log/slog"
)

// Watcher tracks a table descriptor document held in an external system.
//
// Payload and Run are independent. Payload fetches the current document
// on demand; Run only signals that a newer document may exist. The
// coordinator collapses bursts of signals into single fetches, so a
// dropped signal is harmless as long as one stays pending.
type Watcher interface {
	// Payload fetches the current descriptor document.
	Payload(ctx context.Context) (string, error)

	// Run blocks, sending on notify whenever the descriptor may have
	// changed. Sends must be non-blocking: if notify is full, a fetch
	// is already owed and the signal can be dropped. Run returns nil
	// once ctx is cancelled.
	Run(ctx context.Context, notify chan<- struct{}) error
}

// Factory creates a Watcher from configuration parameters.
// Factories validate required params, apply defaults, and return a fully
// constructed watcher or a descriptive error. They must not start
// goroutines or perform I/O beyond validation.
//
// The logger parameter is optional. If nil, the watcher disables logging.
// Factories should scope the logger with component-specific attributes.
//
// Concrete factory implementations live in their respective watcher
// packages (e.g., file.NewFactory()).
type Factory func(params map[string]string, logger *slog.Logger) (Watcher, error)

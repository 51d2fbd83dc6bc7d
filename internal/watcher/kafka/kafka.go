// Package kafka provides a descriptor watcher backed by a Kafka topic
// using franz-go. The topic holds full descriptor documents; the newest
// record is the current one.
package kafka

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"garnish/internal/logging"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka watcher configuration.
type Config struct {
	Brokers      []string
	Topic        string
	TLS          bool
	SASL         *SASLConfig
	FetchTimeout time.Duration // bound on Payload fetches; defaults to 15s
	Logger       *slog.Logger
}

// Watcher tails a descriptor topic. It consumes directly, without a
// consumer group: offsets are never committed because Payload always
// re-reads the tail.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new Kafka watcher.
func New(cfg Config) *Watcher {
	cfg.FetchTimeout = cmp.Or(cfg.FetchTimeout, 15*time.Second)
	return &Watcher{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "watcher", "type", "kafka"),
	}
}

// Payload fetches the most recent record on the descriptor topic.
// The topic is expected to have a single partition; with more, the
// record with the latest timestamp wins.
func (w *Watcher) Payload(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	opts, err := w.clientOpts()
	if err != nil {
		return "", err
	}
	opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd().Relative(-1)))

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return "", fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return "", fmt.Errorf("descriptor topic %q: no record before deadline: %w", w.cfg.Topic, ctx.Err())
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				w.logger.Warn("kafka fetch error",
					"topic", e.Topic,
					"partition", e.Partition,
					"error", e.Err,
				)
			}
		}

		var latest *kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			if latest == nil || rec.Timestamp.After(latest.Timestamp) {
				latest = rec
			}
		})
		if latest != nil {
			return string(latest.Value), nil
		}
	}
}

// Run consumes the descriptor topic from the current end and signals on
// every new record until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, notify chan<- struct{}) error {
	opts, err := w.clientOpts()
	if err != nil {
		return err
	}
	opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	w.logger.Info("kafka watcher started",
		"brokers", w.cfg.Brokers,
		"topic", w.cfg.Topic,
	)

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			w.logger.Info("kafka watcher stopping")
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				w.logger.Warn("kafka fetch error",
					"topic", e.Topic,
					"partition", e.Partition,
					"error", e.Err,
				)
			}
		}

		if fetches.NumRecords() == 0 {
			continue
		}
		w.logger.Debug("descriptor topic advanced", "records", fetches.NumRecords())

		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) clientOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(w.cfg.Brokers...),
		kgo.ConsumeTopics(w.cfg.Topic),
	}

	if w.cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if w.cfg.SASL != nil {
		mech, err := buildSASLMechanism(w.cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	return opts, nil
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}

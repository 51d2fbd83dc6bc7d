package pipeline

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"

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

// KafkaConfig holds kafka pipeline configuration.
type KafkaConfig struct {
	Brokers     []string
	InputTopic  string
	OutputTopic string
	ErrorTopic  string // optional; receives undecodable envelopes raw
	Group       string
	TLS         bool
	SASL        *SASLConfig
	Codec       Codec
	Deps        Deps
}

// Kafka consumes input envelopes from a topic, enriches them, and
// produces result envelopes to the output topic. Record keys are
// carried through so partitioning survives enrichment.
type Kafka struct {
	cfg      KafkaConfig
	codec    Codec
	counters *Counters
	logger   *slog.Logger
}

// NewKafka creates the kafka pipeline.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if cfg.Deps.Registry == nil || cfg.Deps.Engine == nil {
		return nil, errors.New("kafka pipeline: registry and engine are required")
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Deps.Counters == nil {
		cfg.Deps.Counters = NewCounters()
	}
	cfg.Group = cmp.Or(cfg.Group, "garnish")

	return &Kafka{
		cfg:      cfg,
		codec:    cfg.Codec,
		counters: cfg.Deps.Counters,
		logger:   logging.Default(cfg.Deps.Logger).With("component", "pipeline", "type", "kafka"),
	}, nil
}

// Run connects to Kafka and processes events until ctx is cancelled.
func (p *Kafka) Run(ctx context.Context) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(p.cfg.Brokers...),
		kgo.ConsumeTopics(p.cfg.InputTopic),
		kgo.ConsumerGroup(p.cfg.Group),
	}

	if p.cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if p.cfg.SASL != nil {
		mech, err := buildSASLMechanism(p.cfg.SASL)
		if err != nil {
			return err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	p.logger.Info("kafka pipeline started",
		"brokers", p.cfg.Brokers,
		"input", p.cfg.InputTopic,
		"output", p.cfg.OutputTopic,
		"group", p.cfg.Group,
		"codec", p.codec.Name(),
	)

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			p.logger.Info("kafka pipeline stopping")
			if err := client.Flush(context.Background()); err != nil {
				p.logger.Warn("flush on shutdown", "error", err)
			}
			_ = client.CommitUncommittedOffsets(context.Background())
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				p.logger.Warn("kafka fetch error",
					"topic", e.Topic,
					"partition", e.Partition,
					"error", e.Err,
				)
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			p.handle(ctx, client, rec)
		})
	}
}

// handle runs one record through decode, evaluate, encode, produce.
// Decode failure is fatal for that record only: it is logged and, when
// an error topic is configured, forwarded raw.
func (p *Kafka) handle(ctx context.Context, client *kgo.Client, rec *kgo.Record) {
	evt, err := p.codec.DecodeEvent(rec.Value)
	if err != nil {
		p.counters.decodeFailures.Add(1)
		p.logger.Warn("envelope rejected",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err,
		)
		if p.cfg.ErrorTopic != "" {
			p.produce(ctx, client, &kgo.Record{
				Topic: p.cfg.ErrorTopic,
				Key:   rec.Key,
				Value: rec.Value,
				Headers: []kgo.RecordHeader{
					{Key: "garnish-error", Value: []byte(err.Error())},
				},
			})
		}
		return
	}

	res := Process(ctx, evt, p.cfg.Deps.Registry, p.cfg.Deps.Engine, p.counters)

	out, err := p.codec.EncodeResult(res)
	if err != nil {
		p.counters.produceErrors.Add(1)
		p.logger.Error("envelope encode failed", "error", err)
		return
	}

	p.produce(ctx, client, &kgo.Record{
		Topic: p.cfg.OutputTopic,
		Key:   rec.Key,
		Value: out,
	})
}

// produce sends asynchronously; failures are counted and logged.
func (p *Kafka) produce(ctx context.Context, client *kgo.Client, rec *kgo.Record) {
	client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.counters.produceErrors.Add(1)
			p.logger.Warn("produce failed", "topic", r.Topic, "error", err)
		}
	})
}

// NewKafkaFactory returns a Factory for kafka pipelines.
func NewKafkaFactory() Factory {
	return func(params map[string]string, deps Deps) (Pipeline, error) {
		brokers := params["brokers"]
		if brokers == "" {
			return nil, fmt.Errorf("kafka pipeline: brokers param is required")
		}

		input := params["input_topic"]
		if input == "" {
			return nil, fmt.Errorf("kafka pipeline: input_topic param is required")
		}

		output := params["output_topic"]
		if output == "" {
			return nil, fmt.Errorf("kafka pipeline: output_topic param is required")
		}

		codec, err := CodecFor(params["codec"])
		if err != nil {
			return nil, fmt.Errorf("kafka pipeline: %w", err)
		}

		var saslCfg *SASLConfig
		if mech := params["sasl_mechanism"]; mech != "" {
			switch strings.ToLower(mech) {
			case "plain", "scram-sha-256", "scram-sha-512":
			default:
				return nil, fmt.Errorf("kafka pipeline: unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
			}
			saslCfg = &SASLConfig{
				Mechanism: strings.ToLower(mech),
				User:      params["sasl_user"],
				Password:  params["sasl_password"],
			}
		}

		brokerList := strings.Split(brokers, ",")
		for i := range brokerList {
			brokerList[i] = strings.TrimSpace(brokerList[i])
		}

		return NewKafka(KafkaConfig{
			Brokers:     brokerList,
			InputTopic:  input,
			OutputTopic: output,
			ErrorTopic:  params["error_topic"],
			Group:       params["group"],
			TLS:         params["tls"] == "true",
			SASL:        saslCfg,
			Codec:       codec,
			Deps:        deps,
		})
	}
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

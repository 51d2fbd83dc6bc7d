package kafka

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"garnish/internal/watcher"
)

// NewFactory returns a watcher.Factory for Kafka watchers.
func NewFactory() watcher.Factory {
	return func(params map[string]string, logger *slog.Logger) (watcher.Watcher, error) {
		brokers := params["brokers"]
		if brokers == "" {
			return nil, fmt.Errorf("kafka watcher: brokers param is required")
		}

		topic := params["topic"]
		if topic == "" {
			return nil, fmt.Errorf("kafka watcher: topic param is required")
		}

		useTLS := params["tls"] == "true"

		var saslCfg *SASLConfig
		if mech := params["sasl_mechanism"]; mech != "" {
			switch strings.ToLower(mech) {
			case "plain", "scram-sha-256", "scram-sha-512":
			default:
				return nil, fmt.Errorf("kafka watcher: unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
			}
			saslCfg = &SASLConfig{
				Mechanism: strings.ToLower(mech),
				User:      params["sasl_user"],
				Password:  params["sasl_password"],
			}
		}

		var fetchTimeout time.Duration
		if v := params["fetch_timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("kafka watcher: invalid fetch_timeout %q: %w", v, err)
			}
			fetchTimeout = d
		}

		brokerList := strings.Split(brokers, ",")
		for i := range brokerList {
			brokerList[i] = strings.TrimSpace(brokerList[i])
		}

		return New(Config{
			Brokers:      brokerList,
			Topic:        topic,
			TLS:          useTLS,
			SASL:         saslCfg,
			FetchTimeout: fetchTimeout,
			Logger:       logger,
		}), nil
	}
}

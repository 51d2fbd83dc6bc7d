package mqtt

import (
	"fmt"
	"log/slog"
	"time"

	"garnish/internal/watcher"
)

// NewFactory returns a watcher.Factory for MQTT watchers.
func NewFactory() watcher.Factory {
	return func(params map[string]string, logger *slog.Logger) (watcher.Watcher, error) {
		server := params["server"]
		if server == "" {
			return nil, fmt.Errorf("mqtt watcher: server param is required")
		}

		topic := params["topic"]
		if topic == "" {
			return nil, fmt.Errorf("mqtt watcher: topic param is required")
		}

		var fetchTimeout time.Duration
		if v := params["fetch_timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("mqtt watcher: invalid fetch_timeout %q: %w", v, err)
			}
			fetchTimeout = d
		}

		return New(Config{
			Server:       server,
			Topic:        topic,
			ClientID:     params["client_id"],
			Username:     params["username"],
			Password:     params["password"],
			FetchTimeout: fetchTimeout,
			Logger:       logger,
		}), nil
	}
}

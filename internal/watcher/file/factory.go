package file

import (
	"fmt"
	"log/slog"

	"garnish/internal/watcher"
)

// NewFactory returns a watcher.Factory for file watchers.
func NewFactory() watcher.Factory {
	return func(params map[string]string, logger *slog.Logger) (watcher.Watcher, error) {
		path := params["path"]
		if path == "" {
			return nil, fmt.Errorf("file watcher: path param is required")
		}

		return New(Config{
			Path:   path,
			Logger: logger,
		}), nil
	}
}

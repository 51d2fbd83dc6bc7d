package chatterbox

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	petname "github.com/dustinkirkland/golang-petname"

	"garnish/internal/logging"
	"garnish/internal/pipeline"
)

const (
	defaultMinInterval = 100 * time.Millisecond
	defaultMaxInterval = 1 * time.Second
	defaultUserCount   = 20
	defaultHostCount   = 10
)

// agents are real-world user agent strings so a useragent table has
// something to chew on.
var agents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"curl/8.5.0",
	"Googlebot/2.1 (+http://www.google.com/bot.html)",
}

// NewFactory returns a pipeline.Factory for chatterbox pipelines.
//
// Supported parameters:
//   - "minInterval": minimum delay between events (default: "100ms")
//   - "maxInterval": maximum delay between events (default: "1s")
//   - "userCount": number of distinct usernames to generate (default: 20)
//   - "hostCount": number of distinct hosts to generate (default: 10)
//   - "ipTable": table queried by source IP (default: "assets", "" disables)
//   - "userTable": table queried by username (default: "users", "" disables)
//   - "uaTable": table queried by user agent string (default: none)
//   - "geoTable": table queried by source IP under the geo prefix (default: none)
//
// Intervals use Go duration format: "100us", "1.5ms", "2s", etc.
//
// Commands naming tables missing from the current table set are skipped
// silently by the engine, so over-declaring tables here is harmless.
func NewFactory() pipeline.Factory {
	return func(params map[string]string, deps pipeline.Deps) (pipeline.Pipeline, error) {
		if deps.Registry == nil || deps.Engine == nil {
			return nil, fmt.Errorf("chatterbox: registry and engine are required")
		}

		minInterval := defaultMinInterval
		maxInterval := defaultMaxInterval
		userCount := defaultUserCount
		hostCount := defaultHostCount

		if v, ok := params["minInterval"]; ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid minInterval %q: %w", v, err)
			}
			if parsed < 0 {
				return nil, fmt.Errorf("minInterval must be non-negative, got %v", parsed)
			}
			minInterval = parsed
		}

		if v, ok := params["maxInterval"]; ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid maxInterval %q: %w", v, err)
			}
			if parsed < 0 {
				return nil, fmt.Errorf("maxInterval must be non-negative, got %v", parsed)
			}
			maxInterval = parsed
		}

		if minInterval > maxInterval {
			return nil, fmt.Errorf("minInterval (%v) must not exceed maxInterval (%v)", minInterval, maxInterval)
		}

		if v, ok := params["userCount"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid userCount %q: %w", v, err)
			}
			if n <= 0 {
				return nil, fmt.Errorf("userCount must be positive, got %d", n)
			}
			userCount = n
		}

		if v, ok := params["hostCount"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid hostCount %q: %w", v, err)
			}
			if n <= 0 {
				return nil, fmt.Errorf("hostCount must be positive, got %d", n)
			}
			hostCount = n
		}

		ipTable, userTable := "assets", "users"
		if v, ok := params["ipTable"]; ok {
			ipTable = v
		}
		if v, ok := params["userTable"]; ok {
			userTable = v
		}

		users := make([]string, userCount)
		for i := range users {
			users[i] = petname.Generate(2, "-")
		}
		hosts := make([]string, hostCount)
		for i := range hosts {
			hosts[i] = fmt.Sprintf("%s-%02d", petname.Generate(1, ""), i+1)
		}

		return &Chatterbox{
			minInterval: minInterval,
			maxInterval: maxInterval,
			rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
			users:       users,
			hosts:       hosts,
			agents:      agents,
			ipTable:     ipTable,
			userTable:   userTable,
			uaTable:     params["uaTable"],
			geoTable:    params["geoTable"],
			deps:        deps,
			logger:      logging.Default(deps.Logger).With("component", "pipeline", "type", "chatterbox"),
		}, nil
	}
}

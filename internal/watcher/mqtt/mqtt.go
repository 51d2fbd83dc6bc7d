// Package mqtt provides a descriptor watcher backed by a retained MQTT
// message using paho.golang. The descriptor document is published
// retained, so every subscribe immediately yields the current revision.
package mqtt

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"garnish/internal/logging"
)

// Config holds MQTT watcher configuration.
type Config struct {
	Server       string // broker URL, e.g. "mqtt://host:1883" or "tls://host:8883"
	Topic        string
	ClientID     string
	Username     string
	Password     string //nolint:gosec // G117: config field, not a hardcoded credential
	FetchTimeout time.Duration // bound on Payload fetches; defaults to 15s
	Logger       *slog.Logger
}

// Watcher subscribes to a descriptor topic. Payload opens a short-lived
// connection and waits for the retained message; Run holds a persistent
// subscription and signals on every publish.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new MQTT watcher.
func New(cfg Config) *Watcher {
	cfg.ClientID = cmp.Or(cfg.ClientID, "garnish-watcher")
	cfg.FetchTimeout = cmp.Or(cfg.FetchTimeout, 15*time.Second)
	return &Watcher{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "watcher", "type", "mqtt"),
	}
}

// Payload connects to the broker and waits for the retained descriptor
// message on the configured topic.
func (w *Watcher) Payload(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	got := make(chan string, 1)
	cm, err := w.connect(ctx, func(p *paho.Publish) {
		select {
		case got <- string(p.Payload):
		default:
		}
	})
	if err != nil {
		return "", err
	}
	defer func() {
		cancel()
		<-cm.Done()
	}()

	select {
	case payload := <-got:
		return payload, nil
	case <-ctx.Done():
		return "", fmt.Errorf("descriptor topic %q: no retained message before deadline: %w", w.cfg.Topic, ctx.Err())
	}
}

// Run holds a subscription on the descriptor topic and signals on every
// publish until ctx is cancelled. The broker replays the retained
// message after each reconnect, which costs at worst one spurious
// signal per reconnect.
func (w *Watcher) Run(ctx context.Context, notify chan<- struct{}) error {
	cm, err := w.connect(ctx, func(_ *paho.Publish) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}

	w.logger.Info("mqtt watcher started",
		"server", w.cfg.Server,
		"topic", w.cfg.Topic,
	)

	<-ctx.Done()
	w.logger.Info("mqtt watcher stopping")
	<-cm.Done()
	return nil
}

// connect establishes a managed connection that subscribes to the
// descriptor topic on every (re)connect and routes publishes to onMsg.
// The connection lives until ctx is cancelled.
func (w *Watcher) connect(ctx context.Context, onMsg func(*paho.Publish)) (*autopaho.ConnectionManager, error) {
	u, err := url.Parse(w.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("mqtt server url %q: %w", w.cfg.Server, err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		TlsCfg: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: w.cfg.Topic, QoS: 1},
				},
			}); err != nil {
				w.logger.Warn("mqtt subscribe failed", "topic", w.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			w.logger.Warn("mqtt connect error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: w.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					onMsg(pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				w.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if w.cfg.Username != "" {
		cfg.ConnectUsername = w.cfg.Username
		cfg.ConnectPassword = []byte(w.cfg.Password)
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connection: %w", err)
	}
	return cm, nil
}

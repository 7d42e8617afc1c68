// Package mqtt provides the broker-publishing capability pack. The
// broker connection is brought up by the pack's load hook and torn
// down when the pack unloads.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/satchel-ai/satchel/internal/pack"
)

const connectWait = 15 * time.Second

// Config holds broker connection settings.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
}

// connection owns the autopaho manager for the lifetime of a load.
type connection struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
}

// New builds the mqtt pack.
func New(cfg Config, logger *slog.Logger) pack.Pack {
	if logger == nil {
		logger = slog.Default()
	}
	conn := &connection{cfg: cfg, logger: logger.With("component", "mqtt")}

	return pack.Pack{
		Domain:      "mqtt",
		Description: "MQTT broker publishing",
		Version:     "1.0.0",
		Tools: []pack.ToolSpec{{
			Name:        "publish",
			Description: "Publish a message to an MQTT topic on the configured broker.",
			Icon:        "radio-tower",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic": map[string]any{
						"type":        "string",
						"description": "Topic to publish to",
						"minLength":   float64(1),
					},
					"payload": map[string]any{
						"type":        "string",
						"description": "Message payload",
					},
					"qos": map[string]any{
						"type":        "integer",
						"description": "Quality of service (0-2, default 0)",
						"minimum":     float64(0),
						"maximum":     float64(2),
					},
					"retain": map[string]any{
						"type":        "boolean",
						"description": "Retain the message on the broker",
					},
				},
				"required": []any{"topic"},
			},
			Handler: conn.publish,
		}},
		OnLoad:   conn.connect,
		OnUnload: conn.disconnect,
	}
}

func (c *connection) connect(ctx context.Context, scope *pack.Scope) error {
	if c.cfg.Broker == "" {
		return fmt.Errorf("mqtt broker is not configured")
	}
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "satchel"
	}

	// The connection outlives the load call, so it runs on its own
	// context that teardown cancels.
	connCtx, cancel := context.WithCancel(context.Background())

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("connected to broker", "broker", c.cfg.Broker)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.cancel = cancel
	c.mu.Unlock()

	scope.Defer(func() {
		cancel()
	})

	// Don't fail the load when the broker is slow; autopaho retries in
	// the background.
	waitCtx, waitCancel := context.WithTimeout(ctx, connectWait)
	defer waitCancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		c.logger.Warn("initial connection pending, retrying in background", "error", err)
	}
	return nil
}

func (c *connection) disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.cm = nil
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	if err := cm.Disconnect(ctx); err != nil {
		c.logger.Warn("disconnect failed", "error", err)
	}
	return nil
}

func (c *connection) publish(ctx context.Context, args map[string]any) (any, error) {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil, fmt.Errorf("mqtt is not connected")
	}

	topic, _ := args["topic"].(string)
	payload, _ := args["payload"].(string)
	qos := byte(0)
	if v, ok := args["qos"].(float64); ok {
		qos = byte(v)
	}
	retain, _ := args["retain"].(bool)

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return nil, fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.logger.Debug("published", "topic", topic, "bytes", len(payload), "qos", qos)
	return fmt.Sprintf("Published %d bytes to %s.", len(payload), topic), nil
}

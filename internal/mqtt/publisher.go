package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/sensorpub/internal/config"
	"github.com/nugget/sensorpub/internal/sink"
)

// errNotConnected is returned by Publish before Connect has been called.
var errNotConnected = errors.New("mqtt publisher not connected")

// Hooks receive connection state changes. Either may be nil. They are
// called from paho's goroutines and must not block.
type Hooks struct {
	OnUp   func()
	OnDown func(err error)
}

// Publisher is a [sink.Sink] backed by an autopaho connection manager.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	hooks    Hooks
	logger   *slog.Logger

	mu     sync.RWMutex
	cm     *autopaho.ConnectionManager
	closed bool
}

var _ sink.Sink = (*Publisher)(nil)

// New creates a Publisher but does not connect. Call
// [Publisher.Connect] to start the connection manager.
func New(cfg config.MQTTConfig, hooks Hooks, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: ClientID(cfg.ClientID),
		hooks:    hooks,
		logger:   logger,
	}
}

// ClientID returns configured if set, otherwise a fresh
// "sensorpub-<uuid>" identifier so parallel simulators never kick each
// other off the broker.
func ClientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "sensorpub-" + uuid.NewString()
}

// Connect starts the connection manager. It does not wait for the
// broker; autopaho keeps retrying in the background until ctx is
// cancelled or [Publisher.Close] is called. Use
// [Publisher.AwaitConnection] to block until the link is up.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return sink.ErrClosed
	}
	if p.cm != nil {
		return nil
	}

	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	tlsCfg, err := TLSConfig(brokerURL, p.cfg)
	if err != nil {
		return err
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		TlsCfg:          tlsCfg,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			if p.hooks.OnUp != nil {
				p.hooks.OnUp()
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "broker", p.cfg.Broker, "error", err)
			p.down(err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnServerDisconnect: func(d *paho.Disconnect) {
				err := fmt.Errorf("server disconnect, reason code %d", d.ReasonCode)
				p.logger.Warn("mqtt broker disconnected", "broker", p.cfg.Broker, "reason_code", d.ReasonCode)
				p.down(err)
			},
			OnClientError: func(err error) {
				p.logger.Warn("mqtt client error", "broker", p.cfg.Broker, "error", err)
				p.down(err)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	return nil
}

func (p *Publisher) down(err error) {
	if p.hooks.OnDown != nil {
		p.hooks.OnDown(err)
	}
}

// TLSConfig returns the TLS settings for brokerURL, or nil when the
// connection should be plain TCP.
func TLSConfig(brokerURL *url.URL, cfg config.MQTTConfig) (*tls.Config, error) {
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls":
	default:
		if cfg.CACert == "" {
			return nil, nil
		}
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read mqtt CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mqtt CA certificate %s: no PEM certificates found", cfg.CACert)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// Publish implements [sink.Sink]. QoS 0 publishes return as soon as
// the packet is written; higher levels wait for the broker's
// acknowledgement or ctx.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.RLock()
	cm, closed := p.cm, p.closed
	p.mu.RUnlock()

	switch {
	case closed:
		return &sink.PublishError{Topic: topic, Err: sink.ErrClosed}
	case cm == nil:
		return &sink.PublishError{Topic: topic, Err: errNotConnected}
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return &sink.PublishError{Topic: topic, Err: err}
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt publish", "topic", topic, "payload", string(payload))
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as the broker health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return errNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Close disconnects from the broker. It is safe to call more than once.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	already := p.closed
	p.closed = true
	p.mu.Unlock()

	if already || cm == nil {
		return nil
	}
	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	p.logger.Info("mqtt disconnected", "broker", p.cfg.Broker)
	return nil
}

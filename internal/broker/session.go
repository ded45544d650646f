// Package broker owns the MQTT connection state machine shared by the
// publisher and the action dispatcher. Neither of those owns reconnect
// logic; they read the session's state snapshot and treat Disconnected
// as "retry later".
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/pibridge/pibridge/internal/config"
)

// State is the connection state machine position. Only Connected
// permits publish and subscribe flow.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Publish while the session snapshot is
// not Connected. Callers retry later; they never reconnect themselves.
var ErrNotConnected = errors.New("broker session not connected")

// MessageHandler is called for each message received on a subscribed
// topic. It runs on the client's receive goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Session manages the broker connection. Reconnects use exponential
// backoff with a bounded ceiling, and every transition into Connected
// re-issues all configured subscriptions, since the broker does not
// remember subscriptions across a closed connection.
type Session struct {
	cfg      config.MQTTConfig
	clientID string
	backoff  BackoffConfig
	logger   *slog.Logger

	state atomic.Int32
	cm    *autopaho.ConnectionManager

	mu        sync.Mutex
	patterns  []string
	onMessage MessageHandler
}

// NewSession creates a Session but does not connect. Call
// [Session.Start] to begin the connection lifecycle.
func NewSession(cfg config.MQTTConfig, clientID string, backoff BackoffConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		clientID: clientID,
		backoff:  backoff,
		logger:   logger,
	}
}

// Subscribe records patterns to subscribe on every connect. Must be
// called before Start.
func (s *Session) Subscribe(patterns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append([]string(nil), patterns...)
}

// OnMessage sets the inbound message handler. Must be called before
// Start.
func (s *Session) OnMessage(fn MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// State returns the current connection state snapshot.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start connects to the broker and keeps the connection alive until
// ctx is cancelled. It returns once the connection manager is running;
// the initial connect may still be in progress (the session retries in
// the background with backoff).
func (s *Session) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	s.state.Store(int32(Connecting))

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        s.cfg.KeepAlive,
		ReconnectBackoff: s.backoff.Delays(),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.state.Store(int32(Connected))
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.BrokerURL())
			s.resubscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.state.Store(int32(Disconnected))
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				s.handleInbound,
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.state.Store(int32(Disconnected))
				s.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
			},
			OnClientError: func(err error) {
				s.state.Store(int32(Disconnected))
				s.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	// Both credential fields empty means an anonymous connect.
	if s.cfg.User != "" || s.cfg.Password != "" {
		pahoCfg.ConnectUsername = s.cfg.User
		pahoCfg.ConnectPassword = []byte(s.cfg.Password)
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		s.state.Store(int32(Disconnected))
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (s *Session) AwaitConnection(ctx context.Context) error {
	if s.cm == nil {
		return fmt.Errorf("broker session not started")
	}
	return s.cm.AwaitConnection(ctx)
}

// Publish sends one record. Returns [ErrNotConnected] while the
// session snapshot is not Connected so callers fail fast instead of
// queueing into a dead connection.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.State() != Connected {
		return ErrNotConnected
	}

	_, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     s.cfg.QoS,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// NoteSendFailure flips the state snapshot to Disconnected after a
// send failure. The underlying client notices the broken connection
// itself and reconnects with backoff; the snapshot makes publishers
// fail fast in the meantime.
func (s *Session) NoteSendFailure() {
	s.state.Store(int32(Disconnected))
}

// Stop disconnects from the broker. The context bounds the wait for a
// clean disconnect.
func (s *Session) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.state.Store(int32(Disconnected))
	err := s.cm.Disconnect(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resubscribe re-issues all configured rule patterns. Runs on every
// transition into Connected.
func (s *Session) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	s.mu.Lock()
	patterns := append([]string(nil), s.patterns...)
	s.mu.Unlock()

	if len(patterns) == 0 {
		return
	}

	subs := make([]paho.SubscribeOptions, 0, len(patterns))
	for _, p := range patterns {
		subs = append(subs, paho.SubscribeOptions{Topic: p, QoS: s.cfg.QoS})
	}

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		s.logger.Warn("mqtt subscribe failed", "patterns", patterns, "error", err)
		return
	}
	s.logger.Debug("mqtt subscriptions issued", "patterns", patterns)
}

// handleInbound forwards a received publish to the message handler.
func (s *Session) handleInbound(pr paho.PublishReceived) (bool, error) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()

	if fn != nil {
		fn(pr.Packet.Topic, pr.Packet.Payload)
	}
	return true, nil
}

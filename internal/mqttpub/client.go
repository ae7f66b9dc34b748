// Package mqttpub is the MQTT Publisher (C7): drains C2 on an interval
// state machine, batches by publish mode, publishes through
// eclipse/paho.mqtt.golang, and routes failures into C3 (spec §4.7).
// Grounded on the teacher's internal/messaging/broker.go (MsgBroker's
// Connect/Publish/Close, ctx+timeout wrapping of paho tokens),
// generalized from the teacher's single always-on client into one that
// tracks an explicit connection state spec.md names (Disconnected →
// Connecting → Connected → Publishing).
package mqttpub

import (
	"context"
	"crypto/tls"
	"fmt"
	"hash/crc32"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fisaks/uhn-gateway/internal/logging"
	"github.com/fisaks/uhn-gateway/internal/model"
)

// State mirrors spec §4.7's publisher state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	default:
		return "disconnected"
	}
}

const (
	socketTimeout    = 15 * time.Second
	keepAliveDefault = 120 * time.Second
	reconnectBackoff = 5 * time.Second
)

// Client wraps a paho client with the connection-state tracking and
// ctx/timeout-bounded publish calls spec §5 requires ("no unbounded
// blocking anywhere").
type Client struct {
	cfg   model.MQTTConfig
	paho  mqtt.Client
	state atomic.Int32
}

func NewClient(cfg model.MQTTConfig) *Client {
	return &Client{cfg: cfg}
}

// ClientID resolves the configured id, or a deterministic one derived
// from the host when client_id_default is set (spec §4.7 "Client id
// defaults to a deterministic id derived from the device MAC if not
// configured" — this host build has no MAC, so the hostname plus a
// short checksum stands in for it, keeping the "deterministic,
// collision-resistant, no user input needed" property the spec asks
// for).
func ClientID(cfg model.MQTTConfig) string {
	if !cfg.ClientIdDefault && cfg.ClientId != "" {
		return cfg.ClientId
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "uhn-gateway"
	}
	sum := crc32.ChecksumIEEE([]byte(host))
	return fmt.Sprintf("uhn-%08x", sum)
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Connect dials the broker, honoring spec's socket timeout and
// keep-alive; AutoReconnect plus MaxReconnectInterval implements the
// "failure from any state transitions to Disconnected with a 5s
// reconnect backoff" rule without a hand-rolled retry loop, the same
// way the teacher's MustConnect/broker.go lean on paho's own
// AutoReconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	keepAlive := time.Duration(c.cfg.KeepAliveSec) * time.Second
	if keepAlive <= 0 {
		keepAlive = keepAliveDefault
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort)).
		SetClientID(ClientID(c.cfg)).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(socketTimeout).
		SetCleanSession(c.cfg.CleanSession).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectBackoff)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort))
	}
	opts.OnConnect = func(mqtt.Client) {
		c.setState(StateConnected)
		logging.Tagged("mqttpub").Info("broker connected", "broker", c.cfg.BrokerHost)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setState(StateDisconnected)
		logging.Tagged("mqttpub").Warn("broker connection lost", "error", err)
	}

	c.paho = mqtt.NewClient(opts)
	token := c.paho.Connect()
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		if token.Error() != nil {
			c.setState(StateDisconnected)
			return token.Error()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) IsConnected() bool {
	return c.paho != nil && c.paho.IsConnected()
}

// Publish sends payload to topic at qos/retain, bounded by the socket
// timeout; it never relies on a C-string length computation because
// Go's []byte carries its length explicitly, satisfying spec §4.7 step
// 5's "must not rely on a C-string length computation" constraint by
// construction rather than by a special encoding.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if c.paho == nil || !c.paho.IsConnected() {
		return fmt.Errorf("mqttpub: not connected")
	}
	c.setState(StatePublishing)
	defer c.setState(StateConnected)

	token := c.paho.Publish(topic, qos, retain, payload)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		return token.Error()
	case <-time.After(socketTimeout):
		return fmt.Errorf("mqttpub: publish timeout after %v", socketTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Disconnect() {
	if c.paho != nil {
		c.paho.Disconnect(250)
	}
	c.setState(StateDisconnected)
}

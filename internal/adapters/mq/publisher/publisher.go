// Package publisher forwards submission stage events to an MQTT broker.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/okian/trustrep/internal/domain/submission"
	"github.com/okian/trustrep/pkg/logger"
)

var (
	ErrNoBroker       = errors.New("mqtt broker not configured")
	ErrNotConnected   = errors.New("mqtt not connected")
	ErrPublishTimeout = errors.New("mqtt publish timeout")
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	qos            = 1
)

// client is the subset of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Config selects the broker and topic layout.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// MQTT publishes every event as JSON on <prefix>/submissions/<asset_id>.
type MQTT struct {
	client    client
	prefix    string
	published atomic.Uint64
	failed    atomic.Uint64
	mu        sync.Mutex
	closed    bool
	log       logger.Logger
}

var _ submission.EventPublisher = (*MQTT)(nil)

// Connect dials the broker. The client reconnects on its own afterwards.
func Connect(ctx context.Context, cfg Config) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, ErrNoBroker
	}
	log := logger.Get().Named("mqtt")
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "trustrep-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info(ctx, "mqtt connected", logger.String("broker", broker), logger.String("client_id", clientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn(ctx, "mqtt connection lost", logger.Error(err))
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return newMQTT(c, cfg.TopicPrefix, log), nil
}

func newMQTT(c client, prefix string, log logger.Logger) *MQTT {
	if prefix == "" {
		prefix = "trustrep"
	}
	return &MQTT{client: c, prefix: strings.TrimRight(prefix, "/"), log: log}
}

// Topic is where events of assetID are published.
func (m *MQTT) Topic(assetID string) string {
	return m.prefix + "/submissions/" + assetID
}

// Publish sends ev. Terminal events are retained so late subscribers see
// the outcome.
func (m *MQTT) Publish(_ context.Context, ev submission.Event) error {
	if !m.client.IsConnected() {
		m.failed.Add(1)
		return ErrNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.failed.Add(1)
		return fmt.Errorf("encode event: %w", err)
	}
	token := m.client.Publish(m.Topic(ev.AssetID), qos, ev.Terminal(), payload)
	if !token.WaitTimeout(publishTimeout) {
		m.failed.Add(1)
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		m.failed.Add(1)
		return fmt.Errorf("mqtt publish: %w", err)
	}
	m.published.Add(1)
	return nil
}

// Stats returns published and failed counts.
func (m *MQTT) Stats() (published, failed uint64) {
	return m.published.Load(), m.failed.Load()
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

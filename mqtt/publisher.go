// Package mqtt mirrors data changes and heartbeats to MQTT brokers.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"opcuaproxy/config"
	"opcuaproxy/logging"
	"opcuaproxy/message"
	"opcuaproxy/namespace"
	"opcuaproxy/store"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time.
var ErrPublishTimeout = errors.New("publish timeout")

// connectTimeout bounds the initial broker connection.
const connectTimeout = 5 * time.Second

// Publisher handles one MQTT broker connection.
type Publisher struct {
	config  *config.MQTTConfig
	ns      *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:    cfg,
		ns:        namespace.New(ns, cfg.Selector),
		newClient: pahomqtt.NewClient,
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Enabled reports whether the publisher is started by StartAll.
func (p *Publisher) Enabled() bool {
	return p.config.Enabled
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Connect without holding the lock.
	client := p.newClient(opts)
	logging.DebugLog("mqtt", "connecting to broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		logging.DebugConnectError("mqtt", p.Address(), errors.New("connection timeout"))
		return fmt.Errorf("connection to %s timed out", p.Address())
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("mqtt", p.Address(), err)
		return err
	}
	logging.DebugConnectSuccess("mqtt", p.Address(), "client_id="+p.config.ClientID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.running = false
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(500)
		logging.DebugDisconnect("mqtt", p.Address(), "stopped")
	}
}

func (p *Publisher) connected() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// PublishData publishes a data change batch on the partner's data topic
// and, when per-tag publishing is enabled, one retained message per tag.
// Empty batches carry no values and are not published.
func (p *Publisher) PublishData(ctx context.Context, m message.DataChange) error {
	client := p.connected()
	if client == nil || len(m.Changes) == 0 {
		return nil
	}
	payload, err := store.MarshalJSON(store.DataDocument(m))
	if err != nil {
		return err
	}
	if err := p.publish(ctx, client, p.ns.MQTTDataTopic(m.PartnerID), false, payload); err != nil {
		return err
	}
	if !p.config.PerTag {
		return nil
	}
	for _, c := range m.Changes {
		payload, err := store.MarshalJSON(store.TagDocument(m.PartnerID, c))
		if err != nil {
			return err
		}
		if err := p.publish(ctx, client, p.ns.MQTTTagTopic(m.PartnerID, c.TagName), true, payload); err != nil {
			return err
		}
	}
	return nil
}

// PublishHealth publishes a heartbeat as the retained health message. A
// removal clears the retained message.
func (p *Publisher) PublishHealth(ctx context.Context, m message.Health) error {
	client := p.connected()
	if client == nil {
		return nil
	}
	topic := p.ns.MQTTHealthTopic(m.PartnerID)
	if m.Command == message.HealthRemove {
		return p.publish(ctx, client, topic, true, []byte{})
	}
	payload, err := store.MarshalJSON(store.HealthDocument(m))
	if err != nil {
		return err
	}
	return p.publish(ctx, client, topic, true, payload)
}

func (p *Publisher) publish(ctx context.Context, client pahomqtt.Client, topic string, retained bool, payload []byte) error {
	token := client.Publish(topic, p.config.QoS, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	logging.DebugLog("mqtt", "%s %s: %d bytes", p.config.Name, topic, len(payload))
	return nil
}

// Manager fans messages out to every running publisher. It implements the
// sink contract.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
	log        *slog.Logger
}

// NewManager creates a new MQTT manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		publishers: make(map[string]*Publisher),
		log:        log.With("component", "mqtt"),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers[pub.Name()] = pub
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, ns string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], ns))
	}
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled || pub.IsRunning() {
			continue
		}
		if err := pub.Start(); err != nil {
			m.log.Error("starting MQTT publisher", "name", pub.Name(), "broker", pub.Address(), "error", err)
			continue
		}
		m.log.Info("MQTT publisher started", "name", pub.Name(), "broker", pub.Address())
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Name identifies the sink in logs.
func (m *Manager) Name() string { return "mqtt" }

// WriteData publishes a batch to every running publisher.
func (m *Manager) WriteData(ctx context.Context, msg message.DataChange) error {
	var errs []error
	for _, pub := range m.List() {
		if err := pub.PublishData(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pub.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// WriteHealth publishes a heartbeat to every running publisher.
func (m *Manager) WriteHealth(ctx context.Context, msg message.Health) error {
	var errs []error
	for _, pub := range m.List() {
		if err := pub.PublishHealth(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pub.Name(), err))
		}
	}
	return errors.Join(errs...)
}

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"opcuaproxy/logging"
	"opcuaproxy/message"
	"opcuaproxy/namespace"
	"opcuaproxy/store"
)

// Manager publishes to every connected cluster. Each message is keyed by
// partner ID. It implements the sink contract.
type Manager struct {
	producers map[string]*Producer
	builders  map[string]*namespace.Builder
	namespace string
	mu        sync.RWMutex
	log       *slog.Logger
}

// NewManager creates a new Kafka manager publishing under namespace ns.
func NewManager(ns string, log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		producers: make(map[string]*Producer),
		builders:  make(map[string]*namespace.Builder),
		namespace: ns,
		log:       log.With("component", "kafka"),
	}
}

// AddCluster adds a cluster. A cluster with the same name is left as is.
func (m *Manager) AddCluster(config *Config) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, exists := m.producers[config.Name]; exists {
		return p
	}
	p := NewProducer(config)
	m.producers[config.Name] = p
	m.builders[config.Name] = namespace.New(m.namespace, config.Selector)
	return p
}

// LoadFromConfigs loads multiple cluster configurations.
func (m *Manager) LoadFromConfigs(configs []Config) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// GetProducer returns the producer of a cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns the cluster names sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return p.GetStatus(), p.GetError()
}

// ConnectEnabled connects every enabled cluster and returns how many
// succeeded.
func (m *Manager) ConnectEnabled() int {
	connected := 0
	for _, name := range m.ListClusters() {
		p := m.GetProducer(name)
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			m.log.Error("connecting Kafka cluster", "name", name, "brokers", p.config.Brokers, "error", err)
			continue
		}
		m.log.Info("Kafka cluster connected", "name", name, "brokers", p.config.Brokers)
		connected++
	}
	return connected
}

// StopAll disconnects from all Kafka clusters.
func (m *Manager) StopAll() {
	for _, name := range m.ListClusters() {
		m.GetProducer(name).Disconnect()
	}
}

// AnyPublishing returns true if any cluster is connected.
func (m *Manager) AnyPublishing() bool {
	for _, name := range m.ListClusters() {
		if m.GetProducer(name).GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// Name identifies the sink in logs.
func (m *Manager) Name() string { return "kafka" }

// WriteData produces one message per non-empty batch on the data topic.
func (m *Manager) WriteData(ctx context.Context, msg message.DataChange) error {
	if len(msg.Changes) == 0 {
		return nil
	}
	payload, err := store.MarshalJSON(store.DataDocument(msg))
	if err != nil {
		return err
	}
	return m.produce(ctx, msg.PartnerID, payload, (*namespace.Builder).KafkaDataTopic)
}

// WriteHealth produces heartbeats on the health topic. A removal is a
// tombstone so compacted topics forget the partner.
func (m *Manager) WriteHealth(ctx context.Context, msg message.Health) error {
	var payload []byte
	if msg.Command == message.HealthUpdate {
		var err error
		if payload, err = store.MarshalJSON(store.HealthDocument(msg)); err != nil {
			return err
		}
	}
	return m.produce(ctx, msg.PartnerID, payload, (*namespace.Builder).KafkaHealthTopic)
}

func (m *Manager) produce(ctx context.Context, key string, payload []byte, topic func(*namespace.Builder) string) error {
	var errs []error
	for _, name := range m.ListClusters() {
		m.mu.RLock()
		p, b := m.producers[name], m.builders[name]
		m.mu.RUnlock()
		if p.GetStatus() != StatusConnected {
			continue
		}
		if err := p.Produce(ctx, topic(b), []byte(key), payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

package valkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"opcuaproxy/config"
	"opcuaproxy/logging"
	"opcuaproxy/message"
)

// Manager fans messages out to every running publisher. It implements the
// sink contract.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
	log        *slog.Logger
}

// NewManager creates a new Valkey manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		publishers: make([]*Publisher, 0),
		log:        log.With("component", "valkey"),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range configs {
		m.publishers = append(m.publishers, NewPublisher(&configs[i], ns))
	}
}

// Add adds a publisher.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, pub)
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.Name() == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers in configuration order.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled || pub.IsRunning() {
			continue
		}
		if err := pub.Start(); err != nil {
			m.log.Error("starting Valkey publisher", "name", pub.Name(), "address", pub.Address(), "error", err)
			continue
		}
		m.log.Info("Valkey publisher started", "name", pub.Name(), "address", pub.Address())
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		if err := pub.Stop(); err != nil {
			m.log.Warn("closing Valkey client", "name", pub.Name(), "error", err)
		}
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
func (m *Manager) Name() string { return "valkey" }

// WriteData writes a batch to every running publisher.
func (m *Manager) WriteData(ctx context.Context, msg message.DataChange) error {
	var errs []error
	for _, pub := range m.List() {
		if err := pub.PublishData(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pub.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// WriteHealth writes a heartbeat to every running publisher.
func (m *Manager) WriteHealth(ctx context.Context, msg message.Health) error {
	var errs []error
	for _, pub := range m.List() {
		if err := pub.PublishHealth(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pub.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Package valkey mirrors the latest tag values and heartbeats to
// Valkey/Redis servers.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"opcuaproxy/config"
	"opcuaproxy/logging"
	"opcuaproxy/message"
	"opcuaproxy/namespace"
	"opcuaproxy/store"
)

// Client is the subset of *redis.Client used by Publisher.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Publisher writes to one Valkey server.
//
// Keys:
//
//	{ns}[:{sel}]:{partner}:data     hash of tag name to latest tag document
//	{ns}[:{sel}]:{partner}:health   last heartbeat document, deleted on removal
//	{ns}[:{sel}]:{partner}:changes  pub/sub channel receiving every batch
//	{ns}[:{sel}]:_all:changes       pub/sub channel receiving every batch
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	client  Client
	running bool
	mu      sync.RWMutex

	newClient func(*redis.Options) Client
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config: cfg,
		ns:     namespace.New(ns, cfg.Selector),
		newClient: func(o *redis.Options) Client {
			return redis.NewClient(o)
		},
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

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Create client and test connection without holding the lock.
	client := p.newClient(opts)
	logging.DebugConnect("valkey", p.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnectSuccess("valkey", p.Address(), fmt.Sprintf("db=%d", p.config.Database))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.running = false
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	logging.DebugDisconnect("valkey", p.Address(), "stopped")
	return client.Close()
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the server address with its scheme.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) connected() Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// PublishData stores every changed tag in the partner's data hash and,
// when enabled, announces the batch on the change channels.
func (p *Publisher) PublishData(ctx context.Context, m message.DataChange) error {
	client := p.connected()
	if client == nil || len(m.Changes) == 0 {
		return nil
	}

	fields := make([]interface{}, 0, 2*len(m.Changes))
	for _, c := range m.Changes {
		doc, err := store.MarshalJSON(store.TagDocument(m.PartnerID, c))
		if err != nil {
			return err
		}
		fields = append(fields, c.TagName, doc)
	}
	key := p.ns.ValkeyDataKey(m.PartnerID)
	if err := client.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	if p.config.KeyTTL > 0 {
		if err := client.Expire(ctx, key, p.config.KeyTTL).Err(); err != nil {
			return fmt.Errorf("failed to expire %s: %w", key, err)
		}
	}

	if p.config.PublishChanges {
		payload, err := store.MarshalJSON(store.DataDocument(m))
		if err != nil {
			return err
		}
		for _, ch := range []string{p.ns.ValkeyChangesChannel(m.PartnerID), p.ns.ValkeyAllChangesChannel()} {
			if err := client.Publish(ctx, ch, payload).Err(); err != nil {
				return fmt.Errorf("failed to publish on %s: %w", ch, err)
			}
		}
	}
	logging.DebugLog("valkey", "%s %s: %d tag(s)", p.config.Name, key, len(m.Changes))
	return nil
}

// PublishHealth stores the last heartbeat, or deletes it on removal.
func (p *Publisher) PublishHealth(ctx context.Context, m message.Health) error {
	client := p.connected()
	if client == nil {
		return nil
	}
	key := p.ns.ValkeyHealthKey(m.PartnerID)
	if m.Command == message.HealthRemove {
		if err := client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	}
	payload, err := store.MarshalJSON(store.HealthDocument(m))
	if err != nil {
		return err
	}
	if err := client.Set(ctx, key, payload, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

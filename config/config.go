// Package config loads the process configuration of the OPC-UA proxy.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"opcuaproxy/logging"
	"opcuaproxy/opcua"
	"opcuaproxy/sessionman"
	"opcuaproxy/store"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "OPCUA_PROXY_"

// Config holds the complete application configuration.
type Config struct {
	Namespace    string         `yaml:"namespace"` // topic/key prefix for broker mirrors
	ConfigAPIURL string         `yaml:"config_api_url"`
	MongoDB      MongoDBConfig  `yaml:"mongodb"`
	OPCUA        OPCUAConfig    `yaml:"opcua"`
	Manager      ManagerConfig  `yaml:"manager"`
	Channels     ChannelsConfig `yaml:"channels"`
	Web          WebConfig      `yaml:"web"`
	Log          LogConfig      `yaml:"log"`
	MQTT         []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey       []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka        []KafkaConfig  `yaml:"kafka,omitempty"`
}

// MongoDBConfig holds the storage connection settings.
type MongoDBConfig struct {
	URI                    string        `yaml:"uri"`
	Database               string        `yaml:"database"`
	DataCollection         string        `yaml:"data_collection"`
	HealthCollection       string        `yaml:"health_collection"`
	AppName                string        `yaml:"app_name"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout"`
	WriteTimeout           time.Duration `yaml:"write_timeout"`
}

// OPCUAConfig holds the per-session protocol settings.
type OPCUAConfig struct {
	PKIDir               string        `yaml:"pki_dir"`
	ApplicationName      string        `yaml:"application_name"`
	ApplicationURIPrefix string        `yaml:"application_uri_prefix"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	LockTimeout          time.Duration `yaml:"lock_timeout"`
	DataInterval         time.Duration `yaml:"data_interval"`
	SamplingInterval     time.Duration `yaml:"sampling_interval"`
	QueueSize            uint32        `yaml:"queue_size"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	MaxDisconnected      int           `yaml:"max_disconnected"`
}

// ManagerConfig holds the control loop cadence.
type ManagerConfig struct {
	ConfigRefresh time.Duration `yaml:"config_refresh"`
	ConfigRetry   time.Duration `yaml:"config_retry"`
	Reconcile     time.Duration `yaml:"reconcile"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	InitWorkers   int           `yaml:"init_workers"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
}

// ChannelsConfig holds the capacity of the two outbound channels.
type ChannelsConfig struct {
	DataChanges int `yaml:"data_changes"`
	Health      int `yaml:"health"`
}

// WebConfig holds the status API listener settings.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig holds the process logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// MQTTConfig holds MQTT mirror configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
	PerTag   bool   `yaml:"per_tag,omitempty"` // Also publish one retained message per tag
}

// ValkeyConfig holds Valkey/Redis mirror configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`           // Redis DB number (default 0)
	Selector       string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on changes
}

// KafkaConfig holds Kafka mirror configuration for YAML loading.
// The kafka package has its own Config struct for runtime use.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"` // Optional sub-namespace
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	s := opcua.DefaultSettings()
	m := sessionman.DefaultOptions()
	return &Config{
		Namespace: "opcua-proxy",
		MongoDB: MongoDBConfig{
			URI:                    "mongodb://localhost:27017",
			Database:               "opcua",
			DataCollection:         "data",
			HealthCollection:       "health",
			AppName:                "opcua-proxy",
			ServerSelectionTimeout: 10 * time.Second,
			WriteTimeout:           5 * time.Second,
		},
		OPCUA: OPCUAConfig{
			PKIDir:               s.PKIDir,
			ApplicationName:      s.ApplicationName,
			ApplicationURIPrefix: s.ApplicationURIPrefix,
			ConnectTimeout:       s.ConnectTimeout,
			RequestTimeout:       s.RequestTimeout,
			SessionTimeout:       s.SessionTimeout,
			LockTimeout:          s.LockTimeout,
			DataInterval:         s.DataInterval,
			SamplingInterval:     s.SamplingInterval,
			QueueSize:            s.QueueSize,
			HealthInterval:       s.HealthInterval,
			MaxDisconnected:      s.MaxDisconnected,
		},
		Manager: ManagerConfig{
			ConfigRefresh: m.ConfigRefresh,
			ConfigRetry:   m.ConfigRetry,
			Reconcile:     m.Reconcile,
			FetchTimeout:  m.FetchTimeout,
			InitWorkers:   m.InitWorkers,
			SendTimeout:   m.SendTimeout,
		},
		Channels: ChannelsConfig{
			DataChanges: 1000,
			Health:      100,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// Load reads configuration from a YAML file over the defaults, then applies
// environment overrides. An empty path or a missing file leaves the
// defaults in place. A .env file in the working directory, if present, is
// loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from OPCUA_PROXY_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("NAMESPACE", &c.Namespace)
	str("CONFIG_API_URL", &c.ConfigAPIURL)
	str("MONGODB_URI", &c.MongoDB.URI)
	str("MONGODB_DATABASE", &c.MongoDB.Database)
	str("PKI_DIR", &c.OPCUA.PKIDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)
	str("WEB_HOST", &c.Web.Host)

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"CONFIG_REFRESH", &c.Manager.ConfigRefresh},
		{"CONFIG_RETRY", &c.Manager.ConfigRetry},
		{"RECONCILE_INTERVAL", &c.Manager.Reconcile},
		{"DATA_INTERVAL", &c.OPCUA.DataInterval},
		{"HEALTH_INTERVAL", &c.OPCUA.HealthInterval},
		{"LOCK_TIMEOUT", &c.OPCUA.LockTimeout},
	} {
		if err := dur(d.name, d.dst); err != nil {
			return err
		}
	}
	if err := num("WEB_PORT", &c.Web.Port); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "WEB_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sWEB_ENABLED: %w", EnvPrefix, err)
		}
		c.Web.Enabled = b
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.ConfigAPIURL == "" {
		errs = append(errs, errors.New("config_api_url is required"))
	} else if u, err := url.Parse(c.ConfigAPIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("config_api_url %q is not an http(s) URL", c.ConfigAPIURL))
	}
	if c.MongoDB.URI == "" {
		errs = append(errs, errors.New("mongodb.uri is required"))
	}
	if c.MongoDB.Database == "" || c.MongoDB.DataCollection == "" || c.MongoDB.HealthCollection == "" {
		errs = append(errs, errors.New("mongodb database and collection names are required"))
	}
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		errs = append(errs, errors.New("invalid namespace: must contain only alphanumeric characters, hyphens, underscores and dots"))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"opcua.connect_timeout", c.OPCUA.ConnectTimeout},
		{"opcua.request_timeout", c.OPCUA.RequestTimeout},
		{"opcua.lock_timeout", c.OPCUA.LockTimeout},
		{"opcua.data_interval", c.OPCUA.DataInterval},
		{"opcua.health_interval", c.OPCUA.HealthInterval},
		{"manager.config_refresh", c.Manager.ConfigRefresh},
		{"manager.config_retry", c.Manager.ConfigRetry},
		{"manager.reconcile", c.Manager.Reconcile},
		{"manager.fetch_timeout", c.Manager.FetchTimeout},
		{"manager.send_timeout", c.Manager.SendTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.Manager.ConfigRetry > c.Manager.ConfigRefresh {
		errs = append(errs, errors.New("manager.config_retry must not exceed manager.config_refresh"))
	}
	if c.OPCUA.MaxDisconnected < 1 {
		errs = append(errs, errors.New("opcua.max_disconnected must be at least 1"))
	}
	if c.Manager.InitWorkers < 1 {
		errs = append(errs, errors.New("manager.init_workers must be at least 1"))
	}
	if c.Channels.DataChanges < 1 || c.Channels.Health < 1 {
		errs = append(errs, errors.New("channel capacities must be at least 1"))
	}
	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	names := make(map[string]bool)
	for _, m := range c.MQTT {
		if m.Name == "" || names["mqtt/"+m.Name] {
			errs = append(errs, fmt.Errorf("mqtt entry %q: name must be set and unique", m.Name))
		}
		names["mqtt/"+m.Name] = true
		if m.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt entry %q: qos must be 0, 1 or 2", m.Name))
		}
	}
	for _, v := range c.Valkey {
		if v.Name == "" || names["valkey/"+v.Name] {
			errs = append(errs, fmt.Errorf("valkey entry %q: name must be set and unique", v.Name))
		}
		names["valkey/"+v.Name] = true
	}
	for _, k := range c.Kafka {
		if k.Name == "" || names["kafka/"+k.Name] {
			errs = append(errs, fmt.Errorf("kafka entry %q: name must be set and unique", k.Name))
		}
		names["kafka/"+k.Name] = true
		if k.Enabled && len(k.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("kafka entry %q: at least one broker is required", k.Name))
		}
	}
	return errors.Join(errs...)
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// OPCUASettings converts to the session settings.
func (c *Config) OPCUASettings() opcua.Settings {
	s := opcua.DefaultSettings()
	s.PKIDir = c.OPCUA.PKIDir
	s.ApplicationName = c.OPCUA.ApplicationName
	s.ApplicationURIPrefix = c.OPCUA.ApplicationURIPrefix
	s.ConnectTimeout = c.OPCUA.ConnectTimeout
	s.RequestTimeout = c.OPCUA.RequestTimeout
	s.SessionTimeout = c.OPCUA.SessionTimeout
	s.LockTimeout = c.OPCUA.LockTimeout
	s.DataInterval = c.OPCUA.DataInterval
	s.SamplingInterval = c.OPCUA.SamplingInterval
	s.QueueSize = c.OPCUA.QueueSize
	s.HealthInterval = c.OPCUA.HealthInterval
	s.MaxDisconnected = c.OPCUA.MaxDisconnected
	s.SendTimeout = c.Manager.SendTimeout
	return s
}

// ManagerOptions converts to the control loop options.
func (c *Config) ManagerOptions() sessionman.Options {
	return sessionman.Options{
		ConfigRefresh: c.Manager.ConfigRefresh,
		ConfigRetry:   c.Manager.ConfigRetry,
		Reconcile:     c.Manager.Reconcile,
		FetchTimeout:  c.Manager.FetchTimeout,
		SendTimeout:   c.Manager.SendTimeout,
		InitWorkers:   c.Manager.InitWorkers,
	}
}

// StoreOptions converts to the MongoDB options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		URI:                    c.MongoDB.URI,
		Database:               c.MongoDB.Database,
		DataCollection:         c.MongoDB.DataCollection,
		HealthCollection:       c.MongoDB.HealthCollection,
		AppName:                c.MongoDB.AppName,
		ServerSelectionTimeout: c.MongoDB.ServerSelectionTimeout,
	}
}

// LogOptions converts to the logger options.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
	}
}

// WebAddr returns the status API listen address.
func (c *Config) WebAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

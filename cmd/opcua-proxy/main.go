// opcua-proxy - OPC UA to MongoDB gateway
//
// Fetches the partner list from the configuration API, keeps one OPC UA
// session per partner, and stores data changes and heartbeats in MongoDB.
// Optional MQTT, Valkey and Kafka mirrors receive the same messages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"opcuaproxy/api"
	"opcuaproxy/config"
	"opcuaproxy/kafka"
	"opcuaproxy/logging"
	"opcuaproxy/message"
	"opcuaproxy/mqtt"
	"opcuaproxy/opcua"
	"opcuaproxy/partner"
	"opcuaproxy/sessionman"
	"opcuaproxy/sink"
	"opcuaproxy/store"
	"opcuaproxy/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", "config.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Mirror namespace (overrides config)")
	httpPort    = flag.Int("p", 0, "Status API listen port (overrides config)")
	httpHost    = flag.String("host", "", "Status API bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable the status API")
	logFile     = flag.String("log", "", "Path to log file (overrides config)")
	logDebug    = flag.String("log-debug", "", "Enable protocol debug logging to debug.log")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("opcua-proxy %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment, in memory only
	if *namespace != "" {
		cfg.Namespace = *namespace
	}
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	log, fileLogger, err := logging.New(cfg.LogOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	if fileLogger != nil {
		defer fileLogger.Close()
	}

	if *logDebug != "" {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			log.Warn("failed to open debug log", "error", err)
		} else {
			debugLogger.SetFilter(*logDebug)
			logging.SetGlobalDebugLogger(debugLogger)
			defer debugLogger.Close()
			log.Info("debug logging enabled", "filter", *logDebug, "file", "debug.log")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal error", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting opcua-proxy", "version", Version, "namespace", cfg.Namespace)

	mongoClient, err := store.Connect(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("connecting to MongoDB: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(dctx); err != nil {
			log.Error("disconnecting from MongoDB", "error", err)
		}
	}()
	writer := store.NewMongoWriter(mongoClient, cfg.StoreOptions(), log)

	dataCh := make(chan message.DataChange, cfg.Channels.DataChanges)
	healthCh := make(chan message.Health, cfg.Channels.Health)

	starter := opcua.NewStarter(opcua.NewGopcuaDialer(cfg.OPCUASettings()), cfg.OPCUASettings(), dataCh, healthCh, log)
	// Return a true nil interface on failure, not a typed nil *opcua.Handle.
	startSession := sessionman.StarterFunc(func(ctx context.Context, pc *partner.Config) (sessionman.Session, error) {
		h, err := starter.Start(ctx, pc)
		if err != nil {
			return nil, err
		}
		return h, nil
	})

	fetcher := partner.NewHTTPFetcher(cfg.ConfigAPIURL, cfg.Manager.FetchTimeout)
	manager := sessionman.NewManager(fetcher, startSession, healthCh, cfg.ManagerOptions(), log)

	mirrors := newMirrors(cfg, log)
	mirrors.start()
	defer mirrors.stop()

	sinks := append([]sink.Sink{writer}, mirrors.sinks()...)
	router := sink.NewRouter(sinks, cfg.MongoDB.WriteTimeout, log)

	// The router outlives the manager so messages queued during shutdown
	// are still written.
	routerCtx, stopRouter := context.WithCancel(context.Background())
	defer stopRouter()
	routerDone := make(chan error, 1)
	go func() {
		routerDone <- router.Run(routerCtx, dataCh, healthCh)
	}()

	if cfg.Web.Enabled {
		srv := api.NewServer(cfg.WebAddr(), &backend{manager: manager, mirrors: mirrors}, log)
		if err := srv.Start(); err != nil {
			log.Warn("status API unavailable", "address", cfg.WebAddr(), "error", err)
		} else {
			defer srv.Stop()
		}
	}

	manager.Run(ctx)

	stopRouter()
	if err := <-routerDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// toKafkaConfig converts the YAML cluster settings to the runtime config.
func toKafkaConfig(kc config.KafkaConfig) kafka.Config {
	c := kafka.DefaultConfig(kc.Name)
	c.Enabled = kc.Enabled
	if len(kc.Brokers) > 0 {
		c.Brokers = kc.Brokers
	}
	c.UseTLS = kc.UseTLS
	c.TLSSkipVerify = kc.TLSSkipVerify
	c.SASLMechanism = kafka.SASLMechanism(kc.SASLMechanism)
	c.Username = kc.Username
	c.Password = kc.Password
	if kc.RequiredAcks != 0 {
		c.RequiredAcks = kc.RequiredAcks
	}
	if kc.MaxRetries != 0 {
		c.MaxRetries = kc.MaxRetries
	}
	if kc.RetryBackoff != 0 {
		c.RetryBackoff = kc.RetryBackoff
	}
	c.Selector = kc.Selector
	return c
}

// mirrors groups the optional broker mirrors.
type mirrors struct {
	mqtt   *mqtt.Manager
	valkey *valkey.Manager
	kafka  *kafka.Manager
	log    *slog.Logger
}

func newMirrors(cfg *config.Config, log *slog.Logger) *mirrors {
	m := &mirrors{
		mqtt:   mqtt.NewManager(log),
		valkey: valkey.NewManager(log),
		kafka:  kafka.NewManager(cfg.Namespace, log),
		log:    log,
	}
	m.mqtt.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	m.valkey.LoadFromConfig(cfg.Valkey, cfg.Namespace)
	kcs := make([]kafka.Config, 0, len(cfg.Kafka))
	for _, kc := range cfg.Kafka {
		kcs = append(kcs, toKafkaConfig(kc))
	}
	m.kafka.LoadFromConfigs(kcs)
	return m
}

// start connects every enabled mirror. Failures are logged and the mirror
// stays idle.
func (m *mirrors) start() {
	n := m.mqtt.StartAll() + m.valkey.StartAll() + m.kafka.ConnectEnabled()
	if n > 0 {
		m.log.Info("mirrors started", "count", n)
	}
}

func (m *mirrors) stop() {
	m.mqtt.StopAll()
	m.valkey.StopAll()
	m.kafka.StopAll()
}

// sinks returns the mirrors that have at least one configured target.
func (m *mirrors) sinks() []sink.Sink {
	var out []sink.Sink
	if len(m.mqtt.List()) > 0 {
		out = append(out, m.mqtt)
	}
	if len(m.valkey.List()) > 0 {
		out = append(out, m.valkey)
	}
	if len(m.kafka.ListClusters()) > 0 {
		out = append(out, m.kafka)
	}
	return out
}

func (m *mirrors) status() []api.MirrorStatus {
	var out []api.MirrorStatus
	for _, p := range m.mqtt.List() {
		out = append(out, api.MirrorStatus{
			Kind: "mqtt", Name: p.Name(), Address: p.Address(),
			Enabled: p.Enabled(), Running: p.IsRunning(),
		})
	}
	for _, p := range m.valkey.List() {
		out = append(out, api.MirrorStatus{
			Kind: "valkey", Name: p.Name(), Address: p.Address(),
			Enabled: p.Enabled(), Running: p.IsRunning(),
		})
	}
	for _, name := range m.kafka.ListClusters() {
		p := m.kafka.GetProducer(name)
		st := api.MirrorStatus{
			Kind: "kafka", Name: name, Address: strings.Join(p.Brokers(), ","),
			Enabled: p.Enabled(), Running: p.GetStatus() == kafka.StatusConnected,
		}
		if err := p.GetError(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// backend exposes the running components to the status API.
type backend struct {
	manager *sessionman.Manager
	mirrors *mirrors
}

func (b *backend) Snapshot() sessionman.Snapshot { return b.manager.Snapshot() }
func (b *backend) Mirrors() []api.MirrorStatus   { return b.mirrors.status() }

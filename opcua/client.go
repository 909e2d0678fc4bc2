// Package opcua runs one OPC UA session per partner: it connects, resolves
// namespaces and tags, subscribes to data changes and the server clock, and
// forwards typed messages on the outbound channels until told to stop.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"opcuaproxy/logging"
	"opcuaproxy/partner"
)

// ErrNoEndpoint is returned when the server offers no endpoint matching the
// partner's security settings.
var ErrNoEndpoint = errors.New("no endpoint matches the security settings")

// Client is the subset of *opcua.Client used by a session.
type Client interface {
	Close(ctx context.Context) error
	State() opcua.ConnState
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (Subscription, error)
}

// Subscription is the subset of *opcua.Subscription used by a session.
type Subscription interface {
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Cancel(ctx context.Context) error
}

// Dialer opens a connected client for a partner.
type Dialer interface {
	Dial(ctx context.Context, cfg *partner.Config) (Client, error)
}

// Settings holds the session parameters shared by all partners.
type Settings struct {
	PKIDir               string
	ApplicationName      string
	ApplicationURIPrefix string
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	SessionTimeout       time.Duration
	LockTimeout          time.Duration
	DataInterval         time.Duration
	SamplingInterval     time.Duration
	QueueSize            uint32
	HealthInterval       time.Duration
	MaxDisconnected      int
	SendTimeout          time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		PKIDir:               "pki",
		ApplicationName:      "OPC-UA proxy",
		ApplicationURIPrefix: "urn:opcua-proxy",
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       10 * time.Second,
		SessionTimeout:       20 * time.Minute,
		LockTimeout:          50 * time.Millisecond,
		DataInterval:         time.Second,
		SamplingInterval:     0,
		QueueSize:            10,
		HealthInterval:       5 * time.Second,
		MaxDisconnected:      6,
		SendTimeout:          100 * time.Millisecond,
	}
}

// gopcuaClient adapts *opcua.Client to Client.
type gopcuaClient struct {
	*opcua.Client
}

func (c gopcuaClient) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (Subscription, error) {
	sub, err := c.Client.Subscribe(ctx, params, notifyCh)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GopcuaDialer discovers the partner's endpoints, picks the one matching its
// security policy and mode, and connects.
type GopcuaDialer struct {
	settings Settings
}

// NewGopcuaDialer creates a dialer using s for timeouts and PKI paths.
func NewGopcuaDialer(s Settings) *GopcuaDialer {
	return &GopcuaDialer{settings: s}
}

// Dial implements Dialer.
func (d *GopcuaDialer) Dial(ctx context.Context, cfg *partner.Config) (Client, error) {
	sec, err := NewSecurity(cfg, d.settings)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.settings.ConnectTimeout)
	defer cancel()

	logging.DebugConnect("session", cfg.ServerURL)
	eps, err := opcua.GetEndpoints(ctx, cfg.ServerURL)
	if err != nil {
		logging.DebugConnectError("session", cfg.ServerURL, err)
		return nil, fmt.Errorf("error getting endpoints: %w", err)
	}
	ep, err := SelectEndpoint(eps, sec)
	if err != nil {
		return nil, err
	}

	c, err := opcua.NewClient(ep.EndpointURL, sec.Options(ep, d.settings)...)
	if err != nil {
		return nil, fmt.Errorf("error building the client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		logging.DebugConnectError("session", ep.EndpointURL, err)
		return nil, fmt.Errorf("error establishing session: %w", err)
	}
	logging.DebugConnectSuccess("session", ep.EndpointURL, fmt.Sprintf("policy=%s mode=%s", sec.PolicyURI, sec.Mode))
	return gopcuaClient{c}, nil
}

// SelectEndpoint picks the endpoint offering the partner's security policy
// and mode. gopcua prefers the highest security level among matches.
func SelectEndpoint(eps []*ua.EndpointDescription, sec *Security) (*ua.EndpointDescription, error) {
	ep := opcua.SelectEndpoint(eps, sec.PolicyURI, sec.Mode)
	if ep == nil {
		return nil, fmt.Errorf("%w: policy %s mode %s", ErrNoEndpoint, sec.PolicyURI, sec.Mode)
	}
	return ep, nil
}

package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"opcuaproxy/logging"
	"opcuaproxy/message"
	"opcuaproxy/partner"
)

// ErrSessionClosed is returned by Handle.Stop when the session has already
// terminated.
var ErrSessionClosed = errors.New("session closed")

// Handle is the outside view of a running session: a way to request a stop
// and to observe termination.
type Handle struct {
	partnerID string
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func newHandle(partnerID string) *Handle {
	return &Handle{
		partnerID: partnerID,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// PartnerID returns the partner the session serves.
func (h *Handle) PartnerID() string { return h.partnerID }

// Stop asks the session to unsubscribe and disconnect. It does not wait.
// It returns ErrSessionClosed if the session already terminated.
func (h *Handle) Stop() error {
	select {
	case <-h.done:
		return ErrSessionClosed
	default:
	}
	h.stopOnce.Do(func() { close(h.stop) })
	return nil
}

// Done is closed once the session has terminated, requested or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Closed reports without blocking whether the session has terminated.
func (h *Handle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Starter creates sessions. It is safe for concurrent use.
type Starter struct {
	dialer    Dialer
	settings  Settings
	dataOut   chan<- message.DataChange
	healthOut chan<- message.Health
	log       *slog.Logger
}

// NewStarter creates a starter delivering to dataOut and healthOut.
func NewStarter(d Dialer, s Settings, dataOut chan<- message.DataChange, healthOut chan<- message.Health, log *slog.Logger) *Starter {
	if log == nil {
		log = logging.Discard()
	}
	return &Starter{
		dialer:    d,
		settings:  s,
		dataOut:   dataOut,
		healthOut: healthOut,
		log:       log.With("component", "opcua"),
	}
}

// Start connects to the partner's server, resolves its tags, subscribes
// and launches the session run loop. It blocks for the whole
// initialization. On error nothing is left running and the attempt should
// be retried from scratch.
func (s *Starter) Start(ctx context.Context, cfg *partner.Config) (*Handle, error) {
	log := s.log.With("partner_id", cfg.PartnerID)

	client, err := s.dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.ServerURL, err)
	}
	g := NewGuarded(client, s.settings.LockTimeout)

	first := message.DataChange{PartnerID: cfg.PartnerID}
	if err := message.SendTimeout(ctx, s.dataOut, first, s.settings.SendTimeout); err != nil {
		log.Error("sending initialization data change", "error", err)
	}

	b, err := s.initialize(ctx, g, cfg)
	if err != nil {
		closeClient(g, nil, s.settings.RequestTimeout, log)
		return nil, err
	}

	sess := &session{
		cfg:       cfg,
		g:         g,
		b:         b,
		settings:  s.settings,
		dataOut:   s.dataOut,
		healthOut: s.healthOut,
		log:       log,
		h:         newHandle(cfg.PartnerID),
	}
	go sess.run()

	if len(b.tags) == 0 {
		log.Warn("no tags resolved, session only reports heartbeats")
	}
	log.Info("session running", "tags", len(b.tags))
	return sess.h, nil
}

func (s *Starter) initialize(ctx context.Context, g *Guarded, cfg *partner.Config) (*Binding, error) {
	ns, err := ResolveNamespaces(ctx, g)
	if err != nil {
		return nil, err
	}
	tags, err := ResolveTags(ctx, cfg.Tags, ns, g)
	if err != nil {
		return nil, err
	}
	b, err := Bind(ctx, g, tags, s.settings)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type session struct {
	cfg       *partner.Config
	g         *Guarded
	b         *Binding
	settings  Settings
	dataOut   chan<- message.DataChange
	healthOut chan<- message.Health
	log       *slog.Logger
	h         *Handle
}

func (s *session) run() {
	defer close(s.h.done)

	poll := time.NewTicker(s.settings.HealthInterval)
	defer poll.Stop()
	disconnected := 0

	for {
		select {
		case <-s.h.stop:
			s.shutdown("stop requested")
			return
		case n := <-s.b.dataCh:
			s.onData(n)
		case n := <-s.b.healthCh:
			s.onHealth(n)
		case <-poll.C:
			state, err := s.state()
			if err != nil {
				s.log.Warn("connection state unavailable", "error", err)
				continue
			}
			if state == opcua.Connected {
				disconnected = 0
				continue
			}
			disconnected++
			logging.DebugLog("session", "%s: state %s (%d)", s.cfg.PartnerID, state, disconnected)
			if s.settings.MaxDisconnected > 0 && disconnected >= s.settings.MaxDisconnected {
				s.shutdown(fmt.Sprintf("connection %s for %d checks", state, disconnected))
				return
			}
		}
	}
}

func (s *session) state() (opcua.ConnState, error) {
	var st opcua.ConnState
	err := s.g.Shared(context.Background(), func(c Client) error {
		st = c.State()
		return nil
	})
	return st, err
}

func (s *session) onData(n *opcua.PublishNotificationData) {
	if n == nil {
		return
	}
	if n.Error != nil {
		s.log.Error("data subscription error", "error", n.Error)
		return
	}
	dcn, ok := n.Value.(*ua.DataChangeNotification)
	if !ok {
		logging.DebugLog("subscription", "%s: data notification %T", s.cfg.PartnerID, n.Value)
		return
	}
	changes := Demux(s.b.tags, dcn.MonitoredItems, s.log)
	if len(changes) == 0 {
		s.log.Warn("discarded empty tags changes message")
		return
	}
	msg := message.DataChange{PartnerID: s.cfg.PartnerID, Changes: changes}
	if err := message.TrySend(s.dataOut, msg); err != nil {
		s.log.Warn("dropped data change", "error", err, "changes", len(changes))
		return
	}
	logging.DebugLog("subscription", "%s", msg)
}

func (s *session) onHealth(n *opcua.PublishNotificationData) {
	if n == nil {
		return
	}
	if n.Error != nil {
		s.log.Error("health subscription error", "error", n.Error)
		return
	}
	dcn, ok := n.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	ts, ok := ServerTime(dcn.MonitoredItems)
	if !ok {
		s.log.Error("unexpected monitored items in health notification", "items", len(dcn.MonitoredItems))
		return
	}
	if err := message.TrySend(s.healthOut, message.Update(s.cfg.PartnerID, ts)); err != nil {
		s.log.Warn("dropped health update", "error", err)
	}
}

// shutdown unsubscribes and closes the client. gopcua blocks while
// publishing into the notification channels, so they are drained until the
// client is closed.
func (s *session) shutdown(reason string) {
	s.log.Info("stopping session", "reason", reason)
	logging.DebugDisconnect("session", s.cfg.ServerURL, reason)

	stopDrain := make(chan struct{})
	go func() {
		for {
			select {
			case <-s.b.dataCh:
			case <-s.b.healthCh:
			case <-stopDrain:
				return
			}
		}
	}()
	defer close(stopDrain)

	closeClient(s.g, s.b, s.settings.RequestTimeout, s.log)
}

// closeClient cancels b's subscriptions, if any, and closes the client under
// the exclusive lock. If the lock cannot be taken the client is closed
// anyway: the session is being abandoned.
func closeClient(g *Guarded, b *Binding, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	closeFn := func(c Client) error {
		if b != nil {
			b.cancel(ctx)
		}
		return c.Close(ctx)
	}
	err := g.Exclusive(ctx, closeFn)
	if errors.Is(err, ErrLockTimeout) {
		log.Warn("closing client without lock", "error", err)
		err = closeFn(g.client)
	}
	if err != nil {
		log.Warn("error closing client", "error", err)
	}
}

// Package sessionman keeps the set of running partner sessions in line with
// the desired configuration fetched from the configuration API.
package sessionman

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"opcuaproxy/logging"
	"opcuaproxy/message"
	"opcuaproxy/partner"
)

// Session is a running partner session.
type Session interface {
	// Stop requests termination without waiting for it.
	Stop() error
	// Closed reports without blocking whether the session has terminated.
	Closed() bool
}

// Starter initializes a session. Start blocks for the whole initialization
// and is called from worker goroutines, never from the control loop.
type Starter interface {
	Start(ctx context.Context, cfg *partner.Config) (Session, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context, cfg *partner.Config) (Session, error)

// Start implements Starter.
func (f StarterFunc) Start(ctx context.Context, cfg *partner.Config) (Session, error) {
	return f(ctx, cfg)
}

// Options configures the control loop cadence.
type Options struct {
	ConfigRefresh time.Duration // normal fetch cadence
	ConfigRetry   time.Duration // fetch cadence after a failure
	Reconcile     time.Duration // start-missing/restart-dead cadence
	FetchTimeout  time.Duration
	SendTimeout   time.Duration // bookkeeping sends on the health channel
	InitWorkers   int           // concurrent session initializations
}

// DefaultOptions returns the standard cadence.
func DefaultOptions() Options {
	return Options{
		ConfigRefresh: 60 * time.Second,
		ConfigRetry:   5 * time.Second,
		Reconcile:     time.Second,
		FetchTimeout:  10 * time.Second,
		SendTimeout:   100 * time.Millisecond,
		InitWorkers:   8,
	}
}

// entry is a running session and the config it was started from.
type entry struct {
	cfg     *partner.Config
	session Session
	since   time.Time
}

// Manager is the reconciliation control loop.
//
// desired is nil until the first successful fetch; reconciliation is a no-op
// until then. actual and pending are keyed by config fingerprint, so a
// changed config is a different key: the old session is removed as obsolete
// and the new one started as missing. All maps are guarded by mu, which is
// never held across I/O.
type Manager struct {
	fetcher   partner.Fetcher
	starter   Starter
	healthOut chan<- message.Health
	opts      Options
	log       *slog.Logger

	mu         sync.Mutex
	desired    map[uint64]*partner.Config
	actual     map[uint64]*entry
	pending    map[uint64]*partner.Config
	lastErrors map[string]error
	lastFetch  time.Time
	fetchErr   error

	running atomic.Bool
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
}

// NewManager creates a manager. healthOut receives a Remove for every
// partner whose session is torn down because its config disappeared or
// changed.
func NewManager(f partner.Fetcher, s Starter, healthOut chan<- message.Health, opts Options, log *slog.Logger) *Manager {
	if opts.InitWorkers <= 0 {
		opts.InitWorkers = 1
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		fetcher:    f,
		starter:    s,
		healthOut:  healthOut,
		opts:       opts,
		log:        log.With("component", "sessionman"),
		actual:     make(map[uint64]*entry),
		pending:    make(map[uint64]*partner.Config),
		lastErrors: make(map[string]error),
		sem:        semaphore.NewWeighted(int64(opts.InitWorkers)),
	}
}

// Running reports whether Run is executing.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Run executes the control loop until ctx is cancelled, then stops every
// session and waits for in-flight initializations to finish.
//
// Each iteration handles, in priority order: shutdown, config refresh,
// reconciliation. The first fetch happens immediately.
func (m *Manager) Run(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)
	m.log.Info("session manager started")

	refresh := time.NewTimer(0)
	defer refresh.Stop()
	reconcile := time.NewTicker(m.opts.Reconcile)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		default:
		}

		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-refresh.C:
			m.onRefresh(ctx, refresh)
		case <-reconcile.C:
			select {
			case <-refresh.C:
				m.onRefresh(ctx, refresh)
			default:
			}
			m.reconcile(ctx)
		}
	}
}

func (m *Manager) onRefresh(ctx context.Context, refresh *time.Timer) {
	if err := m.refresh(ctx); err != nil {
		m.log.Error("fetching partners config", "error", err, "retry_in", m.opts.ConfigRetry)
		refresh.Reset(m.opts.ConfigRetry)
		return
	}
	m.removeObsolete(ctx)
	refresh.Reset(m.opts.ConfigRefresh)
}

// refresh replaces the desired state. On failure the previous desired state
// is kept.
func (m *Manager) refresh(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	cfgs, err := m.fetcher.Fetch(fctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFetch = time.Now()
	m.fetchErr = err
	if err != nil {
		return err
	}

	desired := make(map[uint64]*partner.Config, len(cfgs))
	for _, c := range cfgs {
		desired[c.Fingerprint()] = c
	}
	m.desired = desired
	logging.DebugLog("config", "desired state: %d partner(s)", len(desired))
	return nil
}

// removeObsolete stops every session whose config is no longer desired:
// its health record is removed, then the session is stopped and forgotten.
func (m *Manager) removeObsolete(ctx context.Context) {
	m.mu.Lock()
	if m.desired == nil {
		m.mu.Unlock()
		return
	}
	var obsolete []uint64
	for fp := range m.actual {
		if _, ok := m.desired[fp]; !ok {
			obsolete = append(obsolete, fp)
		}
	}
	m.mu.Unlock()

	for _, fp := range obsolete {
		m.mu.Lock()
		e, ok := m.actual[fp]
		m.mu.Unlock()
		if !ok {
			continue
		}
		log := m.log.With("partner_id", e.cfg.PartnerID)
		log.Info("stopping session not expected in the configuration")

		m.sendRemove(ctx, e.cfg.PartnerID)

		m.mu.Lock()
		delete(m.actual, fp)
		m.mu.Unlock()

		if err := e.session.Stop(); err != nil {
			log.Error("sending session stop command", "error", err)
		}
	}
}

func (m *Manager) sendRemove(ctx context.Context, partnerID string) {
	err := message.SendTimeout(ctx, m.healthOut, message.Remove(partnerID), m.opts.SendTimeout)
	if err != nil {
		m.log.Error("sending remove command to health channel", "partner_id", partnerID, "error", err)
	}
}

// reconcile forgets dead sessions, then starts every desired partner that
// is neither running nor already starting. A dead session is thereby
// restarted at most once per tick.
func (m *Manager) reconcile(ctx context.Context) {
	m.mu.Lock()
	if m.desired == nil {
		m.mu.Unlock()
		logging.DebugLog("session", "partners config not populated")
		return
	}

	for fp, e := range m.actual {
		if e.session.Closed() {
			delete(m.actual, fp)
			if _, ok := m.desired[fp]; ok {
				m.log.Warn("restarting failed session", "partner_id", e.cfg.PartnerID)
			}
		}
	}

	var toStart []*partner.Config
	for fp, cfg := range m.desired {
		if _, ok := m.actual[fp]; ok {
			continue
		}
		if _, ok := m.pending[fp]; ok {
			continue
		}
		m.pending[fp] = cfg
		toStart = append(toStart, cfg)
	}
	m.mu.Unlock()

	for _, cfg := range toStart {
		m.wg.Add(1)
		go m.start(ctx, cfg)
	}
}

// start initializes one session on a worker goroutine and registers it if
// its config is still desired once initialization completes.
func (m *Manager) start(ctx context.Context, cfg *partner.Config) {
	defer m.wg.Done()
	fp := cfg.Fingerprint()
	log := m.log.With("partner_id", cfg.PartnerID)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		delete(m.pending, fp)
		m.mu.Unlock()
		return
	}
	log.Info("starting required session", "server_url", cfg.ServerURL)
	sess, err := m.starter.Start(ctx, cfg)
	m.sem.Release(1)

	m.mu.Lock()
	delete(m.pending, fp)
	if err != nil {
		m.lastErrors[cfg.PartnerID] = err
		m.mu.Unlock()
		log.Error("session initialization failed", "error", err)
		return
	}
	_, wanted := m.desired[fp]
	if wanted && ctx.Err() == nil {
		m.actual[fp] = &entry{cfg: cfg, session: sess, since: time.Now()}
		delete(m.lastErrors, cfg.PartnerID)
		m.mu.Unlock()
		return
	}
	superseded := m.trackedLocked(cfg.PartnerID)
	m.mu.Unlock()

	log.Info("discarding session started for an outdated config")
	// A newer session of the partner owns the health record.
	if ctx.Err() == nil && !superseded {
		m.sendRemove(ctx, cfg.PartnerID)
	}
	if err := sess.Stop(); err != nil {
		log.Error("sending session stop command", "error", err)
	}
}

// trackedLocked reports whether a session of partnerID is running or
// starting. m.mu must be held.
func (m *Manager) trackedLocked(partnerID string) bool {
	for _, e := range m.actual {
		if e.cfg.PartnerID == partnerID {
			return true
		}
	}
	for _, c := range m.pending {
		if c.PartnerID == partnerID {
			return true
		}
	}
	return false
}

// shutdown stops every tracked session and waits for pending starts.
func (m *Manager) shutdown() {
	m.log.Info("shutdown signal received, stopping sessions")

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.actual))
	for fp, e := range m.actual {
		entries = append(entries, e)
		delete(m.actual, fp)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if err := e.session.Stop(); err != nil {
			m.log.Error("sending session stop command", "partner_id", e.cfg.PartnerID, "error", err)
		}
	}
	m.wg.Wait()
	m.log.Info("session manager stopped")
}

// Status is the state of one partner as seen by the manager.
type Status int

const (
	StatusWaiting Status = iota
	StatusStarting
	StatusRunning
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "Waiting"
	case StatusStarting:
		return "Starting"
	case StatusRunning:
		return "Running"
	case StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// PartnerStatus describes one partner.
type PartnerStatus struct {
	PartnerID string    `json:"partnerId"`
	ServerURL string    `json:"serverUrl"`
	Desired   bool      `json:"desired"`
	Status    string    `json:"status"`
	Since     time.Time `json:"since"`
	TagGroups int       `json:"tagGroups"`
	LastError string    `json:"lastError,omitempty"`
}

// Snapshot is a point-in-time view of the manager state.
type Snapshot struct {
	Running        bool            `json:"running"`
	ConfigLoaded   bool            `json:"configLoaded"`
	LastFetch      time.Time       `json:"lastFetch"`
	LastFetchError string          `json:"lastFetchError,omitempty"`
	Partners       []PartnerStatus `json:"partners"`
}

// Snapshot returns the current state, partners sorted by ID.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Running:      m.running.Load(),
		ConfigLoaded: m.desired != nil,
		LastFetch:    m.lastFetch,
	}
	if m.fetchErr != nil {
		snap.LastFetchError = m.fetchErr.Error()
	}

	byID := make(map[string]*PartnerStatus)
	get := func(cfg *partner.Config) *PartnerStatus {
		ps, ok := byID[cfg.PartnerID]
		if !ok {
			ps = &PartnerStatus{PartnerID: cfg.PartnerID, ServerURL: cfg.ServerURL, TagGroups: len(cfg.Tags)}
			byID[cfg.PartnerID] = ps
		}
		return ps
	}

	for _, cfg := range m.desired {
		ps := get(cfg)
		ps.Desired = true
		ps.Status = StatusWaiting.String()
	}
	for fp, cfg := range m.pending {
		if _, ok := m.desired[fp]; ok {
			get(cfg).Status = StatusStarting.String()
		}
	}
	for fp, e := range m.actual {
		if _, ok := m.desired[fp]; !ok && m.desired != nil {
			continue
		}
		ps := get(e.cfg)
		ps.ServerURL, ps.TagGroups = e.cfg.ServerURL, len(e.cfg.Tags)
		ps.Since = e.since
		ps.Status = StatusRunning.String()
		if e.session.Closed() {
			ps.Status = StatusStopped.String()
		}
	}
	for id, err := range m.lastErrors {
		if ps, ok := byID[id]; ok {
			ps.LastError = err.Error()
		}
	}

	snap.Partners = make([]PartnerStatus, 0, len(byID))
	for _, ps := range byID {
		if ps.Status == "" {
			ps.Status = StatusWaiting.String()
		}
		snap.Partners = append(snap.Partners, *ps)
	}
	sort.Slice(snap.Partners, func(i, j int) bool {
		return snap.Partners[i].PartnerID < snap.Partners[j].PartnerID
	})
	return snap
}

// Partner returns the status of one partner.
func (m *Manager) Partner(id string) (PartnerStatus, bool) {
	for _, ps := range m.Snapshot().Partners {
		if ps.PartnerID == id {
			return ps, true
		}
	}
	return PartnerStatus{}, false
}

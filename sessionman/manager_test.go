package sessionman

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opcuaproxy/logging"
	"opcuaproxy/message"
	"opcuaproxy/partner"
)

type fakeSession struct {
	id      string
	health  chan message.Health
	stopped atomic.Int32
	closed  atomic.Bool
	// queued is the health channel depth observed by Stop.
	queued atomic.Int32
}

func (s *fakeSession) Stop() error {
	if s.closed.Load() {
		return errors.New("already closed")
	}
	s.stopped.Add(1)
	s.queued.Store(int32(len(s.health)))
	return nil
}

func (s *fakeSession) Closed() bool { return s.closed.Load() }

type fakeStarter struct {
	mu       sync.Mutex
	health   chan message.Health
	calls    map[string]int
	sessions []*fakeSession
	fail     map[string]error
	gate     chan struct{}            // when set, Start blocks until closed
	gates    map[uint64]chan struct{} // per-fingerprint override of gate
}

func newFakeStarter(health chan message.Health) *fakeStarter {
	return &fakeStarter{health: health, calls: map[string]int{}, fail: map[string]error{}, gates: map[uint64]chan struct{}{}}
}

func (f *fakeStarter) Start(ctx context.Context, cfg *partner.Config) (Session, error) {
	f.mu.Lock()
	f.calls[cfg.PartnerID]++
	gate := f.gate
	if g, ok := f.gates[cfg.Fingerprint()]; ok {
		gate = g
	}
	err := f.fail[cfg.PartnerID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	s := &fakeSession{id: cfg.PartnerID, health: f.health}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeStarter) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeStarter) last(id string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sessions) - 1; i >= 0; i-- {
		if f.sessions[i].id == id {
			return f.sessions[i]
		}
	}
	return nil
}

type fakeFetcher struct {
	mu   sync.Mutex
	cfgs []*partner.Config
	err  error
	n    int
}

func (f *fakeFetcher) set(cfgs []*partner.Config, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgs, f.err = cfgs, err
}

func (f *fakeFetcher) Fetch(context.Context) ([]*partner.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return f.cfgs, f.err
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func cfg(id string, tags ...string) *partner.Config {
	c := &partner.Config{PartnerID: id, ServerURL: "opc.tcp://" + id + ":4840"}
	for i, name := range tags {
		c.Tags = append(c.Tags, partner.TagConfigGroup{
			Type: partner.GroupTag, Name: name, NamespaceURI: "ns1", NodeIdentifier: partner.NumericID(uint32(3 + i)),
		})
	}
	return c
}

type harness struct {
	m      *Manager
	f      *fakeFetcher
	s      *fakeStarter
	health chan message.Health
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	health := make(chan message.Health, 16)
	h := &harness{
		f:      &fakeFetcher{},
		s:      newFakeStarter(health),
		health: health,
	}
	h.m = NewManager(h.f, h.s, h.health, opts, logging.Discard())
	return h
}

// drainHealth returns every queued health message.
func (h *harness) drainHealth() []message.Health {
	var out []message.Health
	for {
		select {
		case msg := <-h.health:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func testOptions() Options {
	o := DefaultOptions()
	o.SendTimeout = 20 * time.Millisecond
	return o
}

func (h *harness) tick(ctx context.Context) {
	h.m.reconcile(ctx)
	h.m.wg.Wait()
}

func (h *harness) refresh(ctx context.Context) error {
	if err := h.m.refresh(ctx); err != nil {
		return err
	}
	h.m.removeObsolete(ctx)
	return nil
}

func TestReconcile_NoopUntilFirstFetch(t *testing.T) {
	h := newHarness(t, testOptions())
	h.tick(context.Background())
	assert.Zero(t, h.s.callCount("P1"))
	assert.False(t, h.m.Snapshot().ConfigLoaded)
}

func TestReconcile_StartsMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	h.f.set([]*partner.Config{cfg("P1", "A", "B"), cfg("P2")}, nil)

	require.NoError(t, h.refresh(ctx))
	h.tick(ctx)
	assert.Equal(t, 1, h.s.callCount("P1"))
	assert.Equal(t, 1, h.s.callCount("P2"))

	// Running sessions are left alone.
	h.tick(ctx)
	assert.Equal(t, 1, h.s.callCount("P1"))

	snap := h.m.Snapshot()
	require.Len(t, snap.Partners, 2)
	assert.Equal(t, "P1", snap.Partners[0].PartnerID)
	assert.Equal(t, "Running", snap.Partners[0].Status)
	assert.Equal(t, 2, snap.Partners[0].TagGroups)
}

func TestReconcile_FailedStartRetriedNextTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	h.f.set([]*partner.Config{cfg("P1")}, nil)
	h.s.fail["P1"] = errors.New("connection refused")

	require.NoError(t, h.refresh(ctx))
	h.tick(ctx)
	assert.Equal(t, 1, h.s.callCount("P1"))
	ps, ok := h.m.Partner("P1")
	require.True(t, ok)
	assert.Equal(t, "Waiting", ps.Status)
	assert.Equal(t, "connection refused", ps.LastError)

	h.s.mu.Lock()
	delete(h.s.fail, "P1")
	h.s.mu.Unlock()
	h.tick(ctx)
	assert.Equal(t, 2, h.s.callCount("P1"))
	ps, _ = h.m.Partner("P1")
	assert.Equal(t, "Running", ps.Status)
	assert.Empty(t, ps.LastError)
}

func TestReconcile_RestartsDeadOncePerTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	h.f.set([]*partner.Config{cfg("P1")}, nil)
	require.NoError(t, h.refresh(ctx))
	h.tick(ctx)
	first := h.s.last("P1")
	require.NotNil(t, first)

	// The session dies on its own; restarts block so they stay pending.
	first.closed.Store(true)
	gate := make(chan struct{})
	h.s.mu.Lock()
	h.s.gate = gate
	h.s.mu.Unlock()

	h.m.reconcile(ctx)
	h.m.reconcile(ctx)
	h.m.reconcile(ctx)
	require.Eventually(t, func() bool { return h.s.callCount("P1") == 2 }, time.Second, time.Millisecond)
	ps, _ := h.m.Partner("P1")
	assert.Equal(t, "Starting", ps.Status)

	close(gate)
	h.m.wg.Wait()
	assert.Equal(t, 2, h.s.callCount("P1"), "exactly one restart while pending")
	assert.NotSame(t, first, h.s.last("P1"))
	assert.Zero(t, first.stopped.Load(), "a dead session is not stopped again")
}

func TestRefresh_RemovesObsolete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	h.f.set([]*partner.Config{cfg("P1"), cfg("P2")}, nil)
	require.NoError(t, h.refresh(ctx))
	h.tick(ctx)

	h.f.set([]*partner.Config{cfg("P2")}, nil)
	require.NoError(t, h.refresh(ctx))

	p1 := h.s.last("P1")
	assert.Equal(t, int32(1), p1.stopped.Load())
	assert.Equal(t, int32(1), p1.queued.Load(), "remove is queued before the stop")
	assert.Equal(t, []message.Health{message.Remove("P1")}, h.drainHealth())
	assert.Zero(t, h.s.last("P2").stopped.Load())
	_, ok := h.m.Partner("P1")
	assert.False(t, ok, "removed partner disappears on the same tick")

	h.tick(ctx)
	assert.Equal(t, 1, h.s.callCount("P1"))
	assert.Equal(t, 1, h.s.callCount("P2"))
}

func TestRefresh_ChangedConfigReplacesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	h.f.set([]*partner.Config{cfg("P1", "A")}, nil)
	require.NoError(t, h.refresh(ctx))
	h.tick(ctx)
	old := h.s.last("P1")

	// Same partner, one more tag.
	h.f.set([]*partner.Config{cfg("P1", "A", "B")}, nil)
	require.NoError(t, h.refresh(ctx))
	assert.Equal(t, int32(1), old.stopped.Load(), "old session stopped")
	assert.Equal(t, []message.Health{message.Remove("P1")}, h.drainHealth())

	h.tick(ctx)
	assert.Equal(t, 2, h.s.callCount("P1"))
	replacement := h.s.last("P1")
	assert.NotSame(t, old, replacement)

	ps, _ := h.m.Partner("P1")
	assert.Equal(t, "Running", ps.Status)
	assert.Equal(t, 2, ps.TagGroups)
}

func TestRefresh_FailuresKeepDesiredState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	h.f.set([]*partner.Config{cfg("P1")}, nil)
	require.NoError(t, h.refresh(ctx))
	h.tick(ctx)

	h.f.set(nil, errors.New("503"))
	for i := 0; i < 3; i++ {
		assert.Error(t, h.refresh(ctx))
	}
	h.tick(ctx)

	assert.Zero(t, h.s.last("P1").stopped.Load())
	assert.Equal(t, 1, h.s.callCount("P1"))
	snap := h.m.Snapshot()
	assert.True(t, snap.ConfigLoaded)
	assert.Equal(t, "503", snap.LastFetchError)
	require.Len(t, snap.Partners, 1)
	assert.Equal(t, "Running", snap.Partners[0].Status)
}

func TestStart_OutdatedConfigIsDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	gate := make(chan struct{})
	h.s.gate = gate
	h.f.set([]*partner.Config{cfg("P1")}, nil)
	require.NoError(t, h.refresh(ctx))
	h.m.reconcile(ctx)
	require.Eventually(t, func() bool { return h.s.callCount("P1") == 1 }, time.Second, time.Millisecond)

	// P1 disappears while its session is initializing.
	h.f.set([]*partner.Config{}, nil)
	require.NoError(t, h.refresh(ctx))
	close(gate)
	h.m.wg.Wait()

	assert.Equal(t, int32(1), h.s.last("P1").stopped.Load())
	assert.Equal(t, []message.Health{message.Remove("P1")}, h.drainHealth())
	assert.Empty(t, h.m.Snapshot().Partners)
}

func TestStart_OutdatedConfigKeepsNewerHealth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	v1, v2 := cfg("P1", "A"), cfg("P1", "A", "B")
	gate := make(chan struct{})
	h.s.mu.Lock()
	h.s.gates[v1.Fingerprint()] = gate
	h.s.mu.Unlock()

	h.f.set([]*partner.Config{v1}, nil)
	require.NoError(t, h.refresh(ctx))
	h.m.reconcile(ctx)
	require.Eventually(t, func() bool { return h.s.callCount("P1") == 1 }, time.Second, time.Millisecond)

	// The config changes while v1 is initializing; v2 starts and registers.
	h.f.set([]*partner.Config{v2}, nil)
	require.NoError(t, h.refresh(ctx))
	h.m.reconcile(ctx)
	require.Eventually(t, func() bool {
		ps, ok := h.m.Partner("P1")
		return ok && ps.Status == "Running"
	}, time.Second, time.Millisecond)
	current := h.s.last("P1")
	require.NotNil(t, current)

	close(gate)
	h.m.wg.Wait()

	stale := h.s.last("P1")
	require.NotSame(t, current, stale)
	assert.Equal(t, int32(1), stale.stopped.Load())
	assert.Zero(t, current.stopped.Load())
	assert.Empty(t, h.drainHealth(), "the running v2 session owns the health record")

	ps, ok := h.m.Partner("P1")
	require.True(t, ok)
	assert.Equal(t, "Running", ps.Status)
	assert.Equal(t, 2, ps.TagGroups)
}

func TestRun_EndToEnd(t *testing.T) {
	opts := testOptions()
	opts.ConfigRefresh = 20 * time.Millisecond
	opts.ConfigRetry = 5 * time.Millisecond
	opts.Reconcile = 5 * time.Millisecond
	h := newHarness(t, opts)
	h.f.set([]*partner.Config{cfg("P1"), cfg("P2")}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		snap := h.m.Snapshot()
		return len(snap.Partners) == 2 && snap.Partners[0].Status == "Running" && snap.Partners[1].Status == "Running"
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.m.Running())

	// A dead session comes back.
	h.s.last("P2").closed.Store(true)
	require.Eventually(t, func() bool { return h.s.callCount("P2") >= 2 }, 2*time.Second, 5*time.Millisecond)

	// Fetch failures switch to the retry cadence and stop nothing.
	before := h.f.count()
	h.f.set(nil, errors.New("unavailable"))
	require.Eventually(t, func() bool { return h.f.count() >= before+3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.s.last("P1").stopped.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.m.Running())
	assert.Equal(t, int32(1), h.s.last("P1").stopped.Load())
	assert.Equal(t, int32(1), h.s.last("P2").stopped.Load())
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusWaiting, "Waiting"},
		{StatusStarting, "Starting"},
		{StatusRunning, "Running"},
		{StatusStopped, "Stopped"},
		{Status(42), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.String())
	}
}

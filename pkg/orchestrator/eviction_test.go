package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/diff"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/stream"
)

// testClock is a mutable time source shared by the orchestrator and the
// diff mapper in eviction tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEvictionFixture(t *testing.T, proposalTTL, idleTTL time.Duration) (*fixture, *testClock) {
	t.Helper()
	clock := newTestClock()
	mapper := diff.NewMapper(proposalTTL)
	mapper.SetClock(clock.Now)

	f := newFixture(t, func(o *Options) {
		o.Mapper = mapper
		o.IdleSessionTTL = idleTTL
	}, nil)
	f.orch.SetClock(clock.Now)
	return f, clock
}

func TestEvictExpiredProposalKeepsFreshSession(t *testing.T) {
	f, clock := newEvictionFixture(t, time.Minute, time.Hour)
	runToReady(t, f, "S1")
	require.Equal(t, 1, f.orch.PendingProposalCount())

	clock.Advance(2 * time.Minute)
	f.orch.EvictExpiredSessions(clock.Now())

	require.Zero(t, f.orch.PendingProposalCount())
	// The session itself is still within the idle TTL.
	_, alive := f.registry.Lookup("S1")
	require.True(t, alive)
}

func TestEvictIdleSessionTearsDownFully(t *testing.T) {
	f, clock := newEvictionFixture(t, time.Hour, 5*time.Minute)
	runToReady(t, f, "S1")

	events, unsub := f.registry.Get("S1").Subscribe()
	defer unsub()

	clock.Advance(10 * time.Minute)
	f.orch.EvictExpiredSessions(clock.Now())

	require.Zero(t, f.orch.PendingProposalCount())
	closed := waitEvent(t, events, stream.TypeSessionClosed)
	require.Equal(t, "expired", closed.Data["reason"])
	_, alive := f.registry.Lookup("S1")
	require.False(t, alive)

	torn := f.audit.byType("session_teardown")
	require.NotEmpty(t, torn)
}

func TestLazyEvictionAtEntryPoint(t *testing.T) {
	f, clock := newEvictionFixture(t, time.Minute, time.Hour)
	runToReady(t, f, "S1")

	clock.Advance(2 * time.Minute)
	// Starting an unrelated run triggers the lazy sweep.
	_, err := f.orch.StartProposal(request("S2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		// S2's own proposal may have landed; only S1's must be gone.
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		_, ok := f.orch.sessionProposals["S1"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRejectExpiredProposalReportsUnknown(t *testing.T) {
	f, clock := newEvictionFixture(t, time.Minute, time.Hour)
	ready := runToReady(t, f, "S1")
	proposalID := ready.Data["proposalId"].(string)

	clock.Advance(2 * time.Minute)

	// The reject entry point evicts the expired proposal before lookup.
	err := f.orch.RejectProposal("S1", proposalID, "stale")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no pending proposal")
	require.Zero(t, f.orch.PendingProposalCount())
	require.Empty(t, f.audit.byType("proposal_rejected"))
}

func TestTeardownSessionEvictsIdlePeers(t *testing.T) {
	f, clock := newEvictionFixture(t, time.Hour, 5*time.Minute)
	runToReady(t, f, "S1")
	runToReady(t, f, "S2")

	events, unsub := f.registry.Get("S2").Subscribe()
	defer unsub()

	// Both sessions go idle; tearing down S2 sweeps S1 too. S2 closes
	// with the caller's reason, not the sweep's.
	clock.Advance(10 * time.Minute)
	f.orch.TeardownSession("S2", "logout")

	closed := waitEvent(t, events, stream.TypeSessionClosed)
	require.Equal(t, "logout", closed.Data["reason"])

	_, alive := f.registry.Lookup("S1")
	require.False(t, alive)
	f.orch.mu.Lock()
	_, hasActivity := f.orch.activity["S1"]
	f.orch.mu.Unlock()
	require.False(t, hasActivity)
}

func TestTeardownSessionIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	runToReady(t, f, "S1")

	f.orch.TeardownSession("S1", "navigation")
	f.orch.TeardownSession("S1", "navigation")

	require.Zero(t, f.orch.PendingProposalCount())
	f.orch.mu.Lock()
	_, hasActivity := f.orch.activity["S1"]
	_, hasRun := f.orch.runs["S1"]
	f.orch.mu.Unlock()
	require.False(t, hasActivity)
	require.False(t, hasRun)
	_, alive := f.registry.Lookup("S1")
	require.False(t, alive)
}

func TestTeardownActiveSessionPromotesPending(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	provider := &scriptedProvider{streamScript: successScript(), gate: gate}
	f := newFixture(t, nil, provider)

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)
	_, err = f.orch.StartProposal(request("S2"))
	require.NoError(t, err)

	f.orch.TeardownSession("S1", "logout")

	require.Eventually(t, func() bool {
		promoted := f.audit.byType("run_promoted")
		return len(promoted) == 1 && promoted[0].SessionID == "S2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweeperEvictsInBackground(t *testing.T) {
	f, clock := newEvictionFixture(t, time.Minute, time.Hour)
	runToReady(t, f, "S1")

	clock.Advance(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.StartSweeper(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.orch.PendingProposalCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

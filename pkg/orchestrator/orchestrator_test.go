package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/config"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/contextbuilder"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/diff"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/logging"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/queue"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/storage"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/stream"
)

const resultJSON = "```json\n{\"updatedDraft\":\"revised line one\\nrevised line two\",\"confidence\":0.9,\"citations\":[\"k-1\"],\"rationale\":\"tightened the opening\"}\n```"

// scriptedProvider scripts stream/complete behavior per test.
type scriptedProvider struct {
	mu            sync.Mutex
	streamCalls   int
	completeCalls int

	streamInitErr  error
	streamScript   []ProposalStreamEvent
	gate           chan struct{} // when set, stream blocks until closed
	completeResult string
	completeErr    error
}

func (p *scriptedProvider) Stream(ctx context.Context, pc *contextbuilder.ProviderContext) (<-chan ProposalStreamEvent, error) {
	p.mu.Lock()
	p.streamCalls++
	script := append([]ProposalStreamEvent(nil), p.streamScript...)
	gate := p.gate
	initErr := p.streamInitErr
	p.mu.Unlock()

	if initErr != nil {
		return nil, initErr
	}

	out := make(chan ProposalStreamEvent, len(script)+1)
	go func() {
		defer close(out)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				out <- ProposalStreamEvent{Kind: ProviderEventError, Err: ctx.Err()}
				return
			}
		}
		for _, ev := range script {
			out <- ev
		}
	}()
	return out, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, pc *contextbuilder.ProviderContext) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeCalls++
	return p.completeResult, p.completeErr
}

func (p *scriptedProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCalls, p.completeCalls
}

func successScript() []ProposalStreamEvent {
	// Sequences arrive out of order on purpose.
	return []ProposalStreamEvent{
		{Kind: ProviderEventProgress, Sequence: 2, Stage: "generation_complete"},
		{Kind: ProviderEventToken, Token: "revised "},
		{Kind: ProviderEventProgress, Sequence: 1, Stage: "generation_started"},
		{Kind: ProviderEventToken, Token: "line"},
		{Kind: ProviderEventCompleted, Result: resultJSON},
	}
}

type fakeContexts struct {
	baseline string
	version  int
	err      error

	mu    sync.Mutex
	built []contextbuilder.Request
}

func (f *fakeContexts) Build(req contextbuilder.Request) (*contextbuilder.ProviderContext, error) {
	f.mu.Lock()
	f.built = append(f.built, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &contextbuilder.ProviderContext{
		Messages:        nil,
		BaselineContent: f.baseline,
		BaselineVersion: f.version,
		TokenCount:      42,
	}, nil
}

type fakePersistence struct {
	mu              sync.Mutex
	queued          []storage.QueueProposalInput
	nextVersion     int
	latest          *storage.DraftVersion
	approvedVersion int
	queueErr        error
}

func (f *fakePersistence) QueueProposal(in storage.QueueProposalInput) (*storage.QueueProposalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	f.queued = append(f.queued, in)
	f.nextVersion++
	return &storage.QueueProposalResult{
		DraftVersion:         f.nextVersion,
		PreviousDraftVersion: f.nextVersion - 1,
	}, nil
}

func (f *fakePersistence) GetLatestDraftSnapshot(documentID, sectionID string) (*storage.DraftVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, storage.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakePersistence) GetSectionApprovedVersion(documentID, sectionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvedVersion, nil
}

type fakeChangelog struct {
	mu      sync.Mutex
	entries []storage.ChangelogEntry
}

func (f *fakeChangelog) RecordProposalApproval(entry storage.ChangelogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []logging.Event
}

func (f *fakeAudit) Log(event logging.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) LogIntent(sessionID, sectionID, intent, authorID string) error {
	return f.Log(logging.Event{EventType: "intent_submitted", SessionID: sessionID, SectionID: sectionID})
}

func (f *fakeAudit) LogProposalReady(sessionID, sectionID, proposalID, diffHash string, confidence float64) error {
	return f.Log(logging.Event{EventType: "proposal_ready", SessionID: sessionID, ProposalID: proposalID})
}

func (f *fakeAudit) LogApproval(sessionID, sectionID, proposalID string, draftVersion int) error {
	return f.Log(logging.Event{EventType: "proposal_approved", SessionID: sessionID, ProposalID: proposalID})
}

func (f *fakeAudit) LogRejection(sessionID, sectionID, proposalID, reason string) error {
	return f.Log(logging.Event{EventType: "proposal_rejected", SessionID: sessionID, ProposalID: proposalID})
}

func (f *fakeAudit) LogFallback(sessionID, sectionID, reason string, preservedTokens int) error {
	return f.Log(logging.Event{
		EventType: "fallback_activated",
		SessionID: sessionID,
		Details:   map[string]any{"reason": reason, "preserved_tokens": preservedTokens},
	})
}

func (f *fakeAudit) byType(eventType string) []logging.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []logging.Event
	for _, ev := range f.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	orch        *Orchestrator
	provider    *scriptedProvider
	contexts    *fakeContexts
	persistence *fakePersistence
	changelog   *fakeChangelog
	audit       *fakeAudit
	registry    *stream.Registry
}

func newFixture(t *testing.T, mutate func(*Options), provider *scriptedProvider) *fixture {
	t.Helper()
	if provider == nil {
		provider = &scriptedProvider{streamScript: successScript()}
	}

	registry := stream.NewRegistry(100)
	contexts := &fakeContexts{baseline: "line one\nline two", version: 3}
	persistence := &fakePersistence{}
	changelog := &fakeChangelog{}
	audit := &fakeAudit{}

	opts := Options{
		Queue:       queue.New(1),
		Registry:    registry,
		Mapper:      diff.NewMapper(10 * time.Minute),
		Contexts:    contexts,
		Provider:    provider,
		Persistence: persistence,
		Changelog:   changelog,
		Audit:       audit,
	}
	if mutate != nil {
		mutate(&opts)
	}

	orch, err := New(opts)
	require.NoError(t, err)

	return &fixture{
		orch:        orch,
		provider:    provider,
		contexts:    contexts,
		persistence: persistence,
		changelog:   changelog,
		audit:       audit,
		registry:    registry,
	}
}

func request(sessionID string) ProposalRequest {
	return ProposalRequest{
		SessionID:  sessionID,
		DocumentID: "doc-1",
		SectionID:  "architecture-overview",
		AuthorID:   "author-1",
		PromptID:   "prompt-1",
		TurnID:     "turn-1",
		Intent:     "tighten the overview",
	}
}

// waitEvent reads events until one of the wanted type arrives.
func waitEvent(t *testing.T, ch <-chan stream.Event, eventType string) stream.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestStartProposalDeliversOrderedProposal(t *testing.T) {
	f := newFixture(t, nil, nil)
	events, unsubscribe := f.registry.Get("S1").Subscribe()
	defer unsubscribe()

	res, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)
	require.Equal(t, queue.DispositionStarted, res.Disposition)
	require.Equal(t, 1, res.Slot)
	require.Equal(t, "/api/v1/sessions/S1/events", res.StreamPath)

	// The queued->running transition is unsequenced.
	transition := waitEvent(t, events, stream.TypeProgress)
	require.Zero(t, transition.Sequence)
	require.Equal(t, "running", transition.Data["to"])

	// Sequenced progress arrives in order despite the scripted shuffle.
	first := waitEvent(t, events, stream.TypeProgress)
	require.Equal(t, 1, first.Sequence)
	second := waitEvent(t, events, stream.TypeProgress)
	require.Equal(t, 2, second.Sequence)

	ready := waitEvent(t, events, stream.TypeProposalReady)
	require.NotEmpty(t, ready.Data["proposalId"])
	require.NotEmpty(t, ready.Data["diffHash"])
	require.Equal(t, 0.9, ready.Data["confidence"])

	require.Equal(t, 1, f.orch.PendingProposalCount())
	require.Eventually(t, func() bool {
		snap := f.orch.QueueSnapshot()
		return len(snap.Active) == 0 && len(snap.Pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartProposalForwardsReferenceFields(t *testing.T) {
	f := newFixture(t, nil, nil)
	events, unsubscribe := f.registry.Get("S1").Subscribe()
	defer unsubscribe()

	req := request("S1")
	req.BaselineVersion = 42
	req.KnowledgeItemIDs = []string{"k-7", "k-9"}
	req.DecisionIDs = []string{"d-2"}
	_, err := f.orch.StartProposal(req)
	require.NoError(t, err)
	waitEvent(t, events, stream.TypeProposalReady)

	f.contexts.mu.Lock()
	defer f.contexts.mu.Unlock()
	require.Len(t, f.contexts.built, 1)
	built := f.contexts.built[0]
	require.Equal(t, 42, built.BaselineVersion)
	require.Equal(t, []string{"k-7", "k-9"}, built.KnowledgeItemIDs)
	require.Equal(t, []string{"d-2"}, built.DecisionIDs)
}

func TestNewestReplacesPendingScenario(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{streamScript: successScript(), gate: gate}
	f := newFixture(t, nil, provider)

	res1, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)
	require.Equal(t, queue.DispositionStarted, res1.Disposition)
	require.Equal(t, 1, res1.Slot)

	res2, err := f.orch.StartProposal(request("S2"))
	require.NoError(t, err)
	require.Equal(t, queue.DispositionPending, res2.Disposition)
	require.Empty(t, res2.ReplacedSessionID)

	res3, err := f.orch.StartProposal(request("S3"))
	require.NoError(t, err)
	require.Equal(t, queue.DispositionPending, res3.Disposition)
	require.Equal(t, "S2", res3.ReplacedSessionID)

	replaced := f.audit.byType("run_replaced")
	require.Len(t, replaced, 1)
	require.Equal(t, "S2", replaced[0].SessionID)

	s3Events, unsub := f.registry.Get("S3").Subscribe()
	defer unsub()

	close(gate) // let S1 finish; S3 must be promoted, S2 never runs
	waitEvent(t, s3Events, stream.TypeProposalReady)

	streams, _ := provider.calls()
	require.Equal(t, 2, streams)
}

func TestCancelPromotesPending(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{streamScript: successScript(), gate: gate}
	f := newFixture(t, nil, provider)

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)
	_, err = f.orch.StartProposal(request("S2"))
	require.NoError(t, err)

	s2Events, unsub := f.registry.Get("S2").Subscribe()
	defer unsub()

	require.NoError(t, f.orch.CancelInteraction("S1", "architecture-overview", "author-initiated"))
	close(gate) // let the promoted S2 run finish
	waitEvent(t, s2Events, stream.TypeProposalReady)

	canceled := f.audit.byType("run_canceled")
	require.Len(t, canceled, 1)
	require.Equal(t, 1, canceled[0].Details["freed_slot"])
	promoted := f.audit.byType("run_promoted")
	require.Len(t, promoted, 1)
	require.Equal(t, "S2", promoted[0].SessionID)
}

func TestCanceledRunDiscardsLateResult(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{streamScript: successScript(), gate: gate}
	f := newFixture(t, nil, provider)

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)
	require.NoError(t, f.orch.CancelInteraction("S1", "architecture-overview", ""))

	close(gate)
	// The in-flight run finishes computing but must not record a proposal.
	require.Never(t, func() bool {
		return f.orch.PendingProposalCount() > 0
	}, 500*time.Millisecond, 25*time.Millisecond)
}

func TestRetryInteraction(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	provider := &scriptedProvider{streamScript: successScript(), gate: gate}
	f := newFixture(t, nil, provider)

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)
	require.NoError(t, f.orch.CancelInteraction("S1", "architecture-overview", ""))

	res, err := f.orch.RetryInteraction("S1", "architecture-overview", "different angle")
	require.NoError(t, err)
	require.Contains(t, res.SessionID, "S1-retry-")
	require.Equal(t, queue.DispositionStarted, res.Disposition)

	retried := f.audit.byType("run_retried")
	require.Len(t, retried, 1)
	require.Equal(t, "S1", retried[0].Details["source_session"])
}

func TestRetryRejectsInFlightSession(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	provider := &scriptedProvider{streamScript: successScript(), gate: gate}
	f := newFixture(t, nil, provider)

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)

	_, err = f.orch.RetryInteraction("S1", "architecture-overview", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "still in flight")
	require.Empty(t, f.audit.byType("run_retried"))
}

func TestRetryUnknownSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.orch.RetryInteraction("ghost", "", "")
	require.Error(t, err)
}

func TestFallbackOnStreamError(t *testing.T) {
	provider := &scriptedProvider{
		streamScript: []ProposalStreamEvent{
			{Kind: ProviderEventProgress, Sequence: 1, Stage: "generation_started"},
			{Kind: ProviderEventToken, Token: "partial "},
			{Kind: ProviderEventToken, Token: "tokens"},
			{Kind: ProviderEventError, Err: errors.New("SSE scan failure")},
		},
		completeResult: resultJSON,
	}
	f := newFixture(t, nil, provider)
	events, unsub := f.registry.Get("S1").Subscribe()
	defer unsub()

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)

	active := waitEvent(t, events, stream.TypeState)
	require.Equal(t, "fallback_active", active.Data["state"])
	require.Equal(t, FallbackSSEError, active.Data["reason"])
	require.Equal(t, 2, active.Data["preservedTokens"])

	waitEvent(t, events, stream.TypeProposalReady)
	completed := waitEvent(t, events, stream.TypeState)
	require.Equal(t, "fallback_completed", completed.Data["state"])

	_, completes := provider.calls()
	require.Equal(t, 1, completes)

	delivered := f.audit.byType("proposal_delivered")
	require.Len(t, delivered, 1)
	require.Equal(t, "fallback", delivered[0].Details["delivery_mode"])
}

func TestFallbackFailureReleasesSlot(t *testing.T) {
	provider := &scriptedProvider{
		streamScript: []ProposalStreamEvent{
			{Kind: ProviderEventError, Err: context.DeadlineExceeded},
		},
		completeErr: errors.New("max retries exceeded"),
	}
	f := newFixture(t, nil, provider)
	s1Events, unsub1 := f.registry.Get("S1").Subscribe()
	defer unsub1()

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)
	_, err = f.orch.StartProposal(request("S2"))
	require.NoError(t, err)

	s2Events, unsub2 := f.registry.Get("S2").Subscribe()
	defer unsub2()

	active := waitEvent(t, s1Events, stream.TypeState)
	require.Equal(t, "fallback_active", active.Data["state"])
	require.Equal(t, FallbackStreamTimeout, active.Data["reason"])

	failed := waitEvent(t, s1Events, stream.TypeState)
	require.Equal(t, "fallback_failed", failed.Data["state"])
	errEv := waitEvent(t, s1Events, stream.TypeError)
	require.NotEmpty(t, errEv.Data["message"])

	// Terminal failure must promote S2, never leaving the section blocked.
	waitEvent(t, s2Events, stream.TypeState)
	require.Eventually(t, func() bool {
		snap := f.orch.QueueSnapshot()
		return len(snap.Pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransportFallbackModeSkipsStreaming(t *testing.T) {
	provider := &scriptedProvider{completeResult: resultJSON}
	f := newFixture(t, func(o *Options) {
		o.TransportMode = config.TransportFallback
	}, provider)
	events, unsub := f.registry.Get("S1").Subscribe()
	defer unsub()

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)

	active := waitEvent(t, events, stream.TypeState)
	require.Equal(t, "fallback_active", active.Data["state"])
	require.Equal(t, FallbackTransportBlocked, active.Data["reason"])
	waitEvent(t, events, stream.TypeProposalReady)

	streams, completes := provider.calls()
	require.Zero(t, streams)
	require.Equal(t, 1, completes)
}

func TestStartAnalysisCompletesWithoutProposal(t *testing.T) {
	provider := &scriptedProvider{streamScript: []ProposalStreamEvent{
		{Kind: ProviderEventProgress, Sequence: 1, Stage: "analysis_started"},
		{Kind: ProviderEventCompleted, Result: "```json\n{\"updatedDraft\":\"n/a\",\"confidence\":0.7,\"rationale\":\"section is consistent\"}\n```"},
	}}
	f := newFixture(t, nil, provider)
	events, unsub := f.registry.Get("A1").Subscribe()
	defer unsub()

	_, err := f.orch.StartAnalysis(request("A1"))
	require.NoError(t, err)

	done := waitEvent(t, events, stream.TypeAnalysisCompleted)
	require.Equal(t, "section is consistent", done.Data["summary"])
	require.Zero(t, f.orch.PendingProposalCount())
}

func TestDuplicateSessionRejected(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	provider := &scriptedProvider{streamScript: successScript(), gate: gate}
	f := newFixture(t, nil, provider)

	_, err := f.orch.StartProposal(request("S1"))
	require.NoError(t, err)
	_, err = f.orch.StartProposal(request("S1"))
	require.Error(t, err)
}

func TestClassifyFallbackReason(t *testing.T) {
	cases := []struct {
		err    error
		reason string
	}{
		{context.DeadlineExceeded, FallbackStreamTimeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), FallbackStreamTimeout},
		{errors.New("max retries exceeded after 3 attempts"), FallbackRetryExhausted},
		{errors.New("SSE decode failed"), FallbackSSEError},
		{errors.New("connection refused"), FallbackTransportBlocked},
	}
	for _, tc := range cases {
		require.Equal(t, tc.reason, classifyFallbackReason(tc.err), "err=%v", tc.err)
	}
}

func TestParseProposalResult(t *testing.T) {
	parsed := parseProposalResult(resultJSON)
	require.Equal(t, "revised line one\nrevised line two", parsed.UpdatedDraft)
	require.Equal(t, 0.9, parsed.Confidence)
	require.Equal(t, []string{"k-1"}, parsed.Citations)

	raw := parseProposalResult("just plain text, no json")
	require.Equal(t, "just plain text, no json", raw.UpdatedDraft)
	require.Zero(t, raw.Confidence)
}

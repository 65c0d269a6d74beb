// Package orchestrator coordinates the co-authoring proposal lifecycle:
// per-section admission through the stream queue, provider runs with
// ordered progress delivery, fallback delivery when streaming fails,
// diff-hash-verified approval, and TTL-based eviction of idle state.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/bus"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/config"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/contextbuilder"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/diff"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/logging"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/queue"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/storage"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/stream"
)

// ContextBuilder assembles the provider prompt from document, draft,
// and knowledge lookups.
type ContextBuilder interface {
	Build(req contextbuilder.Request) (*contextbuilder.ProviderContext, error)
}

// DraftPersistence commits approved proposals and serves draft baselines.
type DraftPersistence interface {
	QueueProposal(in storage.QueueProposalInput) (*storage.QueueProposalResult, error)
	GetLatestDraftSnapshot(documentID, sectionID string) (*storage.DraftVersion, error)
	GetSectionApprovedVersion(documentID, sectionID string) (int, error)
}

// ChangelogRecorder records approved proposals.
type ChangelogRecorder interface {
	RecordProposalApproval(entry storage.ChangelogEntry) error
}

// AuditLogger records lifecycle events for the audit trail.
type AuditLogger interface {
	Log(event logging.Event) error
	LogIntent(sessionID, sectionID, intent, authorID string) error
	LogProposalReady(sessionID, sectionID, proposalID, diffHash string, confidence float64) error
	LogApproval(sessionID, sectionID, proposalID string, draftVersion int) error
	LogRejection(sessionID, sectionID, proposalID, reason string) error
	LogFallback(sessionID, sectionID, reason string, preservedTokens int) error
}

// ProposalRequest describes one client request for analysis or a
// proposal. Immutable once admitted.
type ProposalRequest struct {
	SessionID        string   `json:"sessionId"`
	DocumentID       string   `json:"documentId"`
	SectionID        string   `json:"sectionId"`
	AuthorID         string   `json:"authorId"`
	PromptID         string   `json:"promptId"`
	TurnID           string   `json:"turnId"`
	Intent           string   `json:"intent"`
	PromptText       string   `json:"promptText"`
	BaselineVersion  int      `json:"baselineVersion,omitempty"`
	KnowledgeItemIDs []string `json:"knowledgeItemIds,omitempty"`
	DecisionIDs      []string `json:"decisionIds,omitempty"`
}

// Run kinds tracked by the orchestrator.
const (
	runKindProposal = "proposal"
	runKindAnalysis = "analysis"
)

// Run states.
const (
	runStatePending = "pending"
	runStateRunning = "running"
)

// pendingRun is the orchestrator-side bookkeeping for a queued or
// executing run. epoch is the cooperative-cancellation token: a run
// whose epoch no longer matches live state discards its results.
type pendingRun struct {
	request    ProposalRequest
	kind       string
	state      string
	mode       config.TransportMode
	retryCount int
	epoch      uint64
}

// PendingProposal is a generated-but-unapproved proposal awaiting
// approval, rejection, or TTL expiry.
type PendingProposal struct {
	ProposalID           string
	SessionID            string
	DocumentID           string
	SectionID            string
	AuthorID             string
	Snapshot             *diff.Snapshot
	UpdatedDraft         string
	PromptSummary        string
	Confidence           float64
	Citations            []string
	BaselineDraftVersion int
	ExpiresAt            time.Time
}

// StartResult is returned synchronously from StartProposal/StartAnalysis.
type StartResult struct {
	SessionID         string            `json:"sessionId"`
	Disposition       queue.Disposition `json:"disposition"`
	Slot              int               `json:"concurrencySlot,omitempty"`
	ReplacedSessionID string            `json:"replacedSessionId,omitempty"`
	StreamPath        string            `json:"streamPath"`
}

// Options wires the orchestrator's collaborators and tuning knobs.
type Options struct {
	Queue       *queue.SectionStreamQueue
	Registry    *stream.Registry
	Mapper      *diff.Mapper
	Contexts    ContextBuilder
	Provider    ProposalProvider
	Persistence DraftPersistence
	Changelog   ChangelogRecorder
	Audit       AuditLogger
	// Bus, when set, mirrors session events to external observers.
	Bus bus.MessageBus

	TransportMode config.TransportMode
	// IdleSessionTTL bounds how long an inactive session keeps state.
	// Proposal expiry follows the Mapper's snapshot TTL.
	IdleSessionTTL time.Duration
	RunTimeout     time.Duration
}

// Orchestrator owns the proposal lifecycle state. One mutex guards the
// run/proposal/activity maps so admission decisions and bookkeeping
// update atomically as a pair.
type Orchestrator struct {
	mu               sync.Mutex
	runs             map[string]*pendingRun
	proposals        map[string]*PendingProposal
	sessionProposals map[string]map[string]struct{}
	recentRequests   map[string]ProposalRequest
	activity         map[string]time.Time
	epoch            uint64

	queue       *queue.SectionStreamQueue
	registry    *stream.Registry
	mapper      *diff.Mapper
	contexts    ContextBuilder
	provider    ProposalProvider
	persistence DraftPersistence
	changelog   ChangelogRecorder
	audit       AuditLogger
	bus         bus.MessageBus

	transport  config.TransportMode
	idleTTL    time.Duration
	runTimeout time.Duration

	now func() time.Time
}

// New creates an orchestrator. Queue, Registry, Mapper, Contexts,
// Provider, Persistence, Changelog, and Audit are required.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Queue == nil:
		return nil, fmt.Errorf("orchestrator: queue is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("orchestrator: registry is required")
	case opts.Mapper == nil:
		return nil, fmt.Errorf("orchestrator: mapper is required")
	case opts.Contexts == nil:
		return nil, fmt.Errorf("orchestrator: context builder is required")
	case opts.Provider == nil:
		return nil, fmt.Errorf("orchestrator: provider is required")
	case opts.Persistence == nil:
		return nil, fmt.Errorf("orchestrator: persistence is required")
	case opts.Changelog == nil:
		return nil, fmt.Errorf("orchestrator: changelog is required")
	case opts.Audit == nil:
		return nil, fmt.Errorf("orchestrator: audit logger is required")
	}

	transport := opts.TransportMode
	if transport == "" {
		transport = config.TransportStreaming
	}
	idleTTL := opts.IdleSessionTTL
	if idleTTL <= 0 {
		idleTTL = config.DefaultIdleSessionTTL
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = config.DefaultRequestTimeout
	}

	return &Orchestrator{
		runs:             make(map[string]*pendingRun),
		proposals:        make(map[string]*PendingProposal),
		sessionProposals: make(map[string]map[string]struct{}),
		recentRequests:   make(map[string]ProposalRequest),
		activity:         make(map[string]time.Time),
		queue:            opts.Queue,
		registry:         opts.Registry,
		mapper:           opts.Mapper,
		contexts:         opts.Contexts,
		provider:         opts.Provider,
		persistence:      opts.Persistence,
		changelog:        opts.Changelog,
		audit:            opts.Audit,
		bus:              opts.Bus,
		transport:        transport,
		idleTTL:          idleTTL,
		runTimeout:       runTimeout,
		now:              time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// StartProposal admits a proposal request into the per-section queue
// and, when a slot is free, launches the run. Returns immediately with
// the stream location and queue metadata.
func (o *Orchestrator) StartProposal(req ProposalRequest) (*StartResult, error) {
	return o.start(req, runKindProposal)
}

// StartAnalysis admits an analysis request. It shares the proposal
// admission machinery but completes with an analysis.completed event
// and leaves no pending proposal behind.
func (o *Orchestrator) StartAnalysis(req ProposalRequest) (*StartResult, error) {
	return o.start(req, runKindAnalysis)
}

func (o *Orchestrator) start(req ProposalRequest, kind string) (*StartResult, error) {
	if req.SessionID == "" || req.DocumentID == "" || req.SectionID == "" {
		return nil, fmt.Errorf("orchestrator: session, document, and section ids are required")
	}

	o.mu.Lock()
	now := o.now()
	torn := o.evictExpiredLocked(now)

	if _, exists := o.runs[req.SessionID]; exists {
		o.mu.Unlock()
		o.finishTeardowns(torn)
		return nil, fmt.Errorf("orchestrator: session %s already has a run in flight", req.SessionID)
	}

	result := o.queue.Enqueue(req.SessionID, req.SectionID, now)

	if result.ReplacedSessionID != "" {
		o.discardRunLocked(result.ReplacedSessionID)
	}

	o.epoch++
	run := &pendingRun{
		request: req,
		kind:    kind,
		state:   runStatePending,
		mode:    o.transport,
		epoch:   o.epoch,
	}
	o.runs[req.SessionID] = run
	o.recentRequests[req.SessionID] = req
	o.activity[req.SessionID] = now
	epoch := run.epoch
	o.mu.Unlock()
	o.finishTeardowns(torn)

	recordRunStarted(kind)
	_ = o.audit.LogIntent(req.SessionID, req.SectionID, req.Intent, req.AuthorID)
	_ = o.audit.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryQueue,
		EventType: "run_queued",
		SessionID: req.SessionID,
		SectionID: req.SectionID,
		Details: map[string]any{
			"kind":             kind,
			"disposition":      string(result.Disposition),
			"concurrency_slot": result.Slot,
			"replaced_session": result.ReplacedSessionID,
			"policy":           "newest-replaces-pending",
		},
	})
	if result.ReplacedSessionID != "" {
		recordReplacement()
		_ = o.audit.Log(logging.Event{
			Level:     logging.LevelInfo,
			Category:  logging.CategoryQueue,
			EventType: "run_replaced",
			SessionID: result.ReplacedSessionID,
			SectionID: req.SectionID,
			Details:   map[string]any{"replaced_by": req.SessionID},
		})
	}

	if result.Disposition == queue.DispositionStarted {
		go o.executeRun(req.SessionID, epoch)
	}

	return &StartResult{
		SessionID:         req.SessionID,
		Disposition:       result.Disposition,
		Slot:              result.Slot,
		ReplacedSessionID: result.ReplacedSessionID,
		StreamPath:        streamPath(req.SessionID),
	}, nil
}

// CancelInteraction cancels a session's run. If the session held the
// active slot and a pending request exists, the pending run launches.
func (o *Orchestrator) CancelInteraction(sessionID, sectionID, reason string) error {
	if reason == "" {
		reason = "author-initiated"
	}

	o.mu.Lock()
	now := o.now()
	torn := o.evictExpiredLocked(now)
	run, exists := o.runs[sessionID]
	if exists {
		delete(o.runs, sessionID)
	}
	result := o.queue.Cancel(sessionID)
	o.mu.Unlock()
	o.finishTeardowns(torn)

	if !exists && !result.Released {
		return fmt.Errorf("orchestrator: no run for session %s", sessionID)
	}

	details := map[string]any{"reason": reason}
	if result.Released {
		details["freed_slot"] = result.Slot
	}
	if run != nil {
		details["kind"] = run.kind
	}
	_ = o.audit.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryQueue,
		EventType: "run_canceled",
		SessionID: sessionID,
		SectionID: sectionID,
		Details:   details,
	})

	o.launchPromoted(result.Promoted)
	return nil
}

// RetryInteraction re-submits a previously canceled or completed
// session's request under a fresh session id derived from the original,
// with fresh prompt/turn ids. A session whose run is still queued or
// running cannot be retried; it must be canceled first. The audit trail
// links the new session to its source.
func (o *Orchestrator) RetryInteraction(sessionID, sectionID, intent string) (*StartResult, error) {
	o.mu.Lock()
	source, ok := o.recentRequests[sessionID]
	_, inFlight := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("orchestrator: no prior request for session %s", sessionID)
	}
	if inFlight {
		return nil, fmt.Errorf("orchestrator: session %s is still in flight; cancel it before retrying", sessionID)
	}
	if sectionID != "" && source.SectionID != sectionID {
		return nil, fmt.Errorf("orchestrator: session %s belongs to section %s", sessionID, source.SectionID)
	}

	retry := source
	retry.SessionID = fmt.Sprintf("%s-retry-%s", sessionID, uuid.NewString()[:8])
	retry.PromptID = uuid.NewString()
	retry.TurnID = uuid.NewString()
	if intent != "" {
		retry.Intent = intent
	}

	_ = o.audit.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryQueue,
		EventType: "run_retried",
		SessionID: retry.SessionID,
		SectionID: retry.SectionID,
		Details:   map[string]any{"source_session": sessionID},
	})

	return o.StartProposal(retry)
}

// launchPromoted starts the run for a promoted queue entry, if its
// bookkeeping is still live.
func (o *Orchestrator) launchPromoted(promoted *queue.Promoted) {
	if promoted == nil {
		return
	}

	o.mu.Lock()
	run, ok := o.runs[promoted.SessionID]
	if !ok || run.state != runStatePending {
		o.mu.Unlock()
		return
	}
	epoch := run.epoch
	sectionID := run.request.SectionID
	o.mu.Unlock()

	_ = o.audit.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryQueue,
		EventType: "run_promoted",
		SessionID: promoted.SessionID,
		SectionID: sectionID,
		Details:   map[string]any{"concurrency_slot": promoted.Slot},
	})
	go o.executeRun(promoted.SessionID, epoch)
}

// discardRunLocked drops a replaced session's bookkeeping. The request
// stays in recentRequests so the author can retry it.
func (o *Orchestrator) discardRunLocked(sessionID string) {
	delete(o.runs, sessionID)
}

// Touch records session activity for idle-eviction purposes.
func (o *Orchestrator) Touch(sessionID string) {
	o.mu.Lock()
	o.activity[sessionID] = o.now()
	o.mu.Unlock()
}

// PendingProposalCount reports live unapproved proposals. Used by
// diagnostics and tests.
func (o *Orchestrator) PendingProposalCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.proposals)
}

// QueueSnapshot exposes the admission state for diagnostics.
func (o *Orchestrator) QueueSnapshot() queue.Snapshot {
	return o.queue.Snapshot()
}

func streamPath(sessionID string) string {
	return "/api/v1/sessions/" + sessionID + "/events"
}

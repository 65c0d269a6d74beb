package orchestrator

import (
	"context"
	"time"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/logging"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/queue"
)

// EvictExpiredSessions removes pending proposals past their TTL and
// fully tears down sessions idle beyond the idle TTL. Invoked lazily at
// every public entry point and periodically by the background sweeper.
func (o *Orchestrator) EvictExpiredSessions(now time.Time) {
	o.mu.Lock()
	torn := o.evictExpiredLocked(now)
	o.mu.Unlock()

	o.finishTeardowns(torn)
}

// finishTeardowns completes out-of-lock teardown for idle-evicted
// sessions collected during lazy eviction.
func (o *Orchestrator) finishTeardowns(torn []teardownWork) {
	for _, t := range torn {
		o.finishTeardown(t.sessionID, "expired", t.promoted)
	}
}

type teardownWork struct {
	sessionID string
	promoted  *queue.Promoted
}

// evictExpiredLocked performs the map mutations under the caller's
// lock and returns the sessions needing out-of-lock teardown work
// (stream close, audit, promoted launches).
func (o *Orchestrator) evictExpiredLocked(now time.Time) []teardownWork {
	for proposalID, pending := range o.proposals {
		if !pending.ExpiresAt.After(now) {
			o.removeProposalLocked(proposalID)
			recordEviction("proposal")
		}
	}

	var torn []teardownWork
	for sessionID, last := range o.activity {
		if now.Sub(last) < o.idleTTL {
			continue
		}
		promoted := o.teardownLocked(sessionID)
		torn = append(torn, teardownWork{sessionID: sessionID, promoted: promoted})
		recordEviction("session")
	}
	return torn
}

// TeardownSession removes all state owned by a session: pending
// proposals, activity, any queued or running run (promoting the next
// pending request for its section), and the session's event stream.
// Idempotent; tearing down an unknown session is a no-op.
func (o *Orchestrator) TeardownSession(sessionID, reason string) {
	if reason == "" {
		reason = "manual"
	}

	o.mu.Lock()
	torn := o.evictExpiredLocked(o.now())
	promoted := o.teardownLocked(sessionID)
	o.mu.Unlock()

	// When lazy eviction already claimed the target session, finish its
	// teardown once, with the caller's reason and the eviction's
	// promoted entry.
	for _, t := range torn {
		if t.sessionID == sessionID {
			if promoted == nil {
				promoted = t.promoted
			}
			continue
		}
		o.finishTeardown(t.sessionID, "expired", t.promoted)
	}
	o.finishTeardown(sessionID, reason, promoted)
}

func (o *Orchestrator) teardownLocked(sessionID string) *queue.Promoted {
	if owned, ok := o.sessionProposals[sessionID]; ok {
		for proposalID := range owned {
			delete(o.proposals, proposalID)
		}
		delete(o.sessionProposals, sessionID)
	}
	delete(o.activity, sessionID)
	delete(o.runs, sessionID)
	delete(o.recentRequests, sessionID)

	// Release any queue entry so the section is not left blocked.
	result := o.queue.Cancel(sessionID)
	return result.Promoted
}

func (o *Orchestrator) finishTeardown(sessionID, reason string, promoted *queue.Promoted) {
	o.registry.Close(sessionID, reason)
	_ = o.audit.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategorySession,
		EventType: "session_teardown",
		SessionID: sessionID,
		Details:   map[string]any{"reason": reason},
	})
	o.launchPromoted(promoted)
}

// StartSweeper runs periodic eviction until ctx is canceled. Lazy
// eviction at entry points alone would leak state for clients that
// simply stop calling.
func (o *Orchestrator) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				o.EvictExpiredSessions(now)
			}
		}
	}()
}

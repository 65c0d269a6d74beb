// Package queue implements the per-section admission governor for
// proposal generation. Each section admits a bounded number of active
// runs (default one) and holds at most one pending request, replaced by
// any newer request for the same section. When an active run completes
// or is canceled, the pending request (if any) is promoted into the
// freed slot.
package queue

import (
	"sync"
	"time"
)

// Disposition reports how an enqueue request was admitted.
type Disposition string

const (
	// DispositionStarted means the request was admitted immediately.
	DispositionStarted Disposition = "started"
	// DispositionPending means the request is queued behind an active run.
	DispositionPending Disposition = "pending"
)

// EnqueueResult is the outcome of an admission decision.
type EnqueueResult struct {
	Disposition Disposition
	// Slot is the 1-based concurrency slot, set when started.
	Slot int
	// ReplacedSessionID names the pending session this request displaced,
	// if any. The caller must discard that session's bookkeeping.
	ReplacedSessionID string
}

// Promoted describes a pending entry that became active.
type Promoted struct {
	SessionID string
	SectionID string
	Slot      int
}

// CancelResult is the outcome of canceling a session's queue entry.
type CancelResult struct {
	// Released is true when the session held an active slot.
	Released bool
	// Slot is the freed slot number when Released.
	Slot int
	// Promoted is set when a pending entry took over the freed slot.
	Promoted *Promoted
}

// CompleteResult is the outcome of completing a session's active run.
type CompleteResult struct {
	Promoted *Promoted
}

type activeEntry struct {
	sessionID string
	slot      int
}

type pendingEntry struct {
	sessionID  string
	enqueuedAt time.Time
}

// Snapshot is a read-only view of admission state.
type Snapshot struct {
	// Active maps sectionID to the session IDs holding slots, ordered by slot.
	Active map[string][]string
	// Pending maps sectionID to the queued session ID.
	Pending map[string]string
}

// SectionStreamQueue tracks active and pending entries per section.
// Safe for concurrent use; all check-then-act sequences run under one
// lock so admission decisions are atomic.
type SectionStreamQueue struct {
	mu       sync.Mutex
	slots    int
	active   map[string][]activeEntry
	pending  map[string]pendingEntry
	sections map[string]string // sessionID -> sectionID, active and pending alike
}

// New creates a queue with the given per-section slot capacity.
// Capacity below 1 is clamped to 1.
func New(slots int) *SectionStreamQueue {
	if slots < 1 {
		slots = 1
	}
	return &SectionStreamQueue{
		slots:    slots,
		active:   make(map[string][]activeEntry),
		pending:  make(map[string]pendingEntry),
		sections: make(map[string]string),
	}
}

// Enqueue admits sessionID for sectionID. If a slot is free the request
// starts immediately; otherwise it becomes the section's sole pending
// entry, displacing any previous pending entry (newest-replaces-pending).
func (q *SectionStreamQueue) Enqueue(sessionID, sectionID string, enqueuedAt time.Time) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.active[sectionID]
	if len(entries) < q.slots {
		slot := q.freeSlotLocked(entries)
		q.active[sectionID] = append(entries, activeEntry{sessionID: sessionID, slot: slot})
		q.sections[sessionID] = sectionID
		return EnqueueResult{Disposition: DispositionStarted, Slot: slot}
	}

	var replaced string
	if prev, ok := q.pending[sectionID]; ok {
		replaced = prev.sessionID
		delete(q.sections, prev.sessionID)
	}
	q.pending[sectionID] = pendingEntry{sessionID: sessionID, enqueuedAt: enqueuedAt}
	q.sections[sessionID] = sectionID
	return EnqueueResult{Disposition: DispositionPending, ReplacedSessionID: replaced}
}

// Cancel removes sessionID's entry. If the session held an active slot
// the slot is released and any pending entry for the section is promoted
// into it; the caller is responsible for launching the promoted run.
func (q *SectionStreamQueue) Cancel(sessionID string) CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.releaseLocked(sessionID)
}

// Complete releases sessionID's active slot after a successful run,
// with the same promotion semantics as Cancel.
func (q *SectionStreamQueue) Complete(sessionID string) CompleteResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	res := q.releaseLocked(sessionID)
	return CompleteResult{Promoted: res.Promoted}
}

func (q *SectionStreamQueue) releaseLocked(sessionID string) CancelResult {
	sectionID, ok := q.sections[sessionID]
	if !ok {
		return CancelResult{}
	}
	delete(q.sections, sessionID)

	if pend, ok := q.pending[sectionID]; ok && pend.sessionID == sessionID {
		delete(q.pending, sectionID)
		return CancelResult{}
	}

	entries := q.active[sectionID]
	for i, entry := range entries {
		if entry.sessionID != sessionID {
			continue
		}
		freed := entry.slot
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(q.active, sectionID)
		} else {
			q.active[sectionID] = entries
		}

		res := CancelResult{Released: true, Slot: freed}
		if pend, ok := q.pending[sectionID]; ok {
			delete(q.pending, sectionID)
			q.active[sectionID] = append(q.active[sectionID], activeEntry{sessionID: pend.sessionID, slot: freed})
			q.sections[pend.sessionID] = sectionID
			res.Promoted = &Promoted{SessionID: pend.sessionID, SectionID: sectionID, Slot: freed}
		}
		return res
	}
	return CancelResult{}
}

// freeSlotLocked returns the lowest slot number not held by entries.
func (q *SectionStreamQueue) freeSlotLocked(entries []activeEntry) int {
	for slot := 1; slot <= q.slots; slot++ {
		taken := false
		for _, e := range entries {
			if e.slot == slot {
				taken = true
				break
			}
		}
		if !taken {
			return slot
		}
	}
	return len(entries) + 1
}

// Snapshot returns a copy of the current admission state.
func (q *SectionStreamQueue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{
		Active:  make(map[string][]string, len(q.active)),
		Pending: make(map[string]string, len(q.pending)),
	}
	for sectionID, entries := range q.active {
		sessions := make([]string, len(entries))
		for i, e := range entries {
			sessions[i] = e.sessionID
		}
		snap.Active[sectionID] = sessions
	}
	for sectionID, pend := range q.pending {
		snap.Pending[sectionID] = pend.sessionID
	}
	return snap
}

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/diff"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/storage"
)

// DiffHashMismatchError rejects an approval whose hash does not match
// the canonical pending state. It carries identifiers only, never
// transcript or draft content.
type DiffHashMismatchError struct {
	ExpectedDiffHash string `json:"expectedDiffHash"`
	ReceivedDiffHash string `json:"receivedDiffHash"`
	ProposalID       string `json:"proposalId"`
	SessionID        string `json:"sessionId"`
}

func (e *DiffHashMismatchError) Error() string {
	return fmt.Sprintf("diff hash mismatch for proposal %s: expected %s, received %s",
		e.ProposalID, e.ExpectedDiffHash, e.ReceivedDiffHash)
}

// ApprovalRequest carries an author's decision to commit a proposal.
type ApprovalRequest struct {
	DocumentID    string `json:"documentId"`
	SectionID     string `json:"sectionId"`
	SessionID     string `json:"sessionId"`
	AuthorID      string `json:"authorId"`
	ProposalID    string `json:"proposalId"`
	DiffHash      string `json:"diffHash"`
	DraftPatch    string `json:"draftPatch"`
	ApprovalNotes string `json:"approvalNotes,omitempty"`
}

// ApprovalQueueInfo reports where the approved content landed.
type ApprovalQueueInfo struct {
	DraftVersion    int    `json:"draftVersion"`
	BaselineVersion int    `json:"baselineVersion"`
	DiffHash        string `json:"diffHash"`
}

// ApprovalResult is the successful approval response.
type ApprovalResult struct {
	Status    string                 `json:"status"`
	Changelog storage.ChangelogEntry `json:"changelog"`
	Queue     ApprovalQueueInfo      `json:"queue"`
}

// ApproveProposal verifies the caller-supplied diff hash against the
// canonical pending state, persists the draft, and records the
// changelog. When the pending proposal has been evicted (server
// restart, TTL expiry) the pending state is reconstructed from the
// latest persisted snapshot and its recomputed hash becomes canonical.
func (o *Orchestrator) ApproveProposal(req ApprovalRequest) (*ApprovalResult, error) {
	if req.ProposalID == "" {
		return nil, fmt.Errorf("orchestrator: proposal id is required")
	}

	o.mu.Lock()
	now := o.now()
	torn := o.evictExpiredLocked(now)
	o.activity[req.SessionID] = now
	pending, cached := o.proposals[req.ProposalID]
	o.mu.Unlock()
	o.finishTeardowns(torn)

	if !cached {
		reconstructed, err := o.reconstructPending(req)
		if err != nil {
			return nil, err
		}
		pending = reconstructed
	}

	if pending.Snapshot.DiffHash != req.DiffHash {
		recordHashMismatch()
		return nil, &DiffHashMismatchError{
			ExpectedDiffHash: pending.Snapshot.DiffHash,
			ReceivedDiffHash: req.DiffHash,
			ProposalID:       req.ProposalID,
			SessionID:        req.SessionID,
		}
	}

	// Remove the cached entry before persisting so a concurrent second
	// approval of the same proposal cannot also pass the lookup.
	if cached {
		o.mu.Lock()
		if _, still := o.proposals[req.ProposalID]; !still {
			o.mu.Unlock()
			return nil, fmt.Errorf("orchestrator: proposal %s already consumed", req.ProposalID)
		}
		o.removeProposalLocked(req.ProposalID)
		o.mu.Unlock()
	}

	content := req.DraftPatch
	if content == "" {
		content = pending.UpdatedDraft
	}

	queued, err := o.persistence.QueueProposal(storage.QueueProposalInput{
		DocumentID: req.DocumentID,
		SectionID:  req.SectionID,
		Content:    content,
		DiffHash:   pending.Snapshot.DiffHash,
		AuthorID:   req.AuthorID,
		ProposalID: req.ProposalID,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: queue approved proposal: %w", err)
	}

	entry := storage.ChangelogEntry{
		DocumentID: req.DocumentID,
		SectionID:  req.SectionID,
		ProposalID: req.ProposalID,
		AuthorID:   req.AuthorID,
		Summary:    pending.PromptSummary,
		DiffHash:   pending.Snapshot.DiffHash,
		Confidence: pending.Confidence,
		Citations:  pending.Citations,
		Notes:      req.ApprovalNotes,
	}
	if err := o.changelog.RecordProposalApproval(entry); err != nil {
		return nil, fmt.Errorf("orchestrator: record changelog: %w", err)
	}

	recordApproval()
	_ = o.audit.LogApproval(req.SessionID, req.SectionID, req.ProposalID, queued.DraftVersion)

	baseline, err := o.resolveBaselineVersion(pending, queued, req)
	if err != nil {
		return nil, err
	}

	return &ApprovalResult{
		Status:    "queued",
		Changelog: entry,
		Queue: ApprovalQueueInfo{
			DraftVersion:    queued.DraftVersion,
			BaselineVersion: baseline,
			DiffHash:        pending.Snapshot.DiffHash,
		},
	}, nil
}

// reconstructPending rebuilds pending state for a proposal that is no
// longer cached. The draft patch is diffed against itself: a neutral
// snapshot whose recomputed hash becomes the canonical one the caller
// must present.
func (o *Orchestrator) reconstructPending(req ApprovalRequest) (*PendingProposal, error) {
	latest, err := o.persistence.GetLatestDraftSnapshot(req.DocumentID, req.SectionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("orchestrator: reconstruct pending: %w", err)
	}

	baselineVersion := 0
	if latest != nil {
		baselineVersion = latest.Version
	}

	snapshot := o.mapper.Map(diff.MapRequest{
		ProposalID: req.ProposalID,
		SessionID:  req.SessionID,
		Baseline:   req.DraftPatch,
		Proposed:   req.DraftPatch,
		RenderMode: "reconstructed",
	})

	return &PendingProposal{
		ProposalID:           req.ProposalID,
		SessionID:            req.SessionID,
		DocumentID:           req.DocumentID,
		SectionID:            req.SectionID,
		AuthorID:             req.AuthorID,
		Snapshot:             snapshot,
		UpdatedDraft:         req.DraftPatch,
		BaselineDraftVersion: baselineVersion,
		ExpiresAt:            snapshot.ExpiresAt,
	}, nil
}

// resolveBaselineVersion picks the baseline draft version with a
// three-tier fallback: explicit baseline on the pending record, then
// the previous version reported by persistence, then approvedVersion+1
// from the section repository.
func (o *Orchestrator) resolveBaselineVersion(pending *PendingProposal, queued *storage.QueueProposalResult, req ApprovalRequest) (int, error) {
	if pending.BaselineDraftVersion > 0 {
		return pending.BaselineDraftVersion, nil
	}
	if queued.PreviousDraftVersion > 0 {
		return queued.PreviousDraftVersion, nil
	}
	approved, err := o.persistence.GetSectionApprovedVersion(req.DocumentID, req.SectionID)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: resolve baseline version: %w", err)
	}
	return approved + 1, nil
}

// RejectProposal discards a pending proposal without persisting it. An
// already-expired proposal is evicted first and reported as unknown.
func (o *Orchestrator) RejectProposal(sessionID, proposalID, reason string) error {
	o.mu.Lock()
	torn := o.evictExpiredLocked(o.now())
	pending, ok := o.proposals[proposalID]
	if ok {
		o.removeProposalLocked(proposalID)
		o.activity[sessionID] = o.now()
	}
	o.mu.Unlock()
	o.finishTeardowns(torn)

	if !ok {
		return fmt.Errorf("orchestrator: no pending proposal %s", proposalID)
	}

	recordRejection()
	_ = o.audit.LogRejection(sessionID, pending.SectionID, proposalID, reason)
	return nil
}

// removeProposalLocked deletes a proposal and its reverse-index entry.
func (o *Orchestrator) removeProposalLocked(proposalID string) {
	pending, ok := o.proposals[proposalID]
	if !ok {
		return
	}
	delete(o.proposals, proposalID)
	if owned, ok := o.sessionProposals[pending.SessionID]; ok {
		delete(owned, proposalID)
		if len(owned) == 0 {
			delete(o.sessionProposals, pending.SessionID)
		}
	}
}

package logging

// Audit helpers for the co-authoring lifecycle. Each helper records one
// well-known event type so downstream tooling can filter the JSONL stream
// without guessing at ad-hoc keys.

// LogIntent records a submitted authoring intent.
func (l *Logger) LogIntent(sessionID, sectionID, intent, authorID string) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  CategoryAudit,
		EventType: "intent_submitted",
		SessionID: sessionID,
		SectionID: sectionID,
		Details: map[string]any{
			"intent":    intent,
			"author_id": authorID,
		},
	})
}

// LogProposalReady records a proposal reaching the reviewable state.
func (l *Logger) LogProposalReady(sessionID, sectionID, proposalID, diffHash string, confidence float64) error {
	return l.Log(Event{
		Level:      LevelInfo,
		Category:   CategoryProposal,
		EventType:  "proposal_ready",
		SessionID:  sessionID,
		SectionID:  sectionID,
		ProposalID: proposalID,
		Details: map[string]any{
			"diff_hash":  diffHash,
			"confidence": confidence,
		},
	})
}

// LogApproval records a proposal approval and the draft version it produced.
func (l *Logger) LogApproval(sessionID, sectionID, proposalID string, draftVersion int) error {
	return l.Log(Event{
		Level:      LevelInfo,
		Category:   CategoryApproval,
		EventType:  "proposal_approved",
		SessionID:  sessionID,
		SectionID:  sectionID,
		ProposalID: proposalID,
		Details: map[string]any{
			"draft_version": draftVersion,
		},
	})
}

// LogRejection records a proposal rejection.
func (l *Logger) LogRejection(sessionID, sectionID, proposalID, reason string) error {
	return l.Log(Event{
		Level:      LevelInfo,
		Category:   CategoryApproval,
		EventType:  "proposal_rejected",
		SessionID:  sessionID,
		SectionID:  sectionID,
		ProposalID: proposalID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogFallback records a streaming session degrading to fallback delivery.
func (l *Logger) LogFallback(sessionID, sectionID, reason string, preservedTokens int) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  CategoryFallback,
		EventType: "fallback_activated",
		SessionID: sessionID,
		SectionID: sectionID,
		Details: map[string]any{
			"reason":           reason,
			"preserved_tokens": preservedTokens,
		},
	})
}

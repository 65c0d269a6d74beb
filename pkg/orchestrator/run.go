package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/config"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/contextbuilder"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/diff"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/logging"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/model"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/stream"
)

// Fallback reasons classified from provider failures.
const (
	FallbackTransportBlocked  = "transport_blocked"
	FallbackStreamTimeout     = "stream_timeout"
	FallbackSSEError          = "sse_error"
	FallbackPolicyRestriction = "policy_restriction"
	FallbackRetryExhausted    = "retry_exhausted"
)

// proposalResult is the parsed provider output.
type proposalResult struct {
	UpdatedDraft string   `json:"updatedDraft"`
	Confidence   float64  `json:"confidence"`
	Citations    []string `json:"citations"`
	Rationale    string   `json:"rationale"`
}

// executeRun drives one admitted run to a terminal state. The epoch is
// checked before every publish and state mutation; a stale epoch means
// the session was canceled, replaced, or torn down, and the result is
// discarded without touching queue state.
func (o *Orchestrator) executeRun(sessionID string, epoch uint64) {
	run, ok := o.markRunning(sessionID, epoch)
	if !ok {
		return
	}
	req := run.request

	// queued -> running transition; unsequenced, passes straight through.
	o.publish(sessionID, stream.Event{
		Type: stream.TypeProgress,
		Data: map[string]any{"from": "queued", "to": "running", "kind": run.kind},
	})

	pc, err := o.contexts.Build(contextbuilder.Request{
		DocumentID:       req.DocumentID,
		SectionID:        req.SectionID,
		Intent:           req.Intent,
		BaselineVersion:  req.BaselineVersion,
		KnowledgeItemIDs: req.KnowledgeItemIDs,
		DecisionIDs:      req.DecisionIDs,
	})
	if err != nil {
		o.failRun(sessionID, epoch, req, classifyFallbackReason(err), 0, err)
		return
	}
	if !o.runCurrent(sessionID, epoch) {
		return
	}

	if run.mode == config.TransportFallback {
		// Streaming is disabled for this process; deliver via fallback
		// without attempting the stream first.
		o.runFallback(sessionID, epoch, req, pc, FallbackTransportBlocked, 0)
		return
	}

	result, preserved, streamErr := o.runStreaming(sessionID, epoch, pc)
	if !o.runCurrent(sessionID, epoch) {
		return
	}
	if streamErr != nil {
		o.runFallback(sessionID, epoch, req, pc, classifyFallbackReason(streamErr), preserved)
		return
	}

	o.finishRun(sessionID, epoch, req, pc, result, config.TransportStreaming)
}

// runStreaming consumes the provider's event stream, reordering
// sequenced progress events through a buffer keyed by sequence number
// and emitting them strictly in increasing order starting from 1.
func (o *Orchestrator) runStreaming(sessionID string, epoch uint64, pc *contextbuilder.ProviderContext) (string, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.runTimeout)
	defer cancel()

	events, err := o.provider.Stream(ctx, pc)
	if err != nil {
		return "", 0, err
	}

	reorder := make(map[int]ProposalStreamEvent)
	next := 1
	preserved := 0
	var result string
	var streamErr error

	for ev := range events {
		if !o.runCurrent(sessionID, epoch) {
			// Drain without publishing; the session moved on.
			continue
		}
		switch ev.Kind {
		case ProviderEventProgress:
			if ev.Sequence <= 0 {
				o.publish(sessionID, stream.Event{
					Type: stream.TypeProgress,
					Data: map[string]any{"stage": ev.Stage},
				})
				continue
			}
			reorder[ev.Sequence] = ev
			for {
				buffered, ok := reorder[next]
				if !ok {
					break
				}
				delete(reorder, next)
				o.publish(sessionID, stream.Event{
					Type:     stream.TypeProgress,
					Sequence: buffered.Sequence,
					Data:     map[string]any{"stage": buffered.Stage},
				})
				next++
			}
		case ProviderEventToken:
			preserved++
			o.publish(sessionID, stream.Event{
				Type: stream.TypeToken,
				Data: map[string]any{"token": ev.Token},
			})
		case ProviderEventCompleted:
			result = ev.Result
		case ProviderEventError:
			streamErr = ev.Err
		}
	}

	if streamErr != nil {
		return "", preserved, streamErr
	}
	if result == "" {
		return "", preserved, errors.New("stream closed without a result")
	}
	return result, preserved, nil
}

// runFallback re-invokes the provider without streaming, accumulating
// the complete result before delivery.
func (o *Orchestrator) runFallback(sessionID string, epoch uint64, req ProposalRequest, pc *contextbuilder.ProviderContext, reason string, preserved int) {
	recordFallback(reason)
	_ = o.audit.LogFallback(sessionID, req.SectionID, reason, preserved)
	o.publish(sessionID, stream.Event{
		Type: stream.TypeState,
		Data: map[string]any{
			"state":           "fallback_active",
			"reason":          reason,
			"preservedTokens": preserved,
		},
	})

	o.setRunMode(sessionID, epoch, config.TransportFallback)

	ctx, cancel := context.WithTimeout(context.Background(), o.runTimeout)
	defer cancel()

	result, err := o.provider.Complete(ctx, pc)
	if !o.runCurrent(sessionID, epoch) {
		return
	}
	if err != nil {
		o.publish(sessionID, stream.Event{
			Type: stream.TypeState,
			Data: map[string]any{"state": "fallback_failed", "reason": classifyFallbackReason(err)},
		})
		o.failRun(sessionID, epoch, req, reason, preserved, err)
		return
	}

	o.finishRun(sessionID, epoch, req, pc, result, config.TransportFallback)
	o.publish(sessionID, stream.Event{
		Type: stream.TypeState,
		Data: map[string]any{"state": "fallback_completed"},
	})
}

// finishRun parses the provider result, maps the diff, stores the
// pending proposal, emits proposal.ready (or analysis.completed), and
// releases the queue slot, launching any promoted session.
func (o *Orchestrator) finishRun(sessionID string, epoch uint64, req ProposalRequest, pc *contextbuilder.ProviderContext, raw string, mode config.TransportMode) {
	parsed := parseProposalResult(raw)

	o.mu.Lock()
	if !o.runCurrentLocked(sessionID, epoch) {
		o.mu.Unlock()
		return
	}
	run := o.runs[sessionID]
	delete(o.runs, sessionID)
	now := o.now()
	o.activity[sessionID] = now

	var pending *PendingProposal
	if run.kind == runKindProposal {
		snapshot := o.mapper.Map(diff.MapRequest{
			ProposalID:   uuid.NewString(),
			SessionID:    sessionID,
			OriginTurnID: req.TurnID,
			Baseline:     pc.BaselineContent,
			Proposed:     parsed.UpdatedDraft,
			RenderMode:   renderModeFor(mode),
			Confidence:   parsed.Confidence,
			Citations:    parsed.Citations,
		})
		pending = &PendingProposal{
			ProposalID:           snapshot.ProposalID,
			SessionID:            sessionID,
			DocumentID:           req.DocumentID,
			SectionID:            req.SectionID,
			AuthorID:             req.AuthorID,
			Snapshot:             snapshot,
			UpdatedDraft:         parsed.UpdatedDraft,
			PromptSummary:        parsed.Rationale,
			Confidence:           parsed.Confidence,
			Citations:            parsed.Citations,
			BaselineDraftVersion: pc.BaselineVersion,
			ExpiresAt:            snapshot.ExpiresAt,
		}
		o.proposals[pending.ProposalID] = pending
		owned, ok := o.sessionProposals[sessionID]
		if !ok {
			owned = make(map[string]struct{})
			o.sessionProposals[sessionID] = owned
		}
		owned[pending.ProposalID] = struct{}{}
	}
	completion := o.queue.Complete(sessionID)
	o.mu.Unlock()

	if pending != nil {
		recordProposalReady(string(mode))
		_ = o.audit.LogProposalReady(sessionID, req.SectionID, pending.ProposalID, pending.Snapshot.DiffHash, pending.Confidence)
		_ = o.audit.Log(logging.Event{
			Level:      logging.LevelInfo,
			Category:   logging.CategoryProposal,
			EventType:  "proposal_delivered",
			SessionID:  sessionID,
			SectionID:  req.SectionID,
			ProposalID: pending.ProposalID,
			Details:    map[string]any{"delivery_mode": string(mode)},
		})
		o.publish(sessionID, stream.Event{
			Type: stream.TypeProposalReady,
			Data: map[string]any{
				"proposalId":  pending.ProposalID,
				"diff":        pending.Snapshot.Segments,
				"annotations": pending.Snapshot.Annotations,
				"diffHash":    pending.Snapshot.DiffHash,
				"confidence":  pending.Confidence,
				"citations":   pending.Citations,
				"rationale":   pending.PromptSummary,
				"renderMode":  pending.Snapshot.RenderMode,
				"expiresAt":   pending.ExpiresAt,
			},
		})
	} else {
		recordAnalysisCompleted()
		o.publish(sessionID, stream.Event{
			Type: stream.TypeAnalysisCompleted,
			Data: map[string]any{
				"summary":    parsed.Rationale,
				"content":    parsed.UpdatedDraft,
				"confidence": parsed.Confidence,
				"citations":  parsed.Citations,
			},
		})
	}

	o.launchPromoted(completion.Promoted)
}

// failRun is the terminal failure path: both delivery modes are
// exhausted. The slot is always released so the section cannot stay
// blocked behind a dead run.
func (o *Orchestrator) failRun(sessionID string, epoch uint64, req ProposalRequest, reason string, preserved int, cause error) {
	o.mu.Lock()
	if !o.runCurrentLocked(sessionID, epoch) {
		o.mu.Unlock()
		return
	}
	delete(o.runs, sessionID)
	result := o.queue.Cancel(sessionID)
	o.mu.Unlock()

	recordRunFailed(reason)
	_ = o.audit.Log(logging.Event{
		Level:     logging.LevelError,
		Category:  logging.CategoryProposal,
		EventType: "run_failed",
		SessionID: sessionID,
		SectionID: req.SectionID,
		Details: map[string]any{
			"reason":           reason,
			"preserved_tokens": preserved,
			"error":            cause.Error(),
		},
	})
	o.publish(sessionID, stream.Event{
		Type: stream.TypeError,
		Data: map[string]any{"reason": reason, "message": cause.Error()},
	})

	o.launchPromoted(result.Promoted)
}

func (o *Orchestrator) markRunning(sessionID string, epoch uint64) (*pendingRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[sessionID]
	if !ok || run.epoch != epoch || run.state != runStatePending {
		return nil, false
	}
	run.state = runStateRunning
	o.activity[sessionID] = o.now()
	copied := *run
	return &copied, true
}

func (o *Orchestrator) runCurrent(sessionID string, epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runCurrentLocked(sessionID, epoch)
}

func (o *Orchestrator) runCurrentLocked(sessionID string, epoch uint64) bool {
	run, ok := o.runs[sessionID]
	return ok && run.epoch == epoch
}

func (o *Orchestrator) setRunMode(sessionID string, epoch uint64, mode config.TransportMode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run, ok := o.runs[sessionID]; ok && run.epoch == epoch {
		run.mode = mode
	}
}

// publish delivers an event to the session stream and mirrors it to the
// external bus when one is configured. Bus delivery is best-effort.
func (o *Orchestrator) publish(sessionID string, event stream.Event) {
	event.SessionID = sessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = o.now()
	}
	o.registry.Get(sessionID).Publish(event)
	o.mirrorToBus(sessionID, event)
}

// classifyFallbackReason maps a provider failure to a fallback reason.
func classifyFallbackReason(err error) string {
	if err == nil {
		return FallbackTransportBlocked
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FallbackStreamTimeout
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsPolicyError() {
			return FallbackPolicyRestriction
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "max retries exceeded"):
		return FallbackRetryExhausted
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return FallbackStreamTimeout
	case strings.Contains(msg, "stream") || strings.Contains(msg, "SSE") || strings.Contains(msg, "scan"):
		return FallbackSSEError
	default:
		return FallbackTransportBlocked
	}
}

func renderModeFor(mode config.TransportMode) string {
	if mode == config.TransportFallback {
		return "fallback"
	}
	return "unified"
}

// parseProposalResult extracts the structured proposal from raw model
// output. Unparseable output degrades to the raw text as the draft.
func parseProposalResult(raw string) proposalResult {
	if jsonText := extractJSON(raw); jsonText != "" {
		var parsed proposalResult
		if err := json.Unmarshal([]byte(jsonText), &parsed); err == nil && parsed.UpdatedDraft != "" {
			if parsed.Confidence < 0 {
				parsed.Confidence = 0
			}
			if parsed.Confidence > 1 {
				parsed.Confidence = 1
			}
			return parsed
		}
	}
	return proposalResult{UpdatedDraft: strings.TrimSpace(raw)}
}

// extractJSON pulls a JSON object out of model output, preferring
// fenced code blocks over a bare object scan.
func extractJSON(text string) string {
	if strings.Contains(text, "```json") {
		start := strings.Index(text, "```json") + 7
		end := strings.Index(text[start:], "```")
		if end > 0 {
			return strings.TrimSpace(text[start : start+end])
		}
	}

	start := strings.Index(text, "{")
	if start >= 0 {
		end := strings.LastIndex(text, "}")
		if end > start {
			return strings.TrimSpace(text[start : end+1])
		}
	}

	return ""
}

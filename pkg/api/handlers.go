package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/orchestrator"
)

// startRequest is the body shared by the analysis and proposal
// endpoints; unknown fields are ignored.
type startRequest struct {
	SessionID        string   `json:"sessionId"`
	DocumentID       string   `json:"documentId"`
	SectionID        string   `json:"sectionId"`
	AuthorID         string   `json:"authorId"`
	PromptID         string   `json:"promptId"`
	TurnID           string   `json:"turnId"`
	Intent           string   `json:"intent"`
	PromptText       string   `json:"prompt"`
	BaselineVersion  int      `json:"baselineVersion,omitempty"`
	KnowledgeItemIDs []string `json:"knowledgeItemIds,omitempty"`
	DecisionIDs      []string `json:"decisionIds,omitempty"`
}

func (req *startRequest) toProposalRequest() orchestrator.ProposalRequest {
	return orchestrator.ProposalRequest{
		SessionID:        req.SessionID,
		DocumentID:       req.DocumentID,
		SectionID:        req.SectionID,
		AuthorID:         req.AuthorID,
		PromptID:         req.PromptID,
		TurnID:           req.TurnID,
		Intent:           req.Intent,
		PromptText:       req.PromptText,
		BaselineVersion:  req.BaselineVersion,
		KnowledgeItemIDs: req.KnowledgeItemIDs,
		DecisionIDs:      req.DecisionIDs,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleStartProposal(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.orch.StartProposal(req.toProposalRequest())
	if err != nil {
		if strings.Contains(err.Error(), "required") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.orch.StartAnalysis(req.toProposalRequest())
	if err != nil {
		if strings.Contains(err.Error(), "required") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ApprovalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProposalID == "" || req.DiffHash == "" {
		writeError(w, http.StatusBadRequest, "proposalId and diffHash are required")
		return
	}

	res, err := s.orch.ApproveProposal(req)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rejectRequest struct {
	SessionID  string `json:"sessionId"`
	ProposalID string `json:"proposalId"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProposalID == "" {
		writeError(w, http.StatusBadRequest, "proposalId is required")
		return
	}

	if err := s.orch.RejectProposal(req.SessionID, req.ProposalID, req.Reason); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type cancelRequest struct {
	SectionID string `json:"sectionId"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.orch.CancelInteraction(sessionID, req.SectionID, req.Reason); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type retryRequest struct {
	SectionID string `json:"sectionId,omitempty"`
	Intent    string `json:"intent,omitempty"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req retryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.orch.RetryInteraction(sessionID, req.SectionID, req.Intent)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// Teardown reasons accepted from clients.
var teardownReasons = map[string]bool{
	"section-change": true,
	"navigation":     true,
	"logout":         true,
	"manual":         true,
	"expired":        true,
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}
	if !teardownReasons[reason] {
		writeError(w, http.StatusBadRequest, "unknown teardown reason: "+reason)
		return
	}

	s.orch.TeardownSession(sessionID, reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "reason": reason})
}

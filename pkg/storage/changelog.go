package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangelogEntry records one approved proposal for a section.
type ChangelogEntry struct {
	ID         int64
	DocumentID string
	SectionID  string
	ProposalID string
	AuthorID   string
	Summary    string
	DiffHash   string
	Confidence float64
	Citations  []string
	Notes      string
	CreatedAt  time.Time
}

// RecordProposalApproval appends a changelog entry for an approved proposal.
func (s *Store) RecordProposalApproval(entry ChangelogEntry) error {
	if err := s.guard(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	citations, err := json.Marshal(entry.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	if entry.Citations == nil {
		citations = []byte("[]")
	}
	_, err = s.db.Exec(`
		INSERT INTO changelog (document_id, section_id, proposal_id, author_id, summary, diff_hash, confidence, citations, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.DocumentID, entry.SectionID, entry.ProposalID, entry.AuthorID,
		entry.Summary, entry.DiffHash, entry.Confidence, string(citations), entry.Notes, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

// ListChangelog returns changelog entries for a section, newest first.
func (s *Store) ListChangelog(documentID, sectionID string, limit int) ([]ChangelogEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, document_id, section_id, proposal_id, author_id, summary, diff_hash, confidence, citations, notes, created_at
		FROM changelog
		WHERE document_id = ? AND section_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		documentID, sectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list changelog: %w", err)
	}
	defer rows.Close()

	var out []ChangelogEntry
	for rows.Next() {
		var entry ChangelogEntry
		var citations string
		if err := rows.Scan(&entry.ID, &entry.DocumentID, &entry.SectionID, &entry.ProposalID, &entry.AuthorID,
			&entry.Summary, &entry.DiffHash, &entry.Confidence, &citations, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan changelog entry: %w", err)
		}
		if citations != "" {
			if err := json.Unmarshal([]byte(citations), &entry.Citations); err != nil {
				return nil, fmt.Errorf("decode citations: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Section is an approved section of a document.
type Section struct {
	DocumentID      string
	SectionID       string
	Title           string
	ApprovedVersion int
	ApprovedContent string
	UpdatedAt       time.Time
}

// DraftVersion is one persisted revision of a section draft.
type DraftVersion struct {
	DocumentID string
	SectionID  string
	Version    int
	Content    string
	DiffHash   string
	AuthorID   string
	ProposalID string
	CreatedAt  time.Time
}

// QueueProposalInput carries an approved proposal's content into persistence.
type QueueProposalInput struct {
	DocumentID string
	SectionID  string
	Content    string
	DiffHash   string
	AuthorID   string
	ProposalID string
}

// QueueProposalResult reports the version the approved draft was written at,
// along with the version it superseded (0 when this is the first draft).
type QueueProposalResult struct {
	DraftVersion         int
	PreviousDraftVersion int
}

// UpsertSection creates or updates a section's approved state.
func (s *Store) UpsertSection(sec Section) error {
	if err := s.guard(); err != nil {
		return err
	}
	if sec.UpdatedAt.IsZero() {
		sec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO sections (document_id, section_id, title, approved_version, approved_content, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_id, section_id) DO UPDATE SET
			title = excluded.title,
			approved_version = excluded.approved_version,
			approved_content = excluded.approved_content,
			updated_at = excluded.updated_at`,
		sec.DocumentID, sec.SectionID, sec.Title, sec.ApprovedVersion, sec.ApprovedContent, sec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert section: %w", err)
	}
	return nil
}

// GetSection returns a section's approved state.
func (s *Store) GetSection(documentID, sectionID string) (*Section, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	sec := &Section{}
	err := s.db.QueryRow(`
		SELECT document_id, section_id, title, approved_version, approved_content, updated_at
		FROM sections WHERE document_id = ? AND section_id = ?`,
		documentID, sectionID).
		Scan(&sec.DocumentID, &sec.SectionID, &sec.Title, &sec.ApprovedVersion, &sec.ApprovedContent, &sec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get section: %w", err)
	}
	return sec, nil
}

// GetSectionApprovedVersion returns the approved version for a section,
// or 0 when the section has never been approved.
func (s *Store) GetSectionApprovedVersion(documentID, sectionID string) (int, error) {
	sec, err := s.GetSection(documentID, sectionID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sec.ApprovedVersion, nil
}

// GetLatestDraftSnapshot returns the most recent draft version for a section.
// Returns ErrNotFound when no draft has ever been persisted.
func (s *Store) GetLatestDraftSnapshot(documentID, sectionID string) (*DraftVersion, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	dv := &DraftVersion{}
	err := s.db.QueryRow(`
		SELECT document_id, section_id, version, content, diff_hash, author_id, proposal_id, created_at
		FROM draft_versions
		WHERE document_id = ? AND section_id = ?
		ORDER BY version DESC LIMIT 1`,
		documentID, sectionID).
		Scan(&dv.DocumentID, &dv.SectionID, &dv.Version, &dv.Content, &dv.DiffHash, &dv.AuthorID, &dv.ProposalID, &dv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest draft: %w", err)
	}
	return dv, nil
}

// GetDraftVersion returns one exact draft version for a section.
// Returns ErrNotFound when that version was never persisted.
func (s *Store) GetDraftVersion(documentID, sectionID string, version int) (*DraftVersion, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	dv := &DraftVersion{}
	err := s.db.QueryRow(`
		SELECT document_id, section_id, version, content, diff_hash, author_id, proposal_id, created_at
		FROM draft_versions
		WHERE document_id = ? AND section_id = ? AND version = ?`,
		documentID, sectionID, version).
		Scan(&dv.DocumentID, &dv.SectionID, &dv.Version, &dv.Content, &dv.DiffHash, &dv.AuthorID, &dv.ProposalID, &dv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get draft version: %w", err)
	}
	return dv, nil
}

// QueueProposal appends the approved proposal content as the next draft
// version for its section. The write and the version read happen in one
// transaction so concurrent approvals cannot claim the same version.
func (s *Store) QueueProposal(in QueueProposalInput) (*QueueProposalResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin queue proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous int
	err = tx.QueryRow(`
		SELECT COALESCE(MAX(version), 0) FROM draft_versions
		WHERE document_id = ? AND section_id = ?`,
		in.DocumentID, in.SectionID).Scan(&previous)
	if err != nil {
		return nil, fmt.Errorf("read latest draft version: %w", err)
	}

	next := previous + 1
	_, err = tx.Exec(`
		INSERT INTO draft_versions (document_id, section_id, version, content, diff_hash, author_id, proposal_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.DocumentID, in.SectionID, next, in.Content, in.DiffHash, in.AuthorID, in.ProposalID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert draft version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit queue proposal: %w", err)
	}

	return &QueueProposalResult{DraftVersion: next, PreviousDraftVersion: previous}, nil
}

// ListDraftVersions returns all draft versions for a section, newest first.
func (s *Store) ListDraftVersions(documentID, sectionID string, limit int) ([]DraftVersion, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT document_id, section_id, version, content, diff_hash, author_id, proposal_id, created_at
		FROM draft_versions
		WHERE document_id = ? AND section_id = ?
		ORDER BY version DESC LIMIT ?`,
		documentID, sectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list draft versions: %w", err)
	}
	defer rows.Close()

	var out []DraftVersion
	for rows.Next() {
		var dv DraftVersion
		if err := rows.Scan(&dv.DocumentID, &dv.SectionID, &dv.Version, &dv.Content, &dv.DiffHash, &dv.AuthorID, &dv.ProposalID, &dv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan draft version: %w", err)
		}
		out = append(out, dv)
	}
	return out, rows.Err()
}

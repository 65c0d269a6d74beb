package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Knowledge entry kinds.
const (
	KnowledgeKindKnowledge = "knowledge"
	KnowledgeKindDecision  = "decision"
)

// KnowledgeEntry is one piece of project knowledge or a recorded
// decision referenced by co-authoring requests.
type KnowledgeEntry struct {
	DocumentID string
	EntryID    string
	Kind       string
	Title      string
	Content    string
	CreatedAt  time.Time
}

// UpsertKnowledgeEntry inserts or replaces a knowledge entry.
func (s *Store) UpsertKnowledgeEntry(entry KnowledgeEntry) error {
	if err := s.guard(); err != nil {
		return err
	}
	if entry.Kind == "" {
		entry.Kind = KnowledgeKindKnowledge
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO knowledge_entries (document_id, entry_id, kind, title, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_id, entry_id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			content = excluded.content`,
		entry.DocumentID, entry.EntryID, entry.Kind, entry.Title, entry.Content, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert knowledge entry: %w", err)
	}
	return nil
}

// GetKnowledgeEntries fetches entries by id for a document, preserving
// the order of the requested ids. Unknown ids are skipped rather than
// erroring so a stale client reference does not block a run.
func (s *Store) GetKnowledgeEntries(documentID string, entryIDs []string) ([]KnowledgeEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var entries []KnowledgeEntry
	for _, entryID := range entryIDs {
		entry := KnowledgeEntry{}
		err := s.db.QueryRow(`
			SELECT document_id, entry_id, kind, title, content, created_at
			FROM knowledge_entries
			WHERE document_id = ? AND entry_id = ?`,
			documentID, entryID).
			Scan(&entry.DocumentID, &entry.EntryID, &entry.Kind, &entry.Title, &entry.Content, &entry.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get knowledge entry %s: %w", entryID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

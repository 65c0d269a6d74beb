package contextbuilder

import (
	"fmt"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/storage"
)

// KnowledgeStore serves knowledge lookups from the SQLite
// knowledge_entries table. Only the client's explicit knowledge and
// decision references are surfaced; there is no free-text relevance
// search over the intent.
type KnowledgeStore struct {
	store *storage.Store
}

// NewKnowledgeStore creates a storage-backed knowledge lookup.
func NewKnowledgeStore(store *storage.Store) *KnowledgeStore {
	return &KnowledgeStore{store: store}
}

// RelevantEntries resolves the referenced knowledge and decision
// entries in request order, knowledge items first.
func (k *KnowledgeStore) RelevantEntries(documentID, sectionID, intent string, knowledgeIDs, decisionIDs []string) ([]KnowledgeEntry, error) {
	ids := make([]string, 0, len(knowledgeIDs)+len(decisionIDs))
	ids = append(ids, knowledgeIDs...)
	ids = append(ids, decisionIDs...)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := k.store.GetKnowledgeEntries(documentID, ids)
	if err != nil {
		return nil, fmt.Errorf("knowledge store: %w", err)
	}
	entries := make([]KnowledgeEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, KnowledgeEntry{
			ID:      row.EntryID,
			Title:   row.Title,
			Content: row.Content,
		})
	}
	return entries, nil
}

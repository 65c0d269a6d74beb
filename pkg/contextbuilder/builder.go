package contextbuilder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/model"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/storage"
)

const systemPrompt = `You are a co-authoring assistant for a structured document editor.
You receive the approved or drafted content of one document section, the author's
intent, and any relevant project knowledge. Produce a revised version of the
section that fulfills the intent while preserving the author's voice.

Respond with a JSON object:
{
  "updatedDraft": "<the complete revised section content>",
  "confidence": <0.0-1.0>,
  "citations": ["<knowledge entry ids used>"],
  "rationale": "<one or two sentences on what changed and why>"
}`

// DefaultTokenBudget bounds the assembled prompt when no budget is configured.
const DefaultTokenBudget = 24000

// SectionLookup resolves the current state of a section.
type SectionLookup interface {
	GetSection(documentID, sectionID string) (*storage.Section, error)
	GetLatestDraftSnapshot(documentID, sectionID string) (*storage.DraftVersion, error)
	GetDraftVersion(documentID, sectionID string, version int) (*storage.DraftVersion, error)
}

// KnowledgeEntry is one piece of project knowledge offered to the provider.
type KnowledgeEntry struct {
	ID      string
	Title   string
	Content string
}

// KnowledgeLookup retrieves knowledge entries for a request. The id
// slices carry the client's explicit knowledge and decision references;
// implementations may also surface entries relevant to the intent and
// may return nil when nothing applies.
type KnowledgeLookup interface {
	RelevantEntries(documentID, sectionID, intent string, knowledgeIDs, decisionIDs []string) ([]KnowledgeEntry, error)
}

// Turn is one prior exchange in the authoring conversation.
type Turn struct {
	Role    string
	Content string
}

// Request describes the context to assemble for one provider invocation.
// BaselineVersion pins the baseline to an exact draft version; zero
// means resolve automatically (latest draft, then approved content).
type Request struct {
	DocumentID       string
	SectionID        string
	Intent           string
	BaselineVersion  int
	KnowledgeItemIDs []string
	DecisionIDs      []string
	Conversation     []Turn
}

// ProviderContext is the assembled prompt plus the baseline it was built from.
type ProviderContext struct {
	Messages        []model.Message
	BaselineContent string
	BaselineVersion int
	TokenCount      int
}

// Builder assembles provider context from section, draft, and knowledge
// lookups, trimming to a token budget.
type Builder struct {
	sections    SectionLookup
	knowledge   KnowledgeLookup
	tokenBudget int
}

// Option configures a Builder.
type Option func(*Builder)

// WithKnowledge attaches a knowledge lookup.
func WithKnowledge(k KnowledgeLookup) Option {
	return func(b *Builder) { b.knowledge = k }
}

// WithTokenBudget overrides the default prompt token budget.
func WithTokenBudget(budget int) Option {
	return func(b *Builder) {
		if budget > 0 {
			b.tokenBudget = budget
		}
	}
}

// NewBuilder creates a context builder over the given section lookup.
func NewBuilder(sections SectionLookup, opts ...Option) *Builder {
	b := &Builder{
		sections:    sections,
		tokenBudget: DefaultTokenBudget,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the provider context for a request. The baseline is the
// latest draft when one exists, otherwise the approved section content.
func (b *Builder) Build(req Request) (*ProviderContext, error) {
	if req.DocumentID == "" || req.SectionID == "" {
		return nil, fmt.Errorf("context: document and section ids are required")
	}

	baseline, version, title, err := b.resolveBaseline(req.DocumentID, req.SectionID, req.BaselineVersion)
	if err != nil {
		return nil, err
	}

	var entries []KnowledgeEntry
	if b.knowledge != nil {
		entries, err = b.knowledge.RelevantEntries(req.DocumentID, req.SectionID, req.Intent, req.KnowledgeItemIDs, req.DecisionIDs)
		if err != nil {
			return nil, fmt.Errorf("context: knowledge lookup: %w", err)
		}
	}

	conversation := append([]Turn(nil), req.Conversation...)
	for {
		messages := assembleMessages(title, baseline, req.Intent, entries, conversation)
		count := CountTokensForMessages(messages)
		if count <= b.tokenBudget {
			return &ProviderContext{
				Messages:        messages,
				BaselineContent: baseline,
				BaselineVersion: version,
				TokenCount:      count,
			}, nil
		}
		// Shed the oldest conversation turns first, then knowledge entries.
		// The baseline and intent are never dropped.
		switch {
		case len(conversation) > 0:
			conversation = conversation[1:]
		case len(entries) > 0:
			entries = entries[:len(entries)-1]
		default:
			return nil, fmt.Errorf("context: baseline and intent exceed token budget (%d tokens > %d)", count, b.tokenBudget)
		}
	}
}

// resolveBaseline prefers the latest draft; a section that has neither a
// draft nor an approved row yields an empty baseline at version 0. A
// pinned version must exist; silently substituting a different baseline
// would break the diff the client later verifies by hash.
func (b *Builder) resolveBaseline(documentID, sectionID string, pinned int) (content string, version int, title string, err error) {
	sec, err := b.sections.GetSection(documentID, sectionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", 0, "", fmt.Errorf("context: section lookup: %w", err)
	}
	if sec != nil {
		content = sec.ApprovedContent
		version = sec.ApprovedVersion
		title = sec.Title
	}

	if pinned > 0 {
		draft, err := b.sections.GetDraftVersion(documentID, sectionID, pinned)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", 0, "", fmt.Errorf("context: baseline version %d not found for %s/%s", pinned, documentID, sectionID)
			}
			return "", 0, "", fmt.Errorf("context: draft lookup: %w", err)
		}
		return draft.Content, draft.Version, title, nil
	}

	draft, err := b.sections.GetLatestDraftSnapshot(documentID, sectionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", 0, "", fmt.Errorf("context: draft lookup: %w", err)
	}
	if draft != nil {
		content = draft.Content
		version = draft.Version
	}

	return content, version, title, nil
}

func assembleMessages(title, baseline, intent string, entries []KnowledgeEntry, conversation []Turn) []model.Message {
	messages := []model.Message{{Role: "system", Content: systemPrompt}}

	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "Section: %s\n\n", title)
	}
	sb.WriteString("Current section content:\n")
	if baseline == "" {
		sb.WriteString("(the section is empty)\n")
	} else {
		sb.WriteString(baseline)
		sb.WriteString("\n")
	}
	if len(entries) > 0 {
		sb.WriteString("\nRelevant project knowledge:\n")
		for _, entry := range entries {
			fmt.Fprintf(&sb, "[%s] %s: %s\n", entry.ID, entry.Title, entry.Content)
		}
	}
	messages = append(messages, model.Message{Role: "user", Content: sb.String()})

	for _, turn := range conversation {
		role := turn.Role
		if role == "" {
			role = "user"
		}
		messages = append(messages, model.Message{Role: role, Content: turn.Content})
	}

	messages = append(messages, model.Message{Role: "user", Content: "Intent: " + intent})
	return messages
}

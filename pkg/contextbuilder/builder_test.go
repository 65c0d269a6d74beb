package contextbuilder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/storage"
)

type fakeSections struct {
	section  *storage.Section
	draft    *storage.DraftVersion
	versions map[int]*storage.DraftVersion
}

func (f *fakeSections) GetSection(documentID, sectionID string) (*storage.Section, error) {
	if f.section == nil {
		return nil, storage.ErrNotFound
	}
	return f.section, nil
}

func (f *fakeSections) GetLatestDraftSnapshot(documentID, sectionID string) (*storage.DraftVersion, error) {
	if f.draft == nil {
		return nil, storage.ErrNotFound
	}
	return f.draft, nil
}

func (f *fakeSections) GetDraftVersion(documentID, sectionID string, version int) (*storage.DraftVersion, error) {
	if dv, ok := f.versions[version]; ok {
		return dv, nil
	}
	return nil, storage.ErrNotFound
}

type fakeKnowledge struct {
	entries      []KnowledgeEntry
	gotKnowledge []string
	gotDecisions []string
}

func (f *fakeKnowledge) RelevantEntries(documentID, sectionID, intent string, knowledgeIDs, decisionIDs []string) ([]KnowledgeEntry, error) {
	f.gotKnowledge = knowledgeIDs
	f.gotDecisions = decisionIDs
	return f.entries, nil
}

func TestBuildPrefersLatestDraftAsBaseline(t *testing.T) {
	builder := NewBuilder(&fakeSections{
		section: &storage.Section{ApprovedVersion: 2, ApprovedContent: "approved text", Title: "Overview"},
		draft:   &storage.DraftVersion{Version: 5, Content: "draft text"},
	})

	pc, err := builder.Build(Request{DocumentID: "doc-1", SectionID: "sec-1", Intent: "tighten it"})
	require.NoError(t, err)
	require.Equal(t, "draft text", pc.BaselineContent)
	require.Equal(t, 5, pc.BaselineVersion)
	require.Positive(t, pc.TokenCount)

	require.GreaterOrEqual(t, len(pc.Messages), 3)
	require.Equal(t, "system", pc.Messages[0].Role)
	require.Contains(t, pc.Messages[1].Content, "draft text")
	require.Contains(t, pc.Messages[len(pc.Messages)-1].Content, "tighten it")
}

func TestBuildFallsBackToApprovedContent(t *testing.T) {
	builder := NewBuilder(&fakeSections{
		section: &storage.Section{ApprovedVersion: 2, ApprovedContent: "approved text"},
	})

	pc, err := builder.Build(Request{DocumentID: "doc-1", SectionID: "sec-1", Intent: "expand"})
	require.NoError(t, err)
	require.Equal(t, "approved text", pc.BaselineContent)
	require.Equal(t, 2, pc.BaselineVersion)
}

func TestBuildEmptySection(t *testing.T) {
	builder := NewBuilder(&fakeSections{})

	pc, err := builder.Build(Request{DocumentID: "doc-1", SectionID: "sec-1", Intent: "write an intro"})
	require.NoError(t, err)
	require.Empty(t, pc.BaselineContent)
	require.Equal(t, 0, pc.BaselineVersion)
	require.Contains(t, pc.Messages[1].Content, "the section is empty")
}

func TestBuildHonorsPinnedBaselineVersion(t *testing.T) {
	builder := NewBuilder(&fakeSections{
		section: &storage.Section{ApprovedVersion: 2, ApprovedContent: "approved text", Title: "Overview"},
		draft:   &storage.DraftVersion{Version: 5, Content: "latest draft"},
		versions: map[int]*storage.DraftVersion{
			3: {Version: 3, Content: "the pinned draft"},
		},
	})

	pc, err := builder.Build(Request{
		DocumentID:      "doc-1",
		SectionID:       "sec-1",
		Intent:          "revise",
		BaselineVersion: 3,
	})
	require.NoError(t, err)
	require.Equal(t, "the pinned draft", pc.BaselineContent)
	require.Equal(t, 3, pc.BaselineVersion)
}

func TestBuildRejectsUnknownBaselineVersion(t *testing.T) {
	builder := NewBuilder(&fakeSections{
		draft: &storage.DraftVersion{Version: 5, Content: "latest draft"},
	})

	_, err := builder.Build(Request{
		DocumentID:      "doc-1",
		SectionID:       "sec-1",
		Intent:          "revise",
		BaselineVersion: 42,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "baseline version 42")
}

func TestBuildPassesReferenceIDsToKnowledgeLookup(t *testing.T) {
	knowledge := &fakeKnowledge{}
	builder := NewBuilder(&fakeSections{}, WithKnowledge(knowledge))

	_, err := builder.Build(Request{
		DocumentID:       "doc-1",
		SectionID:        "sec-1",
		Intent:           "revise",
		KnowledgeItemIDs: []string{"k-7", "k-9"},
		DecisionIDs:      []string{"d-2"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"k-7", "k-9"}, knowledge.gotKnowledge)
	require.Equal(t, []string{"d-2"}, knowledge.gotDecisions)
}

func TestBuildIncludesKnowledgeEntries(t *testing.T) {
	builder := NewBuilder(&fakeSections{},
		WithKnowledge(&fakeKnowledge{entries: []KnowledgeEntry{
			{ID: "k-1", Title: "Style guide", Content: "Use active voice."},
		}}))

	pc, err := builder.Build(Request{DocumentID: "doc-1", SectionID: "sec-1", Intent: "revise"})
	require.NoError(t, err)
	require.Contains(t, pc.Messages[1].Content, "[k-1] Style guide")
}

func TestBuildTrimsConversationBeforeKnowledge(t *testing.T) {
	long := strings.Repeat("filler words for the turn ", 40)
	builder := NewBuilder(&fakeSections{},
		WithKnowledge(&fakeKnowledge{entries: []KnowledgeEntry{{ID: "k-1", Title: "Note", Content: "short"}}}),
		WithTokenBudget(400))

	pc, err := builder.Build(Request{
		DocumentID: "doc-1",
		SectionID:  "sec-1",
		Intent:     "revise",
		Conversation: []Turn{
			{Role: "user", Content: long},
			{Role: "assistant", Content: long},
			{Role: "user", Content: "keep the second paragraph"},
		},
	})
	require.NoError(t, err)
	require.LessOrEqual(t, pc.TokenCount, 400)
	// Knowledge survives when dropping turns is enough.
	require.Contains(t, pc.Messages[1].Content, "[k-1]")

	var joined strings.Builder
	for _, msg := range pc.Messages {
		joined.WriteString(msg.Content)
	}
	require.Contains(t, joined.String(), "keep the second paragraph")
}

func TestBuildBudgetTooSmall(t *testing.T) {
	builder := NewBuilder(&fakeSections{
		section: &storage.Section{ApprovedContent: strings.Repeat("immovable baseline ", 200)},
	}, WithTokenBudget(50))

	_, err := builder.Build(Request{DocumentID: "doc-1", SectionID: "sec-1", Intent: "revise"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "token budget")
}

func TestBuildRequiresIdentifiers(t *testing.T) {
	builder := NewBuilder(&fakeSections{})
	_, err := builder.Build(Request{SectionID: "sec-1"})
	require.Error(t, err)
}

func TestCountTokensEstimateFallback(t *testing.T) {
	require.Equal(t, 0, estimateTokens(""))
	require.Equal(t, 1, estimateTokens("abc"))
	require.Equal(t, 3, estimateTokens("abcdefghij"))
}

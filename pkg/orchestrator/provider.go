package orchestrator

import (
	"context"
	"fmt"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/contextbuilder"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/model"
)

// Event kinds delivered by a ProposalProvider stream.
const (
	ProviderEventProgress  = "progress"
	ProviderEventToken     = "token"
	ProviderEventCompleted = "completed"
	ProviderEventError     = "error"
)

// ProposalStreamEvent is one callback event from a provider run.
// Sequence is set (>0) only on progress events; the orchestrator's
// reorder buffer restores their order before delivery.
type ProposalStreamEvent struct {
	Kind     string
	Sequence int
	Stage    string
	Token    string
	Result   string
	Err      error
}

// ProposalProvider is the AI provider surface the orchestrator consumes:
// prompt in, streamed or batched text out.
type ProposalProvider interface {
	// Stream generates a proposal with live events. The returned channel
	// is closed when the run finishes, after a completed or error event.
	Stream(ctx context.Context, pc *contextbuilder.ProviderContext) (<-chan ProposalStreamEvent, error)
	// Complete generates the full result without streaming. Used by the
	// fallback delivery path.
	Complete(ctx context.Context, pc *contextbuilder.ProviderContext) (string, error)
}

// ModelProposalProvider adapts a chat-completion Provider to the
// ProposalProvider surface.
type ModelProposalProvider struct {
	provider    model.Provider
	modelName   string
	temperature float64
	maxTokens   int
}

// NewModelProposalProvider wraps provider, invoking it with the given model.
func NewModelProposalProvider(provider model.Provider, modelName string) *ModelProposalProvider {
	return &ModelProposalProvider{
		provider:    provider,
		modelName:   modelName,
		temperature: 0.3,
	}
}

// SetMaxTokens caps the completion length for both delivery paths.
func (m *ModelProposalProvider) SetMaxTokens(maxTokens int) {
	m.maxTokens = maxTokens
}

func (m *ModelProposalProvider) request(pc *contextbuilder.ProviderContext, streaming bool) model.ChatRequest {
	return model.ChatRequest{
		Model:       m.modelName,
		Messages:    pc.Messages,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
		Stream:      streaming,
	}
}

// Stream runs a streaming chat completion, translating chunks into
// provider events. Progress stages are sequenced; tokens pass through.
func (m *ModelProposalProvider) Stream(ctx context.Context, pc *contextbuilder.ProviderContext) (<-chan ProposalStreamEvent, error) {
	chunks, errs := m.provider.ChatCompletionStream(ctx, m.request(pc, true))

	out := make(chan ProposalStreamEvent, 64)
	go func() {
		defer close(out)

		acc := model.NewStreamAccumulator()
		out <- ProposalStreamEvent{Kind: ProviderEventProgress, Sequence: 1, Stage: "generation_started"}

		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				acc.Add(chunk)
				if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
					out <- ProposalStreamEvent{Kind: ProviderEventToken, Token: chunk.Choices[0].Delta.Content}
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					out <- ProposalStreamEvent{Kind: ProviderEventError, Err: err}
					return
				}
			case <-ctx.Done():
				out <- ProposalStreamEvent{Kind: ProviderEventError, Err: ctx.Err()}
				return
			}
		}

		if acc.Content() == "" {
			out <- ProposalStreamEvent{Kind: ProviderEventError, Err: fmt.Errorf("provider returned an empty stream")}
			return
		}
		out <- ProposalStreamEvent{Kind: ProviderEventProgress, Sequence: 2, Stage: "generation_complete"}
		out <- ProposalStreamEvent{Kind: ProviderEventCompleted, Result: acc.Content()}
	}()
	return out, nil
}

// Complete runs a non-streaming chat completion and returns the text.
func (m *ModelProposalProvider) Complete(ctx context.Context, pc *contextbuilder.ProviderContext) (string, error) {
	resp, err := m.provider.ChatCompletion(ctx, m.request(pc, false))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

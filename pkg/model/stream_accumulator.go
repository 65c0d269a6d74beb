package model

import (
	"strings"
)

// StreamAccumulator accumulates streaming chunks into a complete
// response. The fallback delivery path uses one to assemble the full
// result before diff-mapping when streaming delivery is unavailable.
type StreamAccumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	usage     *Usage
	role      string
	chunks    int
}

// NewStreamAccumulator creates a new accumulator for streaming responses.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Add processes a streaming chunk and accumulates its contents.
func (a *StreamAccumulator) Add(chunk StreamChunk) {
	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			a.usage = chunk.Usage
		}
		return
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	// Role usually arrives only in the first chunk.
	if delta.Role != "" {
		a.role = delta.Role
	}

	if delta.Content != "" {
		a.content.WriteString(delta.Content)
		a.chunks++
	}

	if delta.Reasoning != "" {
		a.reasoning.WriteString(delta.Reasoning)
	}

	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
}

// Message returns the accumulated message.
func (a *StreamAccumulator) Message() Message {
	return Message{
		Role:    a.role,
		Content: a.content.String(),
	}
}

// Content returns the accumulated text content.
func (a *StreamAccumulator) Content() string {
	return a.content.String()
}

// Reasoning returns the accumulated reasoning/thinking content.
func (a *StreamAccumulator) Reasoning() string {
	return a.reasoning.String()
}

// Usage returns the usage information from the final chunk, if any.
func (a *StreamAccumulator) Usage() *Usage {
	return a.usage
}

// TokenChunks reports how many content-bearing chunks were accumulated.
// The fallback path reports this as the count of preserved tokens from
// a partial stream.
func (a *StreamAccumulator) TokenChunks() int {
	return a.chunks
}

// Reset clears the accumulator for reuse.
func (a *StreamAccumulator) Reset() {
	a.content.Reset()
	a.reasoning.Reset()
	a.usage = nil
	a.role = ""
	a.chunks = 0
}

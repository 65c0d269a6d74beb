package model

import (
	"context"
	"time"
)

// Provider defines the behavior required of an LLM backend.
type Provider interface {
	ID() string
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error)
}

// TimeoutConfigurer is an optional interface for providers that can
// adjust request timeouts.
type TimeoutConfigurer interface {
	SetTimeout(timeout time.Duration)
}

package contextbuilder

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/model"
)

var (
	// tokenEncoder is the global tiktoken encoder
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

// initTokenEncoder initializes the tiktoken encoder (lazy initialization)
func initTokenEncoder() error {
	encoderOnce.Do(func() {
		// cl100k_base covers the chat models the proposal provider targets
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// CountTokens counts the number of tokens in a text using tiktoken
func CountTokens(text string) int {
	if err := initTokenEncoder(); err != nil {
		// Fallback to estimation if tiktoken fails
		return estimateTokens(text)
	}

	tokens := tokenEncoder.Encode(text, nil, nil)
	return len(tokens)
}

// CountTokensForMessages counts tokens for a list of messages.
// This accounts for message formatting overhead.
func CountTokensForMessages(messages []model.Message) int {
	if err := initTokenEncoder(); err != nil {
		total := 0
		for _, msg := range messages {
			total += estimateTokens(msg.Content)
		}
		return total
	}

	total := 0

	// Message overhead: approximately 4 tokens per message for role and
	// content markers, per OpenAI's token counting documentation
	for _, msg := range messages {
		total += 4
		total += len(tokenEncoder.Encode(msg.Role, nil, nil))
		total += len(tokenEncoder.Encode(msg.Content, nil, nil))
	}

	// Overall structure
	total += 2

	return total
}

// estimateTokens approximates token count at ~4 characters per token.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

package llm

import (
	"context"
	"errors"
	"time"
)

// Message roles understood by chat backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrCancelled reports that generation was stopped on purpose. Callers
// treat it as a clean abort, not a failure.
var ErrCancelled = errors.New("llm: generation cancelled")

// Message is a single chat turn sent to the model.
type Message struct {
	Role    string
	Content string
}

// Request describes a chat completion request.
type Request struct {
	SessionID   string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

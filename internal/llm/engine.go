package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
)

// Engine wraps a Generator with per-session chat state: the system
// instruction, the rolling turn history, and the request defaults. It is
// the inference side of a single conversation, so calls are serialized.
type Engine struct {
	generator  Generator
	system     string
	maxTokens  int
	temp       float64
	timeout    time.Duration
	historyCap int

	mu      sync.Mutex
	history []Message

	logger *slog.Logger
}

// NewEngine builds the backend named by cfg.Mode and wraps it with chat
// state. The system instruction and history cap come from the tutor
// configuration, resolved by the caller.
func NewEngine(cfg config.LLMConfig, system string, historyCap int, logger *slog.Logger) (*Engine, error) {
	generator, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		generator:  generator,
		system:     system,
		maxTokens:  cfg.MaxTokens,
		temp:       cfg.Temperature,
		timeout:    time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		historyCap: historyCap,
		logger:     logger.With(slog.String("component", "llm-engine")),
	}, nil
}

func newGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// pinger is implemented by backends that can verify readiness up front.
type pinger interface {
	Ping(ctx context.Context) error
}

// Initialize verifies the backend is ready to serve. Backends without a
// readiness probe initialize trivially.
func (e *Engine) Initialize(ctx context.Context) error {
	if p, ok := e.generator.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("llm backend not ready: %w", err)
		}
	}
	e.logger.Info("engine initialized")
	return nil
}

// StreamReply sends userText as the next user turn and streams the
// assistant reply through onToken. It returns the accumulated reply text.
// Cancellation of ctx yields ErrCancelled and leaves the session history
// untouched; only completed exchanges are committed.
func (e *Engine) StreamReply(ctx context.Context, sessionID, userText string, onToken func(string)) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	messages := make([]Message, 0, len(e.history)+1)
	messages = append(messages, e.history...)
	messages = append(messages, Message{Role: RoleUser, Content: userText})

	req := Request{
		SessionID:   sessionID,
		System:      e.system,
		Messages:    messages,
		MaxTokens:   e.maxTokens,
		Temperature: e.temp,
	}

	genCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	var reply strings.Builder
	err := e.generator.Generate(genCtx, req, func(chunk Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		reply.WriteString(chunk.Content)
		if onToken != nil {
			onToken(chunk.Content)
		}
		return nil
	})
	if err != nil {
		switch {
		case ctx.Err() == context.Canceled:
			return "", ErrCancelled
		case errors.Is(err, context.Canceled):
			return "", ErrCancelled
		case errors.Is(err, context.DeadlineExceeded):
			return "", fmt.Errorf("generation timed out after %s", e.timeout)
		default:
			return "", err
		}
	}

	text := reply.String()
	e.history = append(e.history,
		Message{Role: RoleUser, Content: userText},
		Message{Role: RoleAssistant, Content: text})
	e.trimHistory()

	e.logger.Debug("reply complete",
		slog.Duration("latency", time.Since(start)),
		slog.Int("history_len", len(e.history)))
	return text, nil
}

func (e *Engine) trimHistory() {
	limit := e.historyCap * 2
	if limit <= 0 {
		e.history = nil
		return
	}
	if len(e.history) > limit {
		e.history = append(e.history[:0:0], e.history[len(e.history)-limit:]...)
	}
}

// ResetSession drops all accumulated turns.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

// HistoryLen reports committed messages, for tests and health reporting.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Close releases backend resources. Current backends hold none, but
// callers should not use the engine afterwards.
func (e *Engine) Close() {}

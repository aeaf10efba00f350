package conversation

import (
	"context"

	"github.com/parlolabs/parlo-core/internal/stt"
	"github.com/parlolabs/parlo-core/internal/tts"
)

// Inference is the language model boundary. StreamReply blocks until the
// reply completes, invoking onToken for each fragment; cancellation of
// ctx surfaces as llm.ErrCancelled, which the orchestrator treats as a
// clean abort.
type Inference interface {
	Initialize(ctx context.Context) error
	StreamReply(ctx context.Context, sessionID, userText string, onToken func(string)) (string, error)
	ResetSession()
	Close()
}

// SpeechInput is the capture boundary. The orchestrator is the sole
// subscriber of Events.
type SpeechInput interface {
	StartListening()
	Events() <-chan stt.Event
	Reset()
	Shutdown()
}

// SpeechOutput is the playback boundary. Speak flushes and replaces any
// in-progress utterance; failures surface on Events only and never fail
// a turn.
type SpeechOutput interface {
	Speak(sessionID, messageID, text string)
	Events() <-chan tts.Event
	Stop()
	Shutdown()
}

// Recorder persists finished conversation state. Implementations must be
// safe for sequential use from the orchestrator; failures are logged and
// never affect the conversation.
type Recorder interface {
	StartSession(sessionID string) error
	RecordMessage(sessionID string, msg Message) error
	EndSession(sessionID string) error
}

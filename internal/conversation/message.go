package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/parlolabs/parlo-core/internal/stt"
	"github.com/parlolabs/parlo-core/internal/tts"
)

// Status is the conversation's single mutually exclusive state tag. It
// gates whether user input is accepted.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusLoading   Status = "LOADING"
	StatusStreaming Status = "STREAMING"
	StatusError     Status = "ERROR"
)

// Speaker identifies who authored a message.
type Speaker string

const (
	SpeakerUser      Speaker = "USER"
	SpeakerAssistant Speaker = "ASSISTANT"
)

// Kind classifies assistant replies. A reply is a CORRECTION iff its
// final text contains the correction marker.
type Kind string

const (
	KindNormal     Kind = "NORMAL"
	KindCorrection Kind = "CORRECTION"
)

// Message is one immutable chat entry. Assistant messages are created
// invisible and revealed only once their audio has been enqueued, so the
// bubble and the voice appear together. Invisible messages still count
// toward list length and ordering.
type Message struct {
	ID        string
	Speaker   Speaker
	Kind      Kind
	Text      string
	CreatedAt time.Time
	Visible   bool
}

func newMessage(speaker Speaker, kind Kind, text string, visible bool, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Kind:      kind,
		Text:      text,
		CreatedAt: at,
		Visible:   visible,
	}
}

// InputState mirrors the speech input adapter for rendering.
type InputState struct {
	Status stt.Status
	Text   string
	Err    string
}

// OutputState mirrors the speech output adapter for rendering.
type OutputState struct {
	Status    tts.Status
	MessageID string
	Err       string
}

// Snapshot is the full read-only render state. The orchestrator owns the
// underlying data and emits a fresh snapshot after every change; Revision
// increases by one per change.
type Snapshot struct {
	SessionID string
	Status    Status
	Err       string
	Messages  []Message
	Input     InputState
	Output    OutputState
	Revision  uint64
	At        time.Time
}

// VisibleMessages returns the messages the presentation layer may render.
func (s Snapshot) VisibleMessages() []Message {
	out := make([]Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Visible {
			out = append(out, m)
		}
	}
	return out
}

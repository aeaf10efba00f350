package protocol

import "time"

// AudioFrame represents PCM audio data streamed to playback clients.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	MessageID  string `json:"message_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// MessageView is the client-facing projection of a conversation message.
// Only visible messages are included in snapshots.
type MessageView struct {
	ID        string    `json:"id"`
	Speaker   string    `json:"speaker"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSnapshot is the full render state broadcast after every
// conversation change. Revision increases with every change; consumers
// discard any snapshot older than the last one they rendered.
type ConversationSnapshot struct {
	SessionID string        `json:"session_id"`
	Revision  uint64        `json:"revision"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Messages  []MessageView `json:"messages"`
	Timestamp time.Time     `json:"timestamp"`
}

// ConversationStatus announces orchestrator state transitions.
type ConversationStatus struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechInputStatus announces capture state transitions, including the
// current partial or final hypothesis text.
type SpeechInputStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechOutputStatus announces playback state transitions.
type SpeechOutputStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelStatus announces model artifact availability.
type ModelStatus struct {
	State     string    `json:"state"`
	Percent   float64   `json:"percent"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MicTap is the client intent to toggle speech capture.
type MicTap struct {
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ClearConversation is the client intent to reset the conversation.
type ClearConversation struct {
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

// UtteranceSubmit is the client intent to submit typed text as a turn,
// bypassing speech capture.
type UtteranceSubmit struct {
	ClientID  string    `json:"client_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientAnnounce registers a UI client with the runtime.
type ClientAnnounce struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Version   string    `json:"version,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientHeartbeat keeps a registered client alive.
type ClientHeartbeat struct {
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectConversationSnapshot = "conv.snapshot"
	SubjectConversationStatus   = "conv.status"
	SubjectSpeechInputStatus    = "speech.input.status"
	SubjectSpeechOutputStatus   = "speech.output.status"
	SubjectSpeechOutputAudio    = "speech.output.audio"
	SubjectModelStatus          = "model.status"
	SubjectIntentMicTap         = "intent.mic.tap"
	SubjectIntentClear          = "intent.conversation.clear"
	SubjectIntentUtterance      = "intent.utterance.submit"
	SubjectClientAnnounce       = "ctrl.client.announce"
	SubjectClientHeartbeat      = "ctrl.client.heartbeat"
)

// HeartbeatSubject returns the per-client heartbeat subject.
func HeartbeatSubject(clientID string) string {
	return SubjectClientHeartbeat + "." + clientID
}

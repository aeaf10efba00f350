package tts

import (
	"context"
	"time"
)

// Status names the externally visible playback states.
type Status string

const (
	StatusIdle     Status = "IDLE"
	StatusSpeaking Status = "SPEAKING"
	StatusError    Status = "ERROR"
)

// Event is an element of the speaker's observable status stream.
type Event struct {
	Status    Status
	MessageID string
	Err       string
	At        time.Time
}

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	MessageID string
	Text      string
	Voice     string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	MessageID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Sink consumes synthesized audio. Write is called once per chunk in
// sequence order; the chunk marked Final ends the utterance.
type Sink interface {
	Write(chunk SynthChunk) error
	Close() error
}

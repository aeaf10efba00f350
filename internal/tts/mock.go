package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

type scriptedSynth struct {
	script []SynthChunk
	delay  time.Duration
}

// NewScriptedSynth replays the given chunks with a fixed delay before
// each, for tests.
func NewScriptedSynth(script []SynthChunk, delay time.Duration) Synthesizer {
	return &scriptedSynth{script: script, delay: delay}
}

func (s *scriptedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range s.script {
			if s.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.delay):
				}
			}
			c.SessionID = req.SessionID
			c.MessageID = req.MessageID
			select {
			case <-ctx.Done():
				return
			case chunks <- c:
			}
		}
	}()
	return chunks, errs
}

// Synthesize emits silence sized to the text so downstream sinks see
// realistic chunk traffic.
func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 2)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(10 * time.Millisecond):
		}
		pcm := make([]byte, 2*len(req.Text))
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			MessageID:  req.MessageID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        pcm,
			Final:      true,
		}
	}()
	return chunks, errs
}

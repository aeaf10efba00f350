package tts

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/parlolabs/parlo-core/internal/bus"
	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/protocol"
)

// NewSink builds the audio destination named by cfg.Output.
func NewSink(cfg config.TTSConfig, busClient *bus.Client) (Sink, error) {
	switch cfg.Output {
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("bus sink requires a bus connection")
		}
		return &busSink{client: busClient}, nil
	case "wav":
		if err := os.MkdirAll(cfg.WavDir, 0o755); err != nil {
			return nil, fmt.Errorf("create wav dir: %w", err)
		}
		return &wavSink{dir: cfg.WavDir}, nil
	case "discard":
		return &discardSink{}, nil
	default:
		return nil, fmt.Errorf("unknown tts output %q", cfg.Output)
	}
}

// busSink forwards chunks to playback clients as audio frames.
type busSink struct {
	client *bus.Client
}

func (s *busSink) Write(chunk SynthChunk) error {
	return s.client.PublishJSON(protocol.SubjectSpeechOutputAudio, protocol.AudioFrame{
		SessionID:  chunk.SessionID,
		MessageID:  chunk.MessageID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	})
}

func (s *busSink) Close() error { return nil }

// wavSink buffers one utterance and writes it as a WAV file when the
// final chunk arrives. Useful for debugging voices without a client.
// A chunk for a new message drops whatever an aborted utterance left
// buffered, so each file holds exactly one utterance's audio.
type wavSink struct {
	dir string

	mu      sync.Mutex
	current string
	pending []byte
}

func (s *wavSink) Write(chunk SynthChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunk.MessageID != s.current {
		s.current = chunk.MessageID
		s.pending = nil
	}
	s.pending = append(s.pending, chunk.PCM...)
	if !chunk.Final {
		return nil
	}
	pcm := s.pending
	s.pending = nil
	s.current = ""
	if len(pcm) == 0 {
		return nil
	}

	name := chunk.MessageID
	if name == "" {
		name = time.Now().UTC().Format("20060102T150405.000")
	}
	path := filepath.Join(s.dir, name+".wav")
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()
	return writePCMToWav(file, pcm, chunk.SampleRate, chunk.Channels)
}

func (s *wavSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.current = ""
	return nil
}

type discardSink struct{}

func (s *discardSink) Write(SynthChunk) error { return nil }
func (s *discardSink) Close() error           { return nil }

func writePCMToWav(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

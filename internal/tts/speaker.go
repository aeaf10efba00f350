package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Speaker turns vocalization requests into synthesis sessions and exposes
// playback state as an observable status stream. Speak replaces any
// utterance still in flight; at most one synthesis runs at a time.
type Speaker struct {
	synth  Synthesizer
	sink   Sink
	voice  string
	logger *slog.Logger

	base       context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	status Status
	gen    int
	cancel context.CancelFunc
	closed bool

	events chan Event
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSpeaker(parent context.Context, synth Synthesizer, sink Sink, voice string, logger *slog.Logger) *Speaker {
	ctx, cancel := context.WithCancel(parent)
	return &Speaker{
		synth:      synth,
		sink:       sink,
		voice:      voice,
		logger:     logger.With(slog.String("component", "speech-output")),
		base:       ctx,
		baseCancel: cancel,
		status:     StatusIdle,
		events:     make(chan Event, 16),
	}
}

// Events returns the status stream. Single intended subscriber.
func (s *Speaker) Events() <-chan Event {
	return s.events
}

// Current returns the last emitted status.
func (s *Speaker) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Speak enqueues text for synthesis, flushing any in-progress utterance.
// It returns once the session is started; completion and failures arrive
// on the status stream.
func (s *Speaker) Speak(sessionID, messageID, text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.mu.Unlock()

	s.emit(gen, Event{Status: StatusSpeaking, MessageID: messageID})

	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		SessionID: sessionID,
		MessageID: messageID,
		Text:      text,
		Voice:     s.voice,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					break
				}
				chunk.MessageID = messageID
				if err := s.sink.Write(chunk); err != nil {
					s.logger.Warn("audio sink write failed", slogError(err))
					s.emit(gen, Event{Status: StatusError, MessageID: messageID, Err: err.Error()})
					return
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					break
				}
				if err != nil {
					s.logger.Warn("synthesis failed", slogError(err))
					s.emit(gen, Event{Status: StatusError, MessageID: messageID, Err: err.Error()})
					return
				}
			}
			if chunks == nil && errs == nil {
				s.emit(gen, Event{Status: StatusIdle, MessageID: messageID})
				return
			}
		}
	}()
}

// Stop aborts any in-progress utterance.
func (s *Speaker) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	changed := s.status != StatusIdle
	s.mu.Unlock()

	if changed {
		s.emit(gen, Event{Status: StatusIdle})
	}
}

// Shutdown aborts everything, closes the sink and the event stream.
// Idempotent.
func (s *Speaker) Shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.gen++
		s.status = StatusIdle
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
		s.baseCancel()
		s.wg.Wait()
		if err := s.sink.Close(); err != nil {
			s.logger.Warn("closing audio sink failed", slogError(err))
		}
		close(s.events)
	})
}

func (s *Speaker) emit(gen int, ev Event) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.status = ev.Status
	s.mu.Unlock()

	ev.At = time.Now().UTC()
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping speech output event",
			slog.String("status", string(ev.Status)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Listener drives capture sessions and exposes them as an observable
// status stream. It enforces the one-session-at-a-time invariant; the
// caller decides when sessions may start and when the listener resets.
type Listener struct {
	captor Captor
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

func NewListener(parent context.Context, captor Captor, logger *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(parent)
	return &Listener{
		captor:     captor,
		logger:     logger.With(slog.String("component", "speech-input")),
		base:       ctx,
		baseCancel: cancel,
		status:     StatusIdle,
		events:     make(chan Event, 32),
	}
}

// Events returns the status stream. There is a single intended subscriber;
// events are dropped with a warning if it stalls.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Current returns the last emitted status.
func (l *Listener) Current() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Active reports whether a capture session is in flight.
func (l *Listener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == StatusListening || l.status == StatusPartial
}

// StartListening begins a capture session. Ignored while a session is
// already active or after shutdown.
func (l *Listener) StartListening() {
	l.mu.Lock()
	if l.closed || l.status == StatusListening || l.status == StatusPartial {
		l.mu.Unlock()
		return
	}
	l.gen++
	gen := l.gen
	ctx, cancel := context.WithCancel(l.base)
	l.cancel = cancel
	l.mu.Unlock()

	l.emit(gen, Event{Status: StatusListening})

	hyps, errs := l.captor.Capture(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case h, ok := <-hyps:
				if !ok {
					hyps = nil
					if errs == nil {
						return
					}
					continue
				}
				if h.Final {
					l.emit(gen, Event{Status: StatusFinal, Text: h.Text})
					return
				}
				l.emit(gen, Event{Status: StatusPartial, Text: h.Text})
			case err, ok := <-errs:
				if !ok {
					errs = nil
					if hyps == nil {
						return
					}
					continue
				}
				if err != nil {
					l.emit(gen, Event{Status: StatusError, Err: err.Error()})
					return
				}
			}
		}
	}()
}

// Reset aborts any in-flight session and returns the listener to idle.
func (l *Listener) Reset() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.gen++
	gen := l.gen
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	changed := l.status != StatusIdle
	l.mu.Unlock()

	if changed {
		l.emit(gen, Event{Status: StatusIdle})
	}
}

// Shutdown aborts everything and closes the event stream. Idempotent.
func (l *Listener) Shutdown() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.gen++
		l.status = StatusIdle
		if l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
		l.mu.Unlock()
		l.baseCancel()
		l.wg.Wait()
		close(l.events)
	})
}

func (l *Listener) emit(gen int, ev Event) {
	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.status = ev.Status
	l.mu.Unlock()

	ev.At = time.Now().UTC()
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("dropping speech input event",
			slog.String("status", string(ev.Status)))
	}
}

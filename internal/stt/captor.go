package stt

import (
	"context"
	"time"
)

// Status names the externally visible capture states.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusListening Status = "LISTENING"
	StatusPartial   Status = "PARTIAL"
	StatusFinal     Status = "FINAL"
	StatusError     Status = "ERROR"
)

// Hypothesis is one recognition result from a capture session. Partial
// hypotheses may be revised; a final one ends the session.
type Hypothesis struct {
	Text       string
	Final      bool
	Confidence float64
}

// Event is an element of the listener's observable status stream.
type Event struct {
	Status Status
	Text   string
	Err    string
	At     time.Time
}

// Captor abstracts a speech capture backend. Capture starts one session:
// hypotheses arrive on the first channel, at most one error on the second,
// and both are closed when the session ends. Cancelling ctx aborts the
// session.
type Captor interface {
	Capture(ctx context.Context) (<-chan Hypothesis, <-chan error)
}

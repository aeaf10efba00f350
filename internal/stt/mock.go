package stt

import (
	"context"
	"time"
)

type mockCaptor struct {
	script []Hypothesis
	delay  time.Duration
}

// NewMockCaptor emits a canned utterance with word-by-word partials, for
// development without a microphone.
func NewMockCaptor() Captor {
	return &mockCaptor{
		script: []Hypothesis{
			{Text: "I", Final: false},
			{Text: "I want", Final: false},
			{Text: "I want to practice", Final: false},
			{Text: "I want to practice my English", Final: true, Confidence: 0.92},
		},
		delay: 30 * time.Millisecond,
	}
}

// NewScriptedCaptor replays the given hypotheses, for tests.
func NewScriptedCaptor(script []Hypothesis, delay time.Duration) Captor {
	return &mockCaptor{script: script, delay: delay}
}

func (m *mockCaptor) Capture(ctx context.Context) (<-chan Hypothesis, <-chan error) {
	hyps := make(chan Hypothesis)
	errs := make(chan error, 1)
	go func() {
		defer close(hyps)
		defer close(errs)
		for _, h := range m.script {
			if m.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case hyps <- h:
			}
			if h.Final {
				return
			}
		}
	}()
	return hyps, errs
}

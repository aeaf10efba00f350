package conversation

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/parlolabs/parlo-core/internal/llm"
	"github.com/parlolabs/parlo-core/internal/stt"
	"github.com/parlolabs/parlo-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	mu      sync.Mutex
	initErr error
	// initEntered and initHold are set before Start and never mutated;
	// they let tests drive the initialization window.
	initEntered chan<- struct{}
	initHold    <-chan struct{}
	reply       func(ctx context.Context, userText string, onToken func(string)) (string, error)
	calls       int
	resets      int
	closed      bool
}

func (f *fakeEngine) Initialize(ctx context.Context) error {
	if f.initEntered != nil {
		f.initEntered <- struct{}{}
	}
	if f.initHold != nil {
		select {
		case <-f.initHold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.initErr
}

func (f *fakeEngine) StreamReply(ctx context.Context, sessionID, userText string, onToken func(string)) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.reply(ctx, userText, onToken)
}

func (f *fakeEngine) ResetSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeEngine) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEngine) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func (f *fakeEngine) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// scriptedEngine streams one token and returns reply verbatim.
func scriptedEngine(reply string) *fakeEngine {
	return &fakeEngine{reply: func(ctx context.Context, _ string, onToken func(string)) (string, error) {
		if onToken != nil {
			onToken(reply)
		}
		return reply, nil
	}}
}

// echoEngine streams prefix+userText in two token callbacks.
func echoEngine(prefix string) *fakeEngine {
	return &fakeEngine{reply: func(ctx context.Context, userText string, onToken func(string)) (string, error) {
		full := prefix + userText
		half := len(full) / 2
		for _, part := range []string{full[:half], full[half:]} {
			select {
			case <-ctx.Done():
				return "", llm.ErrCancelled
			default:
			}
			if part != "" && onToken != nil {
				onToken(part)
			}
		}
		return full, nil
	}}
}

// slowInitEngine blocks Initialize until release is closed, signalling
// entry on entered, so tests can exercise the window before the engine
// is ready.
func slowInitEngine(reply string) (eng *fakeEngine, entered chan struct{}, release chan struct{}) {
	entered = make(chan struct{}, 1)
	release = make(chan struct{})
	eng = scriptedEngine(reply)
	eng.initEntered = entered
	eng.initHold = release
	return eng, entered, release
}

// gatedEngine blocks mid-stream until release is closed, so tests can
// observe the busy states. It signals entry on entered.
func gatedEngine(reply string) (eng *fakeEngine, entered chan string, release chan struct{}) {
	entered = make(chan string, 4)
	release = make(chan struct{})
	eng = &fakeEngine{reply: func(ctx context.Context, userText string, onToken func(string)) (string, error) {
		entered <- userText
		if onToken != nil {
			onToken(reply)
		}
		select {
		case <-release:
			return reply, nil
		case <-ctx.Done():
			return "", llm.ErrCancelled
		}
	}}
	return eng, entered, release
}

type fakeInput struct {
	mu     sync.Mutex
	events chan stt.Event
	starts int
	resets int
	closed bool
	once   sync.Once
}

func newFakeInput() *fakeInput {
	return &fakeInput{events: make(chan stt.Event, 16)}
}

func (f *fakeInput) StartListening() {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	f.push(stt.Event{Status: stt.StatusListening})
}

func (f *fakeInput) Events() <-chan stt.Event { return f.events }

func (f *fakeInput) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	f.push(stt.Event{Status: stt.StatusIdle})
}

func (f *fakeInput) Shutdown() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeInput) push(ev stt.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

func (f *fakeInput) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeInput) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type spokenUtterance struct {
	sessionID string
	messageID string
	text      string
}

type fakeOutput struct {
	mu     sync.Mutex
	events chan tts.Event
	speaks []spokenUtterance
	stops  int
	closed bool
	once   sync.Once

	// orch, when set before Start, lets Speak capture whether the spoken
	// message was already visible at enqueue time.
	orch              *Orchestrator
	sawMessageAtSpeak bool
	visibleAtSpeak    bool

	failWith string
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{events: make(chan tts.Event, 16)}
}

func (f *fakeOutput) Speak(sessionID, messageID, text string) {
	f.mu.Lock()
	f.speaks = append(f.speaks, spokenUtterance{sessionID, messageID, text})
	orch := f.orch
	fail := f.failWith
	f.mu.Unlock()

	if orch != nil {
		snap := orch.Snapshot()
		found, visible := false, false
		for _, m := range snap.Messages {
			if m.ID == messageID {
				found = true
				visible = m.Visible
			}
		}
		f.mu.Lock()
		f.sawMessageAtSpeak = found
		f.visibleAtSpeak = visible
		f.mu.Unlock()
	}

	if fail != "" {
		f.push(tts.Event{Status: tts.StatusError, MessageID: messageID, Err: fail})
		return
	}
	f.push(tts.Event{Status: tts.StatusSpeaking, MessageID: messageID})
	f.push(tts.Event{Status: tts.StatusIdle, MessageID: messageID})
}

func (f *fakeOutput) Events() <-chan tts.Event { return f.events }

func (f *fakeOutput) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeOutput) Shutdown() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeOutput) push(ev tts.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

func (f *fakeOutput) spoken() []spokenUtterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]spokenUtterance, len(f.speaks))
	copy(out, f.speaks)
	return out
}

func (f *fakeOutput) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeOutput) speakObservation() (sawMessage, visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sawMessageAtSpeak, f.visibleAtSpeak
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	ended    []string
	messages map[string][]Message
	fail     error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{messages: make(map[string][]Message)}
}

func (f *fakeRecorder) StartSession(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.started = append(f.started, sessionID)
	return nil
}

func (f *fakeRecorder) RecordMessage(sessionID string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.messages[sessionID] = append(f.messages[sessionID], msg)
	return nil
}

func (f *fakeRecorder) EndSession(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeRecorder) recorded(sessionID string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.messages[sessionID]))
	copy(out, f.messages[sessionID])
	return out
}

func (f *fakeRecorder) startedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.started))
	copy(out, f.started)
	return out
}

func (f *fakeRecorder) endedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ended))
	copy(out, f.ended)
	return out
}

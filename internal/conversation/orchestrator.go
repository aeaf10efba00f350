package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parlolabs/parlo-core/internal/llm"
	"github.com/parlolabs/parlo-core/internal/stt"
	"github.com/parlolabs/parlo-core/internal/tts"
)

// Orchestrator owns the conversation: the message list, the status tag,
// and the three capability adapters. All mutations happen here; everyone
// else sees read-only snapshots. One turn runs at a time, sequenced
// token stream -> post-process -> speak enqueue -> reveal -> idle.
type Orchestrator struct {
	engine  Inference
	input   SpeechInput
	output  SpeechOutput
	store   Recorder
	logger  *slog.Logger
	metrics *turnMetrics
	clock   func() time.Time
	grace   time.Duration

	base       context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	sessionID   string
	status      Status
	errMsg      string
	messages    []Message
	inputState  InputState
	outputState OutputState
	revision    uint64
	turnCancel  context.CancelFunc
	graceTimer  *time.Timer
	graceGen    int
	started     bool
	initialized bool
	closed      bool

	updates chan Snapshot
	wg      sync.WaitGroup
	once    sync.Once
}

// New wires an orchestrator around its adapters. store may be nil to
// disable transcript recording. grace is how long a speech input error
// stays visible before the adapter auto-resets.
func New(parent context.Context, engine Inference, input SpeechInput, output SpeechOutput, store Recorder, grace time.Duration, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "conversation"))
	return &Orchestrator{
		engine:      engine,
		input:       input,
		output:      output,
		store:       store,
		logger:      logger,
		metrics:     newTurnMetrics(logger),
		clock:       func() time.Time { return time.Now().UTC() },
		grace:       grace,
		base:        ctx,
		baseCancel:  cancel,
		sessionID:   uuid.NewString(),
		status:      StatusIdle,
		inputState:  InputState{Status: stt.StatusIdle},
		outputState: OutputState{Status: tts.StatusIdle},
		updates:     make(chan Snapshot, 64),
	}
}

// Start initializes the inference engine and begins consuming adapter
// events. An initialization failure leaves the conversation in ERROR;
// there is no automatic retry, so the returned error is informational.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started || o.closed {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.StartSession(o.SessionID()); err != nil {
			o.logger.Warn("starting transcript session failed", slogError(err))
		}
	}

	o.wg.Add(1)
	go o.eventLoop()

	if err := o.engine.Initialize(o.base); err != nil {
		o.mu.Lock()
		o.status = StatusError
		o.errMsg = "engine initialization failed: " + err.Error()
		o.publishLocked()
		o.mu.Unlock()
		return fmt.Errorf("initialize inference engine: %w", err)
	}

	o.mu.Lock()
	o.initialized = true
	o.publishLocked()
	o.mu.Unlock()
	o.logger.Info("conversation ready", slog.String("session_id", o.SessionID()))
	return nil
}

// Updates returns the snapshot stream. The latest snapshot always lands;
// under backpressure stale pending snapshots are replaced.
func (o *Orchestrator) Updates() <-chan Snapshot {
	return o.updates
}

// Snapshot returns the current render state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// SessionID returns the current session identity. It rotates on Reset.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Status returns the conversation status tag.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Healthy reports whether the conversation can accept turns.
func (o *Orchestrator) Healthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized && !o.closed && o.status != StatusError
}

// SubmitUtterance runs one conversation turn for text. It is accepted
// only once the engine is ready and while IDLE with non-blank text;
// anything else is silently ignored because the presentation layer
// already disables those affordances.
func (o *Orchestrator) SubmitUtterance(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	o.mu.Lock()
	if o.closed || !o.initialized || o.status != StatusIdle {
		status := o.status
		o.mu.Unlock()
		o.logger.Debug("ignoring utterance", slog.String("status", string(status)))
		return
	}
	userMsg := newMessage(SpeakerUser, KindNormal, trimmed, true, o.clock())
	o.messages = append(o.messages, userMsg)
	o.status = StatusLoading
	o.errMsg = ""
	o.publishLocked()
	ctx, cancel := context.WithCancel(o.base)
	o.turnCancel = cancel
	o.mu.Unlock()

	o.record(userMsg)

	o.wg.Add(1)
	go o.runTurn(ctx, cancel, trimmed)
}

func (o *Orchestrator) runTurn(ctx context.Context, cancel context.CancelFunc, userText string) {
	defer o.wg.Done()
	defer cancel()
	start := o.clock()

	var streaming sync.Once
	reply, err := o.engine.StreamReply(ctx, o.SessionID(), userText, func(string) {
		o.metrics.observeFragment()
		streaming.Do(func() {
			o.transition(StatusLoading, StatusStreaming)
		})
	})
	if err != nil {
		if errors.Is(err, llm.ErrCancelled) {
			o.logger.Info("turn cancelled, partial reply discarded")
			o.finishTurn(StatusIdle, "")
			o.metrics.observeTurn("cancelled", o.clock().Sub(start))
			return
		}
		o.logger.Warn("inference failed", slogError(err))
		o.finishTurn(StatusError, err.Error())
		o.metrics.observeTurn("error", o.clock().Sub(start))
		return
	}

	text := NormalizeReply(reply)
	kind := ClassifyReply(text)
	assistantMsg := newMessage(SpeakerAssistant, kind, text, false, o.clock())

	o.mu.Lock()
	o.messages = append(o.messages, assistantMsg)
	o.publishLocked()
	o.mu.Unlock()

	if vocal := VocalizationText(text, kind); vocal != "" {
		o.output.Speak(o.SessionID(), assistantMsg.ID, vocal)
	}

	o.mu.Lock()
	for i := range o.messages {
		if o.messages[i].ID == assistantMsg.ID {
			o.messages[i].Visible = true
			break
		}
	}
	o.publishLocked()
	o.mu.Unlock()

	o.finishTurn(StatusIdle, "")
	o.metrics.observeTurn("ok", o.clock().Sub(start))
	o.record(assistantMsg)
}

// Reset clears the conversation. Allowed only while IDLE so an in-flight
// turn is never torn; busy resets are silently ignored.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	if o.closed || o.status != StatusIdle {
		status := o.status
		o.mu.Unlock()
		o.logger.Debug("ignoring reset", slog.String("status", string(status)))
		return
	}
	o.output.Stop()
	o.messages = nil
	o.errMsg = ""
	o.engine.ResetSession()
	oldID := o.sessionID
	o.sessionID = uuid.NewString()
	newID := o.sessionID
	o.publishLocked()
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.EndSession(oldID); err != nil {
			o.logger.Warn("ending transcript session failed", slogError(err))
		}
		if err := o.store.StartSession(newID); err != nil {
			o.logger.Warn("starting transcript session failed", slogError(err))
		}
	}
	o.logger.Info("conversation cleared", slog.String("session_id", newID))
}

// TapMic starts speech capture, accepted only while the conversation is
// IDLE and no capture session is active. Tapping through a displayed
// input error disarms the pending auto-reset so it cannot tear down the
// new session.
func (o *Orchestrator) TapMic() {
	o.mu.Lock()
	allowed := !o.closed && o.initialized && o.status == StatusIdle &&
		o.inputState.Status != stt.StatusListening && o.inputState.Status != stt.StatusPartial
	if allowed {
		o.stopGraceLocked()
	}
	o.mu.Unlock()
	if !allowed {
		o.logger.Debug("ignoring mic tap")
		return
	}
	o.input.StartListening()
}

// Close tears the conversation down: cancels any turn, shuts the
// adapters, releases the engine. Idempotent.
func (o *Orchestrator) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.stopGraceLocked()
		if o.turnCancel != nil {
			o.turnCancel()
		}
		o.mu.Unlock()

		o.baseCancel()
		o.input.Shutdown()
		o.output.Shutdown()
		o.wg.Wait()
		o.engine.Close()

		if o.store != nil {
			if err := o.store.EndSession(o.SessionID()); err != nil {
				o.logger.Warn("ending transcript session failed", slogError(err))
			}
		}
		close(o.updates)
		o.logger.Info("conversation closed")
	})
}

func (o *Orchestrator) eventLoop() {
	defer o.wg.Done()
	inputEvents := o.input.Events()
	outputEvents := o.output.Events()
	for {
		select {
		case <-o.base.Done():
			return
		case ev, ok := <-inputEvents:
			if !ok {
				inputEvents = nil
				if outputEvents == nil {
					return
				}
				continue
			}
			o.handleInputEvent(ev)
		case ev, ok := <-outputEvents:
			if !ok {
				outputEvents = nil
				if inputEvents == nil {
					return
				}
				continue
			}
			o.handleOutputEvent(ev)
		}
	}
}

func (o *Orchestrator) handleInputEvent(ev stt.Event) {
	o.mu.Lock()
	o.inputState = InputState{Status: ev.Status, Text: ev.Text, Err: ev.Err}
	switch ev.Status {
	case stt.StatusError:
		o.stopGraceLocked()
		gen := o.graceGen
		o.graceTimer = time.AfterFunc(o.grace, func() { o.expireInputError(gen) })
	case stt.StatusListening, stt.StatusIdle:
		o.stopGraceLocked()
	}
	o.publishLocked()
	o.mu.Unlock()

	if ev.Status == stt.StatusFinal {
		if strings.TrimSpace(ev.Text) != "" {
			o.SubmitUtterance(ev.Text)
		}
		o.input.Reset()
	}
}

func (o *Orchestrator) handleOutputEvent(ev tts.Event) {
	o.mu.Lock()
	o.outputState = OutputState{Status: ev.Status, MessageID: ev.MessageID, Err: ev.Err}
	o.publishLocked()
	o.mu.Unlock()
}

// stopGraceLocked disarms the input error auto-reset. Caller holds o.mu.
// Bumping the generation invalidates a timer callback that already fired
// and is waiting on the lock.
func (o *Orchestrator) stopGraceLocked() {
	o.graceGen++
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
}

// expireInputError clears a speech input error once its grace period
// passes. Stale generations are the timers a later tap or event already
// disarmed; resetting on their behalf would abort a live session.
func (o *Orchestrator) expireInputError(gen int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.graceGen {
		return
	}
	o.graceTimer = nil
	o.input.Reset()
}

func (o *Orchestrator) transition(from, to Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.status != from {
		return
	}
	o.status = to
	o.publishLocked()
}

func (o *Orchestrator) finishTurn(status Status, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turnCancel = nil
	o.status = status
	o.errMsg = errMsg
	o.publishLocked()
}

func (o *Orchestrator) record(msg Message) {
	if o.store == nil {
		return
	}
	if err := o.store.RecordMessage(o.SessionID(), msg); err != nil {
		o.logger.Warn("recording message failed", slogError(err))
	}
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	msgs := make([]Message, len(o.messages))
	copy(msgs, o.messages)
	return Snapshot{
		SessionID: o.sessionID,
		Status:    o.status,
		Err:       o.errMsg,
		Messages:  msgs,
		Input:     o.inputState,
		Output:    o.outputState,
		Revision:  o.revision,
		At:        o.clock(),
	}
}

func (o *Orchestrator) publishLocked() {
	o.revision++
	snap := o.snapshotLocked()
	select {
	case o.updates <- snap:
	default:
		// latest state wins; replace the oldest pending snapshot
		select {
		case <-o.updates:
		default:
		}
		select {
		case o.updates <- snap:
		default:
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

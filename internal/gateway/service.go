package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/parlolabs/parlo-core/internal/bus"
	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/conversation"
	"github.com/parlolabs/parlo-core/internal/modelstore"
	"github.com/parlolabs/parlo-core/internal/protocol"
)

// Service is the presentation-layer boundary: it translates client
// intents from the bus into orchestrator calls and fans conversation,
// speech, and model state back out as JSON messages. The orchestrator
// never sees the bus.
type Service struct {
	cfg    config.GatewayConfig
	bus    *bus.Client
	orch   *conversation.Orchestrator
	model  *modelstore.Manager
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	presence *Presence
	subs     []*nats.Subscription
	wg       sync.WaitGroup
}

// NewService wires the gateway. model may be nil when no artifact is
// managed.
func NewService(parent context.Context, cfg config.GatewayConfig, busClient *bus.Client, orch *conversation.Orchestrator, model *modelstore.Manager, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		orch:   orch,
		model:  model,
		logger: logger.With(slog.String("component", "gateway")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	presence, err := newPresence(s.ctx, time.Duration(s.cfg.ClientTimeoutMS)*time.Millisecond, s.bus, s.handleClientJoin, s.logger)
	if err != nil {
		return err
	}
	s.presence = presence

	tapSub, err := bus.SubscribeJSON(s.bus, protocol.SubjectIntentMicTap, func(protocol.MicTap) {
		s.orch.TapMic()
	})
	if err != nil {
		s.teardown()
		return err
	}
	s.subs = append(s.subs, tapSub)

	clearSub, err := bus.SubscribeJSON(s.bus, protocol.SubjectIntentClear, func(protocol.ClearConversation) {
		s.orch.Reset()
	})
	if err != nil {
		s.teardown()
		return err
	}
	s.subs = append(s.subs, clearSub)

	utteranceSub, err := bus.SubscribeJSON(s.bus, protocol.SubjectIntentUtterance, func(m protocol.UtteranceSubmit) {
		s.orch.SubmitUtterance(m.Text)
	})
	if err != nil {
		s.teardown()
		return err
	}
	s.subs = append(s.subs, utteranceSub)

	s.wg.Add(1)
	go s.consumeConversation()
	if s.model != nil {
		s.wg.Add(1)
		go s.consumeModel()
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.teardown()
	s.wg.Wait()
}

func (s *Service) teardown() {
	if s.presence != nil {
		s.presence.Close()
	}
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 3
}

// Clients reports the currently connected presentation clients.
func (s *Service) Clients() []ClientInfo {
	if s.presence == nil {
		return nil
	}
	return s.presence.Clients()
}

// consumeConversation republishes every snapshot and emits targeted
// status messages for the pieces that changed.
func (s *Service) consumeConversation() {
	defer s.wg.Done()
	var lastConv, lastInput, lastOutput string
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-s.orch.Updates():
			if !ok {
				return
			}
			s.publishSnapshot(snap)

			if key := string(snap.Status) + "|" + snap.Err; key != lastConv {
				lastConv = key
				s.publish(protocol.SubjectConversationStatus, protocol.ConversationStatus{
					SessionID: snap.SessionID,
					Status:    string(snap.Status),
					Error:     snap.Err,
					Timestamp: snap.At,
				})
			}
			if key := string(snap.Input.Status) + "|" + snap.Input.Text + "|" + snap.Input.Err; key != lastInput {
				lastInput = key
				s.publish(protocol.SubjectSpeechInputStatus, protocol.SpeechInputStatus{
					SessionID: snap.SessionID,
					State:     string(snap.Input.Status),
					Text:      snap.Input.Text,
					Error:     snap.Input.Err,
					Timestamp: snap.At,
				})
			}
			if key := string(snap.Output.Status) + "|" + snap.Output.MessageID + "|" + snap.Output.Err; key != lastOutput {
				lastOutput = key
				s.publish(protocol.SubjectSpeechOutputStatus, protocol.SpeechOutputStatus{
					SessionID: snap.SessionID,
					State:     string(snap.Output.Status),
					MessageID: snap.Output.MessageID,
					Error:     snap.Output.Err,
					Timestamp: snap.At,
				})
			}
		}
	}
}

func (s *Service) consumeModel() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.model.Events():
			if !ok {
				return
			}
			s.publish(protocol.SubjectModelStatus, modelStatusMessage(ev))
		}
	}
}

// handleClientJoin syncs a late-joining client with the current state.
func (s *Service) handleClientJoin(clientID string) {
	s.logger.Info("client joined", slog.String("client_id", clientID))
	s.publishSnapshot(s.orch.Snapshot())
	if s.model != nil {
		s.publish(protocol.SubjectModelStatus, modelStatusMessage(s.model.Current()))
	}
}

func (s *Service) publishSnapshot(snap conversation.Snapshot) {
	visible := snap.VisibleMessages()
	views := make([]protocol.MessageView, 0, len(visible))
	for _, m := range visible {
		views = append(views, protocol.MessageView{
			ID:        m.ID,
			Speaker:   string(m.Speaker),
			Kind:      string(m.Kind),
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	s.publish(protocol.SubjectConversationSnapshot, protocol.ConversationSnapshot{
		SessionID: snap.SessionID,
		Revision:  snap.Revision,
		Status:    string(snap.Status),
		Error:     snap.Err,
		Messages:  views,
		Timestamp: snap.At,
	})
}

func (s *Service) publish(subject string, payload any) {
	if err := s.bus.PublishJSON(subject, payload); err != nil {
		s.logger.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func modelStatusMessage(ev modelstore.Event) protocol.ModelStatus {
	return protocol.ModelStatus{
		State:     string(ev.State),
		Percent:   ev.Percent,
		Error:     ev.Err,
		Timestamp: ev.At,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

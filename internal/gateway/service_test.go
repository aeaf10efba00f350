package gateway

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/parlolabs/parlo-core/internal/bus"
	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/conversation"
	"github.com/parlolabs/parlo-core/internal/llm"
	"github.com/parlolabs/parlo-core/internal/natsserver"
	"github.com/parlolabs/parlo-core/internal/protocol"
	"github.com/parlolabs/parlo-core/internal/stt"
	"github.com/parlolabs/parlo-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStack brings up an embedded broker, a mock-backed orchestrator,
// and the gateway in front of them.
func startStack(t *testing.T) (*Service, *bus.Client) {
	t.Helper()
	logger := newLogger()

	busCfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	clientCfg := busCfg
	clientCfg.Servers = []string{srv.ClientURL()}
	busClient, err := bus.Connect(context.Background(), clientCfg, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(busClient.Close)

	engine, err := llm.NewEngine(config.LLMConfig{Mode: "mock"}, conversation.SystemInstruction(""), 4, logger)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	input := stt.NewListener(context.Background(), stt.NewMockCaptor(), logger)
	sink, err := tts.NewSink(config.TTSConfig{Output: "discard"}, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	speaker := tts.NewSpeaker(context.Background(), tts.NewMockSynth(16000, 1), sink, "", logger)

	orch := conversation.New(context.Background(), engine, input, speaker, nil, 100*time.Millisecond, logger)
	if err := orch.Start(); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)

	svc := NewService(context.Background(), config.GatewayConfig{Enabled: true, ClientTimeoutMS: 5000}, busClient, orch, nil, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	t.Cleanup(svc.Close)

	return svc, busClient
}

func TestUtteranceIntentRoundTrip(t *testing.T) {
	_, busClient := startStack(t)

	snapshots := make(chan protocol.ConversationSnapshot, 64)
	sub, err := bus.SubscribeJSON(busClient, protocol.SubjectConversationSnapshot, func(s protocol.ConversationSnapshot) {
		snapshots <- s
	})
	if err != nil {
		t.Fatalf("subscribe snapshots: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	statuses := make(chan protocol.ConversationStatus, 64)
	statusSub, err := bus.SubscribeJSON(busClient, protocol.SubjectConversationStatus, func(s protocol.ConversationStatus) {
		statuses <- s
	})
	if err != nil {
		t.Fatalf("subscribe statuses: %v", err)
	}
	t.Cleanup(func() { _ = statusSub.Drain() })

	err = busClient.PublishJSON(protocol.SubjectIntentUtterance, protocol.UtteranceSubmit{
		ClientID: "test-ui",
		Text:     "I want to practice ordering food",
	})
	if err != nil {
		t.Fatalf("publish intent: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var final protocol.ConversationSnapshot
	var lastRev uint64
	for done := false; !done; {
		select {
		case snap := <-snapshots:
			if snap.Revision <= lastRev {
				t.Fatalf("wire revision did not advance: %d then %d", lastRev, snap.Revision)
			}
			lastRev = snap.Revision
			if snap.Status == "IDLE" && len(snap.Messages) == 2 {
				final = snap
				done = true
			}
		case <-deadline:
			t.Fatal("never saw the completed turn on the bus")
		}
	}
	if final.Messages[0].Speaker != "USER" || final.Messages[1].Speaker != "ASSISTANT" {
		t.Fatalf("unexpected speakers: %s, %s", final.Messages[0].Speaker, final.Messages[1].Speaker)
	}
	if final.Messages[0].Text != "I want to practice ordering food" {
		t.Fatalf("user text = %q", final.Messages[0].Text)
	}

	sawLoading := false
	for done := false; !done; {
		select {
		case st := <-statuses:
			if st.Status == "LOADING" {
				sawLoading = true
			}
			if st.Status == "IDLE" && sawLoading {
				done = true
			}
		case <-deadline:
			t.Fatal("status stream incomplete")
		}
	}
}

func TestClearIntentResetsConversation(t *testing.T) {
	svc, busClient := startStack(t)

	snapshots := make(chan protocol.ConversationSnapshot, 64)
	sub, err := bus.SubscribeJSON(busClient, protocol.SubjectConversationSnapshot, func(s protocol.ConversationSnapshot) {
		snapshots <- s
	})
	if err != nil {
		t.Fatalf("subscribe snapshots: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	svc.orch.SubmitUtterance("hello there")
	deadline := time.After(5 * time.Second)
	var session string
	for done := false; !done; {
		select {
		case snap := <-snapshots:
			if snap.Status == "IDLE" && len(snap.Messages) == 2 {
				session = snap.SessionID
				done = true
			}
		case <-deadline:
			t.Fatal("turn never completed")
		}
	}

	if err := busClient.PublishJSON(protocol.SubjectIntentClear, protocol.ClearConversation{ClientID: "test-ui"}); err != nil {
		t.Fatalf("publish clear: %v", err)
	}
	for done := false; !done; {
		select {
		case snap := <-snapshots:
			if snap.SessionID != session && len(snap.Messages) == 0 {
				done = true
			}
		case <-deadline:
			t.Fatal("conversation never cleared")
		}
	}
}

func TestAnnounceSyncsLateJoiner(t *testing.T) {
	svc, busClient := startStack(t)

	snapshots := make(chan protocol.ConversationSnapshot, 64)
	sub, err := bus.SubscribeJSON(busClient, protocol.SubjectConversationSnapshot, func(s protocol.ConversationSnapshot) {
		snapshots <- s
	})
	if err != nil {
		t.Fatalf("subscribe snapshots: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	err = busClient.PublishJSON(protocol.SubjectClientAnnounce, protocol.ClientAnnounce{
		ClientID: "late-ui",
		Name:     "parlo-mobile",
		Platform: "android",
	})
	if err != nil {
		t.Fatalf("publish announce: %v", err)
	}

	select {
	case snap := <-snapshots:
		if snap.Revision == 0 {
			t.Fatal("sync snapshot carries no revision, stale-discard is impossible")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("late joiner never received a snapshot")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		clients := svc.Clients()
		if len(clients) == 1 && clients[0].ID == "late-ui" && clients[0].Platform == "android" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client registry incomplete: %+v", clients)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

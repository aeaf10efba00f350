package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parlolabs/parlo-core/internal/bus"
	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/conversation"
	"github.com/parlolabs/parlo-core/internal/gateway"
	"github.com/parlolabs/parlo-core/internal/llm"
	"github.com/parlolabs/parlo-core/internal/modelstore"
	"github.com/parlolabs/parlo-core/internal/natsserver"
	"github.com/parlolabs/parlo-core/internal/stt"
	"github.com/parlolabs/parlo-core/internal/transcript"
	"github.com/parlolabs/parlo-core/internal/tts"
)

// Runtime assembles the daemon: telemetry, the message bus, the model
// artifact gate, speech capture and playback, the conversation
// orchestrator, its transcript store, and the client gateway. Start
// blocks until the context is cancelled, then tears the stack down in
// reverse order.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	models     *modelstore.Manager
	store      *transcript.Store
	engine     *llm.Engine
	listener   *stt.Listener
	speaker    *tts.Speaker
	orch       *conversation.Orchestrator
	gateway    *gateway.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.startHTTP(metricsHandler)

	if err := r.startStack(ctx); err != nil {
		r.shutdown()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("session_id", r.orch.SessionID()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.shutdown()
	return nil
}

// startStack brings up every component in dependency order. On error the
// caller runs shutdown, which closes whatever was already started.
func (r *Runtime) startStack(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("starting embedded bus: %w", err)
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	r.busClient = busClient

	r.models = modelstore.New(ctx, r.cfg.Model, r.logger)
	if err := r.models.Start(); err != nil {
		return fmt.Errorf("starting model manager: %w", err)
	}
	if err := r.models.Wait(ctx); err != nil {
		if r.cfg.Model.Required {
			return fmt.Errorf("model artifact unavailable: %w", err)
		}
		r.logger.Warn("continuing without model artifact", slog.String("error", err.Error()))
	}

	store, err := transcript.Open(ctx, r.cfg.Transcript, r.logger)
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}
	r.store = store

	system := conversation.SystemInstruction(r.cfg.Tutor.SystemInstruction)
	engine, err := llm.NewEngine(r.cfg.LLM, system, r.cfg.Tutor.MaxHistoryTurns, r.logger)
	if err != nil {
		return fmt.Errorf("building inference engine: %w", err)
	}
	r.engine = engine

	captor, err := buildCaptor(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("building speech captor: %w", err)
	}
	r.listener = stt.NewListener(ctx, captor, r.logger)

	synth, err := buildSynth(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("building speech synthesizer: %w", err)
	}
	sink, err := tts.NewSink(r.cfg.TTS, r.busClient)
	if err != nil {
		return fmt.Errorf("building speech sink: %w", err)
	}
	r.speaker = tts.NewSpeaker(ctx, synth, sink, r.cfg.TTS.Voice, r.logger)

	// Recorder writes use their own context: transcript rows for a
	// finishing turn must land even while the run context unwinds.
	grace := time.Duration(r.cfg.Tutor.InputErrorGraceMS) * time.Millisecond
	recorder := r.store.Recorder(context.Background())
	r.orch = conversation.New(ctx, r.engine, r.listener, r.speaker, recorder, grace, r.logger)
	if err := r.orch.Start(); err != nil {
		// Not fatal. The orchestrator stays up publishing its error
		// state so clients can render it; restart is the recovery path.
		r.logger.Error("conversation startup failed", slog.String("error", err.Error()))
	}

	r.gateway = gateway.NewService(ctx, r.cfg.Gateway, r.busClient, r.orch, r.models, r.logger)
	if err := r.gateway.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	return nil
}

func buildCaptor(cfg config.STTConfig) (stt.Captor, error) {
	switch cfg.Mode {
	case "mock":
		return stt.NewMockCaptor(), nil
	case "exec":
		return stt.NewExecCaptor(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func buildSynth(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer)

	if metricsHandler == nil {
		return
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer)
		return
	}
	mux.Handle("/metrics", metricsHandler)
}

func (r *Runtime) serve(srv *http.Server) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

// shutdown tears down in reverse start order. The orchestrator owns the
// engine, listener, and speaker once it exists; before that they are
// closed directly.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.metricsServer, r.httpServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}

	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.orch != nil {
		r.orch.Close()
	} else {
		if r.listener != nil {
			r.listener.Shutdown()
		}
		if r.speaker != nil {
			r.speaker.Shutdown()
		}
		if r.engine != nil {
			r.engine.Close()
		}
	}
	if r.models != nil {
		r.models.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("transcript close error", slog.String("error", err.Error()))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports 503 while starting up and again once the
// conversation has entered its terminal error state, so supervisors
// restart the process instead of routing clients to it.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.orch.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

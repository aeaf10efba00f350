package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/parlolabs/parlo-core/internal/bus"
	"github.com/parlolabs/parlo-core/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ClientInfo describes one connected presentation client.
type ClientInfo struct {
	ID       string
	Name     string
	Platform string
	LastSeen time.Time
}

// Presence tracks presentation clients via announce and heartbeat
// messages and forgets the ones that go silent longer than timeout.
type Presence struct {
	timeout time.Duration
	log     *slog.Logger
	onJoin  func(clientID string)

	mu      sync.RWMutex
	clients map[string]*ClientInfo

	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	gauge  metric.Int64ObservableGauge
}

func newPresence(parent context.Context, timeout time.Duration, busClient *bus.Client, onJoin func(string), log *slog.Logger) (*Presence, error) {
	ctx, cancel := context.WithCancel(parent)
	p := &Presence{
		timeout: timeout,
		log:     log,
		onJoin:  onJoin,
		clients: make(map[string]*ClientInfo),
		cancel:  cancel,
	}

	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize presence metrics", slogError(err))
	}

	announceSub, err := bus.SubscribeJSON(busClient, protocol.SubjectClientAnnounce, p.handleAnnounce)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe announce: %w", err)
	}
	p.subs = append(p.subs, announceSub)

	heartbeatSub, err := bus.SubscribeJSON(busClient, protocol.SubjectClientHeartbeat+".*", p.handleHeartbeat)
	if err != nil {
		cancel()
		_ = announceSub.Drain()
		return nil, fmt.Errorf("subscribe heartbeat: %w", err)
	}
	p.subs = append(p.subs, heartbeatSub)

	p.wg.Add(1)
	go p.sweep(ctx)

	return p, nil
}

func (p *Presence) Close() {
	p.cancel()
	for _, sub := range p.subs {
		_ = sub.Drain()
	}
	p.wg.Wait()
}

// Clients returns a copy of the currently known clients.
func (p *Presence) Clients() []ClientInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ClientInfo, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, *c)
	}
	return out
}

func (p *Presence) handleAnnounce(msg protocol.ClientAnnounce) {
	if msg.ClientID == "" {
		return
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.mu.Lock()
	_, known := p.clients[msg.ClientID]
	p.clients[msg.ClientID] = &ClientInfo{
		ID:       msg.ClientID,
		Name:     msg.Name,
		Platform: msg.Platform,
		LastSeen: at,
	}
	p.mu.Unlock()

	if !known {
		p.log.Info("presentation client announced",
			slog.String("client_id", msg.ClientID),
			slog.String("name", msg.Name))
	}
	if p.onJoin != nil {
		p.onJoin(msg.ClientID)
	}
}

func (p *Presence) handleHeartbeat(msg protocol.ClientHeartbeat) {
	if msg.ClientID == "" {
		return
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.mu.Lock()
	if c, ok := p.clients[msg.ClientID]; ok {
		c.LastSeen = at
	} else {
		p.clients[msg.ClientID] = &ClientInfo{ID: msg.ClientID, LastSeen: at}
	}
	p.mu.Unlock()
}

func (p *Presence) sweep(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.expire()
		}
	}
}

func (p *Presence) expire() {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		if now.Sub(c.LastSeen) > p.timeout {
			delete(p.clients, id)
			p.log.Info("presentation client expired", slog.String("client_id", id))
		}
	}
}

func (p *Presence) initMetrics() error {
	meter := otel.Meter("github.com/parlolabs/parlo-core/runtime")
	gauge, err := meter.Int64ObservableGauge("parlo.gateway.clients",
		metric.WithDescription("Number of connected presentation clients"))
	if err != nil {
		return err
	}
	p.gauge = gauge
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		p.mu.RLock()
		count := int64(len(p.clients))
		p.mu.RUnlock()
		obs.ObserveInt64(gauge, count)
		return nil
	}, gauge)
	return err
}

package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	applogger "FinCascade/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	defaultSubscriberBuffer = 256
	defaultPingInterval     = 30 * time.Second
	writeWait               = 5 * time.Second
)

// HubOption configures Hub.
type HubOption func(*Hub)

// WithSubscriberBuffer sets the per-subscriber queue length.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithPingInterval sets how often idle websocket clients are pinged.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.ping = d
		}
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(l *applogger.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// Subscription is one live listener. Events for a slow listener are dropped
// rather than blocking the broadcaster.
type Subscription struct {
	C         <-chan models.Event
	ch        chan models.Event
	requestID string
	hub       *Hub
	once      sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(ev models.Event) bool {
	return s.requestID == "" || s.requestID == ev.RequestID
}

// Hub broadcasts cascade telemetry to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	ping    time.Duration
	log     *applogger.Logger
	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: defaultSubscriberBuffer,
		ping:   defaultPingInterval,
		log:    applogger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a listener. An empty requestID receives every event,
// breaker transitions included.
func (h *Hub) Subscribe(requestID string) *Subscription {
	ch := make(chan models.Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, requestID: requestID, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Subscribers returns the number of live listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded for slow listeners.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Emit(ctx context.Context, ev models.Event) error {
	return h.EmitBatch(ctx, []models.Event{ev})
}

// EmitBatch never blocks and never fails.
func (h *Hub) EmitBatch(_ context.Context, events []models.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		for _, ev := range events {
			if !s.wants(ev) {
				continue
			}
			select {
			case s.ch <- ev:
			default:
				h.dropped.Add(1)
			}
		}
	}
	return nil
}

// Serve pumps events from a new subscription to conn until the client goes
// away or ctx ends. It owns conn and closes it on return.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, requestID string) {
	sub := h.Subscribe(requestID)
	defer sub.Close()
	defer conn.Close()

	// Client frames are ignored; reading surfaces close and pong control frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(2 * h.ping))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * h.ping))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("event stream write failed", applogger.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

var (
	_ domrepo.EventSink      = (*Hub)(nil)
	_ domrepo.EventBatchSink = (*Hub)(nil)
)

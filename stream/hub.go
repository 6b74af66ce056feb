package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/agent-engine/types"
)

const (
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingPeriod      = (wsPongWait * 9) / 10
	wsMaxPayloadBytes = 4096
	wsSendBuffer      = 64
)

// Hub pushes UI events to websocket clients subscribed to a thread. A slow
// client loses events rather than slowing the run down.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	subs    map[string]map[*subscriber]struct{}
	dropped atomic.Int64
}

type subscriber struct {
	hub      *Hub
	threadID string
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

type HubOption func(*Hub)

func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithOriginCheck replaces the default origin check, which accepts any origin.
func WithOriginCheck(check func(*http.Request) bool) HubOption {
	return func(h *Hub) {
		if check != nil {
			h.upgrader.CheckOrigin = check
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Emit broadcasts event to the subscribers of its thread.
func (h *Hub) Emit(ctx context.Context, event types.Event) error {
	if event.ThreadID == "" {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	var full int
	for sub := range h.subs[event.ThreadID] {
		select {
		case sub.send <- data:
		default:
			full++
		}
	}
	if full > 0 {
		h.dropped.Add(int64(full))
		return fmt.Errorf("%d subscriber(s) of thread %q: %w", full, event.ThreadID, ErrBufferFull)
	}
	return nil
}

// Subscribers reports how many clients follow threadID.
func (h *Hub) Subscribers(threadID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[threadID])
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeThread upgrades the request and streams the events of threadID until
// the client goes away or the hub is closed.
func (h *Hub) ServeThread(w http.ResponseWriter, r *http.Request, threadID string) {
	if threadID == "" {
		http.Error(w, "thread is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "thread", threadID, "error", err)
		return
	}
	sub := &subscriber{
		hub:      h,
		threadID: threadID,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
	}
	if err := h.add(sub); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}
	h.logger.Debug("event subscriber connected", "thread", threadID)
	go sub.writeLoop()
	sub.readLoop()
}

// Close disconnects every subscriber. Later Emit calls return ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*subscriber
	for thread, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
		delete(h.subs, thread)
	}
	h.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
}

func (h *Hub) add(sub *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	set, ok := h.subs[sub.threadID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sub.threadID] = set
	}
	set[sub] = struct{}{}
	return nil
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.threadID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.threadID)
	}
}

// close is called with the subscriber already out of the hub, so no Emit
// can race with closing send.
func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

func (s *subscriber) readLoop() {
	defer func() {
		s.hub.remove(s)
		s.close()
		s.hub.logger.Debug("event subscriber disconnected", "thread", s.threadID)
	}()
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		// Clients only listen; anything they send is discarded.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				s.hub.logger.Debug("event subscriber read failed", "thread", s.threadID, "error", err)
			}
			return
		}
	}
}

func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsSendBuffer = 64
	wsPongWait   = 45 * time.Second
	wsPingPeriod = 15 * time.Second
	wsWriteWait  = 10 * time.Second
	wsMaxPayload = 4096
)

// Hub routes events to websocket subscribers keyed by conversation.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

type subscriber struct {
	conversationID string
	conn           *websocket.Conn
	send           chan []byte
	closeOnce      sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.send)
		_ = s.conn.Close()
	})
}

// Publish implements Broadcaster. Events for conversations with no
// subscribers are dropped; a subscriber with a full send buffer is
// disconnected rather than blocked on.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	set := h.subs[event.ConversationID]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	data, err := encodeEvent(event)
	if err != nil {
		h.logger.Error("encode event", "event", event.Name, "error", err)
		return
	}
	for _, sub := range targets {
		select {
		case sub.send <- data:
		default:
			h.logger.Warn("subscriber send buffer full, dropping connection",
				"conversation_id", event.ConversationID)
			h.remove(sub)
		}
	}
}

// ServeHTTP upgrades the request to a websocket subscribed to the
// conversation named by the "conversation_id" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conversationID: conversationID,
		conn:           conn,
		send:           make(chan []byte, wsSendBuffer),
	}
	h.add(sub)

	go sub.writeLoop()
	go func() {
		sub.readLoop()
		h.remove(sub)
	}()
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.conversationID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		h.subs[sub.conversationID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if set := h.subs[sub.conversationID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.conversationID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// SubscriberCount reports current subscribers for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*subscriber, 0)
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
}

// readLoop consumes frames until the peer goes away. Subscribers are
// read-only; inbound text frames are ignored.
func (s *subscriber) readLoop() {
	s.conn.SetReadLimit(wsMaxPayload)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

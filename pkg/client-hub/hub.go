package clienthub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// MessageHandler handles one inbound message from a connected page and
// returns the reply to send back, or nil if the message type expects none.
type MessageHandler func(ctx context.Context, msg json.RawMessage) json.RawMessage

// Hub tracks the pages connected to the gateway over WebSocket. It delivers
// broadcasts (activation notices, push notifications) and routes inbound
// control messages to a handler, sending back exactly one reply per message
// that expects one.
type Hub struct {
	log      zerolog.Logger
	handler  MessageHandler
	mutex    sync.Mutex
	conns    map[*websocket.Conn]struct{}
	writeTTL time.Duration
}

func NewHub(logger zerolog.Logger, handler MessageHandler) *Hub {
	return &Hub{
		log:      logger,
		handler:  handler,
		conns:    make(map[*websocket.Conn]struct{}),
		writeTTL: 5 * time.Second,
	}
}

// SetHandler installs the inbound message handler. It exists to break the
// construction cycle between the hub and the dispatcher and must be called
// before serving.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// ServeHTTP upgrades the request to a WebSocket connection and pumps
// messages until the page goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("Could not accept page connection")
		return
	}
	h.add(conn)
	defer h.remove(conn)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if h.handler == nil {
			continue
		}
		if reply := h.handler(ctx, data); reply != nil {
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTTL)
			err := conn.Write(writeCtx, websocket.MessageText, reply)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Broadcast sends a JSON-encoded message to every connected page.
// Write failures only drop the one broken connection.
func (h *Hub) Broadcast(ctx context.Context, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Msg("Could not encode broadcast")
		return
	}
	for _, conn := range h.snapshot() {
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTTL)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.log.Debug().Err(err).Msg("Dropping unreachable page connection")
			h.remove(conn)
			conn.Close(websocket.StatusGoingAway, "unreachable")
		}
	}
}

// ClientCount returns the number of connected pages.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.conns)
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.conns, conn)
}

func (h *Hub) snapshot() []*websocket.Conn {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	return conns
}

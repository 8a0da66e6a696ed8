package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Source is the part of remote.Store the hub reads from.
type Source interface {
	Subscribe(ctx context.Context, table race.Table, teamID string, h remote.Handler) (remote.Subscription, error)
}

// Hub serves one websocket per client subscription.
type Hub struct {
	source Source
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates a hub reading changes from source.
func NewHub(source Source, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		source: source,
		logger: logger.Named("wsfeed"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Handler returns the websocket endpoint. The client's first message must
// be a subscribe request; changes then flow until either side closes.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		defer func() { _ = conn.Close() }()

		h.mu.Lock()
		h.conns[conn] = struct{}{}
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
		}()

		h.serve(r.Context(), conn)
	}
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var req Message
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	if req.Type != TypeSubscribe || !req.Table.Valid() || req.TeamID == "" {
		h.sendError(conn, "expected subscribe with table and team_id")
		return
	}

	send := make(chan []byte, sendBuffer)
	sub, err := h.source.Subscribe(ctx, req.Table, req.TeamID, func(c remote.Change) {
		msg, err := changeMessage(c)
		if err != nil {
			h.logger.Warn("encode change", zap.Error(err))
			return
		}
		select {
		case send <- msg:
		default:
			h.logger.Warn("client too slow, dropping change", zap.String("id", c.Record.ID))
		}
	})
	if err != nil {
		h.sendError(conn, err.Error())
		return
	}
	defer sub.Close()

	logger := h.logger.With(zap.String("table", string(req.Table)), zap.String("team_id", req.TeamID))
	logger.Debug("client subscribed")

	// Reader: only needed to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-sub.Status():
			if !ok {
				return
			}
			if err := h.write(conn, Message{Type: TypeStatus, Status: status}); err != nil {
				return
			}
			if status == remote.StatusSubscribed {
				if err := h.write(conn, Message{Type: TypeSubscribed, Table: req.Table, TeamID: req.TeamID}); err != nil {
					return
				}
			}
			if status.Failed() {
				return
			}
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("client write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) sendError(conn *websocket.Conn, msg string) {
	_ = h.write(conn, Message{Type: TypeError, Error: msg})
}

// Package push 把订单状态变更推送给通过 websocket 订阅的客户端。
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
		return true
	},
}

// SessionRegistry 记录用户连接在哪个网关节点上，通过 PresenceHandler 对外查询。
type SessionRegistry interface {
	Bind(ctx context.Context, userID, nodeID string) error
	Unbind(ctx context.Context, userID, nodeID string) error
}

// StatusNotice 是推送给客户端的消息体。
type StatusNotice struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub 维护所有活跃的连接，并负责消息分发。同一个用户可以有多个连接。
type Hub struct {
	nodeID   string
	sessions SessionRegistry

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub(nodeID string, sessions SessionRegistry) *Hub {
	return &Hub{
		nodeID:   nodeID,
		sessions: sessions,
		clients:  make(map[string]map[*Client]struct{}),
	}
}

// Client 是一个WebSocket连接的代表
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// ServeWS 把 HTTP 请求升级为 websocket，并按 ?userId= 订阅该用户的订单状态。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), userID: userID}
	h.register(r.Context(), client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(ctx context.Context, c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.PushClients.Inc()

	if h.sessions != nil {
		if err := h.sessions.Bind(context.WithoutCancel(ctx), c.userID, h.nodeID); err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("Failed to record push session")
		}
	}
	log.Info().Str("user_id", c.userID).Str("node", h.nodeID).Msg("Client registered")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	close(c.send)
	last := len(set) == 0
	if last {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	metrics.PushClients.Dec()

	if last && h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := h.sessions.Unbind(ctx, c.userID, h.nodeID); err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("Failed to clear push session")
		}
	}
	log.Info().Str("user_id", c.userID).Msg("Client unregistered")
}

// Connected 返回某个用户当前的连接数。
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// HandleStatusUpdated 是 status_updated 的消费入口。用户不在本节点时直接忽略。
// 发送缓冲已满的连接被视为失效并断开，推送永远不阻塞消费。
func (h *Hub) HandleStatusUpdated(ctx context.Context, env event.Envelope) error {
	if env.UserID == "" {
		return nil
	}
	payload, err := json.Marshal(StatusNotice{
		OrderID:   env.OrderID,
		Status:    env.Status,
		Seq:       env.Seq,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		return nil
	}

	var stale []*Client
	h.mu.RLock()
	for c := range h.clients[env.UserID] {
		select {
		case c.send <- payload:
		default:
			stale = append(stale, c)
		}
	}
	delivered := len(h.clients[env.UserID]) - len(stale)
	h.mu.RUnlock()

	for _, c := range stale {
		h.unregister(c)
	}
	if delivered > 0 {
		logger.Ctx(ctx).Debug().Str("order_id", env.OrderID).Str("user_id", env.UserID).Int("clients", delivered).Msg("Status pushed")
	}
	return nil
}

// Close 断开所有连接。
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		_ = c.conn.Close()
	}
}

// writePump 负责将 send channel 中的消息写入 websocket，并定期发送 ping。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理心跳和关闭，客户端发来的内容被丢弃。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

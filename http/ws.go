package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"cancerdetect/ml"
	"cancerdetect/monitoring"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 << 10
	sendBuffer     = 32
)

// 消息类型
const (
	messagePrediction = "prediction"
	messageError      = "error"
	messageModel      = "model"
)

type errorMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

type modelMessage struct {
	Type        string    `json:"type"`
	Fingerprint string    `json:"fingerprint"`
	TrainedAt   time.Time `json:"trained_at"`
}

// wsClient WebSocket客户端
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks live-prediction clients so model changes can be pushed to all of them.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *zap.Logger
	metrics *monitoring.Metrics
	up      websocket.Upgrader
}

// NewHub accepts upgrades from the listed origins and from the serving host.
func NewHub(logger *zap.Logger, metrics *monitoring.Metrics, origins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
		metrics: metrics,
		up:      newUpgrader(origins),
	}
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &h.up
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected", zap.String("client_id", c.id), zap.Int("total", total))
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		h.removeLocked(c)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Info("websocket client disconnected", zap.String("client_id", c.id), zap.Int("total", total))
	}
}

func (h *Hub) removeLocked(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
}

// deliver queues msg for c. A client whose buffer is full is dropped.
func (h *Hub) deliver(c *wsClient, msg []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		h.removeLocked(c)
		return false
	}
}

// Broadcast 广播消息
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.removeLocked(c)
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// NotifyModel tells every client that m is now active.
func (h *Hub) NotifyModel(m *ml.Model) {
	payload, err := json.Marshal(modelMessage{Type: messageModel, Fingerprint: m.Fingerprint(), TrainedAt: m.TrainedAt()})
	if err != nil {
		return
	}
	h.Broadcast(payload)
}

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || originAllowed(origins, origin) {
				return true
			}
			// same host as the page that opened the socket
			return strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://") == r.Host
		},
	}
}

// handleWebSocket 处理WebSocket连接. Each text frame is a prediction request
// ({"id": "...", "features": {...}}) answered by one prediction or error frame.
func (h *handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.hub.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.hub.add(client)

	go h.writePump(client)
	h.readPump(client)
}

// writePump WebSocket写入泵
func (h *handlers) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.deps.Logger.Debug("websocket write failed", zap.String("client_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (h *handlers) readPump(c *wsClient) {
	defer func() {
		h.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.deps.Logger.Debug("websocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		if !h.hub.deliver(c, h.answer(c, data)) {
			return
		}
	}
}

func (h *handlers) answer(c *wsClient, data []byte) []byte {
	var req predictRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.rejected(monitoring.SourceWebSocket, errBadRequest)
		return encodeError("", errBadRequest)
	}

	ctx := contextWithRequestID(c.id + "/" + req.ID)
	vector, err := h.vectorFromNames(req.Features)
	if err == nil {
		var s scored
		s, err = h.predict(ctx, monitoring.SourceWebSocket, vector)
		if err == nil {
			resp := h.newPredictResponse(s)
			resp.Type = messagePrediction
			resp.ID = req.ID
			payload, _ := json.Marshal(resp)
			return payload
		}
	}
	h.rejected(monitoring.SourceWebSocket, err)
	return encodeError(req.ID, err)
}

func contextWithRequestID(id string) context.Context {
	return context.WithValue(context.Background(), RequestIDKey, id)
}

func encodeError(id string, err error) []byte {
	payload, _ := json.Marshal(errorMessage{Type: messageError, ID: id, Error: err.Error()})
	return payload
}

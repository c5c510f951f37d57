package observer

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

// hubMessage WebSocket 消息，与通知同构；设备列表以 "devices" 类型下发
type hubMessage struct {
	Kind      string                  `json:"kind"`
	Devices   []registry.DeviceRecord `json:"devices,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

type hubRequest struct {
	Type string `json:"type"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub 向所有 WebSocket 客户端广播通知
// 每个客户端一个发送队列和一个写 goroutine，gorilla/websocket 不允许并发写
type Hub struct {
	mu       sync.RWMutex
	clients  map[*hubClient]struct{}
	devices  func() []registry.DeviceRecord
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub 创建 Hub；devices 用于响应客户端的设备列表请求
func NewHub(devices func() []registry.DeviceRecord, logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		devices: devices,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Notify 广播；慢客户端的队列满时直接断开
func (h *Hub) Notify(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			c.close()
			h.logger.Warn("Dropping slow websocket client", zap.String("remote_addr", c.conn.RemoteAddr().String()))
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP 升级为 WebSocket 并注册客户端
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade to WebSocket", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, clientSendSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	// 连接建立后先推一次完整设备列表
	h.sendDevices(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) sendDevices(c *hubClient) {
	data, err := json.Marshal(hubMessage{Kind: "devices", Devices: h.devices(), Timestamp: time.Now()})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump 读取客户端请求；目前只支持 {"type":"devices"}
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req hubRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		if req.Type == "devices" {
			h.sendDevices(c)
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Message 推送给客户端的事件帧
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Connection 表示一个 WebSocket 连接
type Connection struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	once   sync.Once
}

// Hub 管理所有 WebSocket 连接，按 UserID 定向推送。
// 客户端连上后会收到其名下所有 Recording 的状态变更事件。
type Hub struct {
	mu              sync.RWMutex
	connections     map[string]*Connection
	userConnections map[string]map[string]bool
	log             *logrus.Logger
	upgrader        websocket.Upgrader
}

func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	return &Hub{
		connections:     make(map[string]*Connection),
		userConnections: make(map[string]map[string]bool),
		log:             log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
	if h.userConnections[c.UserID] == nil {
		h.userConnections[c.UserID] = make(map[string]bool)
	}
	h.userConnections[c.UserID][c.ID] = true
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, c.ID)
	if set := h.userConnections[c.UserID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.userConnections, c.UserID)
		}
	}
}

// SendToUser pushes an event to every live connection of one user.
func (h *Hub) SendToUser(userID, eventType string, data interface{}) {
	msg := Message{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.userConnections[userID] {
		if c := h.connections[id]; c != nil {
			select {
			case c.send <- b:
			default:
				// 发送缓冲满说明客户端读得太慢，丢帧
			}
		}
	}
}

// ConnectionCount 主要给测试用
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Serve upgrades the request and pumps events until the client goes away.
// connID 必须全局唯一（调用方用 uuid）。
func (h *Hub) Serve(c *gin.Context, connID, userID string) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn := &Connection{ID: connID, UserID: userID, conn: ws, send: make(chan []byte, 64), hub: h}
	h.register(conn)

	go conn.writePump()
	conn.readPump()
}

func (c *Connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		c.conn.Close()
		close(c.send)
	})
}

// readPump 只处理控制帧与连接存活，业务上客户端不发数据
func (c *Connection) readPump() {
	defer c.close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Connection) writePump() {
	ping := time.NewTicker(30 * time.Second)
	defer func() {
		ping.Stop()
		c.close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Hub fans events out to SSE subscribers grouped by topic (this service
// uses one topic per recording id).
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	topics   map[string]map[uint64]chan string
	interval time.Duration
	retryMs  int
}

func NewHub(interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Hub{topics: make(map[string]map[uint64]chan string), interval: interval, retryMs: 5000}
}

func (h *Hub) subscribe(topic string) (uint64, chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan string, 16)
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[uint64]chan string)
	}
	h.topics[topic][h.nextID] = ch
	return h.nextID, ch
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// PublishJSON sends v to every subscriber of topic. 慢客户端直接丢帧，
// 订阅方随时可以用 GET 拉到最新状态。
func (h *Hub) PublishJSON(topic string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	msg := fmt.Sprintf("data: %s\n\n", b)
	h.mu.RLock()
	for _, ch := range h.topics[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	h.mu.RUnlock()
}

// SubscriberCount 主要给测试用
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Serve streams topic events to the client until it disconnects.
// initial 里的值在订阅建立后立即下发，订阅端无需先做一次 GET。
func (h *Hub) Serve(c *gin.Context, topic string, initial ...interface{}) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(c.Writer, "retry: %d\n\n", h.retryMs)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	id, ch := h.subscribe(topic)
	defer h.unsubscribe(topic, id)

	for _, v := range initial {
		if b, err := json.Marshal(v); err == nil {
			fmt.Fprintf(c.Writer, "data: %s\n\n", b)
		}
	}
	flusher.Flush()

	ping := time.NewTicker(h.interval)
	defer ping.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case msg := <-ch:
			c.Writer.Write([]byte(msg))
			flusher.Flush()
		}
	}
}

package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 起一条 watch 流，published 发布完成后断开，返回整个响应
func serveStream(t *testing.T, hub *Hub, topic string, initial interface{}, publish func()) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/watch/:id", func(c *gin.Context) {
		if initial != nil {
			hub.Serve(c, c.Param("id"), initial)
		} else {
			hub.Serve(c, c.Param("id"))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/watch/"+topic, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		engine.ServeHTTP(w, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return hub.SubscriberCount(topic) == 1 },
		time.Second, 5*time.Millisecond, "subscriber never attached")

	if publish != nil {
		publish()
	}
	// 给转发循环一点时间消费缓冲里的帧
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	return w
}

func TestServeStreamsPublishedEvents(t *testing.T) {
	hub := NewHub(time.Minute)

	w := serveStream(t, hub, "rec-1", nil, func() {
		hub.PublishJSON("rec-1", map[string]string{"status": "PROCESSING"})
		hub.PublishJSON("rec-1", map[string]string{"status": "DONE"})
	})

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "retry: 5000")
	assert.Contains(t, body, `data: {"status":"PROCESSING"}`)
	assert.Contains(t, body, `data: {"status":"DONE"}`)

	// 断开后订阅清理干净
	assert.Zero(t, hub.SubscriberCount("rec-1"))
}

func TestServeSendsInitialSnapshot(t *testing.T) {
	hub := NewHub(time.Minute)

	w := serveStream(t, hub, "rec-2", map[string]string{"status": "UPLOADED"}, nil)

	assert.Contains(t, w.Body.String(), `data: {"status":"UPLOADED"}`)
}

func TestPublishIsolatedPerTopic(t *testing.T) {
	hub := NewHub(time.Minute)

	w := serveStream(t, hub, "rec-3", nil, func() {
		hub.PublishJSON("other", map[string]string{"status": "DONE"})
		hub.PublishJSON("rec-3", map[string]string{"status": "ERROR"})
	})

	body := w.Body.String()
	assert.NotContains(t, body, `"status":"DONE"`)
	assert.Contains(t, body, `data: {"status":"ERROR"}`)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub(time.Minute)
	hub.PublishJSON("nobody", map[string]string{"status": "DONE"})
	assert.Zero(t, hub.SubscriberCount("nobody"))
}

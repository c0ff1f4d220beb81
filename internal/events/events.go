// Package events fans recording state changes out to the live watch
// channels (SSE per recording, websocket per user).
package events

import (
	"tilawa-gateway/internal/models"
	"tilawa-gateway/pkg/sse"
	"tilawa-gateway/pkg/websocket"
)

const eventRecordingStatus = "recording.status"

// StatusEvent 推送载荷：只带轮询接口也能拿到的字段，
// 不含分析明细，订阅端收到 done 后自行拉取。
type StatusEvent struct {
	RecordingID  string `json:"recordingId"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Broadcaster bridges worker-side state changes to both hubs.
// 任一 hub 为 nil 时跳过，两路推送互不影响。
type Broadcaster struct {
	sse *sse.Hub
	ws  *websocket.Hub
}

func NewBroadcaster(sseHub *sse.Hub, wsHub *websocket.Hub) *Broadcaster {
	return &Broadcaster{sse: sseHub, ws: wsHub}
}

func (b *Broadcaster) RecordingChanged(rec *models.Recording) {
	if rec == nil {
		return
	}
	ev := StatusEvent{
		RecordingID:  rec.ID,
		Status:       rec.Status,
		Attempts:     rec.Attempts,
		ErrorMessage: rec.ErrorMessage,
	}
	if b.sse != nil {
		b.sse.PublishJSON(rec.ID, ev)
	}
	if b.ws != nil && rec.UserID != "" {
		b.ws.SendToUser(rec.UserID, eventRecordingStatus, ev)
	}
}

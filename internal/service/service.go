package service

import (
	"context"

	"tilawa-gateway/internal/models"
	"tilawa-gateway/pkg/queue"
)

// JobTypeProcessRecording 上传处理任务类型
const JobTypeProcessRecording = "process_recording"

// inlineLimit：小于该阈值的音频内联进任务载荷（base64），
// 超过则只放存储 key。内联只是省一次存储读取，不是扩展性手段。
const inlineLimit = 1 << 20

// ProcessPayload is what a processing job carries: the recording id plus a
// content reference to the raw upload.
type ProcessPayload struct {
	RecordingID string `json:"recording_id"`
	StorageKey  string `json:"storage_key"`
	InlineAudio string `json:"inline_audio,omitempty"` // base64
	FileName    string `json:"file_name"`
}

// Enqueuer 为入库服务解耦队列实现，便于测试替身
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts *queue.EnqueueOptions) (string, error)
}

// Notifier pushes recording state changes to watch subscribers.
// 推送失败不影响处理流程。
type Notifier interface {
	RecordingChanged(rec *models.Recording)
}

// NopNotifier 测试与无推送场景用
type NopNotifier struct{}

func (NopNotifier) RecordingChanged(*models.Recording) {}

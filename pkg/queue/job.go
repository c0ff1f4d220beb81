package queue

import (
	"encoding/json"
	"time"
)

// Job states mirror the lifecycle: waiting -> active -> completed,
// or waiting -> active -> delayed (retry) -> ... -> dead.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateDelayed   = "delayed"
	StateDead      = "dead"
)

// Job is one unit of background work. Payload 对大音频存放存储 key，
// 小于阈值可直接内联 base64（见 service 层）。
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffMs   int64           `json:"backoff_ms"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// backoffDelay 指数退避：initial * 2^(attempts-1)
func (j *Job) backoffDelay() time.Duration {
	base := time.Duration(j.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = 5 * time.Second
	}
	d := base
	for i := 1; i < j.Attempts; i++ {
		d *= 2
	}
	return d
}

// EnqueueOptions override the queue defaults for a single job.
type EnqueueOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Retention caps how long finished jobs stay around for inspection.
// Pruning is best-effort and never blocks enqueue or dispatch.
type Retention struct {
	CompletedTTL time.Duration
	CompletedMax int64
	FailedTTL    time.Duration
}

package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tilawa-gateway/internal/aiclient"
	"tilawa-gateway/internal/models"
	apperrors "tilawa-gateway/pkg/errors"
	"tilawa-gateway/pkg/queue"
	stores "tilawa-gateway/pkg/storage"
)

// Processor consumes processing jobs: UPLOADED -> PROCESSING on pickup,
// then fans out enhance/classify/align concurrently and joins. All three
// must succeed for DONE; any failure flips the record to ERROR and fails
// the attempt (the queue decides whether another attempt happens).
type Processor struct {
	db          *gorm.DB
	store       stores.Store
	ai          aiclient.Gateway
	notifier    Notifier
	log         *zap.Logger
	callTimeout time.Duration
}

func NewProcessor(db *gorm.DB, store stores.Store, ai aiclient.Gateway, notifier Notifier, callTimeout time.Duration, log *zap.Logger) *Processor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Processor{db: db, store: store, ai: ai, notifier: notifier, log: log, callTimeout: callTimeout}
}

// analysisBlob 原样保留上游返回，内部结构归 AI 服务所有
type analysisBlob struct {
	IsQuran json.RawMessage `json:"isQuran"`
	Align   json.RawMessage `json:"align"`
}

// Handle implements the queue handler for process_recording jobs.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var payload ProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "decode job payload")
	}

	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("recording_id", payload.RecordingID),
		zap.Int("attempt", job.Attempts))

	var rec models.Recording
	if err := p.db.WithContext(ctx).First(&rec, "id = ?", payload.RecordingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 行已被删除，重试没有意义
			return apperrors.NotFoundf("recording %s not found", payload.RecordingID)
		}
		return apperrors.Wrap(apperrors.CodePersistence, err, "load recording")
	}
	if rec.Status == models.StatusDone {
		// at-least-once 投递下的重复执行，直接确认
		log.Info("recording already done, acking duplicate delivery")
		return nil
	}

	rec.Status = models.StatusProcessing
	rec.JobID = job.ID
	rec.Attempts = job.Attempts
	rec.ErrorMessage = ""
	if err := p.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, err, "mark processing")
	}
	p.notifier.RecordingChanged(&rec)

	sample, err := p.loadSample(payload)
	if err != nil {
		p.markError(ctx, &rec, job, err)
		return err
	}

	enhanced, cls, align, err := p.fanOut(ctx, sample)
	if err != nil {
		log.Warn("upstream fan-out failed", zap.Error(err))
		p.markError(ctx, &rec, job, err)
		return err
	}

	// 确定性路径：重试覆盖同一 key，记录永远只引用一个增强产物
	enhancedKey := "enhanced/" + rec.ID + ".wav"
	if err := p.store.Write(enhancedKey, bytes.NewReader(enhanced)); err != nil {
		err = apperrors.Wrap(apperrors.CodePersistence, err, "persist enhanced audio")
		p.markError(ctx, &rec, job, err)
		return err
	}

	blob, err := json.Marshal(analysisBlob{IsQuran: cls.Raw, Align: align.Raw})
	if err != nil {
		err = apperrors.Wrap(apperrors.CodePersistence, err, "encode analysis")
		p.markError(ctx, &rec, job, err)
		return err
	}

	rec.EnhancedPath = enhancedKey
	rec.IsQuran = &cls.IsQuran
	rec.MainSurah = cls.MainSurah
	rec.AyahStart = cls.AyahStart
	rec.AyahEnd = cls.AyahEnd
	rec.RecitationAccuracy = cls.RecitationAccuracy
	rec.Analysis = string(blob)
	rec.Status = models.StatusDone
	rec.ErrorMessage = ""
	if err := p.db.WithContext(ctx).Save(&rec).Error; err != nil {
		err = apperrors.Wrap(apperrors.CodePersistence, err, "persist result")
		p.markError(ctx, &rec, job, err)
		return err
	}

	p.notifier.RecordingChanged(&rec)
	log.Info("recording processed",
		zap.Bool("is_quran", cls.IsQuran),
		zap.Int("integrity_score", align.IntegrityScore))
	return nil
}

// fanOut 并发发起三路上游调用并汇合；任一失败整体失败，
// 其余分支靠各自的超时收尾，结果被丢弃。
func (p *Processor) fanOut(ctx context.Context, sample []byte) ([]byte, *aiclient.Classification, *aiclient.Alignment, error) {
	var (
		enhanced []byte
		cls      *aiclient.Classification
		align    *aiclient.Alignment
	)
	errCh := make(chan error, 3)

	run := func(fn func(context.Context) error) {
		cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		errCh <- fn(cctx)
	}

	go run(func(cctx context.Context) error {
		out, err := p.ai.Enhance(cctx, sample)
		if err == nil {
			enhanced = out
		}
		return err
	})
	go run(func(cctx context.Context) error {
		out, err := p.ai.Classify(cctx, sample)
		if err == nil {
			cls = out
		}
		return err
	})
	go run(func(cctx context.Context) error {
		out, err := p.ai.Align(cctx, sample)
		if err == nil {
			align = out
		}
		return err
	})

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, nil, nil, firstErr
	}
	return enhanced, cls, align, nil
}

func (p *Processor) loadSample(payload ProcessPayload) ([]byte, error) {
	if payload.InlineAudio != "" {
		data, err := base64.StdEncoding.DecodeString(payload.InlineAudio)
		if err == nil {
			return data, nil
		}
		// 内联损坏时回退到存储
	}
	r, _, err := p.store.Read(payload.StorageKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "read original audio")
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "read original audio")
	}
	return data, nil
}

// markError flips the record to ERROR before the job attempt is failed.
// 队列若还要重试，下一次 pickup 会翻回 PROCESSING —— 轮询端可见的抖动
// 是既定行为，不做掩盖。
func (p *Processor) markError(ctx context.Context, rec *models.Recording, job *queue.Job, cause error) {
	rec.Status = models.StatusError
	rec.Attempts = job.Attempts
	rec.ErrorMessage = cause.Error()
	if err := p.db.WithContext(ctx).Save(rec).Error; err != nil {
		p.log.Error("persist error state failed",
			zap.String("recording_id", rec.ID),
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}
	p.notifier.RecordingChanged(rec)
}

package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tilawa-gateway/internal/models"
	apperrors "tilawa-gateway/pkg/errors"
	stores "tilawa-gateway/pkg/storage"
)

// IntakeService validates an upload, persists the raw audio, creates the
// Recording row and enqueues exactly one processing job. The call returns
// as soon as the job is queued; processing happens in the background.
type IntakeService struct {
	db       *gorm.DB
	store    stores.Store
	queue    Enqueuer
	log      *zap.Logger
	maxBytes int64
}

func NewIntakeService(db *gorm.DB, store stores.Store, q Enqueuer, maxBytes int64, log *zap.Logger) *IntakeService {
	if log == nil {
		log = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	return &IntakeService{db: db, store: store, queue: q, log: log, maxBytes: maxBytes}
}

// HandleUpload 契约：成功时恰好入队一个任务；
// 存储或建行失败时不入队，入队失败时回滚已建的行与文件。
func (s *IntakeService) HandleUpload(ctx context.Context, userID string, fileBytes []byte, fileName string) (*models.Recording, error) {
	if userID == "" {
		return nil, apperrors.Validationf("userId is required")
	}
	if len(fileBytes) == 0 {
		return nil, apperrors.Validationf("file is empty")
	}
	if int64(len(fileBytes)) > s.maxBytes {
		return nil, apperrors.WithCodef(apperrors.CodePayload, "file exceeds %d bytes", s.maxBytes)
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundf("user %s not found", userID)
		}
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "load user")
	}

	key := stores.ObjectKey("original", fileName)
	if err := s.store.Write(key, bytes.NewReader(fileBytes)); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "persist upload")
	}

	rec := &models.Recording{
		ID:           uuid.NewString(),
		UserID:       userID,
		FileName:     fileName,
		Status:       models.StatusUploaded,
		OriginalPath: key,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		// 建行失败则清掉已写文件，不留孤儿
		if derr := s.store.Delete(key); derr != nil {
			s.log.Warn("orphan cleanup failed", zap.String("key", key), zap.Error(derr))
		}
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "create recording")
	}

	payload := ProcessPayload{
		RecordingID: rec.ID,
		StorageKey:  key,
		FileName:    fileName,
	}
	if len(fileBytes) <= inlineLimit {
		payload.InlineAudio = base64.StdEncoding.EncodeToString(fileBytes)
	}

	jobID, err := s.queue.Enqueue(ctx, JobTypeProcessRecording, payload, nil)
	if err != nil {
		// 入队失败时回滚：不允许行永远停在 UPLOADED 却无任务
		if derr := s.db.WithContext(ctx).Delete(&models.Recording{}, "id = ?", rec.ID).Error; derr != nil {
			s.log.Error("rollback recording failed", zap.String("recording_id", rec.ID), zap.Error(derr))
		}
		if derr := s.store.Delete(key); derr != nil {
			s.log.Warn("rollback artifact failed", zap.String("key", key), zap.Error(derr))
		}
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "enqueue job")
	}

	rec.JobID = jobID
	if err := s.db.WithContext(ctx).Model(rec).Update("job_id", jobID).Error; err != nil {
		// 任务已在队列里引用该 recording，只记日志
		s.log.Warn("persist job id failed", zap.String("recording_id", rec.ID), zap.Error(err))
	}

	s.log.Info("upload accepted",
		zap.String("recording_id", rec.ID),
		zap.String("job_id", jobID),
		zap.String("user_id", userID),
		zap.Int("size", len(fileBytes)))
	return rec, nil
}

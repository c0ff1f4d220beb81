package service

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tilawa-gateway/internal/models"
	apperrors "tilawa-gateway/pkg/errors"
	stores "tilawa-gateway/pkg/storage"
)

// RecordingView 对外视图：存储 key 在读取时映射为可访问 URL
type RecordingView struct {
	models.Recording
	OriginalURL string `json:"originalUrl,omitempty"`
	EnhancedURL string `json:"enhancedUrl,omitempty"`
}

// ListResult is one page of a user's recordings, newest first.
type ListResult struct {
	Records []RecordingView `json:"records"`
	Total   int64           `json:"total"`
	HasMore bool            `json:"hasMore"`
}

type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// QueryService 只读，不改任何状态
type QueryService struct {
	db    *gorm.DB
	store stores.Store
	log   *zap.Logger
}

func NewQueryService(db *gorm.DB, store stores.Store, log *zap.Logger) *QueryService {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueryService{db: db, store: store, log: log}
}

func (s *QueryService) view(rec models.Recording) RecordingView {
	v := RecordingView{Recording: rec}
	if rec.OriginalPath != "" {
		v.OriginalURL = s.store.PublicURL(rec.OriginalPath)
	}
	if rec.EnhancedPath != "" {
		v.EnhancedURL = s.store.PublicURL(rec.EnhancedPath)
	}
	return v
}

func (s *QueryService) Get(ctx context.Context, id string) (*RecordingView, error) {
	var rec models.Recording
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundf("recording %s not found", id)
		}
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "load recording")
	}
	v := s.view(rec)
	return &v, nil
}

func (s *QueryService) ListByUser(ctx context.Context, userID string, opts ListOptions) (*ListResult, error) {
	if userID == "" {
		return nil, apperrors.Validationf("userId is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	q := s.db.WithContext(ctx).Model(&models.Recording{}).Where("user_id = ?", userID)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "count recordings")
	}

	var recs []models.Recording
	if err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&recs).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "list recordings")
	}

	out := &ListResult{
		Records: make([]RecordingView, 0, len(recs)),
		Total:   total,
		HasMore: int64(opts.Offset+opts.Limit) < total,
	}
	for _, rec := range recs {
		out.Records = append(out.Records, s.view(rec))
	}
	return out, nil
}

// GetAnalysis 记录不存在或分析未产出时都按 404 处理
func (s *QueryService) GetAnalysis(ctx context.Context, id string) (json.RawMessage, error) {
	var rec models.Recording
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundf("recording %s not found", id)
		}
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "load recording")
	}
	if rec.Analysis == "" {
		return nil, apperrors.NotFoundf("analysis for %s not available", id)
	}
	return json.RawMessage(rec.Analysis), nil
}

// Delete removes the row and both owned artifacts. Artifact deletion is
// best effort: 行删掉后残留文件只是垃圾，不是一致性问题。
func (s *QueryService) Delete(ctx context.Context, id string) error {
	var rec models.Recording
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFoundf("recording %s not found", id)
		}
		return apperrors.Wrap(apperrors.CodePersistence, err, "load recording")
	}
	if err := s.db.WithContext(ctx).Delete(&models.Recording{}, "id = ?", id).Error; err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, err, "delete recording")
	}
	for _, key := range []string{rec.OriginalPath, rec.EnhancedPath} {
		if key == "" {
			continue
		}
		if err := s.store.Delete(key); err != nil {
			s.log.Warn("artifact delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

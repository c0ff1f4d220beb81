package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tilawa-gateway/internal/aiclient"
	"tilawa-gateway/internal/models"
	apperrors "tilawa-gateway/pkg/errors"
)

const maxCalibrationSamples = 5

// CalibrationService runs the synchronous voice-calibration flow:
// samples go straight to the AI service and the resulting profile is
// stored per user. 不走队列，调用方直接等结果。
type CalibrationService struct {
	db  *gorm.DB
	ai  aiclient.Gateway
	log *zap.Logger
}

func NewCalibrationService(db *gorm.DB, ai aiclient.Gateway, log *zap.Logger) *CalibrationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CalibrationService{db: db, ai: ai, log: log}
}

type CalibrationSample struct {
	FileName string
	Data     []byte
}

func (s *CalibrationService) Calibrate(ctx context.Context, userID string, samples []CalibrationSample, noise *CalibrationSample) (*models.CalibrationProfile, error) {
	if userID == "" {
		return nil, apperrors.Validationf("userId is required")
	}
	if len(samples) == 0 {
		return nil, apperrors.Validationf("at least one voice sample is required")
	}
	if len(samples) > maxCalibrationSamples {
		return nil, apperrors.Validationf("at most %d voice samples are accepted", maxCalibrationSamples)
	}
	for _, sm := range samples {
		if len(sm.Data) == 0 {
			return nil, apperrors.Validationf("voice sample %s is empty", sm.FileName)
		}
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundf("user %s not found", userID)
		}
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "load user")
	}

	voices := make([][]byte, 0, len(samples))
	for _, sm := range samples {
		voices = append(voices, sm.Data)
	}
	var noiseData []byte
	if noise != nil {
		noiseData = noise.Data
	}

	result, err := s.ai.Calibrate(ctx, voices, noiseData)
	if err != nil {
		return nil, err
	}

	profile := &models.CalibrationProfile{
		ID:          uuid.NewString(),
		UserID:      userID,
		SampleCount: len(samples),
	}
	if b, mErr := json.Marshal(result.VoiceProfile); mErr == nil {
		profile.VoiceProfile = string(b)
	}
	if b, mErr := json.Marshal(result.NoiseProfile); mErr == nil {
		profile.NoiseProfile = string(b)
	}
	if b, mErr := json.Marshal(result.RecommendedParams); mErr == nil {
		profile.RecommendedParams = string(b)
	}

	if err := s.db.WithContext(ctx).Create(profile).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "save calibration profile")
	}
	s.log.Info("calibration profile saved",
		zap.String("userId", userID),
		zap.Int("samples", len(samples)))
	return profile, nil
}

// LatestProfile returns the user's newest calibration profile, if any.
func (s *CalibrationService) LatestProfile(ctx context.Context, userID string) (*models.CalibrationProfile, error) {
	var profile models.CalibrationProfile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundf("no calibration profile for user %s", userID)
		}
		return nil, apperrors.Wrap(apperrors.CodePersistence, err, "load calibration profile")
	}
	return &profile, nil
}

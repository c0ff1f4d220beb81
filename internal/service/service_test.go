package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tilawa-gateway/internal/aiclient"
	"tilawa-gateway/internal/models"
	"tilawa-gateway/pkg/queue"
	stores "tilawa-gateway/pkg/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	// 内存库按连接隔离，连接池收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Recording{}, &models.CalibrationProfile{}))
	return db
}

func seedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	u := &models.User{ID: uuid.NewString(), Email: "reciter@example.com", Enabled: true}
	require.NoError(t, db.Create(u).Error)
	return u
}

func newTestStore(t *testing.T) stores.Store {
	t.Helper()
	return stores.NewLocalStore(t.TempDir(), "")
}

// fakeEnqueuer 记录入队调用，可注入失败
type fakeEnqueuer struct {
	jobs []fakeJob
	err  error
}

type fakeJob struct {
	Type    string
	Payload ProcessPayload
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType string, payload interface{}, _ *queue.EnqueueOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	pp, ok := payload.(ProcessPayload)
	if !ok {
		b, _ := json.Marshal(payload)
		_ = json.Unmarshal(b, &pp)
	}
	f.jobs = append(f.jobs, fakeJob{Type: jobType, Payload: pp})
	return uuid.NewString(), nil
}

// fakeGateway 按字段覆盖各路上游行为，未覆盖的返回固定成功值
type fakeGateway struct {
	enhance   func(ctx context.Context, sample []byte) ([]byte, error)
	classify  func(ctx context.Context, sample []byte) (*aiclient.Classification, error)
	align     func(ctx context.Context, sample []byte) (*aiclient.Alignment, error)
	calibrate func(ctx context.Context, samples [][]byte, noise []byte) (*aiclient.CalibrationResult, error)
}

func (f *fakeGateway) Enhance(ctx context.Context, sample []byte) ([]byte, error) {
	if f.enhance != nil {
		return f.enhance(ctx, sample)
	}
	return append([]byte("enhanced:"), sample...), nil
}

func (f *fakeGateway) Classify(ctx context.Context, sample []byte) (*aiclient.Classification, error) {
	if f.classify != nil {
		return f.classify(ctx, sample)
	}
	surah, start, end := 1, 1, 7
	acc := 0.93
	return &aiclient.Classification{
		IsQuran:            true,
		Label:              "quran",
		QuranConfidence:    0.98,
		MainSurah:          &surah,
		AyahStart:          &start,
		AyahEnd:            &end,
		RecitationAccuracy: &acc,
		Raw:                json.RawMessage(`{"is_quran":true,"main_surah":1}`),
	}, nil
}

func (f *fakeGateway) Align(ctx context.Context, sample []byte) (*aiclient.Alignment, error) {
	if f.align != nil {
		return f.align(ctx, sample)
	}
	return &aiclient.Alignment{
		Verses:         []aiclient.AlignedVerse{{Surah: 1, Ayah: 1, Confidence: 0.95}},
		IntegrityScore: 92,
		Raw:            json.RawMessage(`{"integrity_score":92}`),
	}, nil
}

func (f *fakeGateway) Calibrate(ctx context.Context, samples [][]byte, noise []byte) (*aiclient.CalibrationResult, error) {
	if f.calibrate != nil {
		return f.calibrate(ctx, samples, noise)
	}
	return &aiclient.CalibrationResult{
		VoiceProfile:      map[string]float64{"pitch_mean": 172.4},
		NoiseProfile:      map[string]float64{"noise_floor_db": -48.1},
		RecommendedParams: map[string]float64{"prop_decrease": 0.8},
	}, nil
}

func (f *fakeGateway) Healthz(context.Context) error { return nil }

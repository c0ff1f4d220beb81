package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tilawa-gateway/internal/aiclient"
	"tilawa-gateway/internal/models"
	"tilawa-gateway/internal/service"
	"tilawa-gateway/pkg/config"
	"tilawa-gateway/pkg/middleware"
	"tilawa-gateway/pkg/queue"
	"tilawa-gateway/pkg/sse"
	stores "tilawa-gateway/pkg/storage"
)

type stubEnqueuer struct {
	count int
}

func (s *stubEnqueuer) Enqueue(context.Context, string, interface{}, *queue.EnqueueOptions) (string, error) {
	s.count++
	return uuid.NewString(), nil
}

type stubGateway struct{}

func (stubGateway) Enhance(_ context.Context, sample []byte) ([]byte, error) { return sample, nil }
func (stubGateway) Classify(context.Context, []byte) (*aiclient.Classification, error) {
	return &aiclient.Classification{IsQuran: true, Raw: json.RawMessage(`{}`)}, nil
}
func (stubGateway) Align(context.Context, []byte) (*aiclient.Alignment, error) {
	return &aiclient.Alignment{IntegrityScore: 90, Raw: json.RawMessage(`{}`)}, nil
}
func (stubGateway) Calibrate(_ context.Context, samples [][]byte, _ []byte) (*aiclient.CalibrationResult, error) {
	return &aiclient.CalibrationResult{
		VoiceProfile:      map[string]float64{"pitch_mean": 160},
		NoiseProfile:      map[string]float64{},
		RecommendedParams: map[string]float64{"prop_decrease": 0.7},
	}, nil
}
func (stubGateway) Healthz(context.Context) error { return nil }

type testEnv struct {
	engine *gin.Engine
	db     *gorm.DB
	store  stores.Store
	q      *stubEnqueuer
	user   *models.User
}

func newTestEnv(t *testing.T, mws ...gin.HandlerFunc) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.GlobalConfig = &config.Config{APIPrefix: "/api"}

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Recording{}, &models.CalibrationProfile{}))

	user := &models.User{ID: uuid.NewString(), Enabled: true}
	require.NoError(t, db.Create(user).Error)

	store := stores.NewLocalStore(t.TempDir(), "")
	q := &stubEnqueuer{}
	gw := stubGateway{}

	h := NewHandlers(Options{
		DB:          db,
		Intake:      service.NewIntakeService(db, store, q, 0, nil),
		Query:       service.NewQueryService(db, store, nil),
		Calibration: service.NewCalibrationService(db, gw, nil),
		AI:          gw,
		SSEHub:      sse.NewHub(0),
	})
	engine := gin.New()
	engine.Use(mws...)
	h.Register(engine)
	return &testEnv{engine: engine, db: db, store: store, q: q, user: user}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, userID string, fileField, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("userId", userID))
	fw, err := mw.CreateFormFile(fileField, fileName)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadAccepted(t *testing.T) {
	env := newTestEnv(t)
	body, ctype := multipartUpload(t, env.user.ID, "file", "take1.wav", []byte("RIFF audio"))
	req := httptest.NewRequest(http.MethodPost, "/api/recordings", body)
	req.Header.Set("Content-Type", ctype)

	w := env.do(t, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var out struct {
		Data struct {
			RecordingID string `json:"recordingId"`
			JobID       string `json:"jobId"`
			Status      string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.NotEmpty(t, out.Data.RecordingID)
	assert.NotEmpty(t, out.Data.JobID)
	assert.Equal(t, models.StatusUploaded, out.Data.Status)
	assert.Equal(t, 1, env.q.count)
}

func TestUploadUnknownUserLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	body, ctype := multipartUpload(t, "ghost", "file", "take1.wav", []byte("RIFF audio"))
	req := httptest.NewRequest(http.MethodPost, "/api/recordings", body)
	req.Header.Set("Content-Type", ctype)

	w := env.do(t, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, env.q.count)

	var count int64
	require.NoError(t, env.db.Model(&models.Recording{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestUploadMissingFile(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("userId", env.user.ID))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/recordings", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadOverBodyCapRejected(t *testing.T) {
	env := newTestEnv(t, middleware.BodyLimit(1024))
	body, ctype := multipartUpload(t, env.user.ID, "file", "big.wav", bytes.Repeat([]byte("a"), 4096))

	// 裹一层隐藏具体类型，让请求按 chunked 走，不带 Content-Length
	req := httptest.NewRequest(http.MethodPost, "/api/recordings", struct{ io.Reader }{body})
	req.Header.Set("Content-Type", ctype)

	w := env.do(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Zero(t, env.q.count)

	var count int64
	require.NoError(t, env.db.Model(&models.Recording{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestGetRecording(t *testing.T) {
	env := newTestEnv(t)
	rec := &models.Recording{ID: uuid.NewString(), UserID: env.user.ID, Status: models.StatusDone}
	require.NoError(t, env.db.Create(rec).Error)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/recordings/"+rec.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), rec.ID)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/recordings/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRecordings(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		rec := &models.Recording{ID: uuid.NewString(), UserID: env.user.ID, Status: models.StatusDone}
		require.NoError(t, env.db.Create(rec).Error)
	}

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/recordings?userId="+env.user.ID+"&limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Data struct {
			Records []json.RawMessage `json:"records"`
			Total   int64             `json:"total"`
			HasMore bool              `json:"hasMore"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Data.Records, 2)
	assert.Equal(t, int64(3), out.Data.Total)
	assert.True(t, out.Data.HasMore)
}

func TestGetAnalysis(t *testing.T) {
	env := newTestEnv(t)
	rec := &models.Recording{
		ID:     uuid.NewString(),
		UserID: env.user.ID,
		Status: models.StatusDone,
	}
	require.NoError(t, env.db.Create(rec).Error)

	// 分析尚未产出
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/recordings/"+rec.ID+"/analysis", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	blob := `{"isQuran":{"is_quran":true},"align":{"integrity_score":95}}`
	require.NoError(t, env.db.Model(rec).Update("analysis", blob).Error)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/recordings/"+rec.ID+"/analysis", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, blob, w.Body.String())
}

func TestDeleteRecording(t *testing.T) {
	env := newTestEnv(t)
	rec := &models.Recording{ID: uuid.NewString(), UserID: env.user.ID, Status: models.StatusDone}
	require.NoError(t, env.db.Create(rec).Error)

	w := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/recordings/"+rec.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/recordings/"+rec.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCalibrateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("userId", env.user.ID))
	for _, name := range []string{"a.wav", "b.wav"} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("sample"))
		require.NoError(t, err)
	}
	fw, err := mw.CreateFormFile("noise_file", "noise.wav")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hiss"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/calibration", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := env.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Data models.CalibrationProfile `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, env.user.ID, out.Data.UserID)
	assert.Equal(t, 2, out.Data.SampleCount)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/system/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

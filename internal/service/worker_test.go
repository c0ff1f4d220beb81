package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tilawa-gateway/internal/aiclient"
	"tilawa-gateway/internal/models"
	apperrors "tilawa-gateway/pkg/errors"
	"tilawa-gateway/pkg/queue"
	stores "tilawa-gateway/pkg/storage"
)

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (n *recordingNotifier) RecordingChanged(rec *models.Recording) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, rec.Status)
}

func seedRecording(t *testing.T, db *gorm.DB, store stores.Store, userID string, audio []byte) *models.Recording {
	t.Helper()
	key := stores.ObjectKey("original", "take1.wav")
	require.NoError(t, store.Write(key, bytes.NewReader(audio)))
	rec := &models.Recording{
		ID:           uuid.NewString(),
		UserID:       userID,
		FileName:     "take1.wav",
		Status:       models.StatusUploaded,
		OriginalPath: key,
	}
	require.NoError(t, db.Create(rec).Error)
	return rec
}

func processJob(rec *models.Recording, audio []byte, attempts int) *queue.Job {
	payload, _ := json.Marshal(ProcessPayload{
		RecordingID: rec.ID,
		StorageKey:  rec.OriginalPath,
		InlineAudio: base64.StdEncoding.EncodeToString(audio),
		FileName:    rec.FileName,
	})
	return &queue.Job{
		ID:       uuid.NewString(),
		Type:     JobTypeProcessRecording,
		Payload:  payload,
		Attempts: attempts,
	}
}

func TestProcessorCompletesRecording(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	audio := []byte("raw audio bytes")
	rec := seedRecording(t, db, store, user.ID, audio)

	p := NewProcessor(db, store, &fakeGateway{}, notifier, 0, nil)
	job := processJob(rec, audio, 1)
	require.NoError(t, p.Handle(context.Background(), job))

	var got models.Recording
	require.NoError(t, db.First(&got, "id = ?", rec.ID).Error)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, job.ID, got.JobID)
	require.NotNil(t, got.IsQuran)
	assert.True(t, *got.IsQuran)
	require.NotNil(t, got.MainSurah)
	assert.Equal(t, 1, *got.MainSurah)
	require.NotNil(t, got.RecitationAccuracy)
	assert.InDelta(t, 0.93, *got.RecitationAccuracy, 1e-9)
	assert.Empty(t, got.ErrorMessage)

	// 增强产物落在确定性 key 上
	assert.Equal(t, "enhanced/"+rec.ID+".wav", got.EnhancedPath)
	r, _, err := store.Read(got.EnhancedPath)
	require.NoError(t, err)
	r.Close()

	// 分析快照原样保留两路上游返回
	var blob map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(got.Analysis), &blob))
	assert.JSONEq(t, `{"is_quran":true,"main_surah":1}`, string(blob["isQuran"]))
	assert.JSONEq(t, `{"integrity_score":92}`, string(blob["align"]))

	// 可见状态序列：先 processing 再 done
	assert.Equal(t, []string{models.StatusProcessing, models.StatusDone}, notifier.statuses)
}

func TestProcessorUpstreamFailureMarksError(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	store := newTestStore(t)
	audio := []byte("raw audio bytes")
	rec := seedRecording(t, db, store, user.ID, audio)

	gw := &fakeGateway{
		classify: func(context.Context, []byte) (*aiclient.Classification, error) {
			return nil, apperrors.Upstreamf("classifier unavailable")
		},
	}
	p := NewProcessor(db, store, gw, nil, 0, nil)
	err := p.Handle(context.Background(), processJob(rec, audio, 1))
	require.Error(t, err)
	assert.True(t, apperrors.Retryable(err))

	var got models.Recording
	require.NoError(t, db.First(&got, "id = ?", rec.ID).Error)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "classifier unavailable")
	assert.Empty(t, got.EnhancedPath)
	assert.Empty(t, got.Analysis)
}

func TestProcessorRetryAfterFailureSucceeds(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	audio := []byte("raw audio bytes")
	rec := seedRecording(t, db, store, user.ID, audio)

	calls := 0
	gw := &fakeGateway{
		align: func(ctx context.Context, sample []byte) (*aiclient.Alignment, error) {
			calls++
			if calls == 1 {
				return nil, apperrors.Upstreamf("aligner timeout")
			}
			return (&fakeGateway{}).Align(ctx, sample)
		},
	}
	p := NewProcessor(db, store, gw, notifier, 0, nil)

	require.Error(t, p.Handle(context.Background(), processJob(rec, audio, 1)))
	require.NoError(t, p.Handle(context.Background(), processJob(rec, audio, 2)))

	var got models.Recording
	require.NoError(t, db.First(&got, "id = ?", rec.ID).Error)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.ErrorMessage)

	// error -> processing 的回跳对订阅端可见，终态为 done
	assert.Equal(t, []string{
		models.StatusProcessing, models.StatusError,
		models.StatusProcessing, models.StatusDone,
	}, notifier.statuses)
}

func TestProcessorAcksDuplicateDelivery(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	store := newTestStore(t)
	audio := []byte("raw audio bytes")
	rec := seedRecording(t, db, store, user.ID, audio)

	called := false
	gw := &fakeGateway{
		enhance: func(ctx context.Context, sample []byte) ([]byte, error) {
			called = true
			return (&fakeGateway{}).Enhance(ctx, sample)
		},
	}
	p := NewProcessor(db, store, gw, nil, 0, nil)
	require.NoError(t, p.Handle(context.Background(), processJob(rec, audio, 1)))
	require.True(t, called)

	called = false
	require.NoError(t, p.Handle(context.Background(), processJob(rec, audio, 2)))
	assert.False(t, called, "completed recording must not be reprocessed")
}

func TestProcessorDeletedRecordingIsTerminal(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	store := newTestStore(t)
	audio := []byte("raw audio bytes")
	rec := seedRecording(t, db, store, user.ID, audio)
	require.NoError(t, db.Delete(&models.Recording{}, "id = ?", rec.ID).Error)

	p := NewProcessor(db, store, &fakeGateway{}, nil, 0, nil)
	err := p.Handle(context.Background(), processJob(rec, audio, 1))
	require.Error(t, err)
	// 行已不在，重试无意义
	assert.False(t, apperrors.Retryable(err))
}

func TestProcessorFallsBackToStoreWhenInlineMissing(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	store := newTestStore(t)
	audio := []byte("raw audio not inlined")
	rec := seedRecording(t, db, store, user.ID, audio)

	var seen []byte
	gw := &fakeGateway{
		enhance: func(_ context.Context, sample []byte) ([]byte, error) {
			seen = sample
			return []byte("enhanced"), nil
		},
	}
	p := NewProcessor(db, store, gw, nil, 0, nil)

	payload, _ := json.Marshal(ProcessPayload{
		RecordingID: rec.ID,
		StorageKey:  rec.OriginalPath,
		FileName:    rec.FileName,
	})
	job := &queue.Job{ID: uuid.NewString(), Type: JobTypeProcessRecording, Payload: payload, Attempts: 1}
	require.NoError(t, p.Handle(context.Background(), job))
	assert.Equal(t, audio, seen)
}

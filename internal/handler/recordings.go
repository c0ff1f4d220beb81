package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"tilawa-gateway/internal/events"
	"tilawa-gateway/internal/service"
	apperrors "tilawa-gateway/pkg/errors"
	"tilawa-gateway/pkg/response"
)

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// 上传受理：multipart 字段 file + userId，成功即 202，
// 处理结果走 watch 推送或轮询
func (h *Handlers) handleUploadRecording(c *gin.Context) {
	userID := c.PostForm("userId")
	if userID == "" {
		userID = c.Query("userId")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(c, apperrors.WithCodef(apperrors.CodePayload, "upload exceeds the size limit"))
			return
		}
		writeError(c, apperrors.Validationf("multipart field 'file' is required"))
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		writeError(c, apperrors.Validationf("cannot open uploaded file"))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		// chunked 请求不带 Content-Length，超限在读取中途才暴露
		if isBodyTooLarge(err) {
			writeError(c, apperrors.WithCodef(apperrors.CodePayload, "upload exceeds the size limit"))
			return
		}
		writeError(c, apperrors.Wrap(apperrors.CodePersistence, err, "read upload"))
		return
	}

	rec, err := h.intake.HandleUpload(c.Request.Context(), userID, data, fileHeader.Filename)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Accepted(c, "upload accepted", gin.H{
		"recordingId": rec.ID,
		"jobId":       rec.JobID,
		"status":      rec.Status,
	})
}

func (h *Handlers) handleListRecordings(c *gin.Context) {
	userID := c.Query("userId")
	out, err := h.query.ListByUser(c.Request.Context(), userID, service.ListOptions{
		Status: c.Query("status"),
		Limit:  cast.ToInt(c.Query("limit")),
		Offset: cast.ToInt(c.Query("offset")),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, "recordings", out)
}

func (h *Handlers) handleGetRecording(c *gin.Context) {
	rec, err := h.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, "recording", rec)
}

// handleGetAnalysis 直接回放存储的分析快照，不重新编码
func (h *Handlers) handleGetAnalysis(c *gin.Context) {
	blob, err := h.query.GetAnalysis(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", blob)
}

func (h *Handlers) handleDeleteRecording(c *gin.Context) {
	if err := h.query.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, "recording deleted", nil)
}

// handleWatchRecording 订阅单条记录的状态流（SSE）。
// 连接建立即下发当前状态，之后跟随 worker 的推送。
func (h *Handlers) handleWatchRecording(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.query.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	snapshot := events.StatusEvent{
		RecordingID:  rec.ID,
		Status:       rec.Status,
		Attempts:     rec.Attempts,
		ErrorMessage: rec.ErrorMessage,
	}
	h.sseHub.Serve(c, id, snapshot)
}

func (h *Handlers) handleWebsocket(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		writeError(c, apperrors.Validationf("userId is required"))
		return
	}
	connID := c.Query("connId")
	if connID == "" {
		connID = userID + "-" + c.ClientIP()
	}
	h.log.Debug("websocket connect", zap.String("user_id", userID), zap.String("conn_id", connID))
	h.wsHub.Serve(c, connID, userID)
}

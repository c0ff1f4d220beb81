package handlers

import (
	"io"
	"mime/multipart"

	"github.com/gin-gonic/gin"

	"tilawa-gateway/internal/service"
	apperrors "tilawa-gateway/pkg/errors"
	"tilawa-gateway/pkg/response"
)

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// 声纹校准：multipart 里 1..5 个 files 样本，可选 noise_file，
// 同步调用 AI 服务，结果入库后直接返回
func (h *Handlers) handleCalibrate(c *gin.Context) {
	userID := c.PostForm("userId")
	if userID == "" {
		userID = c.Query("userId")
	}

	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, apperrors.Validationf("multipart form is required"))
		return
	}

	var samples []service.CalibrationSample
	for _, fh := range form.File["files"] {
		data, rerr := readPart(fh)
		if rerr != nil {
			writeError(c, apperrors.Validationf("cannot read sample %s", fh.Filename))
			return
		}
		samples = append(samples, service.CalibrationSample{FileName: fh.Filename, Data: data})
	}

	var noise *service.CalibrationSample
	if fhs := form.File["noise_file"]; len(fhs) > 0 {
		data, rerr := readPart(fhs[0])
		if rerr != nil {
			writeError(c, apperrors.Validationf("cannot read noise sample"))
			return
		}
		noise = &service.CalibrationSample{FileName: fhs[0].Filename, Data: data}
	}

	profile, err := h.calibration.Calibrate(c.Request.Context(), userID, samples, noise)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, "calibration complete", profile)
}

func (h *Handlers) handleLatestCalibration(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		writeError(c, apperrors.Validationf("userId is required"))
		return
	}
	profile, err := h.calibration.LatestProfile(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, "calibration profile", profile)
}

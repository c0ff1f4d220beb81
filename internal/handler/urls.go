package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tilawa-gateway/internal/aiclient"
	"tilawa-gateway/internal/service"
	"tilawa-gateway/pkg/config"
	apperrors "tilawa-gateway/pkg/errors"
	"tilawa-gateway/pkg/middleware"
	"tilawa-gateway/pkg/queue"
	"tilawa-gateway/pkg/response"
	"tilawa-gateway/pkg/sse"
	"tilawa-gateway/pkg/websocket"
)

type Handlers struct {
	db          *gorm.DB
	rdb         redis.UniversalClient
	intake      *service.IntakeService
	query       *service.QueryService
	calibration *service.CalibrationService
	queue       *queue.Queue
	ai          aiclient.Gateway
	sseHub      *sse.Hub
	wsHub       *websocket.Hub
	limiter     *middleware.RateLimiter
	log         *zap.Logger
}

type Options struct {
	DB          *gorm.DB
	Redis       redis.UniversalClient
	Intake      *service.IntakeService
	Query       *service.QueryService
	Calibration *service.CalibrationService
	Queue       *queue.Queue
	AI          aiclient.Gateway
	SSEHub      *sse.Hub
	WSHub       *websocket.Hub
	Limiter     *middleware.RateLimiter
	Log         *zap.Logger
}

func NewHandlers(opts Options) *Handlers {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		db:          opts.DB,
		rdb:         opts.Redis,
		intake:      opts.Intake,
		query:       opts.Query,
		calibration: opts.Calibration,
		queue:       opts.Queue,
		ai:          opts.AI,
		sseHub:      opts.SSEHub,
		wsHub:       opts.WSHub,
		limiter:     opts.Limiter,
		log:         log,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	r := engine.Group(config.GlobalConfig.APIPrefix)

	h.registerSystemRoutes(r)
	h.registerRecordingRoutes(r)
	h.registerCalibrationRoutes(r)

	if h.wsHub != nil {
		r.GET("/ws", h.handleWebsocket)
	}
}

func (h *Handlers) registerRecordingRoutes(r *gin.RouterGroup) {
	recordings := r.Group("recordings")
	{
		recordings.POST("", h.handleUploadRecording)

		recordings.GET("", h.handleListRecordings)

		recordings.GET("/:id", h.handleGetRecording)

		recordings.GET("/:id/analysis", h.handleGetAnalysis)

		recordings.GET("/:id/watch", h.handleWatchRecording)

		recordings.DELETE("/:id", h.handleDeleteRecording)
	}
}

func (h *Handlers) registerCalibrationRoutes(r *gin.RouterGroup) {
	calibration := r.Group("calibration")
	{
		calibration.POST("", h.handleCalibrate)

		calibration.GET("/latest", h.handleLatestCalibration)
	}
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("system")
	{
		system.POST("/rate-limiter/config", h.UpdateRateLimiterConfig)

		system.GET("/health", h.HealthCheck)

		system.GET("/queue", h.QueueStats)
	}
}

// writeError 统一把业务错误翻译成 HTTP 响应
func writeError(c *gin.Context, err error) {
	response.Error(c, apperrors.StatusCode(err), apperrors.GetMessage(err))
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	limiter "github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"tilawa-gateway/internal/aiclient"
	"tilawa-gateway/internal/events"
	handlers "tilawa-gateway/internal/handler"
	"tilawa-gateway/internal/models"
	"tilawa-gateway/internal/service"
	"tilawa-gateway/pkg/config"
	"tilawa-gateway/pkg/logger"
	"tilawa-gateway/pkg/metrics"
	"tilawa-gateway/pkg/middleware"
	"tilawa-gateway/pkg/queue"
	"tilawa-gateway/pkg/scheduler"
	"tilawa-gateway/pkg/sse"
	stores "tilawa-gateway/pkg/storage"
	"tilawa-gateway/pkg/util"
	"tilawa-gateway/pkg/websocket"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}
	cfg := config.GlobalConfig

	log := logger.Init(cfg.Log)
	defer logger.Sync()

	gin.SetMode(cfg.Mode)

	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	if err := db.AutoMigrate(&models.User{}, &models.Recording{}, &models.CalibrationProfile{}); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		log.Fatal("bad redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	store, err := stores.NewStore(cfg.StorageDriver)
	if err != nil {
		log.Fatal("storage init failed", zap.Error(err))
	}

	ai := aiclient.New(cfg.AIBaseURL, cfg.AITimeout, log)

	sseHub := sse.NewHub(30 * time.Second)
	wsHub := websocket.NewHub(logrus.StandardLogger())
	broadcaster := events.NewBroadcaster(sseHub, wsHub)

	q := queue.New(rdb, queue.Config{
		Name:        "recordings",
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     time.Duration(cfg.Queue.BackoffMs) * time.Millisecond,
		Retention: queue.Retention{
			CompletedTTL: cfg.Queue.CompletedTTL,
			CompletedMax: cfg.Queue.CompletedMax,
			FailedTTL:    cfg.Queue.FailedTTL,
		},
	}, log)

	processor := service.NewProcessor(db, store, ai, broadcaster, cfg.AITimeout, log)
	q.Register(service.JobTypeProcessRecording, processor.Handle)

	runCtx, stopWorkers := context.WithCancel(context.Background())
	go q.Run(runCtx)

	// 队列保留策略：完成与死信集合定期清扫
	sched := scheduler.NewCron(nil)
	if _, err := sched.AddWithCtx("@every 10m", q.Prune); err != nil {
		log.Fatal("schedule prune failed", zap.Error(err))
	}
	sched.Start()

	// 限流计数放 Redis，多实例共享窗口
	var limiterStore limiter.Store
	if s, serr := sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "ratelimit"}); serr == nil {
		limiterStore = s
	} else {
		log.Warn("redis limiter store unavailable, using in-memory", zap.Error(serr))
	}
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate: "120-M",
		PerRouteRates: map[string]string{
			"POST:" + cfg.APIPrefix + "/recordings":  "10-M",
			"POST:" + cfg.APIPrefix + "/calibration": "2-M",
		},
		Identifier:  "user",
		SkipPaths:   []string{"/metrics", cfg.APIPrefix + "/system/health"},
		AddHeaders:  true,
		DenyMessage: "too many requests",
	}, limiterStore).WithObserver(middleware.NewPrometheusObserver())

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(metrics.Middleware())
	engine.Use(rl.Middleware())
	// multipart 头部留 1MiB 余量
	engine.Use(middleware.BodyLimit(cfg.UploadLimit + 1<<20))
	engine.Use(middleware.Idempotency(middleware.IdempotencyConfig{TTL: 10 * time.Minute}))

	engine.GET("/metrics", metrics.Handler())
	if cfg.StorageDriver == "" || cfg.StorageDriver == "local" {
		engine.Static("/files", util.GetEnvDefault("STORAGE_LOCAL_DIR", "data/audio"))
	}

	intake := service.NewIntakeService(db, store, q, cfg.UploadLimit, log)
	h := handlers.NewHandlers(handlers.Options{
		DB:          db,
		Redis:       rdb,
		Intake:      intake,
		Query:       service.NewQueryService(db, store, log),
		Calibration: service.NewCalibrationService(db, ai, log),
		Queue:       q,
		AI:          ai,
		SSEHub:      sseHub,
		WSHub:       wsHub,
		Limiter:     rl,
		Log:         log,
	})
	h.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: engine,
	}
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// 先停收新任务，再等在途任务收尾
	stopWorkers()
	q.Shutdown()
	sched.Stop()
}

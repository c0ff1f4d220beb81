package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tilawa-gateway/pkg/middleware"
	"tilawa-gateway/pkg/response"
)

// UpdateRateLimiterConfig 更新限流配置
func (h *Handlers) UpdateRateLimiterConfig(c *gin.Context) {
	if h.limiter == nil {
		response.Fail(c, "rate limiter not enabled", nil)
		return
	}
	var config middleware.RateLimiterConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		response.Fail(c, "invalid request", nil)
		return
	}
	h.limiter.UpdateConfig(config)
	response.Success(c, "rate limiter config updated", nil)
}

// HealthCheck 健康检查：数据库、队列 Redis、AI 服务三项依赖，
// 任一不可用即 503，checks 里标出具体哪项挂了
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "down"
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if h.rdb != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	if h.ai != nil {
		if err := h.ai.Healthz(ctx); err != nil {
			checks["ai"] = "down"
			healthy = false
		} else {
			checks["ai"] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks, "time": time.Now().UTC()})
}

// QueueStats 队列观测：待处理深度 + 最近死信
func (h *Handlers) QueueStats(c *gin.Context) {
	if h.queue == nil {
		response.Fail(c, "queue not enabled", nil)
		return
	}
	ctx := c.Request.Context()
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	dead, err := h.queue.ListDead(ctx, 20)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, "queue stats", gin.H{"depth": depth, "dead": dead})
}

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BodyLimit 在进入 handler 之前拦截超大请求体。
// Content-Length 可知时直接 413；未知时用 MaxBytesReader 兜底。
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

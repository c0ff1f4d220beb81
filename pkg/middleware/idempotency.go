package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// IdemStore return true if set, false if key exists
type IdemStore interface {
	Set(key string, ttl time.Duration) bool
}

type memoryIdemStore struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newMemoryIdemStore() *memoryIdemStore { return &memoryIdemStore{m: make(map[string]time.Time)} }

func (s *memoryIdemStore) Set(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, ok := s.m[key]; ok && exp.After(now) {
		return false
	}
	// 顺手清掉过期键，避免无限增长
	for k, exp := range s.m {
		if exp.Before(now) {
			delete(s.m, k)
		}
	}
	s.m[key] = now.Add(ttl)
	return true
}

type IdempotencyConfig struct {
	HeaderName string        // 默认 Idempotency-Key
	TTL        time.Duration // 重复请求的拒绝窗口
	Store      IdemStore     // 可选外部存储（如 Redis）
}

// Idempotency rejects duplicate mutating requests carrying the same
// Idempotency-Key within the TTL window. Requests without the header pass.
func Idempotency(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	store := cfg.Store
	if store == nil {
		store = newMemoryIdemStore()
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" {
			// 上传是 multipart 大文件，不做请求体哈希兜底
			c.Next()
			return
		}
		if !store.Set(key, cfg.TTL) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "duplicate request"})
			return
		}
		c.Next()
	}
}

package stores

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"tilawa-gateway/pkg/util"
)

// Store 对象存储抽象：original/enhanced 音频都走这里。
// 路径只追加写入，不存在并发写同一 key 的情况。
type Store interface {
	Read(key string) (io.ReadCloser, int64, error)
	Write(key string, r io.Reader) error
	Delete(key string) error
	Exists(key string) (bool, error)
	// PublicURL maps a stored key to an externally fetchable URL.
	// Pure mapping, no I/O.
	PublicURL(key string) string
}

// NewStore 按 driver 构造存储后端
func NewStore(driver string) (Store, error) {
	switch driver {
	case "minio":
		return NewMinioStore(), nil
	case "cos":
		return NewCosStore()
	case "", "local":
		return NewLocalStore(util.GetEnvDefault("STORAGE_LOCAL_DIR", "data/audio"), util.GetEnv("STORAGE_PUBLIC_BASE")), nil
	}
	return nil, fmt.Errorf("unknown storage driver: %s", driver)
}

// ObjectKey builds a content path from timestamp + sanitized filename,
// e.g. original/1693459200123456789_take1.wav
func ObjectKey(prefix, fileName string) string {
	base := path.Base(fileName)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, base)
	if base == "" || base == "." {
		base = "audio"
	}
	return fmt.Sprintf("%s/%d_%s", prefix, time.Now().UnixNano(), base)
}

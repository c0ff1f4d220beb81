package util

import (
	"bufio"
	"os"
	"strings"

	"github.com/spf13/cast"
)

// LoadEnv 根据环境加载对应的 .env 文件（如 .env.development）
// 已存在的环境变量不会被覆盖。
func LoadEnv(env string) error {
	name := ".env"
	if env != "" {
		name = ".env." + env
	}
	f, err := os.Open(name)
	if err != nil {
		// 回退到通用 .env
		if name != ".env" {
			if f2, err2 := os.Open(".env"); err2 == nil {
				f = f2
			} else {
				return err
			}
		} else {
			return err
		}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if _, exists := os.LookupEnv(k); !exists {
			os.Setenv(k, v)
		}
	}
	return scanner.Err()
}

func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetEnvDefault 带默认值的读取
func GetEnvDefault(key, def string) string {
	if v := GetEnv(key); v != "" {
		return v
	}
	return def
}

func GetIntEnv(key string) int64 {
	return cast.ToInt64(GetEnv(key))
}

func GetIntEnvDefault(key string, def int64) int64 {
	if v := GetEnv(key); v != "" {
		return cast.ToInt64(v)
	}
	return def
}

func GetBoolEnv(key string) bool {
	return cast.ToBool(GetEnv(key))
}

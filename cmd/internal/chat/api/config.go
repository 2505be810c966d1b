package chatapi

import (
	"os"
	"strconv"
	"strings"
)

// Config controls request limits of the chat API.
type Config struct {
	MaxBodyBytes   int64
	MaxUploadBytes int64
}

// LoadConfigFromEnv loads API limits from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		MaxBodyBytes:   envInt64("TANDEM_CHAT_MAX_BODY_BYTES", 64<<10),
		MaxUploadBytes: envInt64("TANDEM_UPLOAD_MAX_BYTES", 10<<20),
	}
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 10 << 20
	}
	return c
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

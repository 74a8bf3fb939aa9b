package app

import (
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
)

type Config struct {
	HTTPPort string
	LogMode  string
	GinMode  string
}

func LoadConfig() Config {
	return Config{
		HTTPPort: envutil.String("HTTP_PORT", "8080"),
		LogMode:  envutil.String("LOG_MODE", "development"),
		GinMode:  envutil.String("GIN_MODE", "debug"),
	}
}

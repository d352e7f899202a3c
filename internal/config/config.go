package config

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/multierr"
)

const mib = 1024 * 1024

type Config struct {
	Port              int
	DataDir           string
	LogLevel          string
	LogFormat         string
	TextureBudgetMB   int64
	GPUMemoryMB       int64
	TileSize          int
	EncodedCacheTiles int
	WarmupLevels      int
	VipsMaxCacheMB    int
	VipsConcurrency   int
	AllowedOrigin     string
}

func Load() *Config {
	cfg := &Config{
		Port:              getEnvInt("PORT", 8080),
		DataDir:           getEnv("DATA_DIR", "/data"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		TextureBudgetMB:   getEnvInt64("TEXTURE_BUDGET_MB", 1024), // one gigabyte
		GPUMemoryMB:       getEnvInt64("GPU_MEMORY_MB", 0),        // unlimited
		TileSize:          getEnvInt("TILE_SIZE", 256),
		EncodedCacheTiles: getEnvInt("ENCODED_CACHE_TILES", 2000),
		WarmupLevels:      getEnvInt("WARMUP_LEVELS", 1),
		VipsMaxCacheMB:    getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:   getEnvInt("VIPS_CONCURRENCY", 1),
		AllowedOrigin:     getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.DataDir == "" {
		err = multierr.Append(err, fmt.Errorf("DATA_DIR must not be empty"))
	}
	if c.TextureBudgetMB < 0 {
		err = multierr.Append(err, fmt.Errorf("TEXTURE_BUDGET_MB must not be negative: %d", c.TextureBudgetMB))
	}
	if c.GPUMemoryMB < 0 {
		err = multierr.Append(err, fmt.Errorf("GPU_MEMORY_MB must not be negative: %d", c.GPUMemoryMB))
	}
	if c.TileSize <= 0 || c.TileSize&(c.TileSize-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("TILE_SIZE must be a power of two: %d", c.TileSize))
	}
	if c.EncodedCacheTiles < 0 {
		err = multierr.Append(err, fmt.Errorf("ENCODED_CACHE_TILES must not be negative: %d", c.EncodedCacheTiles))
	}
	if c.WarmupLevels < 0 {
		err = multierr.Append(err, fmt.Errorf("WARMUP_LEVELS must not be negative: %d", c.WarmupLevels))
	}
	return err
}

func (c *Config) TextureBudgetBytes() int64 {
	return c.TextureBudgetMB * mib
}

func (c *Config) GPUMemoryBytes() int64 {
	return c.GPUMemoryMB * mib
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

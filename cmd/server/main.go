package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"terratex/internal/catalog"
	"terratex/internal/config"
	"terratex/internal/gpu"
	httphandlers "terratex/internal/http"
	"terratex/internal/logger"
	"terratex/internal/renderer"
	"terratex/internal/texcache"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	})
	defer vips.Shutdown()

	log.Info("Starting terratex server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int64("texture_budget_bytes", cfg.TextureBudgetBytes()),
		zap.Int64("gpu_memory_bytes", cfg.GPUMemoryBytes()),
	)

	cat := catalog.New(cfg.DataDir, cfg.TileSize, log)
	if err := cat.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}
	defer func() {
		if err := cat.Close(); err != nil {
			log.Warn("Failed to close textures", zap.Error(err))
		}
	}()

	alloc := gpu.NewMemoryAllocator(cfg.GPUMemoryBytes())
	cache := texcache.New(cfg.TextureBudgetBytes(), alloc, log.Named("texcache"))

	rend, err := renderer.New(cat, cache, cfg.EncodedCacheTiles, log)
	if err != nil {
		log.Fatal("Failed to initialize renderer", zap.Error(err))
	}
	defer rend.Close()

	warmupCtx, stopWarmup := context.WithCancel(context.Background())
	var warmup sync.WaitGroup
	if cfg.WarmupLevels > 0 {
		warmup.Add(1)
		go func() {
			defer warmup.Done()
			rend.Warmup(warmupCtx, cfg.WarmupLevels)
		}()
	}

	handlers := httphandlers.New(cfg, log, cat, rend)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// warmup renders through vips and the cache, both closed by the defers
	stopWarmup()
	warmup.Wait()

	log.Info("Server stopped")
}

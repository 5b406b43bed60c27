// Package main is the entry point for the Genome-Tiles server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/genome-tiles/server/internal/api"
	"github.com/genome-tiles/server/internal/cache"
	"github.com/genome-tiles/server/internal/config"
	"github.com/genome-tiles/server/internal/metrics"
	"github.com/genome-tiles/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Genome-Tiles server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Source reads of every track share one limiter
	limiter := service.NewSourceLimiter(cfg.Source.MaxReadsPerSec, cfg.Source.Burst)
	if cfg.Source.MaxReadsPerSec > 0 {
		log.Printf("Source reads limited to %.1f/s (burst %d)", cfg.Source.MaxReadsPerSec, cfg.Source.Burst)
	}

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	defer registry.Close()

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)
	log.Printf("Loader: tile_width=%d, tiles_per_block=%d, max_active_requests=%d, max_loaders=%d",
		cfg.Loader.TileWidth, cfg.Loader.TilesPerBlock, cfg.Loader.MaxActiveRequests, cfg.Loader.MaxLoaders)

	deps := service.Deps{
		Cache:   cacheManager,
		Limiter: limiter,
		Logger:  slog.Default(),
	}
	for _, datasetID := range datasetIDs {
		ds, err := service.OpenDataset(ctx, datasetID, cfg.Data.Datasets[datasetID], cfg.Loader, deps)
		if err != nil {
			log.Fatalf("Failed to open dataset %q: %v", datasetID, err)
		}
		registry.Register(datasetID, ds)
		log.Printf("  [%s] %d track(s)", datasetID, len(ds.Tracks()))
	}

	// Initialize job manager for warm-up jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Warmup.MaxConcurrent,
		SQLitePath:    cfg.Warmup.SQLitePath,
		RetentionDays: cfg.Warmup.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Warm-up job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Warmup.MaxConcurrent, cfg.Warmup.RetentionDays, cfg.Warmup.SQLitePath)

	// Wire up warm-up service as job executor
	warmupService := service.NewWarmupService(registry)
	jobManager.Executor = warmupService.ExecuteWarmupJob

	jobManager.Start()
	defer jobManager.Stop()

	// Loader, scheduler and cache counters are read at scrape time
	metricsRegistry := metrics.NewRegistry(metrics.NewCollector(registry, cacheManager))

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Cache:       cacheManager,
		JobManager:  jobManager,
		Warmup:      warmupService,
		Metrics:     metricsRegistry,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// photocache keeps a bounded on-disk cache of display-ready photo copies in
// sync with a photo library and serves it over HTTP.
//
// Features:
// - Local directory or S3/MinIO photo libraries
// - Bounded LRU cache with favorite-aware eviction
// - Snapshot stream over SSE
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/photocache/internal/api"
	"github.com/fruitsalade/photocache/internal/cache"
	"github.com/fruitsalade/photocache/internal/config"
	"github.com/fruitsalade/photocache/internal/coordinator"
	"github.com/fruitsalade/photocache/internal/events"
	"github.com/fruitsalade/photocache/internal/gallery"
	"github.com/fruitsalade/photocache/internal/logging"
	"github.com/fruitsalade/photocache/internal/metrics"
	"github.com/fruitsalade/photocache/internal/retry"
	"github.com/fruitsalade/photocache/internal/storage"
	"github.com/fruitsalade/photocache/internal/storage/local"
	s3storage "github.com/fruitsalade/photocache/internal/storage/s3"
	"github.com/fruitsalade/photocache/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to config file (default: ./photocache.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("photocache stopped with error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
	logging.Info("photocache stopped")
}

func run(cfg *config.Config) error {
	logging.Info("photocache starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("source", cfg.Source.Backend),
		zap.String("cache_dir", cfg.Cache.Dir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Photo library
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}
	router := storage.NewRouter(backend)
	defer router.Close()

	// Cache store
	transcoder := gallery.Transcoder{
		Bound:   cfg.Transcode.DimensionBound,
		Codec:   gallery.Codec(cfg.Transcode.Codec),
		Quality: cfg.Transcode.Quality,
	}
	store, err := cache.Open(cfg.Cache.Dir, cache.Options{
		MaxBytes: cfg.Cache.MaxBytes,
		Ext:      transcoder.Codec.Ext(),
	})
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer store.Close()

	// Workers
	processor, err := gallery.NewProcessor(router, gallery.Options{
		Workers:    cfg.Workers.MaxConcurrentFetches,
		StagingDir: cfg.Cache.StagingDir,
		Retry: retry.Config{
			Retries:     cfg.Workers.RetryCount,
			InitialWait: cfg.Workers.RetryWait,
			Backoff:     retry.Linear,
		},
		Transcoder: transcoder,
	})
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	processor.Start(ctx)
	defer processor.Stop()

	publisher := events.NewPublisher(cfg.Publisher.SubscriberBuffer)
	w := watcher.New(backend, watcher.Options{
		Prefix:       cfg.Source.Prefix,
		FavoritesKey: cfg.Source.FavoritesKey,
		Interval:     cfg.Source.PollInterval,
	})
	coord := coordinator.New(store, processor, publisher, coordinator.Options{
		MaxCacheBytes: cfg.Cache.MaxBytes,
	})

	// POST /api/v1/sync repairs the cache against the last list and polls
	// the library for a new one.
	srv := api.NewServer(store, publisher, coord.Trigger, w.Rescan)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Handler(),
	}
	servers := []*http.Server{httpServer}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx, w.Updates()) })

	if cfg.Server.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metrics.Handler(),
		}
		servers = append(servers, metricsServer)
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
			return serve(metricsServer)
		})
	}

	g.Go(func() error {
		logging.Info("server listening (HTTP)", zap.String("addr", httpServer.Addr))
		return serve(httpServer)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		coord.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logging.Warn("server shutdown", zap.String("addr", s.Addr), zap.Error(err))
				s.Close()
			}
		}
		return nil
	})

	return g.Wait()
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.Source.Backend == "s3" {
		b, err := s3storage.NewBackend(ctx, s3storage.BackendConfig{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := local.New(local.Config{RootPath: cfg.Source.Root})
	if err != nil {
		return nil, err
	}
	return b, nil
}

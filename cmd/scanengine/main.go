// Package main wires together the scan engine service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/api"
	"github.com/a11yops/scan-engine/internal/audit"
	gcsblob "github.com/a11yops/scan-engine/internal/blob/gcs"
	localblob "github.com/a11yops/scan-engine/internal/blob/local"
	"github.com/a11yops/scan-engine/internal/clock/system"
	"github.com/a11yops/scan-engine/internal/config"
	"github.com/a11yops/scan-engine/internal/coordinator"
	"github.com/a11yops/scan-engine/internal/crawl"
	"github.com/a11yops/scan-engine/internal/dispatcher"
	"github.com/a11yops/scan-engine/internal/id/uuid"
	"github.com/a11yops/scan-engine/internal/logging"
	"github.com/a11yops/scan-engine/internal/metrics"
	"github.com/a11yops/scan-engine/internal/progress"
	memorypublisher "github.com/a11yops/scan-engine/internal/publisher/memory"
	pubsubpublisher "github.com/a11yops/scan-engine/internal/publisher/pubsub"
	queuememory "github.com/a11yops/scan-engine/internal/queue/memory"
	queuepostgres "github.com/a11yops/scan-engine/internal/queue/postgres"
	"github.com/a11yops/scan-engine/internal/render"
	"github.com/a11yops/scan-engine/internal/scan"
	storagememory "github.com/a11yops/scan-engine/internal/storage/memory"
	storagepostgres "github.com/a11yops/scan-engine/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()
	safety := scan.NewSafetyFilter(net.DefaultResolver, logger.Named("safety"))

	queue, store, closeBackend, err := buildBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	renderer, err := render.New(render.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Crawl.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
		DomainQPS:         cfg.Crawl.DomainQPS,
	}, safety, logger.Named("render"))
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	defer func() {
		_ = renderer.Close(context.Background())
	}()

	fetcher := crawl.NewLinkFetcher(safety, cfg.Crawl.UserAgent, cfg.FetchTimeout(), logger.Named("fetch"))
	var seeder crawl.FrontierSeeder
	if cfg.Crawl.SitemapSeeding {
		seeder = crawl.NewSitemapLoader(cfg.Crawl.UserAgent, cfg.FetchTimeout(), logger.Named("sitemap"))
	}
	crawler := crawl.NewOrchestrator(fetcher, seeder, safety, logger.Named("crawl"))
	auditor := audit.New(logger.Named("audit"))
	registry := progress.NewRegistry(progress.Config{Logger: logger.Named("progress")})

	coord := coordinator.New(
		queue,
		store,
		crawler,
		renderer,
		auditor,
		registry,
		publisher,
		blobs,
		clock,
		idGen,
		coordinator.Config{
			CompletionTopic: cfg.PubSub.TopicName,
			ReportPrefix:    cfg.Storage.Prefix,
		},
		logger.Named("coordinator"),
	)

	dispatch := dispatcher.New(queue, coord, dispatcher.Config{
		Workers:            cfg.Worker.Concurrency,
		PollInterval:       time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		StaleClaimAge:      cfg.StaleClaimAge(),
		StaleSweepInterval: time.Duration(cfg.Worker.StaleSweepSec) * time.Second,
	}, logger.Named("dispatcher"))

	apiServer := api.NewServer(queue, store, registry, safety, idGen, clock, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Worker.Concurrency))
		dispatch.Run(ctx)
		close(dispatchDone)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone
	logger.Info("shutdown complete")
	return nil
}

func buildBackend(ctx context.Context, cfg config.Config) (scan.JobQueue, scan.ScanStore, func(), error) {
	if cfg.Queue.Backend == "postgres" {
		pgQueue, err := queuepostgres.NewQueue(ctx, queuepostgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeSec) * time.Second,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init postgres queue: %w", err)
		}
		if err := pgQueue.EnsureSchema(ctx); err != nil {
			pgQueue.Close()
			return nil, nil, nil, fmt.Errorf("ensure queue schema: %w", err)
		}
		pgStore, err := storagepostgres.NewScanStore(ctx, storagepostgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeSec) * time.Second,
		})
		if err != nil {
			pgQueue.Close()
			return nil, nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			pgStore.Close()
			pgQueue.Close()
			return nil, nil, nil, fmt.Errorf("ensure scan schema: %w", err)
		}
		return pgQueue, pgStore, func() {
			pgStore.Close()
			pgQueue.Close()
		}, nil
	}
	return queuememory.NewQueue(nil), storagememory.NewScanStore(), func() {}, nil
}

func buildPublisher(ctx context.Context, cfg config.Config) (scan.Publisher, func(), error) {
	if !cfg.PubSub.Enabled {
		return memorypublisher.New(), func() {}, nil
	}
	pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	return pub, func() { _ = pub.Close() }, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (scan.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		// Object paths already carry the configured prefix.
		blobs, err := gcsblob.New(client, gcsblob.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		return blobs, nil
	case "local":
		blobs, err := localblob.New(localblob.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		return blobs, nil
	default:
		return nil, nil
	}
}

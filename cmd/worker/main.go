package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"export-job-service/internal/blob"
	"export-job-service/internal/config"
	"export-job-service/internal/export"
	"export-job-service/internal/queue"
	"export-job-service/internal/store"
	"export-job-service/internal/telemetry"
	workerproc "export-job-service/internal/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, queue.Options{
		ReadyKey:    cfg.QueueName,
		DLQKey:      cfg.DLQName,
		Visibility:  cfg.VisibilityTimeout,
		MaxReceives: cfg.MaxReceiveCount,
	})

	var artifacts workerproc.BlobStore
	if cfg.ReportsBucket != "" {
		s3Store, err := blob.NewS3(ctx, cfg)
		if err != nil {
			logger.Fatal("init s3 store", zap.Error(err))
		}
		artifacts = s3Store
	} else {
		artifacts = blob.NewLocal(cfg.ReportsOutputDir)
		logger.Info("no reports bucket configured, writing artifacts locally",
			zap.String("dir", cfg.ReportsOutputDir))
	}

	exporters := export.Registry(st, st)
	processor := workerproc.NewProcessor(cfg, st, q, artifacts, exporters, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Int("max_receives", cfg.MaxReceiveCount),
		zap.Int("batch_size", cfg.ReceiveBatchSize))
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", zap.Error(err))
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gnosis-research/gnosis-track/internal/buckets"
	"github.com/gnosis-research/gnosis-track/internal/infra"
	"github.com/gnosis-research/gnosis-track/internal/ingest"
	"github.com/gnosis-research/gnosis-track/internal/seal"
	"github.com/gnosis-research/gnosis-track/internal/server"
	"github.com/gnosis-research/gnosis-track/internal/server/handler"
	"github.com/gnosis-research/gnosis-track/internal/storage"
	"github.com/gnosis-research/gnosis-track/internal/stream"
	"github.com/gnosis-research/gnosis-track/internal/tokens"
)

func main() {
	// 1. Инфраструктура и ресурсы
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин: cancel() по SIGTERM
	// остановит пробер, слушателей ревокаций и tail-поллеры
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(reg)

	// 2. Storage Gateway (S3 + retries + circuit breaker)
	s3cli, err := storage.NewS3Client(appCtx, cfg.Storage)
	if err != nil {
		logger.Fatal("failed to init s3 client", zap.Error(err))
	}
	gateway := storage.NewGateway(s3cli, cfg.Storage, logger, metrics)

	prober := storage.NewProber(gateway, cfg.Storage.ProbeInterval, logger, metrics)
	go prober.Run(appCtx)

	// 3. Seal + бакет по умолчанию
	codec, err := seal.NewCodec(cfg.Seal.RootKey)
	if err != nil {
		logger.Fatal("failed to init seal codec", zap.Error(err))
	}

	bucketMgr := buckets.NewManager(gateway, cfg.Bucket, logger)
	if err := bucketMgr.EnsureDefault(appCtx, cfg.Bucket.Name); err != nil {
		logger.Fatal("failed to ensure default bucket",
			zap.String("bucket", cfg.Bucket.Name), zap.Error(err))
	}

	// 4. Token Authority + propagation ревокаций
	// Без Redis (dev-режим) отзыв действует только на этой ноде
	var src tokens.Source
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		src = tokens.NewRedisSource(rdb, logger)
	} else {
		logger.Warn("redis is not configured, token revocation is local to this node")
		src = tokens.NewMemorySource()
	}

	revocations := tokens.NewCache(src, cfg.Auth.RevocationRefresh, logger)
	if err := revocations.Init(appCtx); err != nil {
		logger.Fatal("failed to warm revocation cache", zap.Error(err))
	}
	go revocations.Start(appCtx)

	authority, err := tokens.NewAuthority(cfg.Auth.SigningSecret, cfg.Auth.TokenTTL, revocations, logger)
	if err != nil {
		logger.Fatal("failed to init token authority", zap.Error(err))
	}

	// 5. Ядро: ингест и чтение
	engine := ingest.NewEngine(gateway, codec, bucketMgr, authority, prober,
		cfg.Ingest, logger, metrics)
	retriever := stream.NewRetriever(gateway, codec, authority, cfg.Stream, logger, metrics)

	// 6. HTTP Server
	srv := server.NewServer(
		cfg, logger, authority, prober, reg,
		handler.NewAuthHandler(authority, cfg.Auth.BootstrapSecret, logger),
		handler.NewIngestHandler(engine, cfg.Bucket.Name, logger),
		handler.NewStreamHandler(retriever, cfg.Bucket.Name, logger),
		handler.NewBucketHandler(bucketMgr, authority, logger),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("trackd stopping...")

	// Сначала гасим HTTP (перестаём принимать записи), потом доливаем
	// буферы ингеста: иначе потеряли бы хвосты активных run-ов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	engine.Close(shutdownCtx)
	cancel()

	logger.Info("trackd stopped")
}

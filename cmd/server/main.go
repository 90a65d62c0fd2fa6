package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"examforge/internal/app"
	"examforge/internal/config"
	"examforge/internal/ratelimit"
	"examforge/internal/server"
	"examforge/internal/usertoken"
	"examforge/internal/util"
	"examforge/pkg/ai"
	"examforge/pkg/events"
	"examforge/pkg/extract"
	"examforge/pkg/queue"
	"examforge/pkg/storage"
	"examforge/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	blobs, err := newBlobStore(cfg)
	if err != nil {
		log.Fatalf("failed to init blob store: %v", err)
	}

	generator, err := newGenerator(cfg)
	if err != nil {
		log.Fatalf("failed to init generator: %v", err)
	}

	ocrCommand := ""
	if cfg.OCREnabled {
		ocrCommand = cfg.OCRCommand
	}
	extractor := extract.New(extract.Config{
		OCRCommand:        ocrCommand,
		OCRTimeoutSeconds: cfg.OCRTimeoutSeconds,
	})

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	appCore, err := app.New(app.Config{
		Store:           dataStore,
		Blobs:           blobs,
		Extractor:       extractor,
		Generator:       generator,
		Queue:           jobQueue,
		Events:          publisher,
		DailyPaperQuota: cfg.DailyPaperQuota,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.AuthTokenSecret,
		Issuer:   cfg.AuthTokenIssuer,
		Audience: cfg.AuthTokenAudience,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var uploadLimiter *ratelimit.FixedWindowLimiter
	if cfg.UploadRateLimit > 0 {
		uploadLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "examforge:ratelimit:upload",
			cfg.UploadRateLimit, time.Duration(cfg.UploadRateWindowSeconds)*time.Second)
		if err != nil {
			log.Fatalf("failed to init upload limiter: %v", err)
		}
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		UploadLimiter:  uploadLimiter,
		TrustedProxies: trustedProxies,
		MaxUploadBytes: int64(cfg.MaxUploadSizeMB) << 20,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobQueue.Start(util.ContextWithLogger(ctx, logger), cfg.QueueConcurrency, appCore.HandleJob)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
		jobQueue.Wait()
		return jobQueue.Close()
	})
	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func newBlobStore(cfg config.FileConfig) (storage.BlobStore, error) {
	if cfg.StorageBackend == "minio" {
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewFileStore(cfg.StoragePath)
}

func newGenerator(cfg config.FileConfig) (ai.TextGenerator, error) {
	if cfg.AIProvider == "openai" {
		return ai.NewOpenAICompatGenerator(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.GenerationModel), nil
	}
	client, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
	if err != nil {
		return nil, err
	}
	return ai.NewGeminiGenerator(client, cfg.GenerationModel), nil
}

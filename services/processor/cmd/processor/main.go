package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"filevault/internal/util"
	"filevault/pkg/derive"
	"filevault/pkg/envelope"
	"filevault/pkg/metrics"
	"filevault/pkg/queue"
	"filevault/pkg/storage"
	"filevault/services/processor/internal/app"
	"filevault/services/processor/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	objects, err := storage.Open(storage.Config{
		Backend: cfg.StorageBackend,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		FSRoot:        cfg.FSRoot,
		FSBaseURL:     cfg.FSBaseURL,
		SigningSecret: cfg.SigningSecret,
	})
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}

	jobs, err := queue.Open(queue.Options{
		Backend:     cfg.QueueBackend,
		RedisClient: redisClient,
		AMQPURL:     cfg.AMQPURL,
		Name:        cfg.QueueName,
		Group:       cfg.QueueGroup,
		MaxRetries:  cfg.QueueMaxRetries,
		RetryDelay:  time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}
	if closer, ok := jobs.(io.Closer); ok {
		defer closer.Close()
	}

	appCfg := app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Objects:     objects,
		Queue:       jobs,
		Generator: derive.NewGenerator(derive.GeneratorConfig{
			MaxEdge:        cfg.MaxEdge,
			ThumbnailSize:  cfg.ThumbnailSize,
			JPEGQuality:    cfg.JPEGQuality,
			PdftoppmBinary: cfg.PdftoppmBinary,
		}),
		Workers:       cfg.Workers,
		StaleAfter:    time.Duration(cfg.StaleAfterSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		SweepBatch:    cfg.SweepBatch,
	}
	if cfg.EncryptionEnabled {
		masterKey, err := config.DecodeMasterKey(cfg.MasterKey)
		if err != nil {
			log.Fatalf("failed to decode master key: %v", err)
		}
		keys, err := envelope.OpenKeyStore(cfg.KeyStore, redisClient)
		if err != nil {
			log.Fatalf("failed to init key store: %v", err)
		}
		cipher, err := envelope.NewEncryptor(masterKey, keys)
		if err != nil {
			log.Fatalf("failed to init encryptor: %v", err)
		}
		appCfg.Cipher = cipher
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      util.WithRequestID(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("processor server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
		}
	}()

	appCore.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

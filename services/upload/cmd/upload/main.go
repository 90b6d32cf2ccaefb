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

	"filevault/internal/ratelimit"
	"filevault/internal/servicetoken"
	"filevault/internal/usertoken"
	"filevault/internal/util"
	"filevault/pkg/derive"
	"filevault/pkg/envelope"
	"filevault/pkg/queue"
	"filevault/pkg/storage"
	"filevault/pkg/sweep"
	"filevault/pkg/validate"
	"filevault/services/upload/internal/app"
	"filevault/services/upload/internal/config"
	"filevault/services/upload/internal/parentclient"
	"filevault/services/upload/internal/server"
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
		Group:       "filevault-processor",
	})
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}
	if closer, ok := jobs.(io.Closer); ok {
		defer closer.Close()
	}

	var cipher *envelope.Encryptor
	if cfg.EncryptionEnabled {
		masterKey, err := config.DecodeMasterKey(cfg.MasterKey)
		if err != nil {
			log.Fatalf("failed to decode master key: %v", err)
		}
		keys, err := envelope.OpenKeyStore(cfg.KeyStore, redisClient)
		if err != nil {
			log.Fatalf("failed to init key store: %v", err)
		}
		if cipher, err = envelope.NewEncryptor(masterKey, keys); err != nil {
			log.Fatalf("failed to init encryptor: %v", err)
		}
	}

	scanners := []validate.Scanner{validate.NewSignatureScanner(cfg.Signatures)}
	if cfg.ClamdAddr != "" {
		clamd, err := validate.NewClamdScanner(cfg.ClamdAddr, time.Duration(cfg.ClamdTimeoutSeconds)*time.Second)
		if err != nil {
			log.Fatalf("failed to init clamd scanner: %v", err)
		}
		scanners = append(scanners, clamd)
	}

	appCfg := app.Config{
		DatabaseURL:      cfg.DatabaseURL,
		Objects:          objects,
		Queue:            jobs,
		EncryptByDefault: cfg.EncryptByDefault,
		Validator: validate.New(validate.Config{
			MaxSize:            cfg.MaxUploadBytes,
			AllowedTypes:       cfg.AllowedTypes,
			MaxImageWidth:      cfg.MaxImageWidth,
			MaxImageHeight:     cfg.MaxImageHeight,
			AllowedColorSpaces: cfg.AllowedColorSpaces,
			MaxPageCount:       cfg.MaxPageCount,
			Scanners:           scanners,
		}),
		DefaultQuotaBytes:    cfg.DefaultQuotaBytes,
		MaxConcurrentUploads: cfg.MaxConcurrentUploads,
		MaxChunks:            cfg.MaxChunks,
		SignedURLExpiry:      time.Duration(cfg.SignedURLExpirySecs) * time.Second,
	}
	// a nil *Encryptor in the interface would read as "encryption enabled"
	if cipher != nil {
		appCfg.Cipher = cipher
	}
	if cfg.ParentServiceURL != "" {
		var signer *servicetoken.Signer
		if cfg.InternalJWTPrivateKeyPath != "" {
			if signer, err = servicetoken.NewSigner(servicetoken.SignerOptions{
				PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
				KeyID:          cfg.InternalJWTKeyID,
				Issuer:         "upload",
			}); err != nil {
				log.Fatalf("failed to init internal token signer: %v", err)
			}
		}
		parents, err := parentclient.NewClient(cfg.ParentServiceURL, signer)
		if err != nil {
			log.Fatalf("failed to init parent client: %v", err)
		}
		appCfg.ParentAccess = parents
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	if cfg.QueueBackend == "local" {
		proc, err := derive.NewProcessor(derive.ProcessorConfig{
			Store:   appCore.Store(),
			Objects: objects,
			Cipher:  appCfg.Cipher,
			Generator: derive.NewGenerator(derive.GeneratorConfig{
				MaxEdge:        cfg.MaxEdge,
				ThumbnailSize:  cfg.ThumbnailSize,
				PdftoppmBinary: cfg.PdftoppmBinary,
			}),
		})
		if err != nil {
			log.Fatalf("failed to init derivative processor: %v", err)
		}
		jobs.Start(ctx, cfg.LocalWorkers, proc.Handle)
		slog.Info("in-process derivative workers started", "workers", cfg.LocalWorkers)

		// no processor service shares a local queue, so abandoned uploads are reclaimed here
		sweeper, err := sweep.New(sweep.Config{
			Store:      appCore.Store(),
			Objects:    objects,
			Sealer:     appCfg.Cipher,
			StaleAfter: time.Duration(cfg.StaleAfterSeconds) * time.Second,
			Batch:      cfg.SweepBatch,
		})
		if err != nil {
			log.Fatalf("failed to init sweeper: %v", err)
		}
		go sweeper.Run(ctx, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
	}

	var limiter server.UploadLimiter
	if cfg.UploadRateLimit > 0 {
		fixed, err := ratelimit.NewFixedWindowLimiter(redisClient, "filevault:ratelimit:upload", cfg.UploadRateLimit, time.Duration(cfg.UploadRateWindowSecs)*time.Second)
		if err != nil {
			log.Fatalf("failed to init upload rate limiter: %v", err)
		}
		limiter = fixed
	}

	var tokens server.CallerVerifier
	if cfg.AuthJWKSURL != "" {
		verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:  cfg.AuthJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			log.Fatalf("failed to init jwks verifier: %v", err)
		}
		tokens = verifier
	}

	var blobs http.Handler
	if fsStore, ok := objects.(*storage.FSStore); ok {
		blobs = fsStore.Handler("/blobs/")
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Limiter:        limiter,
		Tokens:         tokens,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxChunkBytes:  cfg.MaxChunkBytes,
		Blobs:          blobs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("upload server listening", "addr", addr, "storage", cfg.StorageBackend, "queue", cfg.QueueBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

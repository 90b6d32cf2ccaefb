package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with UPLOAD_CONFIG.
var ConfigPath = envOr("UPLOAD_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	StorageBackend string `yaml:"storageBackend"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	FSRoot         string `yaml:"fsRoot"`
	FSBaseURL      string `yaml:"fsBaseURL"`
	SigningSecret  string `yaml:"signingSecret"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	QueueBackend  string `yaml:"queueBackend"`
	AMQPURL       string `yaml:"amqpURL"`
	QueueName     string `yaml:"queueName"`
	// LocalWorkers runs derivative workers in-process when queueBackend is local.
	// The stale-upload sweeper then runs in-process too.
	LocalWorkers         int `yaml:"localWorkers"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
	StaleAfterSeconds    int `yaml:"staleAfterSeconds"`
	SweepBatch           int `yaml:"sweepBatch"`

	EncryptionEnabled bool   `yaml:"encryptionEnabled"`
	EncryptByDefault  bool   `yaml:"encryptByDefault"`
	MasterKey         string `yaml:"masterKey"`
	KeyStore          string `yaml:"keyStore"`

	DefaultQuotaBytes    int64             `yaml:"defaultQuotaBytes"`
	MaxUploadBytes       int64             `yaml:"maxUploadBytes"`
	AllowedTypes         []string          `yaml:"allowedTypes"`
	MaxImageWidth        int               `yaml:"maxImageWidth"`
	MaxImageHeight       int               `yaml:"maxImageHeight"`
	AllowedColorSpaces   []string          `yaml:"allowedColorSpaces"`
	MaxPageCount         int               `yaml:"maxPageCount"`
	ClamdAddr            string            `yaml:"clamdAddr"`
	ClamdTimeoutSeconds  int               `yaml:"clamdTimeoutSeconds"`
	Signatures           map[string]string `yaml:"signatures"`
	MaxConcurrentUploads int               `yaml:"maxConcurrentUploads"`
	MaxChunks            int               `yaml:"maxChunks"`
	MaxChunkBytes        int64             `yaml:"maxChunkBytes"`
	UploadRateLimit      int               `yaml:"uploadRateLimit"`
	UploadRateWindowSecs int               `yaml:"uploadRateWindowSeconds"`
	SignedURLExpirySecs  int               `yaml:"signedURLExpirySeconds"`

	// AuthJWKSURL switches caller identity from gateway headers to verified bearer tokens.
	AuthJWKSURL string `yaml:"authJWKSURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`

	// ParentServiceURL resolves access to files attached to a parent entity.
	ParentServiceURL          string `yaml:"parentServiceURL"`
	InternalJWTKeyID          string `yaml:"internalJWTKeyId"`
	InternalJWTPrivateKeyPath string `yaml:"internalJWTPrivateKeyPath"`

	ThumbnailSize  int    `yaml:"thumbnailSize"`
	MaxEdge        int    `yaml:"maxEdge"`
	PdftoppmBinary string `yaml:"pdftoppmBinary"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("STORAGE_SIGNING_SECRET"); v != "" {
		cfg.SigningSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		cfg.QueueBackend = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("FILEVAULT_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("FILEVAULT_ENCRYPTION_ENABLED"); v != "" {
		cfg.EncryptionEnabled = v == "true"
	}
	if v := os.Getenv("UPLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("UPLOAD_DEFAULT_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.DefaultQuotaBytes = n
		}
	}
	if v := os.Getenv("UPLOAD_ALLOWED_TYPES"); v != "" {
		cfg.AllowedTypes = splitCSV(v)
	}
	if v := os.Getenv("UPLOAD_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentUploads = n
		}
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("PARENT_SERVICE_URL"); v != "" {
		cfg.ParentServiceURL = v
	}
	if v := os.Getenv("CLAMD_ADDR"); v != "" {
		cfg.ClamdAddr = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "minio"
	}
	if cfg.QueueBackend == "" {
		cfg.QueueBackend = "redis"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "filevault:derive"
	}
	if cfg.KeyStore == "" {
		cfg.KeyStore = "redis"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 8 << 20
	}
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = 5
	}
	if cfg.UploadRateWindowSecs <= 0 {
		cfg.UploadRateWindowSecs = 60
	}
	if cfg.SignedURLExpirySecs <= 0 {
		cfg.SignedURLExpirySecs = 900
	}
	if cfg.ClamdTimeoutSeconds <= 0 {
		cfg.ClamdTimeoutSeconds = 30
	}
	if cfg.LocalWorkers <= 0 {
		cfg.LocalWorkers = 2
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 600
	}
	if cfg.StaleAfterSeconds <= 0 {
		cfg.StaleAfterSeconds = 86400
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.StorageBackend {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required for the minio storage backend")
		}
	case "fs":
		if cfg.FSRoot == "" || cfg.FSBaseURL == "" {
			return errors.New("config: fsRoot and fsBaseURL are required for the fs storage backend")
		}
		if len(cfg.SigningSecret) < 16 {
			return errors.New("config: signingSecret must be at least 16 bytes (set in config.yaml or STORAGE_SIGNING_SECRET)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storageBackend %q (minio, fs, memory)", cfg.StorageBackend)
	}
	switch cfg.QueueBackend {
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis queue backend")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for the amqp queue backend")
		}
	case "local":
	default:
		return fmt.Errorf("config: unknown queueBackend %q (redis, amqp, local)", cfg.QueueBackend)
	}
	if cfg.StaleAfterSeconds < cfg.SweepIntervalSeconds {
		return errors.New("config: staleAfterSeconds must not be shorter than sweepIntervalSeconds")
	}
	if cfg.EncryptByDefault && !cfg.EncryptionEnabled {
		return errors.New("config: encryptByDefault requires encryptionEnabled")
	}
	if cfg.EncryptionEnabled {
		if _, err := DecodeMasterKey(cfg.MasterKey); err != nil {
			return err
		}
		switch cfg.KeyStore {
		case "redis":
			if cfg.RedisAddr == "" {
				return errors.New("config: redisAddr is required for the redis key store")
			}
		case "memory":
		default:
			return fmt.Errorf("config: unknown keyStore %q (redis, memory)", cfg.KeyStore)
		}
	}
	if cfg.UploadRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when uploadRateLimit is set")
	}
	if cfg.MaxChunkBytes > cfg.MaxUploadBytes {
		return errors.New("config: maxChunkBytes must not exceed maxUploadBytes")
	}
	return nil
}

// DecodeMasterKey parses the base64 master secret and enforces a 32 byte minimum.
func DecodeMasterKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("config: masterKey is required when encryption is enabled (set FILEVAULT_MASTER_KEY)")
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("config: masterKey must be base64: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("config: masterKey must decode to at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

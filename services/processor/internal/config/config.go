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

// ConfigPath is the default config location, overridable with PROCESSOR_CONFIG.
var ConfigPath = envOr("PROCESSOR_CONFIG", "config.yaml")

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

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueBackend           string `yaml:"queueBackend"`
	AMQPURL                string `yaml:"amqpURL"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	Workers                int    `yaml:"workers"`

	EncryptionEnabled bool   `yaml:"encryptionEnabled"`
	MasterKey         string `yaml:"masterKey"`
	KeyStore          string `yaml:"keyStore"`

	ThumbnailSize  int    `yaml:"thumbnailSize"`
	MaxEdge        int    `yaml:"maxEdge"`
	JPEGQuality    int    `yaml:"jpegQuality"`
	PdftoppmBinary string `yaml:"pdftoppmBinary"`

	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
	StaleAfterSeconds    int `yaml:"staleAfterSeconds"`
	SweepBatch           int `yaml:"sweepBatch"`
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
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("FILEVAULT_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("PROCESSOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
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
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "filevault-processor"
	}
	if cfg.QueueRetryDelaySeconds <= 0 {
		cfg.QueueRetryDelaySeconds = 5
	}
	if cfg.KeyStore == "" {
		cfg.KeyStore = "redis"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
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
		if cfg.FSRoot == "" {
			return errors.New("config: fsRoot is required for the fs storage backend")
		}
		if len(cfg.SigningSecret) < 16 {
			return errors.New("config: signingSecret must be at least 16 bytes for the fs storage backend")
		}
	default:
		// the in-memory backend cannot be shared with the upload service
		return fmt.Errorf("config: unknown storageBackend %q (minio, fs)", cfg.StorageBackend)
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
	default:
		return fmt.Errorf("config: unknown queueBackend %q (redis, amqp)", cfg.QueueBackend)
	}
	if cfg.EncryptionEnabled {
		if _, err := DecodeMasterKey(cfg.MasterKey); err != nil {
			return err
		}
		if cfg.KeyStore != "redis" {
			return errors.New("config: keyStore must be redis so keys are shared with the upload service")
		}
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis key store")
		}
	}
	if cfg.StaleAfterSeconds < cfg.SweepIntervalSeconds {
		return errors.New("config: staleAfterSeconds must be at least sweepIntervalSeconds")
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

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

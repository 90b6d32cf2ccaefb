package storage

import (
	"fmt"
	"strings"
)

// Config selects and configures a Provider.
type Config struct {
	// Backend is one of "minio", "fs" or "memory".
	Backend       string
	Minio         MinioConfig
	FSRoot        string
	FSBaseURL     string
	SigningSecret string
}

// Open builds the configured provider.
func Open(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "minio":
		return NewMinioStore(cfg.Minio)
	case "fs":
		return NewFSStore(cfg.FSRoot, cfg.FSBaseURL, []byte(cfg.SigningSecret))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

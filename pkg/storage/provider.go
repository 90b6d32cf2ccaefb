// Package storage provides put/get/delete/sign-url access to object stores.
// Implementations are interchangeable; nothing here knows about file records.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by Get when the path holds no object.
var ErrObjectNotFound = errors.New("object not found")

// PutOptions carries object attributes stored alongside the bytes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Provider is the storage abstraction the upload pipeline depends on.
type Provider interface {
	Put(ctx context.Context, path string, r io.Reader, size int64, opts PutOptions) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	SignedURL(ctx context.Context, path string, expiry time.Duration) (string, error)
}

func contentTypeOrDefault(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

func cleanKey(path string) (string, error) {
	key := strings.TrimLeft(strings.TrimSpace(path), "/")
	if key == "" {
		return "", errors.New("storage path required")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", errors.New("storage path must not contain ..")
		}
	}
	return key, nil
}

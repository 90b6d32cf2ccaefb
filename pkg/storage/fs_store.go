package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FSStore implements Provider on a local directory. Signed URLs are short-lived
// HS256 tokens bound to the object key and served by Handler.
type FSStore struct {
	root    string
	baseURL string
	secret  []byte
}

// NewFSStore creates the root directory when missing.
func NewFSStore(root, baseURL string, secret []byte) (*FSStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("fs store root required")
	}
	if len(secret) < 16 {
		return nil, errors.New("fs store signing secret must be at least 16 bytes")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &FSStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  append([]byte(nil), secret...),
	}, nil
}

func (s *FSStore) objectPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes the object atomically via a temp file and rename.
func (s *FSStore) Put(ctx context.Context, path string, r io.Reader, size int64, _ PutOptions) (string, error) {
	key, err := cleanKey(path)
	if err != nil {
		return "", err
	}
	dst := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	written, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if size >= 0 && written != size {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write object: wrote %d bytes, expected %d", written, size)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename object: %w", err)
	}
	return key, nil
}

// Get reads a whole object.
func (s *FSStore) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := cleanKey(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.objectPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *FSStore) Delete(ctx context.Context, path string) error {
	key, err := cleanKey(path)
	if err != nil {
		return err
	}
	if err := os.Remove(s.objectPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// SignedURL returns baseURL/<key>?token=<jwt> valid for expiry.
func (s *FSStore) SignedURL(ctx context.Context, path string, expiry time.Duration) (string, error) {
	key, err := cleanKey(path)
	if err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return s.baseURL + "/" + key + "?token=" + url.QueryEscape(token), nil
}

// VerifySignedToken checks that token was issued by this store for key and is unexpired.
func (s *FSStore) VerifySignedToken(token, key string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject != key {
		return errors.New("verify token: key mismatch")
	}
	return nil
}

// Handler serves signed objects below prefix, e.g. "/blobs/". Objects are
// always sent as opaque attachments so uploaded markup never renders on
// the serving origin.
func (s *FSStore) Handler(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key, err := cleanKey(strings.TrimPrefix(r.URL.Path, prefix))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if err := s.VerifySignedToken(r.URL.Query().Get("token"), key); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		data, err := s.Get(r.Context(), key)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", "attachment")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
		http.ServeContent(w, r, filepath.Base(key), time.Time{}, bytes.NewReader(data))
	})
}

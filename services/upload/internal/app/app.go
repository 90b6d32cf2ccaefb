package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"filevault/internal/util"
	"filevault/pkg/chunk"
	"filevault/pkg/domain"
	"filevault/pkg/envelope"
	"filevault/pkg/metrics"
	"filevault/pkg/queue"
	"filevault/pkg/quota"
	"filevault/pkg/storage"
	"filevault/pkg/store"
	"filevault/pkg/validate"
)

// Cipher is the slice of the encryption module the coordinator needs.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) (envelope.Sealed, error)
	Decrypt(ctx context.Context, envelope []byte, keyID string) ([]byte, error)
	RotateKey(ctx context.Context, oldKeyID string) (string, error)
	DeleteKey(ctx context.Context, keyID string) error
}

// ParentAccess answers whether a user is linked to the entity a file is attached to
// (for example the owner or assignee of an order).
type ParentAccess interface {
	CanAccess(ctx context.Context, parentRef, userID string) (bool, error)
}

// Config holds runtime configuration for the upload coordinator.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Objects     storage.Provider
	Queue       queue.Enqueuer
	// Cipher enables encryption at rest. Nil means uploads requesting encryption are refused.
	Cipher           Cipher
	EncryptByDefault bool
	Validator        *validate.Validator
	ParentAccess     ParentAccess

	DefaultQuotaBytes    int64
	MaxConcurrentUploads int
	MaxChunks            int
	ChunkConcurrency     int
	SignedURLExpiry      time.Duration
}

// App coordinates admission, validation, encryption, storage and quota for uploads.
type App struct {
	store            store.Store
	objects          storage.Provider
	queue            queue.Enqueuer
	cipher           Cipher
	encryptByDefault bool
	validator        *validate.Validator
	parents          ParentAccess
	quota            *quota.Ledger
	chunks           *chunk.Assembler
	maxConcurrent    int
	maxChunks        int
	presignExpiry    time.Duration
}

// New constructs the coordinator. A database-backed store is opened from
// DatabaseURL when Store is not supplied.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("storage provider required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("derivative queue required")
	}
	if cfg.EncryptByDefault && cfg.Cipher == nil {
		return nil, fmt.Errorf("encryption by default requires a cipher")
	}
	ledger, err := quota.NewLedger(dataStore, cfg.DefaultQuotaBytes)
	if err != nil {
		return nil, err
	}
	assembler, err := chunk.NewAssembler(cfg.Objects, dataStore, cfg.Cipher, cfg.ChunkConcurrency)
	if err != nil {
		return nil, err
	}
	validator := cfg.Validator
	if validator == nil {
		validator = validate.New(validate.Config{})
	}
	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 10000
	}
	expiry := cfg.SignedURLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &App{
		store:            dataStore,
		objects:          cfg.Objects,
		queue:            cfg.Queue,
		cipher:           cfg.Cipher,
		encryptByDefault: cfg.EncryptByDefault,
		validator:        validator,
		parents:          cfg.ParentAccess,
		quota:            ledger,
		chunks:           assembler,
		maxConcurrent:    cfg.MaxConcurrentUploads,
		maxChunks:        maxChunks,
		presignExpiry:    expiry,
	}, nil
}

// Store exposes the record store so in-process workers share it.
func (a *App) Store() store.Store {
	return a.store
}

// Usage returns the owner's quota ledger, creating it with the default allotment.
func (a *App) Usage(ctx context.Context, ownerID string) (domain.QuotaLedger, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.QuotaLedger{}, fmt.Errorf("owner required: %w", domain.ErrInvalidInput)
	}
	return a.quota.Usage(ctx, ownerID)
}

// SetQuota changes an owner's allotment. Admin only.
func (a *App) SetQuota(ctx context.Context, caller domain.Caller, ownerID string, total int64) (domain.QuotaLedger, error) {
	if !caller.IsAdmin() {
		return domain.QuotaLedger{}, domain.ErrForbidden
	}
	if strings.TrimSpace(ownerID) == "" {
		return domain.QuotaLedger{}, fmt.Errorf("owner required: %w", domain.ErrInvalidInput)
	}
	if err := a.quota.SetTotal(ctx, ownerID, total); err != nil {
		return domain.QuotaLedger{}, err
	}
	return a.quota.Usage(ctx, ownerID)
}

// admit reserves size bytes and enforces the per-owner in-flight ceiling.
// On success the caller owns the reservation.
func (a *App) admit(ctx context.Context, ownerID string, size int64) error {
	if err := a.quota.Reserve(ctx, ownerID, size); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			metrics.QuotaRejectionsTotal.Inc()
		}
		return err
	}
	if a.maxConcurrent <= 0 {
		return nil
	}
	inFlight, err := a.store.CountFiles(ctx, store.FileFilter{OwnerID: ownerID, Statuses: domain.InFlightStatuses})
	if err != nil {
		a.release(ctx, ownerID, size)
		return fmt.Errorf("count in-flight uploads: %w", err)
	}
	if inFlight >= a.maxConcurrent {
		a.release(ctx, ownerID, size)
		return fmt.Errorf("owner %s has %d uploads in flight: %w", ownerID, inFlight, domain.ErrConcurrencyLimit)
	}
	return nil
}

func (a *App) release(ctx context.Context, ownerID string, size int64) {
	if err := a.quota.Release(ctx, ownerID, size); err != nil {
		util.LoggerFromContext(ctx).Error("release quota reservation", "owner_id", ownerID, "bytes", size, "err", err)
	}
}

func (a *App) wantsEncryption(requested bool) (bool, error) {
	if !requested && !a.encryptByDefault {
		return false, nil
	}
	if a.cipher == nil {
		return false, fmt.Errorf("encryption not configured: %w", domain.ErrInvalidInput)
	}
	return true, nil
}

// loadFile returns a live record or domain.ErrNotFound.
func (a *App) loadFile(ctx context.Context, id string) (domain.FileRecord, error) {
	if strings.TrimSpace(id) == "" {
		return domain.FileRecord{}, fmt.Errorf("file id required: %w", domain.ErrInvalidInput)
	}
	rec, ok, err := a.store.GetFile(ctx, id)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("load file: %w", err)
	}
	if !ok || rec.DeletedAt != nil {
		return domain.FileRecord{}, fmt.Errorf("file %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

// authorize admits the uploader, admins and users linked to the parent entity.
func (a *App) authorize(ctx context.Context, rec domain.FileRecord, caller domain.Caller) error {
	if caller.ID == "" {
		return domain.ErrForbidden
	}
	if rec.OwnerID == caller.ID || caller.IsAdmin() {
		return nil
	}
	if rec.ParentRef != "" && a.parents != nil {
		ok, err := a.parents.CanAccess(ctx, rec.ParentRef, caller.ID)
		if err != nil {
			return fmt.Errorf("check parent access: %w", err)
		}
		if ok {
			return nil
		}
	}
	return domain.ErrForbidden
}

// fail marks rec failed and returns its reservation to the owner.
func (a *App) fail(ctx context.Context, rec domain.FileRecord, action string, cause error) error {
	a.markFailed(ctx, rec, action, cause)
	a.release(ctx, rec.OwnerID, rec.Size)
	return cause
}

func (a *App) markFailed(ctx context.Context, rec domain.FileRecord, action string, cause error) {
	logger := util.LoggerFromContext(ctx).With("file_id", rec.ID, "action", action)
	var verr *domain.ValidationError
	if errors.As(cause, &verr) {
		metrics.ValidationFailuresTotal.WithLabelValues(string(verr.Reason)).Inc()
		logger.Info("upload rejected", "reason", verr.Reason, "detail", verr.Detail)
	} else {
		logger.Warn("upload failed", "err", cause)
	}
	if _, err := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		return f.Fail(action, cause)
	}); err != nil {
		logger.Error("mark file failed", "err", err)
	}
}

func (a *App) removeObject(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := a.objects.Delete(ctx, path); err != nil {
		util.LoggerFromContext(ctx).Warn("delete object", "path", path, "err", err)
	}
}

func (a *App) dropKey(ctx context.Context, keyID string) {
	if keyID == "" || a.cipher == nil {
		return
	}
	if err := a.cipher.DeleteKey(ctx, keyID); err != nil {
		util.LoggerFromContext(ctx).Warn("delete data key", "key_id", keyID, "err", err)
	}
}

func newRecord(ownerID, name, declaredType string, category domain.Category, parentRef string, size int64, encrypted bool) domain.FileRecord {
	now := time.Now().UTC()
	return domain.FileRecord{
		ID:           uuid.NewString(),
		OriginalName: cleanName(name),
		DeclaredType: strings.TrimSpace(declaredType),
		Size:         size,
		Category:     domain.ParseCategory(string(category)),
		Status:       domain.StatusPending,
		OwnerID:      ownerID,
		ParentRef:    strings.TrimSpace(parentRef),
		Metadata:     map[string]string{},
		IsEncrypted:  encrypted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func originalPath(ownerID, fileID string) string {
	return "files/" + sanitizeSegment(ownerID) + "/" + fileID + "/original"
}

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "unnamed"
	}
	return name
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_.")
	if out == "" {
		return "anonymous"
	}
	return out
}

func checkOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("owner required: %w", domain.ErrInvalidInput)
	}
	return nil
}

func logUpload(ctx context.Context, rec domain.FileRecord) {
	util.LoggerFromContext(ctx).Info("upload stored",
		slog.String("file_id", rec.ID),
		slog.String("content_type", rec.ContentType),
		slog.Int64("bytes", rec.Size),
		slog.Bool("encrypted", rec.IsEncrypted),
	)
}

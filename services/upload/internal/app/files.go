package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"filevault/internal/util"
	"filevault/pkg/domain"
	"filevault/pkg/storage"
	"filevault/pkg/store"
)

// DownloadURL is a time-limited link to a stored original.
type DownloadURL struct {
	URL      string    `json:"url"`
	Expiry   time.Time `json:"expiresAt"`
	Filename string    `json:"filename"`
}

// ListFilter narrows ListFiles. Non-admin callers only see their own files
// unless they may access the given parent entity.
type ListFilter struct {
	OwnerID   string
	ParentRef string
	Status    domain.FileStatus
	Limit     int
}

// GetFile returns a record the caller may read.
func (a *App) GetFile(ctx context.Context, fileID string, caller domain.Caller) (domain.FileRecord, error) {
	rec, err := a.loadFile(ctx, fileID)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if err := a.authorize(ctx, rec, caller); err != nil {
		return domain.FileRecord{}, err
	}
	return rec, nil
}

func (a *App) ListFiles(ctx context.Context, caller domain.Caller, filter ListFilter) ([]domain.FileRecord, error) {
	if caller.ID == "" {
		return nil, domain.ErrForbidden
	}
	q := store.FileFilter{OwnerID: filter.OwnerID, ParentRef: strings.TrimSpace(filter.ParentRef), Limit: filter.Limit}
	if filter.Status != "" {
		q.Statuses = []domain.FileStatus{filter.Status}
	}
	if !caller.IsAdmin() {
		parentAllowed := false
		if q.ParentRef != "" && a.parents != nil {
			ok, err := a.parents.CanAccess(ctx, q.ParentRef, caller.ID)
			if err != nil {
				return nil, fmt.Errorf("check parent access: %w", err)
			}
			parentAllowed = ok
		}
		if !parentAllowed {
			if q.OwnerID != "" && q.OwnerID != caller.ID {
				return nil, domain.ErrForbidden
			}
			q.OwnerID = caller.ID
		}
	}
	return a.store.ListFiles(ctx, q)
}

// DeleteFile soft-deletes the record, returns an active file's bytes to the
// owner's quota and removes the original, thumbnail and every version from
// storage. Storage and key cleanup is best-effort.
func (a *App) DeleteFile(ctx context.Context, fileID string, caller domain.Caller) error {
	rec, err := a.loadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if rec.OwnerID != caller.ID && !caller.IsAdmin() {
		return domain.ErrForbidden
	}
	var before domain.FileRecord
	deleted, err := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		before = *f
		if err := f.Transition(domain.StatusDeleted); err != nil {
			return err
		}
		now := time.Now().UTC()
		f.DeletedAt = &now
		f.Record("delete", nil)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete file %s: %w", rec.ID, err)
	}

	logger := util.LoggerFromContext(ctx).With("file_id", rec.ID)
	if before.Status == domain.StatusActive {
		if err := a.quota.Commit(ctx, before.OwnerID, -before.Size, before.Category); err != nil {
			logger.Error("return quota", "bytes", before.Size, "err", err)
		}
	}
	for _, path := range deleted.StoragePaths() {
		a.removeObject(ctx, path)
	}
	for _, keyID := range deleted.KeyIDs() {
		a.dropKey(ctx, keyID)
	}
	logger.Info("file deleted", "bytes", before.Size, "by", caller.ID)
	return nil
}

// GetDownloadURL presigns the original for callers allowed to read it.
// Encrypted files are served through OpenFile instead.
func (a *App) GetDownloadURL(ctx context.Context, fileID string, caller domain.Caller) (DownloadURL, error) {
	rec, err := a.readableFile(ctx, fileID, caller)
	if err != nil {
		return DownloadURL{}, err
	}
	if rec.IsEncrypted {
		return DownloadURL{}, fmt.Errorf("file %s is encrypted at rest, read its content instead: %w", rec.ID, domain.ErrInvalidInput)
	}
	url, err := a.objects.SignedURL(ctx, rec.StoragePath, a.presignExpiry)
	if err != nil {
		return DownloadURL{}, fmt.Errorf("sign url: %v: %w", err, domain.ErrStorageFailure)
	}
	a.countDownload(ctx, rec.ID)
	return DownloadURL{URL: url, Expiry: time.Now().UTC().Add(a.presignExpiry), Filename: rec.OriginalName}, nil
}

// OpenFile returns the original bytes, decrypted when the file is encrypted at rest.
func (a *App) OpenFile(ctx context.Context, fileID string, caller domain.Caller) (domain.FileRecord, []byte, error) {
	rec, err := a.readableFile(ctx, fileID, caller)
	if err != nil {
		return domain.FileRecord{}, nil, err
	}
	data, err := a.readObject(ctx, rec.StoragePath, rec.IsEncrypted, rec.KeyID)
	if err != nil {
		return domain.FileRecord{}, nil, err
	}
	a.countDownload(ctx, rec.ID)
	return rec, data, nil
}

// OpenVersion returns a derivative's bytes.
func (a *App) OpenVersion(ctx context.Context, fileID string, kind domain.DerivativeKind, caller domain.Caller) (domain.Version, []byte, error) {
	rec, err := a.readableFile(ctx, fileID, caller)
	if err != nil {
		return domain.Version{}, nil, err
	}
	v, ok := rec.Versions[kind]
	if !ok {
		return domain.Version{}, nil, fmt.Errorf("version %s of %s: %w", kind, rec.ID, domain.ErrNotFound)
	}
	data, err := a.readObject(ctx, v.Path, v.KeyID != "", v.KeyID)
	if err != nil {
		return domain.Version{}, nil, err
	}
	return v, data, nil
}

// RotateFileKey re-identifies the data key protecting the original. The
// stored ciphertext is unchanged; ReencryptFile replaces the key material.
func (a *App) RotateFileKey(ctx context.Context, fileID string, caller domain.Caller) (domain.FileRecord, error) {
	rec, err := a.encryptedFile(ctx, fileID, caller)
	if err != nil {
		return domain.FileRecord{}, err
	}
	newKeyID, err := a.cipher.RotateKey(ctx, rec.KeyID)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("rotate key: %w", err)
	}
	updated, err := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		if f.KeyID != rec.KeyID {
			return fmt.Errorf("key changed during rotation: %w", domain.ErrConflict)
		}
		f.KeyID = newKeyID
		f.Record("rotate_key", nil)
		return nil
	})
	if err != nil {
		// the old id no longer exists; the file is only readable through newKeyID
		util.LoggerFromContext(ctx).Error("store rotated key id", "file_id", rec.ID, "key_id", newKeyID, "err", err)
		return domain.FileRecord{}, fmt.Errorf("store rotated key: %w", err)
	}
	return updated, nil
}

// ReencryptFile decrypts the original and seals it again under a fresh data
// key, writing a new object before retiring the old object and key.
func (a *App) ReencryptFile(ctx context.Context, fileID string, caller domain.Caller) (domain.FileRecord, error) {
	rec, err := a.encryptedFile(ctx, fileID, caller)
	if err != nil {
		return domain.FileRecord{}, err
	}
	plaintext, err := a.readObject(ctx, rec.StoragePath, true, rec.KeyID)
	if err != nil {
		return domain.FileRecord{}, err
	}
	sealed, err := a.cipher.Encrypt(ctx, plaintext)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("encrypt: %w", err)
	}
	path := originalPath(rec.OwnerID, rec.ID) + "." + shortKey(sealed.KeyID)
	if _, err := a.objects.Put(ctx, path, bytes.NewReader(sealed.Ciphertext), int64(len(sealed.Ciphertext)), storage.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"file-id": rec.ID, "owner-id": rec.OwnerID},
	}); err != nil {
		a.dropKey(ctx, sealed.KeyID)
		return domain.FileRecord{}, fmt.Errorf("put original: %v: %w", err, domain.ErrStorageFailure)
	}
	updated, err := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		if f.KeyID != rec.KeyID || f.StoragePath != rec.StoragePath {
			return fmt.Errorf("original changed during re-encryption: %w", domain.ErrConflict)
		}
		f.StoragePath = path
		f.KeyID = sealed.KeyID
		f.Record("reencrypt", nil)
		return nil
	})
	if err != nil {
		a.removeObject(ctx, path)
		a.dropKey(ctx, sealed.KeyID)
		return domain.FileRecord{}, fmt.Errorf("store re-encrypted original: %w", err)
	}
	a.removeObject(ctx, rec.StoragePath)
	a.dropKey(ctx, rec.KeyID)
	return updated, nil
}

func (a *App) readableFile(ctx context.Context, fileID string, caller domain.Caller) (domain.FileRecord, error) {
	rec, err := a.loadFile(ctx, fileID)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if err := a.authorize(ctx, rec, caller); err != nil {
		return domain.FileRecord{}, err
	}
	if rec.Status != domain.StatusActive {
		return domain.FileRecord{}, fmt.Errorf("file %s is %s: %w", rec.ID, rec.Status, domain.ErrInvalidTransition)
	}
	return rec, nil
}

func (a *App) encryptedFile(ctx context.Context, fileID string, caller domain.Caller) (domain.FileRecord, error) {
	if a.cipher == nil {
		return domain.FileRecord{}, fmt.Errorf("encryption not configured: %w", domain.ErrInvalidInput)
	}
	rec, err := a.loadFile(ctx, fileID)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if rec.OwnerID != caller.ID && !caller.IsAdmin() {
		return domain.FileRecord{}, domain.ErrForbidden
	}
	if rec.Status != domain.StatusActive {
		return domain.FileRecord{}, fmt.Errorf("file %s is %s: %w", rec.ID, rec.Status, domain.ErrInvalidTransition)
	}
	if !rec.IsEncrypted || rec.KeyID == "" {
		return domain.FileRecord{}, fmt.Errorf("file %s is not encrypted: %w", rec.ID, domain.ErrInvalidInput)
	}
	return rec, nil
}

func (a *App) readObject(ctx context.Context, path string, encrypted bool, keyID string) ([]byte, error) {
	data, err := a.objects.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", path, err, domain.ErrStorageFailure)
	}
	if !encrypted {
		return data, nil
	}
	if a.cipher == nil {
		return nil, fmt.Errorf("encryption not configured: %w", domain.ErrDecryptionFailed)
	}
	plaintext, err := a.cipher.Decrypt(ctx, data, keyID)
	if err != nil {
		if !errors.Is(err, domain.ErrDecryptionFailed) {
			err = fmt.Errorf("%v: %w", err, domain.ErrDecryptionFailed)
		}
		util.LoggerFromContext(ctx).Error("decrypt object", "path", path, "key_id", keyID, "err", err)
		return nil, err
	}
	return plaintext, nil
}

// countDownload merges the counter into metadata; failures never block the download.
func (a *App) countDownload(ctx context.Context, fileID string) {
	if _, err := a.store.UpdateFile(ctx, fileID, func(f *domain.FileRecord) error {
		n, _ := strconv.Atoi(f.Metadata[domain.MetaDownloads])
		f.SetMeta(domain.MetaDownloads, strconv.Itoa(n+1))
		f.SetMeta(domain.MetaLastDownloadAt, time.Now().UTC().Format(time.RFC3339))
		return nil
	}); err != nil {
		util.LoggerFromContext(ctx).Warn("count download", "file_id", fileID, "err", err)
	}
}

func shortKey(keyID string) string {
	keyID = strings.ReplaceAll(keyID, "-", "")
	if len(keyID) > 12 {
		return keyID[:12]
	}
	return keyID
}

package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"filevault/internal/util"
	"filevault/pkg/chunk"
	"filevault/pkg/derive"
	"filevault/pkg/domain"
	"filevault/pkg/metrics"
	"filevault/pkg/storage"
)

// UploadInput describes one file in a single-request upload.
type UploadInput struct {
	Reader       io.Reader
	Name         string
	DeclaredType string
	Size         int64
	Category     domain.Category
	OwnerID      string
	ParentRef    string
	Encrypt      bool
}

// BatchFailure names a file of a batch that could not be stored.
type BatchFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// BatchResult splits a batch into stored records and failures, in input order.
type BatchResult struct {
	Succeeded []domain.FileRecord `json:"succeeded"`
	Failed    []BatchFailure      `json:"failed"`
}

// UploadSingle admits, validates, stores and activates one file.
func (a *App) UploadSingle(ctx context.Context, in UploadInput) (domain.FileRecord, error) {
	start := time.Now()
	rec, err := a.uploadSingle(ctx, in)
	observeUpload("single", start, rec, err)
	return rec, err
}

func (a *App) uploadSingle(ctx context.Context, in UploadInput) (domain.FileRecord, error) {
	if err := checkOwner(in.OwnerID); err != nil {
		return domain.FileRecord{}, err
	}
	if in.Reader == nil {
		return domain.FileRecord{}, fmt.Errorf("file content required: %w", domain.ErrInvalidInput)
	}
	encrypt, err := a.wantsEncryption(in.Encrypt)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if err := a.admit(ctx, in.OwnerID, in.Size); err != nil {
		return domain.FileRecord{}, err
	}
	rec := newRecord(in.OwnerID, in.Name, in.DeclaredType, in.Category, in.ParentRef, in.Size, encrypt)
	if err := a.store.CreateFile(ctx, rec); err != nil {
		a.release(ctx, in.OwnerID, in.Size)
		return domain.FileRecord{}, fmt.Errorf("create file record: %w", err)
	}
	processing, err := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		return f.Transition(domain.StatusProcessing)
	})
	if err != nil {
		return domain.FileRecord{}, a.fail(ctx, rec, "process", err)
	}
	rec = processing
	data, err := readLimited(in.Reader, a.validator.MaxSize())
	if err != nil {
		return domain.FileRecord{}, a.fail(ctx, rec, "receive", err)
	}
	return a.finalize(ctx, rec, data)
}

// UploadMultiple checks the batch's total size against each owner's remaining
// allotment once, then stores every file independently.
func (a *App) UploadMultiple(ctx context.Context, inputs []UploadInput) (BatchResult, error) {
	if len(inputs) == 0 {
		return BatchResult{}, fmt.Errorf("no files in batch: %w", domain.ErrInvalidInput)
	}
	totals := make(map[string]int64)
	for _, in := range inputs {
		if err := checkOwner(in.OwnerID); err != nil {
			return BatchResult{}, err
		}
		totals[in.OwnerID] += in.Size
	}
	for owner, total := range totals {
		usage, err := a.quota.Usage(ctx, owner)
		if err != nil {
			return BatchResult{}, err
		}
		if total > usage.Available() {
			metrics.QuotaRejectionsTotal.Inc()
			return BatchResult{}, fmt.Errorf("batch of %d bytes exceeds %d available: %w", total, usage.Available(), domain.ErrQuotaExceeded)
		}
	}

	records := make([]*domain.FileRecord, len(inputs))
	failures := make([]*BatchFailure, len(inputs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.batchConcurrency())
	for i, in := range inputs {
		g.Go(func() error {
			start := time.Now()
			rec, err := a.uploadSingle(gctx, in)
			observeUpload("batch", start, rec, err)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[i] = &BatchFailure{Name: cleanName(in.Name), Error: err.Error(), Err: err}
				return nil
			}
			records[i] = &rec
			return nil
		})
	}
	_ = g.Wait()

	var out BatchResult
	for i := range inputs {
		if records[i] != nil {
			out.Succeeded = append(out.Succeeded, *records[i])
		}
		if failures[i] != nil {
			out.Failed = append(out.Failed, *failures[i])
		}
	}
	return out, nil
}

func (a *App) batchConcurrency() int {
	n := 4
	if a.maxConcurrent > 0 && a.maxConcurrent < n {
		n = a.maxConcurrent
	}
	return n
}

// finalize runs validate -> encrypt -> store -> activate for a record in
// PROCESSING that holds a reservation of rec.Size bytes.
func (a *App) finalize(ctx context.Context, rec domain.FileRecord, data []byte) (domain.FileRecord, error) {
	if int64(len(data)) != rec.Size && int64(len(data)) <= a.validator.MaxSize() {
		return domain.FileRecord{}, a.fail(ctx, rec, "validate",
			domain.NewValidationError(domain.ReasonSizeMismatch, "declared %d bytes, received %d", rec.Size, len(data)))
	}
	result, err := a.validator.Validate(ctx, data)
	if err != nil {
		return domain.FileRecord{}, a.fail(ctx, rec, "validate", err)
	}

	payload, keyID := data, ""
	if rec.IsEncrypted {
		sealed, err := a.cipher.Encrypt(ctx, data)
		if err != nil {
			return domain.FileRecord{}, a.fail(ctx, rec, "encrypt", fmt.Errorf("encrypt: %w", err))
		}
		payload, keyID = sealed.Ciphertext, sealed.KeyID
	}
	contentType := result.ContentType
	if rec.IsEncrypted {
		contentType = "application/octet-stream"
	}
	path := originalPath(rec.OwnerID, rec.ID)
	if _, err := a.objects.Put(ctx, path, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"file-id": rec.ID, "owner-id": rec.OwnerID},
	}); err != nil {
		a.dropKey(ctx, keyID)
		return domain.FileRecord{}, a.fail(ctx, rec, "store", fmt.Errorf("put original: %v: %w", err, domain.ErrStorageFailure))
	}

	if err := a.quota.Commit(ctx, rec.OwnerID, rec.Size, rec.Category); err != nil {
		a.removeObject(ctx, path)
		a.dropKey(ctx, keyID)
		return domain.FileRecord{}, a.fail(ctx, rec, "commit_quota", err)
	}
	checksum := chunk.ComputeHash(data)
	updated, err := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		if err := f.Transition(domain.StatusActive); err != nil {
			return err
		}
		f.ContentType = result.ContentType
		f.StoragePath = path
		f.KeyID = keyID
		for k, v := range result.Metadata() {
			f.SetMeta(k, v)
		}
		f.SetMeta(domain.MetaSHA256, checksum)
		delete(f.Metadata, domain.MetaError)
		f.Record("store", nil)
		return nil
	})
	if err != nil {
		// used bytes were already committed; give them back instead of releasing
		if qerr := a.quota.Commit(ctx, rec.OwnerID, -rec.Size, rec.Category); qerr != nil {
			util.LoggerFromContext(ctx).Error("revert quota commit", "file_id", rec.ID, "err", qerr)
		}
		a.removeObject(ctx, path)
		a.dropKey(ctx, keyID)
		a.markFailed(ctx, rec, "activate", err)
		return domain.FileRecord{}, fmt.Errorf("activate file: %w", err)
	}

	logUpload(ctx, updated)
	a.enqueueDerivatives(ctx, updated)
	return updated, nil
}

// enqueueDerivatives is fire-and-forget: a failed enqueue is logged into the
// record's history and never fails the upload.
func (a *App) enqueueDerivatives(ctx context.Context, rec domain.FileRecord) {
	for _, job := range derive.Jobs(rec) {
		queued, err := a.queue.Enqueue(ctx, job)
		if err == nil {
			util.LoggerFromContext(ctx).Debug("derivative queued", "file_id", rec.ID, "kind", job.Kind, "job_id", queued.ID)
			continue
		}
		util.LoggerFromContext(ctx).Warn("enqueue derivative", "file_id", rec.ID, "kind", job.Kind, "err", err)
		if _, uerr := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
			f.Record("enqueue:"+job.Kind, err)
			return nil
		}); uerr != nil {
			util.LoggerFromContext(ctx).Error("record enqueue failure", "file_id", rec.ID, "err", uerr)
		}
	}
}

// readLimited reads at most limit+1 bytes so oversize bodies are detected
// without buffering them whole.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

func observeUpload(mode string, start time.Time, rec domain.FileRecord, err error) {
	outcome := "ok"
	switch {
	case err == nil:
		metrics.UploadBytesTotal.Add(float64(rec.Size))
		metrics.UploadDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	case errors.Is(err, domain.ErrValidationFailed):
		outcome = "rejected"
	case errors.Is(err, domain.ErrQuotaExceeded):
		outcome = "quota_exceeded"
	case errors.Is(err, domain.ErrConcurrencyLimit):
		outcome = "throttled"
	default:
		outcome = "failed"
	}
	metrics.UploadsTotal.WithLabelValues(mode, outcome).Inc()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"filevault/internal/util"
	"filevault/pkg/domain"
	"filevault/pkg/metrics"
)

// ChunkedInput opens a multi-request upload.
type ChunkedInput struct {
	Name         string
	DeclaredType string
	Size         int64
	Category     domain.Category
	OwnerID      string
	ParentRef    string
	TotalChunks  int
	Encrypt      bool
}

// ChunkProgress reports how many distinct chunk indices have arrived.
type ChunkProgress struct {
	FileID   string `json:"fileId"`
	Received int    `json:"chunksReceived"`
	Total    int    `json:"totalChunks"`
}

// StartChunkedUpload reserves the declared size and creates a record in RECEIVING.
// The reservation is held until the upload completes, fails or is swept.
func (a *App) StartChunkedUpload(ctx context.Context, in ChunkedInput) (domain.FileRecord, error) {
	if err := checkOwner(in.OwnerID); err != nil {
		return domain.FileRecord{}, err
	}
	if in.TotalChunks <= 0 || in.TotalChunks > a.maxChunks {
		return domain.FileRecord{}, fmt.Errorf("total chunks %d outside [1,%d]: %w", in.TotalChunks, a.maxChunks, domain.ErrInvalidInput)
	}
	if int64(in.TotalChunks) > in.Size && in.Size > 0 {
		return domain.FileRecord{}, fmt.Errorf("%d chunks for %d bytes: %w", in.TotalChunks, in.Size, domain.ErrInvalidInput)
	}
	// chunk bytes hit storage before validation, so refuse oversize declarations up front
	if err := a.validator.CheckSize(in.Size); err != nil {
		metrics.UploadsTotal.WithLabelValues("chunked", "rejected").Inc()
		return domain.FileRecord{}, err
	}
	encrypt, err := a.wantsEncryption(in.Encrypt)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if err := a.admit(ctx, in.OwnerID, in.Size); err != nil {
		return domain.FileRecord{}, err
	}
	rec := newRecord(in.OwnerID, in.Name, in.DeclaredType, in.Category, in.ParentRef, in.Size, encrypt)
	if err := rec.Transition(domain.StatusReceiving); err != nil {
		a.release(ctx, in.OwnerID, in.Size)
		return domain.FileRecord{}, err
	}
	rec.TotalChunks = in.TotalChunks
	rec.SetMeta(domain.MetaChunksReceived, "0")
	rec.Record("start_chunked", nil)
	if err := a.store.CreateFile(ctx, rec); err != nil {
		a.release(ctx, in.OwnerID, in.Size)
		return domain.FileRecord{}, fmt.Errorf("create file record: %w", err)
	}
	util.LoggerFromContext(ctx).Info("chunked upload started", "file_id", rec.ID, "total_chunks", rec.TotalChunks, "bytes", rec.Size)
	return rec, nil
}

// UploadChunk stores chunk index of fileID. Re-sending an index overwrites it
// without counting twice. totalChunks, when non-zero, must match the upload.
// Chunks of encrypted uploads are sealed before they reach storage.
func (a *App) UploadChunk(ctx context.Context, fileID, ownerID string, index int, data []byte, totalChunks int) (ChunkProgress, error) {
	rec, err := a.receivingFile(ctx, fileID, ownerID)
	if err != nil {
		return ChunkProgress{}, err
	}
	if totalChunks != 0 && totalChunks != rec.TotalChunks {
		return ChunkProgress{}, fmt.Errorf("total chunks %d, upload expects %d: %w", totalChunks, rec.TotalChunks, domain.ErrInvalidInput)
	}
	if index < 0 || index >= rec.TotalChunks {
		return ChunkProgress{}, fmt.Errorf("chunk index %d outside [0,%d): %w", index, rec.TotalChunks, domain.ErrInvalidInput)
	}
	if len(data) == 0 || int64(len(data)) > rec.Size {
		return ChunkProgress{}, fmt.Errorf("chunk of %d bytes for a %d byte file: %w", len(data), rec.Size, domain.ErrInvalidInput)
	}
	// a re-sent index replaces its earlier bytes, so only the other indices count
	stored, err := a.chunks.StoredBytes(ctx, rec.ID, index)
	if err != nil {
		return ChunkProgress{}, fmt.Errorf("list chunks: %w", err)
	}
	if stored+int64(len(data)) > rec.Size {
		return ChunkProgress{}, fmt.Errorf("chunk %d brings the upload to %d bytes, declared %d: %w", index, stored+int64(len(data)), rec.Size, domain.ErrInvalidInput)
	}
	put := a.chunks.Store
	if rec.IsEncrypted {
		put = a.chunks.StoreSealed
	}
	if _, err := put(ctx, rec.ID, index, data); err != nil {
		return ChunkProgress{}, err
	}
	metrics.ChunksReceivedTotal.Inc()

	received, err := a.chunks.ReceivedCount(ctx, rec.ID)
	if err != nil {
		return ChunkProgress{}, fmt.Errorf("count chunks: %w", err)
	}
	if _, err := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		// concurrent chunk writers may observe counts out of order; keep the highest
		if prev, _ := strconv.Atoi(f.Metadata[domain.MetaChunksReceived]); prev > received {
			return nil
		}
		f.SetMeta(domain.MetaChunksReceived, strconv.Itoa(received))
		return nil
	}); err != nil {
		util.LoggerFromContext(ctx).Warn("record chunk progress", "file_id", rec.ID, "err", err)
	}
	return ChunkProgress{FileID: rec.ID, Received: received, Total: rec.TotalChunks}, nil
}

// ChunkStatus returns the progress of a chunked upload together with the missing indices.
func (a *App) ChunkStatus(ctx context.Context, fileID, ownerID string) (ChunkProgress, []int, error) {
	rec, err := a.receivingFile(ctx, fileID, ownerID)
	if err != nil {
		return ChunkProgress{}, nil, err
	}
	missing, err := a.chunks.Missing(ctx, rec.ID, rec.TotalChunks)
	if err != nil {
		return ChunkProgress{}, nil, fmt.Errorf("list chunks: %w", err)
	}
	return ChunkProgress{FileID: rec.ID, Received: rec.TotalChunks - len(missing), Total: rec.TotalChunks}, missing, nil
}

// CompleteChunkedUpload reassembles the chunks and runs the single-upload
// validate/store/activate path. With chunks missing it returns
// *domain.IncompleteChunksError and the upload stays open.
func (a *App) CompleteChunkedUpload(ctx context.Context, fileID, ownerID string) (domain.FileRecord, error) {
	start := time.Now()
	rec, err := a.completeChunked(ctx, fileID, ownerID)
	if !errors.Is(err, domain.ErrIncompleteChunks) {
		observeUpload("chunked", start, rec, err)
	}
	return rec, err
}

func (a *App) completeChunked(ctx context.Context, fileID, ownerID string) (domain.FileRecord, error) {
	rec, err := a.receivingFile(ctx, fileID, ownerID)
	if err != nil {
		return domain.FileRecord{}, err
	}
	missing, err := a.chunks.Missing(ctx, rec.ID, rec.TotalChunks)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("list chunks: %w", err)
	}
	if len(missing) > 0 {
		return domain.FileRecord{}, &domain.IncompleteChunksError{
			Received: rec.TotalChunks - len(missing),
			Total:    rec.TotalChunks,
			Missing:  missing,
		}
	}

	// the transition doubles as a guard against two concurrent completes
	rec, err = a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		if err := f.Transition(domain.StatusAssembling); err != nil {
			return fmt.Errorf("upload already completing: %w", domain.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return domain.FileRecord{}, err
	}
	defer a.cleanupChunks(ctx, rec.ID)

	data, err := a.chunks.Combine(ctx, rec.ID, rec.TotalChunks)
	if err != nil {
		var incomplete *domain.IncompleteChunksError
		if errors.As(err, &incomplete) {
			// a chunk record vanished between the check and the combine; reopen
			if _, uerr := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
				return f.Transition(domain.StatusReceiving)
			}); uerr != nil {
				util.LoggerFromContext(ctx).Error("reopen chunked upload", "file_id", rec.ID, "err", uerr)
			}
			return domain.FileRecord{}, err
		}
		return domain.FileRecord{}, a.fail(ctx, rec, "assemble", err)
	}

	processing, err := a.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		if err := f.Transition(domain.StatusProcessing); err != nil {
			return err
		}
		f.Record("assemble", nil)
		return nil
	})
	if err != nil {
		return domain.FileRecord{}, a.fail(ctx, rec, "process", err)
	}
	return a.finalize(ctx, processing, data)
}

// cleanupChunks removes transient chunk state unless the upload reopened for more chunks.
func (a *App) cleanupChunks(ctx context.Context, fileID string) {
	rec, ok, err := a.store.GetFile(ctx, fileID)
	if err == nil && ok && rec.Status == domain.StatusReceiving {
		return
	}
	if err := a.chunks.Cleanup(ctx, fileID); err != nil {
		util.LoggerFromContext(ctx).Warn("cleanup chunks", "file_id", fileID, "err", err)
	}
}

func (a *App) receivingFile(ctx context.Context, fileID, ownerID string) (domain.FileRecord, error) {
	rec, err := a.loadFile(ctx, fileID)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if rec.OwnerID != ownerID {
		return domain.FileRecord{}, domain.ErrForbidden
	}
	if rec.Status != domain.StatusReceiving {
		return domain.FileRecord{}, fmt.Errorf("file %s is %s, not receiving chunks: %w", rec.ID, rec.Status, domain.ErrInvalidTransition)
	}
	return rec, nil
}

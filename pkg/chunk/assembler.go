// Package chunk stores numbered slices of a multi-request upload and
// reassembles them in index order.
package chunk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"filevault/internal/util"
	"filevault/pkg/domain"
	"filevault/pkg/envelope"
	"filevault/pkg/storage"
	"filevault/pkg/store"
)

const defaultFetchConcurrency = 4

// Sealer encrypts chunks of uploads that must never rest in the clear.
type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte) (envelope.Sealed, error)
	Decrypt(ctx context.Context, envelope []byte, keyID string) ([]byte, error)
	DeleteKey(ctx context.Context, keyID string) error
}

// Assembler tracks chunk arrival per file. Each chunk is an independent
// storage object, so concurrent writes to different indices never collide.
type Assembler struct {
	objects     storage.Provider
	records     store.Store
	sealer      Sealer
	concurrency int
}

// NewAssembler builds an assembler. sealer may be nil when no upload asks for encryption.
func NewAssembler(objects storage.Provider, records store.Store, sealer Sealer, concurrency int) (*Assembler, error) {
	if objects == nil || records == nil {
		return nil, errors.New("chunk assembler requires storage and store")
	}
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	return &Assembler{objects: objects, records: records, sealer: sealer, concurrency: concurrency}, nil
}

// Path returns the transient object key for a chunk. Zero padding keeps
// lexicographic listing equal to numeric order.
func Path(fileID string, index int) string {
	return fmt.Sprintf("chunks/%s/%08d", fileID, index)
}

// ComputeHash returns the hex sha256 of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store writes one chunk in the clear. Re-sending an index overwrites the earlier bytes.
func (a *Assembler) Store(ctx context.Context, fileID string, index int, data []byte) (domain.ChunkRecord, error) {
	return a.store(ctx, fileID, index, data, false)
}

// StoreSealed encrypts the chunk under its own data key before it reaches storage.
func (a *Assembler) StoreSealed(ctx context.Context, fileID string, index int, data []byte) (domain.ChunkRecord, error) {
	if a.sealer == nil {
		return domain.ChunkRecord{}, errors.New("chunk sealing requires a cipher")
	}
	return a.store(ctx, fileID, index, data, true)
}

func (a *Assembler) store(ctx context.Context, fileID string, index int, data []byte, seal bool) (domain.ChunkRecord, error) {
	if fileID == "" || index < 0 {
		return domain.ChunkRecord{}, fmt.Errorf("chunk %s/%d: %w", fileID, index, domain.ErrInvalidInput)
	}
	var prevKeyID string
	if a.sealer != nil {
		prev, ok, err := a.chunkAt(ctx, fileID, index)
		if err != nil {
			return domain.ChunkRecord{}, fmt.Errorf("list chunks: %w", err)
		}
		if ok {
			prevKeyID = prev.KeyID
		}
	}

	payload, keyID := data, ""
	if seal {
		sealed, err := a.sealer.Encrypt(ctx, data)
		if err != nil {
			return domain.ChunkRecord{}, fmt.Errorf("seal chunk %d: %w", index, err)
		}
		payload, keyID = sealed.Ciphertext, sealed.KeyID
	}
	path := Path(fileID, index)
	if _, err := a.objects.Put(ctx, path, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		a.dropKey(ctx, fileID, keyID)
		return domain.ChunkRecord{}, fmt.Errorf("store chunk %d: %v: %w", index, err, domain.ErrStorageFailure)
	}
	rec := domain.ChunkRecord{
		FileID:    fileID,
		Index:     index,
		Size:      int64(len(data)),
		Path:      path,
		SHA256:    ComputeHash(payload),
		KeyID:     keyID,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.records.UpsertChunk(ctx, rec); err != nil {
		return domain.ChunkRecord{}, fmt.Errorf("record chunk %d: %w", index, err)
	}
	if prevKeyID != "" && prevKeyID != keyID {
		a.dropKey(ctx, fileID, prevKeyID)
	}
	return rec, nil
}

// StoredBytes sums the plaintext size of a file's chunks, leaving out except.
// Pass -1 to count every index.
func (a *Assembler) StoredBytes(ctx context.Context, fileID string, except int) (int64, error) {
	chunks, err := a.records.ListChunks(ctx, fileID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range chunks {
		if c.Index != except {
			total += c.Size
		}
	}
	return total, nil
}

func (a *Assembler) chunkAt(ctx context.Context, fileID string, index int) (domain.ChunkRecord, bool, error) {
	chunks, err := a.records.ListChunks(ctx, fileID)
	if err != nil {
		return domain.ChunkRecord{}, false, err
	}
	for _, c := range chunks {
		if c.Index == index {
			return c, true, nil
		}
	}
	return domain.ChunkRecord{}, false, nil
}

func (a *Assembler) dropKey(ctx context.Context, fileID, keyID string) {
	if keyID == "" || a.sealer == nil {
		return
	}
	if err := a.sealer.DeleteKey(ctx, keyID); err != nil {
		util.LoggerFromContext(ctx).Warn("delete chunk key", "file_id", fileID, "key_id", keyID, "err", err)
	}
}

func (a *Assembler) ReceivedCount(ctx context.Context, fileID string) (int, error) {
	return a.records.CountChunks(ctx, fileID)
}

// Missing lists indices in [0,total) with no stored chunk.
func (a *Assembler) Missing(ctx context.Context, fileID string, total int) ([]int, error) {
	chunks, err := a.records.ListChunks(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return missingIndices(chunks, total), nil
}

func missingIndices(chunks []domain.ChunkRecord, total int) []int {
	have := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		have[c.Index] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Combine returns the concatenation of chunks 0..total-1, opening sealed
// chunks, and marks them processed. It fails with
// *domain.IncompleteChunksError when any index is absent and never truncates.
func (a *Assembler) Combine(ctx context.Context, fileID string, total int) ([]byte, error) {
	if total <= 0 {
		return nil, fmt.Errorf("total chunks %d: %w", total, domain.ErrInvalidInput)
	}
	chunks, err := a.records.ListChunks(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if missing := missingIndices(chunks, total); len(missing) > 0 {
		return nil, &domain.IncompleteChunksError{Received: total - len(missing), Total: total, Missing: missing}
	}

	parts := make([][]byte, total)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, c := range chunks {
		if c.Index >= total {
			continue
		}
		g.Go(func() error {
			data, err := a.objects.Get(gctx, c.Path)
			if err != nil {
				return fmt.Errorf("fetch chunk %d: %v: %w", c.Index, err, domain.ErrStorageFailure)
			}
			if c.SHA256 != "" && ComputeHash(data) != c.SHA256 {
				return fmt.Errorf("chunk %d checksum mismatch: %w", c.Index, domain.ErrStorageFailure)
			}
			if c.KeyID != "" {
				if a.sealer == nil {
					return fmt.Errorf("chunk %d is sealed and no cipher is configured: %w", c.Index, domain.ErrDecryptionFailed)
				}
				if data, err = a.sealer.Decrypt(gctx, data, c.KeyID); err != nil {
					return fmt.Errorf("open chunk %d: %w", c.Index, err)
				}
			}
			parts[c.Index] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.Index >= total || c.Processed {
			continue
		}
		c.Processed = true
		if err := a.records.UpsertChunk(ctx, c); err != nil {
			return nil, fmt.Errorf("mark chunk %d processed: %w", c.Index, err)
		}
	}
	return reassemble(parts), nil
}

func reassemble(parts [][]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Cleanup deletes transient chunk objects, their keys and their records.
// Object and key deletion is best-effort.
func (a *Assembler) Cleanup(ctx context.Context, fileID string) error {
	chunks, err := a.records.ListChunks(ctx, fileID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	for _, c := range chunks {
		if err := a.objects.Delete(ctx, c.Path); err != nil {
			util.LoggerFromContext(ctx).Warn("delete chunk object", "file_id", fileID, "index", c.Index, "err", err)
		}
		a.dropKey(ctx, fileID, c.KeyID)
	}
	if err := a.records.DeleteChunks(ctx, fileID); err != nil {
		return fmt.Errorf("delete chunk records: %w", err)
	}
	return nil
}

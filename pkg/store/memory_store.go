package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"filevault/pkg/domain"
)

type chunkKey struct {
	fileID string
	index  int
}

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu     sync.Mutex
	files  map[string]domain.FileRecord
	chunks map[chunkKey]domain.ChunkRecord
	quotas map[string]domain.QuotaLedger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:  make(map[string]domain.FileRecord),
		chunks: make(map[chunkKey]domain.ChunkRecord),
		quotas: make(map[string]domain.QuotaLedger),
	}
}

func (m *MemoryStore) CreateFile(ctx context.Context, f domain.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.files[f.ID]; exists {
		return fmt.Errorf("file %s already exists", f.ID)
	}
	m.files[f.ID] = cloneRecord(f)
	return nil
}

func (m *MemoryStore) GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return domain.FileRecord{}, false, nil
	}
	return cloneRecord(f), true, nil
}

func (m *MemoryStore) ListFiles(ctx context.Context, filter FileFilter) ([]domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FileRecord
	for _, f := range m.files {
		if matchesFilter(f, filter) {
			out = append(out, cloneRecord(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountFiles(ctx context.Context, filter FileFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.files {
		if matchesFilter(f, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateFile(ctx context.Context, id string, fn Mutator) (domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.files[id]
	if !ok {
		return domain.FileRecord{}, fmt.Errorf("file %s: %w", id, domain.ErrNotFound)
	}
	next := cloneRecord(current)
	if err := fn(&next); err != nil {
		return domain.FileRecord{}, err
	}
	next.ID = id
	next.Revision = current.Revision + 1
	next.UpdatedAt = time.Now().UTC()
	m.files[id] = cloneRecord(next)
	return next, nil
}

func (m *MemoryStore) UpsertChunk(ctx context.Context, c domain.ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[chunkKey{c.FileID, c.Index}] = c
	return nil
}

func (m *MemoryStore) ListChunks(ctx context.Context, fileID string) ([]domain.ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChunkRecord
	for k, c := range m.chunks {
		if k.fileID == fileID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *MemoryStore) CountChunks(ctx context.Context, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.chunks {
		if k.fileID == fileID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteChunks(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chunks {
		if k.fileID == fileID {
			delete(m.chunks, k)
		}
	}
	return nil
}

func (m *MemoryStore) EnsureQuota(ctx context.Context, ownerID string, defaultTotal int64) (domain.QuotaLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[ownerID]
	if !ok {
		q = domain.QuotaLedger{OwnerID: ownerID, TotalBytes: defaultTotal, UpdatedAt: time.Now().UTC()}
		m.quotas[ownerID] = q
	}
	return cloneQuota(q), nil
}

func (m *MemoryStore) GetQuota(ctx context.Context, ownerID string) (domain.QuotaLedger, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[ownerID]
	if !ok {
		return domain.QuotaLedger{}, false, nil
	}
	return cloneQuota(q), true, nil
}

func (m *MemoryStore) SetQuotaTotal(ctx context.Context, ownerID string, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[ownerID]
	if !ok {
		return fmt.Errorf("quota %s: %w", ownerID, domain.ErrNotFound)
	}
	q.TotalBytes = total
	q.UpdatedAt = time.Now().UTC()
	m.quotas[ownerID] = q
	return nil
}

func (m *MemoryStore) ReserveQuota(ctx context.Context, ownerID string, bytes int64) (bool, error) {
	if bytes < 0 {
		return false, fmt.Errorf("reserve quota: negative size %d: %w", bytes, domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[ownerID]
	if !ok {
		return false, nil
	}
	if q.UsedBytes+q.ReservedBytes+bytes > q.TotalBytes {
		return false, nil
	}
	q.ReservedBytes += bytes
	q.UpdatedAt = time.Now().UTC()
	m.quotas[ownerID] = q
	return true, nil
}

func (m *MemoryStore) CommitQuota(ctx context.Context, ownerID string, delta int64, category domain.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[ownerID]
	if !ok {
		return fmt.Errorf("quota %s: %w", ownerID, domain.ErrNotFound)
	}
	if delta >= 0 {
		q.UsedBytes += delta
		q.ReservedBytes = floorZero(q.ReservedBytes - delta)
	} else {
		q.UsedBytes = floorZero(q.UsedBytes + delta)
	}
	if category != "" {
		if q.Categories == nil {
			q.Categories = make(map[domain.Category]int64)
		}
		q.Categories[category] = floorZero(q.Categories[category] + delta)
	}
	q.UpdatedAt = time.Now().UTC()
	m.quotas[ownerID] = q
	return nil
}

func (m *MemoryStore) ReleaseQuota(ctx context.Context, ownerID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[ownerID]
	if !ok {
		return nil
	}
	q.ReservedBytes = floorZero(q.ReservedBytes - bytes)
	q.UpdatedAt = time.Now().UTC()
	m.quotas[ownerID] = q
	return nil
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func cloneQuota(q domain.QuotaLedger) domain.QuotaLedger {
	out := q
	if q.Categories != nil {
		out.Categories = make(map[domain.Category]int64, len(q.Categories))
		for k, v := range q.Categories {
			out.Categories[k] = v
		}
	}
	return out
}

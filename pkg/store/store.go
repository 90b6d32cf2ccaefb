package store

import (
	"context"
	"time"

	"filevault/pkg/domain"
)

// FileFilter narrows ListFiles/CountFiles. Zero values mean "any".
type FileFilter struct {
	OwnerID        string
	ParentRef      string
	Statuses       []domain.FileStatus
	UpdatedBefore  time.Time
	IncludeDeleted bool
	Limit          int
}

// Mutator edits a loaded record inside UpdateFile. Returning an error aborts the update.
type Mutator func(*domain.FileRecord) error

// Store defines persistence operations for file records, chunk records and quota ledgers.
type Store interface {
	// files
	CreateFile(ctx context.Context, f domain.FileRecord) error
	GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error)
	ListFiles(ctx context.Context, filter FileFilter) ([]domain.FileRecord, error)
	CountFiles(ctx context.Context, filter FileFilter) (int, error)
	// UpdateFile applies fn with optimistic concurrency on the record revision,
	// reloading and retrying when another writer got there first.
	UpdateFile(ctx context.Context, id string, fn Mutator) (domain.FileRecord, error)

	// chunks
	UpsertChunk(ctx context.Context, c domain.ChunkRecord) error
	ListChunks(ctx context.Context, fileID string) ([]domain.ChunkRecord, error)
	CountChunks(ctx context.Context, fileID string) (int, error)
	DeleteChunks(ctx context.Context, fileID string) error

	// quota
	EnsureQuota(ctx context.Context, ownerID string, defaultTotal int64) (domain.QuotaLedger, error)
	GetQuota(ctx context.Context, ownerID string) (domain.QuotaLedger, bool, error)
	SetQuotaTotal(ctx context.Context, ownerID string, total int64) error
	// ReserveQuota atomically adds bytes to the reservation when used+reserved+bytes <= total.
	ReserveQuota(ctx context.Context, ownerID string, bytes int64) (bool, error)
	// CommitQuota applies a usage delta. Positive deltas consume a matching reservation;
	// negative deltas are floored at zero.
	CommitQuota(ctx context.Context, ownerID string, delta int64, category domain.Category) error
	ReleaseQuota(ctx context.Context, ownerID string, bytes int64) error
}

const maxUpdateAttempts = 8

func cloneRecord(f domain.FileRecord) domain.FileRecord {
	out := f
	if f.Metadata != nil {
		out.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	if f.Versions != nil {
		out.Versions = make(map[domain.DerivativeKind]domain.Version, len(f.Versions))
		for k, v := range f.Versions {
			out.Versions[k] = v
		}
	}
	if f.History != nil {
		out.History = append([]domain.HistoryEntry(nil), f.History...)
	}
	if f.DeletedAt != nil {
		t := *f.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

func matchesFilter(f domain.FileRecord, filter FileFilter) bool {
	if !filter.IncludeDeleted && f.DeletedAt != nil {
		return false
	}
	if filter.OwnerID != "" && f.OwnerID != filter.OwnerID {
		return false
	}
	if filter.ParentRef != "" && f.ParentRef != filter.ParentRef {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !f.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	if len(filter.Statuses) > 0 {
		for _, s := range filter.Statuses {
			if f.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

package domain

import "time"

type Category string

const (
	CategoryDocument Category = "document"
	CategoryImage    Category = "image"
	CategoryPattern  Category = "pattern"
	CategoryInvoice  Category = "invoice"
	CategoryOther    Category = "other"
)

// ParseCategory maps free-form input to a known category, defaulting to other.
func ParseCategory(raw string) Category {
	switch Category(raw) {
	case CategoryDocument, CategoryImage, CategoryPattern, CategoryInvoice:
		return Category(raw)
	default:
		return CategoryOther
	}
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// Caller is the already-authenticated identity performing an operation.
type Caller struct {
	ID   string   `json:"id"`
	Role UserRole `json:"role"`
}

// IsAdmin reports whether the caller may act on any owner's files.
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

type DerivativeKind string

const (
	DerivativeOptimized         DerivativeKind = "optimized"
	DerivativeThumbnail         DerivativeKind = "thumbnail"
	DerivativeDocumentMeta      DerivativeKind = "document_metadata"
	DerivativeDocumentThumbnail DerivativeKind = "document_thumbnail"
)

// Version is one generated artifact stored next to the original.
type Version struct {
	Kind        DerivativeKind `json:"kind"`
	Path        string         `json:"path"`
	Size        int64          `json:"size"`
	ContentType string         `json:"contentType,omitempty"`
	KeyID       string         `json:"keyId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// HistoryEntry is one line of a file's append-only processing log.
type HistoryEntry struct {
	At      time.Time `json:"at"`
	Action  string    `json:"action"`
	Outcome Outcome   `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

// Metadata keys written by the pipeline.
const (
	MetaWidth          = "width"
	MetaHeight         = "height"
	MetaColorSpace     = "colorSpace"
	MetaHasAlpha       = "hasAlpha"
	MetaPageCount      = "pageCount"
	MetaError          = "error"
	MetaChunksReceived = "chunksReceived"
	MetaDownloads      = "downloads"
	MetaLastDownloadAt = "lastDownloadAt"
	MetaSHA256         = "sha256"
)

// FileRecord is the durable descriptor of an uploaded file and its processing state.
type FileRecord struct {
	ID            string                     `json:"id"`
	OriginalName  string                     `json:"originalName"`
	DeclaredType  string                     `json:"declaredType"`
	ContentType   string                     `json:"contentType"`
	Size          int64                      `json:"size"`
	Category      Category                   `json:"category"`
	Status        FileStatus                 `json:"status"`
	OwnerID       string                     `json:"ownerId"`
	ParentRef     string                     `json:"parentRef,omitempty"`
	Metadata      map[string]string          `json:"metadata"`
	Versions      map[DerivativeKind]Version `json:"versions"`
	ThumbnailPath string                     `json:"thumbnailPath,omitempty"`
	StoragePath   string                     `json:"-"`
	IsEncrypted   bool                       `json:"isEncrypted"`
	KeyID         string                     `json:"-"`
	History       []HistoryEntry             `json:"processingHistory"`
	TotalChunks   int                        `json:"totalChunks,omitempty"`
	Revision      int64                      `json:"-"`
	CreatedAt     time.Time                  `json:"createdAt"`
	UpdatedAt     time.Time                  `json:"updatedAt"`
	DeletedAt     *time.Time                 `json:"deletedAt,omitempty"`
}

// Record appends a history entry, capturing err when present.
func (f *FileRecord) Record(action string, err error) {
	entry := HistoryEntry{At: time.Now().UTC(), Action: action, Outcome: OutcomeSuccess}
	if err != nil {
		entry.Outcome = OutcomeFailure
		entry.Error = err.Error()
	}
	f.History = append(f.History, entry)
}

// SetMeta sets a single metadata key, allocating the map when needed.
func (f *FileRecord) SetMeta(key, value string) {
	if f.Metadata == nil {
		f.Metadata = make(map[string]string)
	}
	f.Metadata[key] = value
}

// PutVersion upserts the derivative of the given kind.
func (f *FileRecord) PutVersion(v Version) {
	if f.Versions == nil {
		f.Versions = make(map[DerivativeKind]Version)
	}
	f.Versions[v.Kind] = v
	if v.Kind == DerivativeThumbnail || (v.Kind == DerivativeDocumentThumbnail && f.ThumbnailPath == "") {
		f.ThumbnailPath = v.Path
	}
}

// StoragePaths lists every object owned by the record: original, thumbnail and versions.
func (f FileRecord) StoragePaths() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	add(f.StoragePath)
	add(f.ThumbnailPath)
	for _, v := range f.Versions {
		add(v.Path)
	}
	return out
}

// KeyIDs lists the data keys sealing the original and its versions.
func (f FileRecord) KeyIDs() []string {
	var out []string
	if f.KeyID != "" {
		out = append(out, f.KeyID)
	}
	for _, v := range f.Versions {
		if v.KeyID != "" {
			out = append(out, v.KeyID)
		}
	}
	return out
}

// ChunkRecord tracks one received slice of a chunked upload.
type ChunkRecord struct {
	FileID    string    `json:"fileId"`
	Index     int       `json:"index"`
	Size      int64     `json:"size"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	KeyID     string    `json:"keyId,omitempty"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"createdAt"`
}

// QuotaLedger is the per-owner byte accounting.
type QuotaLedger struct {
	OwnerID       string             `json:"ownerId"`
	TotalBytes    int64              `json:"totalBytes"`
	UsedBytes     int64              `json:"usedBytes"`
	ReservedBytes int64              `json:"reservedBytes"`
	Categories    map[Category]int64 `json:"categories,omitempty"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// Available returns the bytes that can still be admitted.
func (q QuotaLedger) Available() int64 {
	avail := q.TotalBytes - q.UsedBytes - q.ReservedBytes
	if avail < 0 {
		return 0
	}
	return avail
}

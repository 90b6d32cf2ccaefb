package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type FileModel struct {
	ID            string `gorm:"primaryKey"`
	OwnerID       string `gorm:"not null;index:idx_files_owner_status"`
	ParentRef     string `gorm:"index"`
	OriginalName  string `gorm:"not null"`
	DeclaredType  string
	ContentType   string
	Size          int64  `gorm:"not null"`
	Category      string `gorm:"not null"`
	Status        string `gorm:"not null;index:idx_files_owner_status"`
	Metadata      datatypes.JSON
	Versions      datatypes.JSON
	History       datatypes.JSON
	ThumbnailPath string
	StoragePath   string
	IsEncrypted   bool `gorm:"not null;default:false"`
	KeyID         string
	TotalChunks   int
	Revision      int64      `gorm:"not null;default:0"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null;index"`
	DeletedAt     *time.Time `gorm:"index"`
}

func (FileModel) TableName() string { return "files" }

type ChunkModel struct {
	FileID     string `gorm:"primaryKey"`
	ChunkIndex int    `gorm:"primaryKey;autoIncrement:false"`
	Size       int64  `gorm:"not null"`
	Path       string `gorm:"not null"`
	SHA256     string `gorm:"column:sha256"`
	KeyID      string
	Processed  bool
	CreatedAt  time.Time `gorm:"not null"`
}

func (ChunkModel) TableName() string { return "file_chunks" }

type QuotaModel struct {
	OwnerID       string    `gorm:"primaryKey"`
	TotalBytes    int64     `gorm:"not null"`
	UsedBytes     int64     `gorm:"not null;default:0"`
	ReservedBytes int64     `gorm:"not null;default:0"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (QuotaModel) TableName() string { return "quota_ledgers" }

// QuotaCategoryModel holds the informational per-category breakdown.
type QuotaCategoryModel struct {
	OwnerID  string `gorm:"primaryKey"`
	Category string `gorm:"primaryKey"`
	Bytes    int64  `gorm:"not null;default:0"`
}

func (QuotaCategoryModel) TableName() string { return "quota_categories" }

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"filevault/pkg/domain"
)

const migrateLockID int64 = 51407731

// GormStore implements Store using GORM over Postgres (production) or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations. DSNs prefixed with
// "sqlite:" open a SQLite database; everything else is treated as Postgres.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{Logger: gormLog}

	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// SQLite allows a single writer; serialize through one connection.
		sqlDB.SetMaxOpenConns(1)
		if err := migrate(db); err != nil {
			return nil, err
		}
		return &GormStore{db: db}, nil
	}

	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&FileModel{}, &ChunkModel{}, &QuotaModel{}, &QuotaCategoryModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateFile inserts a new record.
func (s *GormStore) CreateFile(ctx context.Context, f domain.FileRecord) error {
	model, err := fileToModel(f)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetFile retrieves a record, including soft-deleted ones.
func (s *GormStore) GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	var model FileModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.FileRecord{}, false, nil
		}
		return domain.FileRecord{}, false, err
	}
	rec, err := fileFromModel(model)
	if err != nil {
		return domain.FileRecord{}, false, err
	}
	return rec, true, nil
}

func (s *GormStore) filterQuery(ctx context.Context, filter FileFilter) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&FileModel{})
	if !filter.IncludeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}
	if filter.OwnerID != "" {
		tx = tx.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.ParentRef != "" {
		tx = tx.Where("parent_ref = ?", filter.ParentRef)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		tx = tx.Where("status IN ?", statuses)
	}
	if !filter.UpdatedBefore.IsZero() {
		tx = tx.Where("updated_at < ?", filter.UpdatedBefore)
	}
	return tx
}

// ListFiles returns records matching filter ordered by created_at.
func (s *GormStore) ListFiles(ctx context.Context, filter FileFilter) ([]domain.FileRecord, error) {
	var models []FileModel
	tx := s.filterQuery(ctx, filter).Order("created_at ASC")
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.FileRecord, 0, len(models))
	for _, m := range models {
		rec, err := fileFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

// CountFiles counts records matching filter.
func (s *GormStore) CountFiles(ctx context.Context, filter FileFilter) (int, error) {
	var count int64
	if err := s.filterQuery(ctx, filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// UpdateFile loads, mutates and writes back a record guarded by its revision.
func (s *GormStore) UpdateFile(ctx context.Context, id string, fn Mutator) (domain.FileRecord, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, ok, err := s.GetFile(ctx, id)
		if err != nil {
			return domain.FileRecord{}, err
		}
		if !ok {
			return domain.FileRecord{}, fmt.Errorf("file %s: %w", id, domain.ErrNotFound)
		}
		prev := current.Revision
		if err := fn(&current); err != nil {
			return domain.FileRecord{}, err
		}
		current.ID = id
		current.Revision = prev + 1
		current.UpdatedAt = time.Now().UTC()
		model, err := fileToModel(current)
		if err != nil {
			return domain.FileRecord{}, err
		}
		res := s.db.WithContext(ctx).Model(&FileModel{}).
			Where("id = ? AND revision = ?", id, prev).
			Updates(fileColumns(model))
		if res.Error != nil {
			return domain.FileRecord{}, res.Error
		}
		if res.RowsAffected == 1 {
			return current, nil
		}
	}
	return domain.FileRecord{}, fmt.Errorf("file %s: %w", id, domain.ErrConflict)
}

// UpsertChunk inserts or overwrites the chunk at (file, index).
func (s *GormStore) UpsertChunk(ctx context.Context, c domain.ChunkRecord) error {
	model := chunkToModel(c)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_id"}, {Name: "chunk_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "path", "sha256", "key_id", "processed", "created_at"}),
	}).Create(&model).Error
}

// ListChunks returns a file's chunks ordered by index.
func (s *GormStore) ListChunks(ctx context.Context, fileID string) ([]domain.ChunkRecord, error) {
	var models []ChunkModel
	if err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Order("chunk_index ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ChunkRecord, 0, len(models))
	for _, m := range models {
		res = append(res, chunkFromModel(m))
	}
	return res, nil
}

// CountChunks returns the number of distinct chunk indices stored.
func (s *GormStore) CountChunks(ctx context.Context, fileID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ChunkModel{}).Where("file_id = ?", fileID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteChunks drops all chunk records of a file.
func (s *GormStore) DeleteChunks(ctx context.Context, fileID string) error {
	return s.db.WithContext(ctx).Delete(&ChunkModel{}, "file_id = ?", fileID).Error
}

// EnsureQuota creates the owner's ledger with defaultTotal if absent and returns it.
func (s *GormStore) EnsureQuota(ctx context.Context, ownerID string, defaultTotal int64) (domain.QuotaLedger, error) {
	model := QuotaModel{OwnerID: ownerID, TotalBytes: defaultTotal, UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("ensure quota: %w", err)
	}
	q, ok, err := s.GetQuota(ctx, ownerID)
	if err != nil {
		return domain.QuotaLedger{}, err
	}
	if !ok {
		return domain.QuotaLedger{}, fmt.Errorf("quota %s: %w", ownerID, domain.ErrNotFound)
	}
	return q, nil
}

// GetQuota returns the owner's ledger with its category breakdown.
func (s *GormStore) GetQuota(ctx context.Context, ownerID string) (domain.QuotaLedger, bool, error) {
	var model QuotaModel
	if err := s.db.WithContext(ctx).First(&model, "owner_id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QuotaLedger{}, false, nil
		}
		return domain.QuotaLedger{}, false, err
	}
	var cats []QuotaCategoryModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&cats).Error; err != nil {
		return domain.QuotaLedger{}, false, err
	}
	q := domain.QuotaLedger{
		OwnerID:       model.OwnerID,
		TotalBytes:    model.TotalBytes,
		UsedBytes:     model.UsedBytes,
		ReservedBytes: model.ReservedBytes,
		UpdatedAt:     model.UpdatedAt,
	}
	if len(cats) > 0 {
		q.Categories = make(map[domain.Category]int64, len(cats))
		for _, c := range cats {
			q.Categories[domain.Category(c.Category)] = c.Bytes
		}
	}
	return q, true, nil
}

// SetQuotaTotal changes the owner's allotment.
func (s *GormStore) SetQuotaTotal(ctx context.Context, ownerID string, total int64) error {
	return s.db.WithContext(ctx).Model(&QuotaModel{}).Where("owner_id = ?", ownerID).
		Updates(map[string]any{"total_bytes": total, "updated_at": time.Now().UTC()}).Error
}

// ReserveQuota is a single conditional UPDATE, so concurrent callers cannot over-admit.
func (s *GormStore) ReserveQuota(ctx context.Context, ownerID string, bytes int64) (bool, error) {
	if bytes < 0 {
		return false, fmt.Errorf("reserve quota: negative size %d: %w", bytes, domain.ErrInvalidInput)
	}
	res := s.db.WithContext(ctx).Model(&QuotaModel{}).
		Where("owner_id = ? AND used_bytes + reserved_bytes + ? <= total_bytes", ownerID, bytes).
		Updates(map[string]any{
			"reserved_bytes": gorm.Expr("reserved_bytes + ?", bytes),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("reserve quota: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CommitQuota applies delta to used bytes and the category breakdown in one transaction.
func (s *GormStore) CommitQuota(ctx context.Context, ownerID string, delta int64, category domain.Category) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"updated_at": time.Now().UTC()}
		if delta >= 0 {
			updates["used_bytes"] = gorm.Expr("used_bytes + ?", delta)
			updates["reserved_bytes"] = gorm.Expr("CASE WHEN reserved_bytes >= ? THEN reserved_bytes - ? ELSE 0 END", delta, delta)
		} else {
			updates["used_bytes"] = gorm.Expr("CASE WHEN used_bytes + ? < 0 THEN 0 ELSE used_bytes + ? END", delta, delta)
		}
		res := tx.Model(&QuotaModel{}).Where("owner_id = ?", ownerID).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("commit quota: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("quota %s: %w", ownerID, domain.ErrNotFound)
		}
		if category == "" {
			return nil
		}
		initial := delta
		if initial < 0 {
			initial = 0
		}
		cat := QuotaCategoryModel{OwnerID: ownerID, Category: string(category), Bytes: initial}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner_id"}, {Name: "category"}},
			DoUpdates: clause.Assignments(map[string]any{
				"bytes": gorm.Expr("CASE WHEN quota_categories.bytes + ? < 0 THEN 0 ELSE quota_categories.bytes + ? END", delta, delta),
			}),
		}).Create(&cat).Error
	})
}

// ReleaseQuota returns an unused reservation, floored at zero.
func (s *GormStore) ReleaseQuota(ctx context.Context, ownerID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&QuotaModel{}).Where("owner_id = ?", ownerID).
		Updates(map[string]any{
			"reserved_bytes": gorm.Expr("CASE WHEN reserved_bytes >= ? THEN reserved_bytes - ? ELSE 0 END", bytes, bytes),
			"updated_at":     time.Now().UTC(),
		}).Error
}

func fileToModel(f domain.FileRecord) (FileModel, error) {
	meta, err := json.Marshal(nonNilMeta(f.Metadata))
	if err != nil {
		return FileModel{}, fmt.Errorf("encode metadata: %w", err)
	}
	versions, err := json.Marshal(nonNilVersions(f.Versions))
	if err != nil {
		return FileModel{}, fmt.Errorf("encode versions: %w", err)
	}
	history := f.History
	if history == nil {
		history = []domain.HistoryEntry{}
	}
	hist, err := json.Marshal(history)
	if err != nil {
		return FileModel{}, fmt.Errorf("encode history: %w", err)
	}
	return FileModel{
		ID:            f.ID,
		OwnerID:       f.OwnerID,
		ParentRef:     f.ParentRef,
		OriginalName:  f.OriginalName,
		DeclaredType:  f.DeclaredType,
		ContentType:   f.ContentType,
		Size:          f.Size,
		Category:      string(f.Category),
		Status:        string(f.Status),
		Metadata:      meta,
		Versions:      versions,
		History:       hist,
		ThumbnailPath: f.ThumbnailPath,
		StoragePath:   f.StoragePath,
		IsEncrypted:   f.IsEncrypted,
		KeyID:         f.KeyID,
		TotalChunks:   f.TotalChunks,
		Revision:      f.Revision,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
		DeletedAt:     f.DeletedAt,
	}, nil
}

// fileColumns lists every mutable column so zero values are written too.
func fileColumns(m FileModel) map[string]any {
	return map[string]any{
		"owner_id":       m.OwnerID,
		"parent_ref":     m.ParentRef,
		"original_name":  m.OriginalName,
		"declared_type":  m.DeclaredType,
		"content_type":   m.ContentType,
		"size":           m.Size,
		"category":       m.Category,
		"status":         m.Status,
		"metadata":       m.Metadata,
		"versions":       m.Versions,
		"history":        m.History,
		"thumbnail_path": m.ThumbnailPath,
		"storage_path":   m.StoragePath,
		"is_encrypted":   m.IsEncrypted,
		"key_id":         m.KeyID,
		"total_chunks":   m.TotalChunks,
		"revision":       m.Revision,
		"updated_at":     m.UpdatedAt,
		"deleted_at":     m.DeletedAt,
	}
}

// fileFromModel fails on undecodable JSON columns rather than returning a
// record with its metadata or history silently dropped.
func fileFromModel(m FileModel) (domain.FileRecord, error) {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return domain.FileRecord{}, fmt.Errorf("decode metadata of file %s: %w", m.ID, err)
		}
	}
	var versions map[domain.DerivativeKind]domain.Version
	if len(m.Versions) > 0 {
		if err := json.Unmarshal(m.Versions, &versions); err != nil {
			return domain.FileRecord{}, fmt.Errorf("decode versions of file %s: %w", m.ID, err)
		}
	}
	var history []domain.HistoryEntry
	if len(m.History) > 0 {
		if err := json.Unmarshal(m.History, &history); err != nil {
			return domain.FileRecord{}, fmt.Errorf("decode history of file %s: %w", m.ID, err)
		}
	}
	return domain.FileRecord{
		ID:            m.ID,
		OriginalName:  m.OriginalName,
		DeclaredType:  m.DeclaredType,
		ContentType:   m.ContentType,
		Size:          m.Size,
		Category:      domain.Category(m.Category),
		Status:        domain.FileStatus(m.Status),
		OwnerID:       m.OwnerID,
		ParentRef:     m.ParentRef,
		Metadata:      meta,
		Versions:      versions,
		ThumbnailPath: m.ThumbnailPath,
		StoragePath:   m.StoragePath,
		IsEncrypted:   m.IsEncrypted,
		KeyID:         m.KeyID,
		History:       history,
		TotalChunks:   m.TotalChunks,
		Revision:      m.Revision,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		DeletedAt:     m.DeletedAt,
	}, nil
}

func chunkToModel(c domain.ChunkRecord) ChunkModel {
	return ChunkModel{
		FileID:     c.FileID,
		ChunkIndex: c.Index,
		Size:       c.Size,
		Path:       c.Path,
		SHA256:     c.SHA256,
		KeyID:      c.KeyID,
		Processed:  c.Processed,
		CreatedAt:  c.CreatedAt,
	}
}

func chunkFromModel(m ChunkModel) domain.ChunkRecord {
	return domain.ChunkRecord{
		FileID:    m.FileID,
		Index:     m.ChunkIndex,
		Size:      m.Size,
		Path:      m.Path,
		SHA256:    m.SHA256,
		KeyID:     m.KeyID,
		Processed: m.Processed,
		CreatedAt: m.CreatedAt,
	}
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilVersions(v map[domain.DerivativeKind]domain.Version) map[domain.DerivativeKind]domain.Version {
	if v == nil {
		return map[domain.DerivativeKind]domain.Version{}
	}
	return v
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const blobMetaID = 1

type recordRow struct {
	Key       string    `gorm:"column:record_key;primaryKey"`
	Value     []byte    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (recordRow) TableName() string { return "records" }

type blobRow struct {
	Key            string    `gorm:"column:blob_key;primaryKey"`
	Data           []byte    `gorm:"column:data"`
	Checksum       []byte    `gorm:"column:checksum"`
	MimeType       string    `gorm:"column:mime_type;not null"`
	StoredAt       time.Time `gorm:"column:stored_at;not null;index"`
	OwnerMessageID string    `gorm:"column:owner_message_id;index"`
	HouseholdID    string    `gorm:"column:household_id"`
	CompressedSize int64     `gorm:"column:compressed_size;not null"`
	OriginalSize   int64     `gorm:"column:original_size;not null"`
}

func (blobRow) TableName() string { return "blobs" }

type blobMetaRow struct {
	ID          int        `gorm:"column:id;primaryKey;autoIncrement:false"`
	TotalSize   int64      `gorm:"column:total_size;not null"`
	LastCleanup *time.Time `gorm:"column:last_cleanup"`
}

func (blobMetaRow) TableName() string { return "blob_meta" }

// SQLiteStore is the default on-device backend.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at path and applies PRAGMAs.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		// one writer keeps read-modify-write transactions serialized
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	_ = ctx
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&recordRow{}, &blobRow{}, &blobMetaRow{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	meta := blobMetaRow{ID: blobMetaID}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&meta).Error; err != nil {
		return fmt.Errorf("seed blob_meta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Records() RecordRepository { return &sqliteRecords{db: s.db} }

func (s *SQLiteStore) Blobs() BlobRepository { return &sqliteBlobs{db: s.db} }

type sqliteRecords struct {
	db *gorm.DB
}

func (r *sqliteRecords) Get(ctx context.Context, key string) (Record, error) {
	var row recordRow
	err := r.db.WithContext(ctx).Where("record_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return Record{Key: row.Key, Value: row.Value, UpdatedAt: row.UpdatedAt}, nil
}

func (r *sqliteRecords) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	row := recordRow{Key: rec.Key, Value: rec.Value, UpdatedAt: rec.UpdatedAt}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (r *sqliteRecords) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("record_key = ?", key).Delete(&recordRow{}).Error; err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (r *sqliteRecords) Scan(ctx context.Context, prefix string) ([]Record, error) {
	var rows []recordRow
	err := r.db.WithContext(ctx).
		Where("substr(record_key, 1, ?) = ?", len(prefix), prefix).
		Order("record_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = Record{Key: row.Key, Value: row.Value, UpdatedAt: row.UpdatedAt}
	}
	return out, nil
}

type sqliteBlobs struct {
	db *gorm.DB
}

func (r *sqliteBlobs) Put(ctx context.Context, b Blob) error {
	row := blobRow{
		Key:            b.Key,
		Data:           b.Data,
		Checksum:       b.Checksum,
		MimeType:       b.MimeType,
		StoredAt:       b.Timestamp,
		OwnerMessageID: b.OwnerMessageID,
		HouseholdID:    b.HouseholdID,
		CompressedSize: b.CompressedSize,
		OriginalSize:   b.OriginalSize,
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		delta := b.CompressedSize
		var prev blobRow
		err := tx.Select("compressed_size").Where("blob_key = ?", b.Key).Take(&prev).Error
		switch {
		case err == nil:
			delta -= prev.CompressedSize
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("lookup blob: %w", err)
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("put blob: %w", err)
		}
		return adjustTotal(tx, delta)
	})
}

func (r *sqliteBlobs) Get(ctx context.Context, key string) (Blob, error) {
	var row blobRow
	err := r.db.WithContext(ctx).Where("blob_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Blob{}, ErrNotFound
	}
	if err != nil {
		return Blob{}, fmt.Errorf("get blob: %w", err)
	}
	return row.blob(), nil
}

func (r *sqliteBlobs) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev blobRow
		err := tx.Select("compressed_size").Where("blob_key = ?", key).Take(&prev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup blob: %w", err)
		}
		if err := tx.Where("blob_key = ?", key).Delete(&blobRow{}).Error; err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}
		return adjustTotal(tx, -prev.CompressedSize)
	})
}

func (r *sqliteBlobs) DeleteByOwner(ctx context.Context, messageID string) ([]string, error) {
	var keys []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []blobRow
		err := tx.Select("blob_key", "compressed_size").
			Where("owner_message_id = ?", messageID).
			Order("blob_key ASC").
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("list owned blobs: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		var freed int64
		for _, row := range rows {
			keys = append(keys, row.Key)
			freed += row.CompressedSize
		}
		if err := tx.Where("owner_message_id = ?", messageID).Delete(&blobRow{}).Error; err != nil {
			return fmt.Errorf("delete owned blobs: %w", err)
		}
		return adjustTotal(tx, -freed)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *sqliteBlobs) SetOwner(ctx context.Context, key, messageID string) error {
	res := r.db.WithContext(ctx).Model(&blobRow{}).Where("blob_key = ?", key).Update("owner_message_id", messageID)
	if res.Error != nil {
		return fmt.Errorf("set blob owner: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteBlobs) List(ctx context.Context) ([]Blob, error) {
	var rows []blobRow
	err := r.db.WithContext(ctx).
		Select("blob_key", "mime_type", "stored_at", "owner_message_id", "household_id", "compressed_size", "original_size").
		Order("stored_at ASC, blob_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	out := make([]Blob, len(rows))
	for i, row := range rows {
		out[i] = row.blob()
	}
	return out, nil
}

func (r *sqliteBlobs) Meta(ctx context.Context) (BlobMeta, error) {
	var row blobMetaRow
	err := r.db.WithContext(ctx).Where("id = ?", blobMetaID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BlobMeta{}, nil
	}
	if err != nil {
		return BlobMeta{}, fmt.Errorf("get blob meta: %w", err)
	}
	meta := BlobMeta{TotalSize: row.TotalSize}
	if row.LastCleanup != nil {
		meta.LastCleanup = *row.LastCleanup
	}
	return meta, nil
}

func (r *sqliteBlobs) SetLastCleanup(ctx context.Context, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&blobMetaRow{}).
		Where("id = ?", blobMetaID).
		Update("last_cleanup", at).Error
	if err != nil {
		return fmt.Errorf("set last cleanup: %w", err)
	}
	return nil
}

func adjustTotal(tx *gorm.DB, delta int64) error {
	if delta == 0 {
		return nil
	}
	err := tx.Model(&blobMetaRow{}).
		Where("id = ?", blobMetaID).
		Update("total_size", gorm.Expr("MAX(total_size + ?, 0)", delta)).Error
	if err != nil {
		return fmt.Errorf("adjust blob total: %w", err)
	}
	return nil
}

func (row blobRow) blob() Blob {
	return Blob{
		Key:            row.Key,
		Data:           row.Data,
		Checksum:       row.Checksum,
		MimeType:       row.MimeType,
		Timestamp:      row.StoredAt,
		OwnerMessageID: row.OwnerMessageID,
		HouseholdID:    row.HouseholdID,
		CompressedSize: row.CompressedSize,
		OriginalSize:   row.OriginalSize,
	}
}

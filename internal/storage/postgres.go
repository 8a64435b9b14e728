package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore backs deployments that share one database between clients
// of the same operator.
type PostgresStore struct {
	db      *sql.DB
	records *postgresRecords
	blobs   *postgresBlobs
}

func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db url is required")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return newPostgresStore(db), nil
}

func newPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:      db,
		records: &postgresRecords{db: db},
		blobs:   &postgresBlobs{db: db},
	}
}

func (s *PostgresStore) Close(ctx context.Context) error {
	_ = ctx
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrator := NewMigrator(s.db, migrationsFS)
	return migrator.Up(ctx)
}

func (s *PostgresStore) Records() RecordRepository { return s.records }

func (s *PostgresStore) Blobs() BlobRepository { return s.blobs }

type postgresRecords struct {
	db *sql.DB
}

func (r *postgresRecords) Get(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}
	err := r.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM records WHERE record_key = $1`, key,
	).Scan(&rec.Value, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (r *postgresRecords) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO records (record_key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (record_key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		rec.Key, rec.Value, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (r *postgresRecords) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE record_key = $1`, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (r *postgresRecords) Scan(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record_key, value, updated_at FROM records
		WHERE left(record_key, $1) = $2
		ORDER BY record_key ASC`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

type postgresBlobs struct {
	db *sql.DB
}

func (r *postgresBlobs) Put(ctx context.Context, b Blob) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		delta := b.CompressedSize
		var prev int64
		err := tx.QueryRowContext(ctx, `SELECT compressed_size FROM blobs WHERE blob_key = $1 FOR UPDATE`, b.Key).Scan(&prev)
		switch {
		case err == nil:
			delta -= prev
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup blob: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO blobs
			(blob_key, data, checksum, mime_type, stored_at, owner_message_id, household_id, compressed_size, original_size)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (blob_key) DO UPDATE SET
				data = EXCLUDED.data,
				checksum = EXCLUDED.checksum,
				mime_type = EXCLUDED.mime_type,
				stored_at = EXCLUDED.stored_at,
				owner_message_id = EXCLUDED.owner_message_id,
				household_id = EXCLUDED.household_id,
				compressed_size = EXCLUDED.compressed_size,
				original_size = EXCLUDED.original_size`,
			b.Key, b.Data, b.Checksum, b.MimeType, b.Timestamp, b.OwnerMessageID, b.HouseholdID, b.CompressedSize, b.OriginalSize)
		if err != nil {
			return fmt.Errorf("put blob: %w", err)
		}
		return adjustTotalTx(ctx, tx, delta)
	})
}

func (r *postgresBlobs) Get(ctx context.Context, key string) (Blob, error) {
	b := Blob{Key: key}
	err := r.db.QueryRowContext(ctx, `SELECT data, checksum, mime_type, stored_at, owner_message_id, household_id, compressed_size, original_size
		FROM blobs WHERE blob_key = $1`, key,
	).Scan(&b.Data, &b.Checksum, &b.MimeType, &b.Timestamp, &b.OwnerMessageID, &b.HouseholdID, &b.CompressedSize, &b.OriginalSize)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, ErrNotFound
	}
	if err != nil {
		return Blob{}, fmt.Errorf("get blob: %w", err)
	}
	return b, nil
}

func (r *postgresBlobs) Delete(ctx context.Context, key string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var freed int64
		err := tx.QueryRowContext(ctx, `DELETE FROM blobs WHERE blob_key = $1 RETURNING compressed_size`, key).Scan(&freed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}
		return adjustTotalTx(ctx, tx, -freed)
	})
}

func (r *postgresBlobs) DeleteByOwner(ctx context.Context, messageID string) ([]string, error) {
	var keys []string
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `DELETE FROM blobs WHERE owner_message_id = $1 RETURNING blob_key, compressed_size`, messageID)
		if err != nil {
			return fmt.Errorf("delete owned blobs: %w", err)
		}
		var freed int64
		for rows.Next() {
			var key string
			var size int64
			if err := rows.Scan(&key, &size); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan owned blob: %w", err)
			}
			keys = append(keys, key)
			freed += size
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate owned blobs: %w", err)
		}
		_ = rows.Close()
		return adjustTotalTx(ctx, tx, -freed)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *postgresBlobs) SetOwner(ctx context.Context, key, messageID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE blobs SET owner_message_id = $2 WHERE blob_key = $1`, key, messageID)
	if err != nil {
		return fmt.Errorf("set blob owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set blob owner: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresBlobs) List(ctx context.Context) ([]Blob, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT blob_key, mime_type, stored_at, owner_message_id, household_id, compressed_size, original_size
		FROM blobs ORDER BY stored_at ASC, blob_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	out := make([]Blob, 0)
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.Key, &b.MimeType, &b.Timestamp, &b.OwnerMessageID, &b.HouseholdID, &b.CompressedSize, &b.OriginalSize); err != nil {
			return nil, fmt.Errorf("scan blob row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blobs: %w", err)
	}
	return out, nil
}

func (r *postgresBlobs) Meta(ctx context.Context) (BlobMeta, error) {
	var meta BlobMeta
	var lastCleanup sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT total_size, last_cleanup FROM blob_meta WHERE id = $1`, blobMetaID).
		Scan(&meta.TotalSize, &lastCleanup)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobMeta{}, nil
	}
	if err != nil {
		return BlobMeta{}, fmt.Errorf("get blob meta: %w", err)
	}
	if lastCleanup.Valid {
		meta.LastCleanup = lastCleanup.Time
	}
	return meta, nil
}

func (r *postgresBlobs) SetLastCleanup(ctx context.Context, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE blob_meta SET last_cleanup = $1 WHERE id = $2`, at, blobMetaID); err != nil {
		return fmt.Errorf("set last cleanup: %w", err)
	}
	return nil
}

func (r *postgresBlobs) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func adjustTotalTx(ctx context.Context, tx *sql.Tx, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `UPDATE blob_meta SET total_size = GREATEST(total_size + $1, 0) WHERE id = $2`, delta, blobMetaID)
	if err != nil {
		return fmt.Errorf("adjust blob total: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Migrator applies the embedded Postgres migrations in file name order,
// recording each applied file in schema_migrations.
type Migrator struct {
	db  *sql.DB
	fs  fs.FS
	now func() time.Time
}

type migration struct {
	id  string
	sql string
}

func NewMigrator(db *sql.DB, migrations fs.FS) *Migrator {
	return &Migrator{db: db, fs: migrations, now: time.Now}
}

func (m *Migrator) Up(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("db is required")
	}

	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	pending, err := m.load()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, mig := range pending {
		if applied[mig.id] {
			continue
		}
		if strings.TrimSpace(mig.sql) == "" {
			if err := m.recordApplied(ctx, mig.id); err != nil {
				return err
			}
			continue
		}
		if err := m.applyOne(ctx, mig.id, mig.sql); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) load() ([]migration, error) {
	files, err := fs.Glob(m.fs, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	out := make([]migration, 0, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(m.fs, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		out = append(out, migration{id: path.Base(file), sql: stripLineComments(string(content))})
	}
	return out, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// applyOne runs a migration and its bookkeeping insert in one transaction.
func (m *Migrator) applyOne(ctx context.Context, id, sqlText string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, insertMigration, id, m.now().UTC()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func (m *Migrator) recordApplied(ctx context.Context, id string) error {
	if _, err := m.db.ExecContext(ctx, insertMigration, id, m.now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	return nil
}

const insertMigration = `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)`

func stripLineComments(sqlText string) string {
	var b strings.Builder
	for _, line := range strings.Split(sqlText, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

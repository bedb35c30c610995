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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediacore/internal/storage/migrations"
)

const migrationTable = "schema_migrations"

type migrationFile struct {
	name string
	up   string
}

func readMigrations(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	files := make([]migrationFile, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		up := extractUpMigration(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}
		files = append(files, migrationFile{name: name, up: up})
	}
	return files, nil
}

// extractUpMigration returns the SQL between the Up and Down markers.
func extractUpMigration(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(upMarker):]
	if downIdx := strings.Index(rest, downMarker); downIdx != -1 {
		return rest[:downIdx]
	}
	return rest
}

// MigratePostgres applies the embedded Postgres schema. Each file is applied
// at most once and inside its own transaction.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := readMigrations(migrations.Postgres, "postgres")
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	for _, file := range files {
		if err := applyPostgresMigration(ctx, pool, file); err != nil {
			return err
		}
	}
	return nil
}

func applyPostgresMigration(ctx context.Context, pool *pgxpool.Pool, file migrationFile) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", file.name, err)
	}
	defer rollbackTx(ctx, tx)

	var applied bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+migrationTable+` WHERE name = $1)`, file.name).Scan(&applied); err != nil {
		return fmt.Errorf("check migration %s: %w", file.name, err)
	}
	if applied {
		return nil
	}
	if _, err := tx.Exec(ctx, file.up); err != nil {
		return fmt.Errorf("exec migration %s: %w", file.name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+migrationTable+` (name, applied_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, file.name, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", file.name, err)
	}
	return nil
}

// MigrateSQLite applies the embedded SQLite schema.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	files, err := readMigrations(migrations.SQLite, "sqlite")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	for _, file := range files {
		if err := applySQLiteMigration(ctx, db, file); err != nil {
			return err
		}
	}
	return nil
}

func applySQLiteMigration(ctx context.Context, db *sql.DB, file migrationFile) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", file.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	var found int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+migrationTable+` WHERE name = ?`, file.name).Scan(&found)
	switch {
	case err == nil:
		return nil
	case err != sql.ErrNoRows:
		return fmt.Errorf("check migration %s: %w", file.name, err)
	}
	if _, err := tx.ExecContext(ctx, file.up); err != nil {
		return fmt.Errorf("exec migration %s: %w", file.name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`, file.name, toMillis(time.Now())); err != nil {
		return fmt.Errorf("record migration %s: %w", file.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file.name, err)
	}
	return nil
}

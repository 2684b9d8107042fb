// The migrator applies the gateway's SQL schema (approval requests,
// delegations, audit log) in filename order, recording applied files in
// schema_migrations so reruns are no-ops.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const ledgerSchema = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// migrationDB is the slice of pgxpool.Pool the migrator needs, narrow enough
// to fake in tests.
type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Injection points for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	dir := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR"))
	if dir == "" {
		dir = "migrations"
	}

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, dir, nil, nil, log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrator bundles the database with the filesystem hooks tests substitute.
type migrator struct {
	db       migrationDB
	dir      string
	readFile func(name string) ([]byte, error)
	glob     func(pattern string) ([]string, error)
	logf     func(format string, args ...any)
}

func runMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logf func(format string, args ...any),
) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	m := &migrator{db: db, dir: filepath.Clean(migrationsDir), readFile: readFile, glob: glob, logf: logf}
	if m.readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		m.readFile = os.ReadFile
	}
	if m.glob == nil {
		m.glob = filepath.Glob
	}
	if m.logf == nil {
		m.logf = log.Printf
	}
	return m.run(ctx)
}

func (m *migrator) run(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := m.glob(filepath.Join(m.dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		cleanFile, err := validateMigrationPath(m.dir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		applied, err := m.alreadyApplied(ctx, cleanFile)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := m.applyOne(ctx, cleanFile); err != nil {
			return err
		}
		m.logf("applied migration %s", filepath.Base(cleanFile))
	}

	m.logf("migration applied: %s", fmt.Sprintf("%d files", len(files)))
	return nil
}

// validateMigrationPath rejects glob results that escape the migrations
// directory (symlinks, "..").
func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	if !strings.HasPrefix(cleanFile, cleanDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func (m *migrator) alreadyApplied(ctx context.Context, file string) (bool, error) {
	var exists bool
	err := m.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`,
		filepath.Base(file)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	return exists, nil
}

// applyOne runs a single migration file and its bookkeeping insert in one
// transaction, so a failed DDL never leaves the file marked as applied.
func (m *migrator) applyOne(ctx context.Context, file string) error {
	sqlBytes, err := m.readFile(file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, filepath.Base(file)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", file, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DisCard-Technologies/discard-sub001/pkg/store"
)

// migrationDB is the slice of the pgx pool the runner needs, narrow enough
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

var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

const versionTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, "migrations", nil, nil, log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

// validateMigrationPath keeps glob results inside the migrations directory
// so a crafted filename cannot read files elsewhere.
func validateMigrationPath(dir, file string) (string, error) {
	clean := filepath.Clean(file)
	if !strings.HasPrefix(clean, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%q escapes %q", file, dir)
	}
	return clean, nil
}

// runMigrations applies every pending *.sql file in lexical order, each in
// its own transaction together with its schema_migrations row.
func runMigrations(
	ctx context.Context,
	db migrationDB,
	dir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logf func(format string, args ...any),
) error {
	if db == nil {
		return errors.New("no database handle")
	}
	if readFile == nil {
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, versionTable); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	dir = filepath.Clean(dir)
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		name, err := validateMigrationPath(dir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %w", err)
		}
		applied, err := alreadyApplied(ctx, db, filepath.Base(name))
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyOne(ctx, db, name, readFile); err != nil {
			return err
		}
		logf("applied %s", filepath.Base(name))
	}
	logf("schema current: %d files", len(files))
	return nil
}

func alreadyApplied(ctx context.Context, db migrationDB, name string) (bool, error) {
	var applied bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", name, err)
	}
	return applied, nil
}

func applyOne(ctx context.Context, db migrationDB, file string, readFile func(string) ([]byte, error)) error {
	body, err := readFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, string(body)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, filepath.Base(file)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

// Package db owns the workspace sqlite database backing the audit log:
// opening it and bringing the events schema up to date.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed sql/*.sql
var schemaFS embed.FS

const dbFile = "crewline.db"

type Config struct {
	Workspace string
}

// Path returns the database location inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".crewline", dbFile)
}

// EnsureWorkspace creates the hidden state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("db: create %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the workspace database, creating it on first use.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

// Migrate applies any pending schema files. The applied version lives in the
// sqlite user_version pragma; each sql/NNNN_name.sql applies exactly once,
// in filename order, each in its own transaction.
func Migrate(conn *sql.DB) error {
	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return fmt.Errorf("db: list schema files: %w", err)
	}
	sort.Strings(names)

	var current int64
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("db: read schema version: %w", err)
	}
	for _, name := range names {
		version, err := schemaVersion(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		stmts, err := schemaFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("db: read %s: %w", name, err)
		}
		if err := applySchema(conn, name, version, string(stmts)); err != nil {
			return err
		}
		current = version
	}
	return nil
}

func applySchema(conn *sql.DB, name string, version int64, stmts string) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("db: begin %s: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(stmts); err != nil {
		return fmt.Errorf("db: apply %s: %w", name, err)
	}
	// PRAGMA takes no placeholders; version is parsed from our own embedded
	// filename, never external input.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("db: record version of %s: %w", name, err)
	}
	return tx.Commit()
}

func schemaVersion(name string) (int64, error) {
	prefix, _, ok := strings.Cut(filepath.Base(name), "_")
	if !ok {
		return 0, fmt.Errorf("db: schema file %s has no version prefix", name)
	}
	version, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("db: schema file %s: %w", name, err)
	}
	return version, nil
}

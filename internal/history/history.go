// Package history archives terminal workers after eviction so finished
// work survives the store's TTL cleanup.
package history

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/buildd-ai/runner/internal/log"
)

// DB owns the archive connection.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if needed) the history database at path and
// applies pending migrations. An existing file is copied to <path>.bak
// before migrations touch it.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	if err := backupExisting(path); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", "file:"+path+
		"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connecting to history db: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatHistory, "history db ready", "path", path)
	return &DB{conn: conn, path: path}, nil
}

func backupExisting(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening db for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	return nil
}

// Close closes the archive connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection returns the underlying *sql.DB.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Workers returns the worker archive repository.
func (db *DB) Workers() *WorkerArchive {
	return newWorkerArchive(db.conn)
}

package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/simpleflo/ccswitch/internal/fileutil"
)

// Store owns the SQLite database behind the history log.
type Store struct {
	db *sql.DB
}

// NewStore opens the database at dbPath and applies pending migrations.
func NewStore(dbPath string) (*Store, error) {
	if err := fileutil.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while another process appends. Immediate
	// transactions take the write lock up front so two appenders never race
	// on the chain head.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// migrate runs all pending database migrations.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion < 1 {
		if err := s.runMigration001(); err != nil {
			return fmt.Errorf("run migration 001: %w", err)
		}
	}

	if currentVersion < 2 {
		if err := s.runMigration002(); err != nil {
			return fmt.Errorf("run migration 002: %w", err)
		}
	}

	return nil
}

// runMigration001 creates the history table.
func (s *Store) runMigration001() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Append-only; rows are only ever removed by retention trim.
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			operation TEXT NOT NULL,
			actor TEXT NOT NULL,
			from_config TEXT NOT NULL DEFAULT '',
			to_config TEXT NOT NULL DEFAULT '',
			changes TEXT NOT NULL DEFAULT '[]',
			prev_hash TEXT NOT NULL DEFAULT '',
			entry_hash TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec("INSERT OR IGNORE INTO migrations (version) VALUES (1)")
	if err != nil {
		return err
	}

	return tx.Commit()
}

// runMigration002 adds indexes for time-windowed and per-operation reads.
func (s *Store) runMigration002() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp)`)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_history_operation ON history(operation)`)
	if err != nil {
		return err
	}

	_, err = tx.Exec("INSERT OR IGNORE INTO migrations (version) VALUES (2)")
	if err != nil {
		return err
	}

	return tx.Commit()
}

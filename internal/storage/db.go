package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the node's SQLite database. It holds the identity map, the
// discovered-signer cache, shared wallets, and the advertisement config
// blob. Presence flags are deliberately NOT persisted — they churn too
// fast and are rebuilt from the network after restart.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "musignet.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Foreign keys plus WAL mode for better concurrency.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			public_key_hex TEXT PRIMARY KEY,
			address        TEXT NOT NULL,
			peer_id        TEXT DEFAULT '',
			multiaddrs     TEXT DEFAULT '[]',
			capabilities   INTEGER DEFAULT 0,
			available      INTEGER DEFAULT 0,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create identities table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS signer_cache (
			public_key    TEXT PRIMARY KEY,
			advert_id     TEXT NOT NULL,
			peer_id       TEXT DEFAULT '',
			nickname      TEXT DEFAULT '',
			capabilities  INTEGER DEFAULT 0,
			fee_sats      INTEGER DEFAULT 0,
			min_amount    INTEGER DEFAULT 0,
			max_amount    INTEGER DEFAULT 0,
			discovered_at INTEGER NOT NULL,
			last_seen     DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create signer cache table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS shared_wallets (
			wallet_id      TEXT PRIMARY KEY,
			aggregated_key TEXT NOT NULL,
			address        TEXT NOT NULL,
			network        TEXT NOT NULL,
			participants   TEXT NOT NULL,
			balance_sats   INTEGER DEFAULT 0,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create shared wallets table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// GetMeta reads a value from the _meta table, or "" if absent.
func (d *DB) GetMeta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}

// SetMeta stores a value in the _meta table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

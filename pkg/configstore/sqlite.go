package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolhost/mcpfleet/pkg/mcpfleet"
)

// SQLiteStore persists server configurations in a SQLite database, one
// row per server with the config serialized as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// runs the schema migration. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("configstore: open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS server_configs (
			id         TEXT PRIMARY KEY,
			config     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("configstore: migrate: %w", err)
	}
	return nil
}

// Save replaces the stored fleet with the given snapshot in one
// transaction.
func (s *SQLiteStore) Save(ctx context.Context, configs []mcpfleet.ServerConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("configstore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM server_configs`); err != nil {
		return fmt.Errorf("configstore: clear: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, cfg := range configs {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("configstore: marshal %q: %w", cfg.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO server_configs (id, config, updated_at) VALUES (?, ?, ?)`,
			cfg.ID, string(raw), now)
		if err != nil {
			return fmt.Errorf("configstore: insert %q: %w", cfg.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("configstore: commit: %w", err)
	}
	return nil
}

// Load reads every stored configuration ordered by id.
func (s *SQLiteStore) Load(ctx context.Context) ([]mcpfleet.ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config FROM server_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("configstore: query: %w", err)
	}
	defer rows.Close()

	var configs []mcpfleet.ServerConfig
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("configstore: scan: %w", err)
		}
		var cfg mcpfleet.ServerConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("configstore: parse row: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("configstore: rows: %w", err)
	}
	return configs, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

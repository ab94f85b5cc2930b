package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

// SQLiteConfig holds configuration for the SQLite-backed store.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" gives a private
	// in-process database, useful in tests.
	Path string
}

// SQLiteStore is a Store backed by a single-file SQLite database. It is the
// default persistence layer for on-device state: one table, keyed lookups,
// and no server process to manage.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path and
// ensures the backing table exists.
func NewSQLiteStore(cfg SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("SQLite store opened.")

	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
	}, nil
}

// Get retrieves the value for a key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite get failed for key %q: %w", key, err)
	}
	return value, nil
}

// Set writes or overwrites the value for a key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("sqlite set failed for key %q: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite delete failed for key %q: %w", key, err)
	}
	return nil
}

// Keys returns every key with the given prefix. The prefix match uses LIKE
// with escaping so literal '%' and '_' in the prefix do not act as wildcards.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := likeEscape(prefix) + "%"
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE key LIKE ? ESCAPE '\'`, pattern)
	if err != nil {
		return nil, fmt.Errorf("sqlite keys scan failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite keys scan failed: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite keys scan failed: %w", err)
	}
	return keys, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.logger.Debug().Msg("Closing SQLite store.")
	return s.db.Close()
}

func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

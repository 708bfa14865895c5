package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore keeps the record in a single-row SQLite table. Useful when
// the token set should live alongside other local state.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// The database file holds the live session token; deny group/other.
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("restrict database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS oauth_tokens (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		access_token TEXT NOT NULL,
		access_token_secret TEXT NOT NULL,
		live_session_token TEXT NOT NULL,
		consumer_key TEXT NOT NULL,
		realm TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	return err
}

// Load returns the stored record, or nil when absent or incomplete.
func (s *SQLiteStore) Load(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT access_token, access_token_secret,
		live_session_token, consumer_key, realm, updated_at
		FROM oauth_tokens WHERE id = 1`)

	var rec Record
	err := row.Scan(&rec.AccessToken, &rec.AccessTokenSecret,
		&rec.LiveSessionToken, &rec.ConsumerKey, &rec.Realm, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token record: %w", err)
	}
	if !rec.Complete() {
		return nil, nil
	}
	return &rec, nil
}

// Save upserts the single token row.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO oauth_tokens
		(id, access_token, access_token_secret, live_session_token, consumer_key, realm, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			access_token_secret = excluded.access_token_secret,
			live_session_token = excluded.live_session_token,
			consumer_key = excluded.consumer_key,
			realm = excluded.realm,
			updated_at = excluded.updated_at`,
		rec.AccessToken, rec.AccessTokenSecret, rec.LiveSessionToken,
		rec.ConsumerKey, rec.Realm, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save token record: %w", err)
	}
	return nil
}

// Clear deletes the token row.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE id = 1`); err != nil {
		return fmt.Errorf("clear token record: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

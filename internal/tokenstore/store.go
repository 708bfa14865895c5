// Package tokenstore persists the OAuth token set between runs.
package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/ibkr-oauth/internal/config"
)

// Record is the persisted token set for one credential pair. The access
// token secret is stored in its encrypted base64 form; the plaintext never
// touches disk.
type Record struct {
	AccessToken       string    `json:"access_token"`
	AccessTokenSecret string    `json:"access_token_secret"` // base64 ciphertext
	LiveSessionToken  string    `json:"live_session_token"`  // base64
	ConsumerKey       string    `json:"consumer_key"`
	Realm             string    `json:"realm"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Complete reports whether the record carries enough to resume a session.
// An incomplete record is treated as absent and forces re-authentication.
func (r Record) Complete() bool {
	return r.AccessToken != "" && r.LiveSessionToken != ""
}

// Store persists and reloads the token record.
type Store interface {
	// Load returns the stored record, or nil when none exists or the
	// stored record is incomplete.
	Load(ctx context.Context) (*Record, error)
	// Save writes the record, restricting access to the owner.
	Save(ctx context.Context, rec Record) error
	// Clear removes any stored record.
	Clear(ctx context.Context) error
	Close() error
}

// New builds a store from configuration.
func New(cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "file":
		return NewFileStore(cfg.Path), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// Package sqlite implements the mtp data store backed by a SQLite database.
// It keeps the auth key list handed off by an instance, the last server
// configuration and the pinned proxy addresses.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/koltyakov/mtp/internal/auth"
)

// ErrPassphraseMismatch is returned when the sealing passphrase differs
// from the one the database was written with.
var ErrPassphraseMismatch = errors.New("key passphrase does not match database")

// Sealer encrypts key material at rest. *auth.Sealer implements it.
type Sealer interface {
	Seal(plain, ad []byte) ([]byte, error)
	Open(sealed, ad []byte) ([]byte, error)
	Fingerprint() string
}

// Store wraps a SQLite database connection for all mtp persistence.
type Store struct {
	db     *sql.DB
	sealer Sealer
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

const (
	settingKeySalt        = "key_salt"
	settingKeyFingerprint = "key_fingerprint"
)

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions is Open with tunable connection pool settings.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go into the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS auth_keys (
	key_id TEXT PRIMARY KEY,
	dc_id INTEGER NOT NULL,
	sealed INTEGER NOT NULL,
	material BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	saved_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS config_snapshots (
	kind TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	loaded_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS proxy_pins (
	host TEXT PRIMARY KEY,
	ip TEXT NOT NULL,
	pinned_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_keys_dc_id ON auth_keys(dc_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// ResolveKeySalt returns the salt the database seals keys with, storing
// suggested when none is set yet.
func (s *Store) ResolveKeySalt(ctx context.Context, suggested []byte) ([]byte, error) {
	current, ok, err := s.setting(ctx, settingKeySalt)
	if err != nil {
		return nil, err
	}
	if ok {
		return hex.DecodeString(current)
	}
	if len(suggested) == 0 {
		return nil, errors.New("missing key salt")
	}
	if err := s.putSetting(ctx, settingKeySalt, hex.EncodeToString(suggested)); err != nil {
		return nil, err
	}
	return suggested, nil
}

// UseSealer makes the store seal keys it writes and unseal keys it reads.
// The first sealer used on a database fixes its fingerprint; later ones
// must match it.
func (s *Store) UseSealer(ctx context.Context, sealer Sealer) error {
	current, ok, err := s.setting(ctx, settingKeyFingerprint)
	if err != nil {
		return err
	}
	if ok && !auth.ConstantTimeHashEquals(current, sealer.Fingerprint()) {
		return ErrPassphraseMismatch
	}
	if !ok {
		if err := s.putSetting(ctx, settingKeyFingerprint, sealer.Fingerprint()); err != nil {
			return err
		}
	}
	s.sealer = sealer
	return nil
}

func (s *Store) setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == nil {
		return v, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

func (s *Store) putSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

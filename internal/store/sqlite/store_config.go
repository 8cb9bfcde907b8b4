package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/koltyakov/mtp/internal/domain"
)

const configKindServer = "server"

// SaveServerConfig stores cfg as the latest server configuration.
func (s *Store) SaveServerConfig(ctx context.Context, cfg domain.ServerConfig, loadedAt time.Time) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO config_snapshots(kind, payload, loaded_at) VALUES(?, ?, ?)
ON CONFLICT(kind) DO UPDATE SET payload = excluded.payload, loaded_at = excluded.loaded_at`,
		configKindServer, string(payload), loadedAt.UTC())
	return err
}

// LoadServerConfig returns the stored server configuration. ok is false
// when none was saved.
func (s *Store) LoadServerConfig(ctx context.Context) (cfg domain.ServerConfig, loadedAt time.Time, ok bool, err error) {
	var payload string
	err = s.db.QueryRowContext(ctx, `SELECT payload, loaded_at FROM config_snapshots WHERE kind = ?`, configKindServer).Scan(&payload, &loadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, loadedAt, false, nil
	}
	if err != nil {
		return cfg, loadedAt, false, err
	}
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return cfg, loadedAt, false, err
	}
	return cfg, loadedAt, true, nil
}

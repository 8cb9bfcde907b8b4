package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
)

// KeyRecord describes a persisted key without its material.
type KeyRecord struct {
	KeyID     uint64
	DcID      domain.DcID
	Sealed    bool
	CreatedAt time.Time
	SavedAt   time.Time
}

// SaveKeys replaces the persisted key list with keys.
func (s *Store) SaveKeys(ctx context.Context, keys []*authkey.Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_keys`); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, k := range keys {
		if k == nil {
			continue
		}
		id := formatKeyID(k.ID())
		material := k.Marshal()
		if s.sealer != nil {
			if material, err = s.sealer.Seal(material, []byte(id)); err != nil {
				return fmt.Errorf("seal key %s: %w", id, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO auth_keys(key_id, dc_id, sealed, material, created_at, saved_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(key_id) DO UPDATE SET material = excluded.material, saved_at = excluded.saved_at`,
			id, int(k.DcID()), boolToInt(s.sealer != nil), material, k.Created(), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadKeys returns every persisted key, unsealing them when needed.
func (s *Store) LoadKeys(ctx context.Context) ([]*authkey.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, sealed, material FROM auth_keys ORDER BY dc_id, key_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*authkey.Key
	for rows.Next() {
		var (
			id       string
			sealed   int
			material []byte
		)
		if err := rows.Scan(&id, &sealed, &material); err != nil {
			return nil, err
		}
		if sealed != 0 {
			if s.sealer == nil {
				return nil, fmt.Errorf("key %s is sealed: %w", id, ErrPassphraseMismatch)
			}
			if material, err = s.sealer.Open(material, []byte(id)); err != nil {
				return nil, fmt.Errorf("unseal key %s: %w", id, err)
			}
		}
		k, err := authkey.Unmarshal(material)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", id, err)
		}
		if formatKeyID(k.ID()) != id {
			return nil, fmt.Errorf("key %s: %w", id, authkey.ErrBadKey)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ListKeys returns metadata of the persisted keys.
func (s *Store) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, dc_id, sealed, created_at, saved_at
FROM auth_keys
ORDER BY dc_id, key_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []KeyRecord
	for rows.Next() {
		var (
			rec    KeyRecord
			id     string
			dc     int
			sealed int
		)
		if err := rows.Scan(&id, &dc, &sealed, &rec.CreatedAt, &rec.SavedAt); err != nil {
			return nil, err
		}
		if rec.KeyID, err = parseKeyID(id); err != nil {
			return nil, fmt.Errorf("key id %q: %w", id, err)
		}
		rec.DcID = domain.DcID(dc)
		rec.Sealed = sealed != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteKeys removes the keys with the given ids and reports how many
// rows went away.
func (s *Store) DeleteKeys(ctx context.Context, ids ...uint64) (int64, error) {
	var total int64
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM auth_keys WHERE key_id = ?`, formatKeyID(id))
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

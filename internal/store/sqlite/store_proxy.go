package sqlite

import (
	"context"
	"time"

	"github.com/koltyakov/mtp/internal/netutil"
)

// PinProxy remembers ip as the address that worked for host.
func (s *Store) PinProxy(ctx context.Context, host, ip string) error {
	host = netutil.NormalizeHost(host)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO proxy_pins(host, ip, pinned_at) VALUES(?, ?, ?)
ON CONFLICT(host) DO UPDATE SET ip = excluded.ip, pinned_at = excluded.pinned_at`,
		host, ip, time.Now().UTC())
	return err
}

// ProxyPins returns the pinned address of every host.
func (s *Store) ProxyPins(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host, ip FROM proxy_pins`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var host, ip string
		if err := rows.Scan(&host, &ip); err != nil {
			return nil, err
		}
		out[host] = ip
	}
	return out, rows.Err()
}

// PurgeProxyPins drops pins older than before.
func (s *Store) PurgeProxyPins(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proxy_pins WHERE pinned_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package keystore

import (
	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
)

// SetKeyForCheck records key as the one the key check session of its
// datacenter authenticates with, replacing an earlier check.
func (s *Store) SetKeyForCheck(key *authkey.Key) {
	if key == nil {
		return
	}
	s.mu.Lock()
	s.check[key.DcID()] = key
	s.mu.Unlock()
}

// KeyForCheck returns the key under check for dc, or nil.
func (s *Store) KeyForCheck(dc domain.DcID) *authkey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check[dc]
}

// FinishCheck forgets the check of keyID on dc. It reports false when a
// different key or none is under check.
func (s *Store) FinishCheck(dc domain.DcID, keyID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.check[dc]
	if k == nil || k.ID() != keyID {
		return false
	}
	delete(s.check, dc)
	return true
}

// InvalidateKey drops the read key of dc only when it is keyID. It returns
// the dropped key.
func (s *Store) InvalidateKey(dc domain.DcID, keyID uint64) *authkey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.read[dc]
	if k == nil || k.ID() != keyID {
		return nil
	}
	delete(s.read, dc)
	s.write[dc] = nil
	return k
}

// Package keystore owns the per-datacenter authorization keys: the read set
// used by live sessions, the write set staged for persistence and the key
// destruction workflow.
//
// GetReadKey, SetWriteKey and the query methods are safe from any goroutine.
// PromoteWriteKeys and the destruction transitions belong to the control
// goroutine.
package keystore

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
)

// DefaultDestroyTimeout bounds how long destruction waits for the server.
const DefaultDestroyTimeout = 10 * time.Second

// DestroyState is the position of a datacenter key in the destruction
// workflow.
type DestroyState int

const (
	DestroyNone DestroyState = iota
	DestroyScheduled
	DestroyAwaiting
	DestroyDone
	DestroyTimedOut
)

func (s DestroyState) String() string {
	switch s {
	case DestroyScheduled:
		return "scheduled"
	case DestroyAwaiting:
		return "awaiting_confirmation"
	case DestroyDone:
		return "destroyed"
	case DestroyTimedOut:
		return "timed_out"
	default:
		return "active"
	}
}

// Terminal reports whether the key counts as destroyed locally.
func (s DestroyState) Terminal() bool {
	return s == DestroyDone || s == DestroyTimedOut
}

// DcKey pairs a datacenter with its key. A nil Key in a promotion delta
// means the key was removed.
type DcKey struct {
	Dc  domain.DcID
	Key *authkey.Key
}

// Dcenter is the runtime record of one datacenter.
type Dcenter struct {
	ID         domain.DcID
	Key        *authkey.Key
	LastAccess time.Time
	Destroy    DestroyState
}

type destroyEntry struct {
	key      *authkey.Key
	state    DestroyState
	deadline time.Time
}

// Options configures a Store.
type Options struct {
	Clock          clock.Clock
	DestroyTimeout time.Duration
	Logger         *slog.Logger
}

// Store is the KeyStore.
type Store struct {
	clock   clock.Clock
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	read     map[domain.DcID]*authkey.Key
	write    map[domain.DcID]*authkey.Key
	access   map[domain.DcID]time.Time
	destroy  map[domain.DcID]*destroyEntry
	check    map[domain.DcID]*authkey.Key
	onAll    func()
	allFired bool
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = DefaultDestroyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		clock:   opts.Clock,
		timeout: opts.DestroyTimeout,
		log:     opts.Logger,
		read:    make(map[domain.DcID]*authkey.Key),
		write:   make(map[domain.DcID]*authkey.Key),
		access:  make(map[domain.DcID]time.Time),
		destroy: make(map[domain.DcID]*destroyEntry),
		check:   make(map[domain.DcID]*authkey.Key),
	}
}

// Load seeds the read set with persisted keys.
func (s *Store) Load(keys []*authkey.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if k != nil {
			s.read[k.DcID()] = k
		}
	}
}

// GetReadKey returns the key sessions of dc should use, or nil. A key handed
// to the destruction workflow is never returned.
func (s *Store) GetReadKey(dc domain.DcID) *authkey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[dc] = s.clock.Now()
	return s.read[dc]
}

// SetWriteKey stages key for dc. The read set sees it after the next
// promotion, except that a datacenter without any read key adopts it at
// once so the session that negotiated it can proceed.
func (s *Store) SetWriteKey(dc domain.DcID, key *authkey.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write[dc] = key
	if key != nil && s.read[dc] == nil {
		s.read[dc] = key
	}
}

// PromoteWriteKeys moves the write set into the read set and returns the
// delta for persistence.
func (s *Store) PromoteWriteKeys() []DcKey {
	s.mu.Lock()
	staged := s.write
	s.write = make(map[domain.DcID]*authkey.Key)
	for dc, k := range staged {
		if k == nil {
			delete(s.read, dc)
			continue
		}
		s.read[dc] = k
	}
	s.mu.Unlock()
	return sortedKeys(staged)
}

// HasWriteKeys reports whether a promotion would return anything.
func (s *Store) HasWriteKeys() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.write) > 0
}

// Keys returns a snapshot of the read set.
func (s *Store) Keys() []DcKey {
	s.mu.Lock()
	snap := make(map[domain.DcID]*authkey.Key, len(s.read))
	for dc, k := range s.read {
		snap[dc] = k
	}
	s.mu.Unlock()
	return sortedKeys(snap)
}

func sortedKeys(m map[domain.DcID]*authkey.Key) []DcKey {
	out := make([]DcKey, 0, len(m))
	for dc, k := range m {
		out = append(out, DcKey{Dc: dc, Key: k})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dc < out[j].Dc })
	return out
}

// Invalidate drops the read key of dc after the server rejected it and
// stages the removal for persistence. It returns the dropped key.
func (s *Store) Invalidate(dc domain.DcID) *authkey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.read[dc]
	if k == nil {
		return nil
	}
	delete(s.read, dc)
	s.write[dc] = nil
	return k
}

// Touch records an access to dc, creating its record.
func (s *Store) Touch(dc domain.DcID) {
	s.mu.Lock()
	s.access[dc] = s.clock.Now()
	s.mu.Unlock()
}

// Dcenter returns the runtime record of dc.
func (s *Store) Dcenter(dc domain.DcID) (Dcenter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.access[dc]
	key := s.read[dc]
	entry := s.destroy[dc]
	if !seen && key == nil && entry == nil {
		return Dcenter{}, false
	}
	rec := Dcenter{ID: dc, Key: key, LastAccess: last}
	if entry != nil {
		rec.Destroy = entry.state
		if rec.Key == nil && !entry.state.Terminal() {
			rec.Key = entry.key
		}
	}
	return rec, true
}

// OnAllDestroyed registers fn, replacing any previous registration. It is
// invoked at most once, outside the store lock.
func (s *Store) OnAllDestroyed(fn func()) {
	s.mu.Lock()
	s.onAll = fn
	s.mu.Unlock()
}

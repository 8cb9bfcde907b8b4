package keystore

import (
	"sort"
	"time"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
)

// AddForDestroy queues keys for destruction without exposing them to the
// read set. Used by the keys-destroyer mode.
func (s *Store) AddForDestroy(keys []*authkey.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if k == nil {
			continue
		}
		if e, ok := s.destroy[k.DcID()]; ok && !e.state.Terminal() {
			continue
		}
		s.destroy[k.DcID()] = &destroyEntry{
			key:      k,
			state:    DestroyScheduled,
			deadline: s.clock.Now().Add(s.timeout),
		}
		s.allFired = false
	}
}

// ScheduleDestroy moves the read key of the datacenter into the destruction
// workflow. It reports false when there is no key to destroy.
func (s *Store) ScheduleDestroy(shifted domain.ShiftedDcID) bool {
	dc := shifted.Bare()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.destroy[dc]; ok && !e.state.Terminal() {
		return true
	}
	k := s.read[dc]
	if k == nil {
		return false
	}
	delete(s.read, dc)
	s.write[dc] = nil
	s.destroy[dc] = &destroyEntry{
		key:      k,
		state:    DestroyScheduled,
		deadline: s.clock.Now().Add(s.timeout),
	}
	s.allFired = false
	return true
}

// Scheduled returns the datacenters whose keys wait for a destroy request.
func (s *Store) Scheduled() []domain.DcID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DcID
	for dc, e := range s.destroy {
		if e.state == DestroyScheduled {
			out = append(out, dc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KeyForDestroy returns the key a destroy session of dc authenticates with.
func (s *Store) KeyForDestroy(dc domain.DcID) *authkey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.destroy[dc]
	if e == nil || e.state.Terminal() {
		return nil
	}
	return e.key
}

// MarkAwaiting records that the destroy request left for dc and restarts
// the confirmation deadline.
func (s *Store) MarkAwaiting(dc domain.DcID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.destroy[dc]
	if e == nil || e.state != DestroyScheduled {
		return false
	}
	e.state = DestroyAwaiting
	e.deadline = s.clock.Now().Add(s.timeout)
	return true
}

// ConfirmDestroyed applies the server acknowledgement for keyID. Unknown
// or stale key ids are ignored.
func (s *Store) ConfirmDestroyed(dc domain.DcID, keyID uint64) bool {
	s.mu.Lock()
	e := s.destroy[dc]
	if e == nil || e.state.Terminal() || e.key.ID() != keyID {
		s.mu.Unlock()
		return false
	}
	e.state = DestroyDone
	s.log.Info("auth key destroyed", "dc_id", dc, "key_id", keyID)
	fire := s.checkAllLocked()
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
	return true
}

// CheckDestroyTimeout gives up on the server confirmation once the deadline
// passed. The key is still treated as destroyed locally.
func (s *Store) CheckDestroyTimeout(shifted domain.ShiftedDcID) bool {
	dc := shifted.Bare()
	s.mu.Lock()
	e := s.destroy[dc]
	if e == nil || e.state.Terminal() || s.clock.Now().Before(e.deadline) {
		s.mu.Unlock()
		return false
	}
	e.state = DestroyTimedOut
	s.log.Warn("auth key destroy timed out", "dc_id", dc, "key_id", e.key.ID())
	fire := s.checkAllLocked()
	s.mu.Unlock()
	if fire != nil {
		fire()
	}
	return true
}

// Deadline returns when the pending destruction of dc times out.
func (s *Store) Deadline(dc domain.DcID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.destroy[dc]
	if e == nil || e.state.Terminal() {
		return time.Time{}, false
	}
	return e.deadline, true
}

// DestroyState returns the destruction state of dc.
func (s *Store) DestroyState(dc domain.DcID) DestroyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.destroy[dc]; e != nil {
		return e.state
	}
	return DestroyNone
}

// AllDestroyed reports whether every tracked destruction is terminal.
func (s *Store) AllDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allTerminalLocked()
}

func (s *Store) allTerminalLocked() bool {
	for _, e := range s.destroy {
		if !e.state.Terminal() {
			return false
		}
	}
	return true
}

func (s *Store) checkAllLocked() func() {
	if s.allFired || len(s.destroy) == 0 || !s.allTerminalLocked() {
		return nil
	}
	s.allFired = true
	for dc, e := range s.destroy {
		if e.state.Terminal() {
			delete(s.access, dc)
		}
	}
	return s.onAll
}

package keystore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
)

func mustKey(t *testing.T, dc domain.DcID) *authkey.Key {
	t.Helper()
	k, err := authkey.Generate(dc)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return k
}

func TestWriteKeysPromoteAtomically(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	k1 := mustKey(t, 1)
	k1b := mustKey(t, 1)
	k2 := mustKey(t, 2)

	s.Load([]*authkey.Key{k1})
	s.SetWriteKey(1, k1b)
	s.SetWriteKey(2, k2)

	if got := s.GetReadKey(1); got != k1 {
		t.Fatal("read key of dc 1 changed before promotion")
	}
	if got := s.GetReadKey(2); got != k2 {
		t.Fatal("dc without a read key should adopt the staged key")
	}
	if !s.HasWriteKeys() {
		t.Fatal("expected staged keys")
	}

	delta := s.PromoteWriteKeys()
	if len(delta) != 2 || delta[0].Dc != 1 || delta[0].Key != k1b || delta[1].Key != k2 {
		t.Fatalf("unexpected delta %+v", delta)
	}
	if got := s.GetReadKey(1); got != k1b {
		t.Fatal("promotion did not replace dc 1 key")
	}
	if len(s.PromoteWriteKeys()) != 0 {
		t.Fatal("second promotion should be empty")
	}
	if keys := s.Keys(); len(keys) != 2 {
		t.Fatalf("Keys() = %+v", keys)
	}
}

func TestInvalidateStagesRemoval(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	k := mustKey(t, 4)
	s.Load([]*authkey.Key{k})

	if got := s.Invalidate(4); got != k {
		t.Fatal("Invalidate should return the dropped key")
	}
	if s.GetReadKey(4) != nil {
		t.Fatal("invalidated key still readable")
	}
	delta := s.PromoteWriteKeys()
	if len(delta) != 1 || delta[0].Key != nil {
		t.Fatalf("expected removal delta, got %+v", delta)
	}
	if s.Invalidate(4) != nil {
		t.Fatal("second Invalidate should be a no-op")
	}
}

func TestDestroyConfirmedFiresOnce(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	k1, k2 := mustKey(t, 1), mustKey(t, 2)
	s.Load([]*authkey.Key{k1, k2})

	var fired atomic.Int32
	s.OnAllDestroyed(func() { fired.Add(1) })

	for _, dc := range []domain.DcID{1, 2} {
		if !s.ScheduleDestroy(domain.Shift(dc, domain.ClassMain)) {
			t.Fatalf("ScheduleDestroy(%d) = false", dc)
		}
		if s.GetReadKey(dc) != nil {
			t.Fatalf("scheduled key of dc %d still readable", dc)
		}
	}
	if got := s.Scheduled(); len(got) != 2 {
		t.Fatalf("Scheduled() = %v", got)
	}
	if s.KeyForDestroy(1) != k1 {
		t.Fatal("KeyForDestroy should hand out the scheduled key")
	}
	if !s.MarkAwaiting(1) || s.DestroyState(1) != DestroyAwaiting {
		t.Fatal("MarkAwaiting failed")
	}

	if s.ConfirmDestroyed(1, k2.ID()) {
		t.Fatal("confirmation with a foreign key id must be ignored")
	}
	if !s.ConfirmDestroyed(1, k1.ID()) {
		t.Fatal("ConfirmDestroyed(1) = false")
	}
	if fired.Load() != 0 {
		t.Fatal("fired before every key was destroyed")
	}
	if !s.ConfirmDestroyed(2, k2.ID()) {
		t.Fatal("ConfirmDestroyed(2) = false")
	}
	if s.ConfirmDestroyed(2, k2.ID()) {
		t.Fatal("repeated confirmation should be ignored")
	}
	if fired.Load() != 1 {
		t.Fatalf("all-destroyed fired %d times", fired.Load())
	}
	if !s.AllDestroyed() || !s.DestroyState(2).Terminal() {
		t.Fatal("expected terminal states")
	}
	if s.KeyForDestroy(1) != nil {
		t.Fatal("destroyed key must not be handed out")
	}

	// A fresh key after destruction is adopted, never the destroyed one.
	fresh := mustKey(t, 1)
	s.SetWriteKey(1, fresh)
	if s.GetReadKey(1) != fresh {
		t.Fatal("fresh key not adopted after destruction")
	}
}

func TestDestroyTimeout(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	s := New(Options{Clock: mock, DestroyTimeout: 5 * time.Second})
	var fired atomic.Int32
	s.OnAllDestroyed(func() { fired.Add(1) })

	k := mustKey(t, 3)
	s.AddForDestroy([]*authkey.Key{k})
	if s.GetReadKey(3) != nil {
		t.Fatal("keys added for destroy must not enter the read set")
	}
	s.MarkAwaiting(3)

	shifted := domain.Shift(3, domain.ClassDestroyKey)
	mock.Add(4 * time.Second)
	if s.CheckDestroyTimeout(shifted) {
		t.Fatal("timed out too early")
	}
	mock.Add(2 * time.Second)
	if !s.CheckDestroyTimeout(shifted) {
		t.Fatal("expected timeout")
	}
	if s.DestroyState(3) != DestroyTimedOut || fired.Load() != 1 {
		t.Fatalf("state %s fired %d", s.DestroyState(3), fired.Load())
	}
	if s.ConfirmDestroyed(3, k.ID()) {
		t.Fatal("late confirmation after timeout should be ignored")
	}
}

func TestScheduleDestroyWithoutKey(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	if s.ScheduleDestroy(domain.Shift(5, domain.ClassMain)) {
		t.Fatal("nothing to destroy for dc 5")
	}
	if s.DestroyState(5) != DestroyNone {
		t.Fatal("unexpected destroy state")
	}
}

func TestDcenterRecord(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	s := New(Options{Clock: mock})
	if _, ok := s.Dcenter(2); ok {
		t.Fatal("record must not exist before first access")
	}
	s.Touch(2)
	rec, ok := s.Dcenter(2)
	if !ok || rec.ID != 2 || rec.Key != nil || !rec.LastAccess.Equal(mock.Now()) {
		t.Fatalf("Dcenter(2) = %+v, %v", rec, ok)
	}
}

func TestKeyCheckTracksOneKeyPerDc(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	k1 := mustKey(t, 3)
	k2 := mustKey(t, 3)

	s.SetKeyForCheck(k1)
	s.SetKeyForCheck(k2)
	if got := s.KeyForCheck(3); got != k2 {
		t.Fatal("a new check should replace the earlier one")
	}
	if s.FinishCheck(3, k1.ID()) {
		t.Fatal("finishing a replaced check should be ignored")
	}
	if !s.FinishCheck(3, k2.ID()) {
		t.Fatal("expected the check to finish")
	}
	if s.KeyForCheck(3) != nil {
		t.Fatal("finished check still tracked")
	}
	if s.GetReadKey(3) != nil {
		t.Fatal("checked keys must not reach the read set")
	}
}

func TestInvalidateKeyMatchesID(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	current := mustKey(t, 1)
	stale := mustKey(t, 1)
	s.Load([]*authkey.Key{current})

	if s.InvalidateKey(1, stale.ID()) != nil {
		t.Fatal("a stale key id must not drop the current key")
	}
	if s.GetReadKey(1) != current {
		t.Fatal("current key dropped")
	}
	if got := s.InvalidateKey(1, current.ID()); got != current {
		t.Fatalf("InvalidateKey returned %v", got)
	}
	if s.GetReadKey(1) != nil {
		t.Fatal("key still readable after invalidation")
	}
	delta := s.PromoteWriteKeys()
	if len(delta) != 1 || delta[0].Key != nil {
		t.Fatalf("expected a staged removal, got %+v", delta)
	}
}

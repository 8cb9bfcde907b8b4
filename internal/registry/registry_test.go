package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/mtp/internal/domain"
)

type outcome struct {
	done atomic.Int32
	fail atomic.Int32
}

func (o *outcome) request(id domain.RequestID, target domain.ShiftedDcID) *PendingRequest {
	return &PendingRequest{
		ID:     id,
		Target: target,
		Done:   func(domain.RequestID, []byte) { o.done.Add(1) },
		Fail:   func(domain.RequestID, *domain.RPCError) { o.fail.Add(1) },
	}
}

func TestCompleteDeliversOnce(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	var got []byte
	req := &PendingRequest{ID: 7, Target: 2, Done: func(_ domain.RequestID, p []byte) { got = p }}
	if !r.Add(req) {
		t.Fatal("Add failed")
	}
	if r.Add(&PendingRequest{ID: 7}) {
		t.Fatal("duplicate id accepted")
	}
	if !r.Has(7) || r.State(7) >= 0 {
		t.Fatalf("pending request state = %d", r.State(7))
	}

	if !r.Complete(7, []byte("P")) {
		t.Fatal("Complete = false")
	}
	if string(got) != "P" {
		t.Fatalf("done got %q", got)
	}
	if r.Complete(7, []byte("again")) {
		t.Fatal("second Complete must report no callback")
	}
	if r.Has(7) || r.State(7) != StateDone {
		t.Fatalf("finished request state = %d", r.State(7))
	}
	if r.State(99) != StateUnknown {
		t.Fatal("unknown id must report StateUnknown")
	}
}

func TestCancelSuppressesCallbacks(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	var o outcome
	r.Add(o.request(1, 2))

	target, ok := r.Cancel(1)
	if !ok || target != 2 {
		t.Fatalf("Cancel = %d, %v", target, ok)
	}
	if _, ok := r.Cancel(1); ok {
		t.Fatal("second Cancel must be a no-op")
	}
	if r.Complete(1, nil) {
		t.Fatal("response after cancel must not be delivered")
	}
	if found, _ := r.Fail(1, domain.NewLocalError("X")); found {
		t.Fatal("failure after cancel must not be delivered")
	}
	if o.done.Load() != 0 || o.fail.Load() != 0 {
		t.Fatal("callback fired after cancel")
	}
	if r.State(1) != StateUnknown {
		t.Fatalf("canceled id state = %d", r.State(1))
	}
}

func TestFailReportsDelivery(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	var o outcome
	r.Add(o.request(1, 2))
	r.Add(&PendingRequest{ID: 2, Target: 2})

	if found, delivered := r.Fail(1, domain.NewLocalError("X")); !found || !delivered {
		t.Fatalf("Fail(1) = %v, %v", found, delivered)
	}
	if found, delivered := r.Fail(2, domain.NewLocalError("X")); !found || delivered {
		t.Fatalf("Fail(2) = %v, %v", found, delivered)
	}
	if o.fail.Load() != 1 {
		t.Fatal("fail callback not invoked exactly once")
	}
}

func TestAfterDependencyReleases(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var released []domain.RequestID
	r := New(Options{OnRelease: func(ids []domain.RequestID) {
		mu.Lock()
		released = append(released, ids...)
		mu.Unlock()
	}})

	r.Add(&PendingRequest{ID: 1, Target: 2})
	r.Add(&PendingRequest{ID: 2, Target: 2, After: 1})
	r.Add(&PendingRequest{ID: 3, Target: 4, After: 1})
	r.Add(&PendingRequest{ID: 4, Target: 2, After: 42})

	if !r.Transmittable(1) {
		t.Fatal("request without dependency must be transmittable")
	}
	if r.Transmittable(2) || r.Transmittable(3) {
		t.Fatal("dependent requests must wait")
	}
	if !r.Transmittable(4) {
		t.Fatal("unknown dependency must not block")
	}
	// Asking again must not register the dependency twice.
	r.Transmittable(2)

	r.Complete(1, nil)
	mu.Lock()
	got := append([]domain.RequestID(nil), released...)
	mu.Unlock()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("released = %v", got)
	}
	if !r.Transmittable(2) {
		t.Fatal("released request must be transmittable")
	}
}

func TestCancelOfDependencyReleases(t *testing.T) {
	t.Parallel()

	var released atomic.Int32
	r := New(Options{OnRelease: func(ids []domain.RequestID) { released.Add(int32(len(ids))) }})
	r.Add(&PendingRequest{ID: 1})
	r.Add(&PendingRequest{ID: 2, After: 1})
	r.Transmittable(2)

	r.Cancel(1)
	if released.Load() != 1 {
		t.Fatalf("released %d", released.Load())
	}
}

func TestCanceledBlockedRequestLeavesNoDependency(t *testing.T) {
	t.Parallel()

	var released atomic.Int32
	r := New(Options{OnRelease: func(ids []domain.RequestID) { released.Add(int32(len(ids))) }})
	r.Add(&PendingRequest{ID: 1})
	r.Add(&PendingRequest{ID: 2, After: 1})
	r.Transmittable(2)
	r.Cancel(2)

	r.Complete(1, nil)
	if released.Load() != 0 {
		t.Fatal("canceled dependent must not be released")
	}
}

func TestStateWaitingIsNegative(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	r := New(Options{Clock: mock})
	r.Add(&PendingRequest{ID: 5})
	r.MarkQueued(5, mock.Now().Add(300*time.Millisecond))
	if got := r.State(5); got != -300 {
		t.Fatalf("queued state = %d", got)
	}
	mock.Add(time.Second)
	if got := r.State(5); got != -1 {
		t.Fatalf("overdue queued state = %d", got)
	}
	r.MarkSent(5)
	if got := r.State(5); got != StateSending {
		t.Fatalf("sent state = %d", got)
	}
}

func TestTargetQueriesAndClear(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	r := New(Options{Clock: mock})
	r.Add(&PendingRequest{ID: 3, Target: domain.Shift(2, domain.Download(0))})
	mock.Add(time.Millisecond)
	r.Add(&PendingRequest{ID: 1, Target: 2})
	mock.Add(time.Millisecond)
	r.Add(&PendingRequest{ID: 2, Target: 4})

	if got := r.ForTarget(2); len(got) != 1 || got[0] != 1 {
		t.Fatalf("ForTarget(2) = %v", got)
	}
	if got := r.ForDc(2); len(got) != 2 || got[0] != 3 || got[1] != 1 {
		t.Fatalf("ForDc(2) = %v", got)
	}
	r.Retarget(1, 4)
	if got := r.ForTarget(4); len(got) != 2 {
		t.Fatalf("ForTarget(4) after retarget = %v", got)
	}

	all := r.ClearAll()
	if len(all) != 3 || all[0].ID != 3 || r.Len() != 0 {
		t.Fatalf("ClearAll = %+v", all)
	}
}

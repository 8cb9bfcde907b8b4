// Package registry tracks every in-flight request: its target session,
// callback pair, ordering dependency and wait budget.
//
// Lookups are safe from any goroutine. Callbacks are invoked by whichever
// call removed the entry, never while the registry lock is held, so each
// request resolves at most once.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/koltyakov/mtp/internal/domain"
)

// State codes returned by State. Negative values mean "still waiting,
// about -n milliseconds left".
const (
	StateUnknown int32 = 0
	StateDone    int32 = 1
	StateSending int32 = 2
)

const finishedHistory = 4096

// DoneFunc receives the raw result of a request.
type DoneFunc func(id domain.RequestID, payload []byte)

// FailFunc receives the failure of a request.
type FailFunc func(id domain.RequestID, err *domain.RPCError)

// Phase is where a pending request currently sits.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseBlocked
	PhaseQueued
	PhaseSent
	PhaseWaiting
)

// PendingRequest is one registered request.
type PendingRequest struct {
	ID         domain.RequestID
	Target     domain.ShiftedDcID
	Payload    []byte
	Done       DoneFunc
	Fail       FailFunc
	MaxWait    time.Duration
	After      domain.RequestID
	Created    time.Time
	NeedsLayer bool

	// Retry bookkeeping, updated by the error classifier.
	Migrations   int
	FloodRetries int
	KeyRetried   bool
	LayerRetried bool

	Phase     Phase
	WaitUntil time.Time
}

// Options configures a Registry.
type Options struct {
	Clock clock.Clock
	// OnRelease receives requests whose dependency reached a terminal
	// state. It is called outside the registry lock.
	OnRelease func(ids []domain.RequestID)
}

// Registry is the RequestRegistry.
type Registry struct {
	clock     clock.Clock
	onRelease func([]domain.RequestID)
	finished  *lru.Cache[domain.RequestID, struct{}]

	mu      sync.Mutex
	pending map[domain.RequestID]*PendingRequest
	blocked map[domain.RequestID][]domain.RequestID
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	finished, err := lru.New[domain.RequestID, struct{}](finishedHistory)
	if err != nil {
		panic(err)
	}
	return &Registry{
		clock:     opts.Clock,
		onRelease: opts.OnRelease,
		finished:  finished,
		pending:   make(map[domain.RequestID]*PendingRequest),
		blocked:   make(map[domain.RequestID][]domain.RequestID),
	}
}

// Add registers req. An id already pending is rejected.
func (r *Registry) Add(req *PendingRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[req.ID]; ok {
		return false
	}
	if req.Created.IsZero() {
		req.Created = r.clock.Now()
	}
	req.Phase = PhaseNew
	r.pending[req.ID] = req
	return true
}

// Transmittable reports whether id may be handed to its session. When its
// dependency is still pending the request is parked until that dependency
// completes, fails or is canceled.
func (r *Registry) Transmittable(id domain.RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok {
		return false
	}
	if req.After == 0 || req.After == id {
		return true
	}
	if _, waiting := r.pending[req.After]; !waiting {
		return true
	}
	if req.Phase != PhaseBlocked {
		req.Phase = PhaseBlocked
		r.blocked[req.After] = append(r.blocked[req.After], id)
	}
	return false
}

// Has reports whether id is pending.
func (r *Registry) Has(id domain.RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Get returns a copy of the pending request.
func (r *Registry) Get(id domain.RequestID) (PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	return *req, true
}

// Update applies fn to the pending request under the registry lock.
func (r *Registry) Update(id domain.RequestID, fn func(*PendingRequest)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok {
		return false
	}
	fn(req)
	return true
}

// Retarget moves id to another session.
func (r *Registry) Retarget(id domain.RequestID, target domain.ShiftedDcID) bool {
	return r.Update(id, func(req *PendingRequest) { req.Target = target })
}

// MarkQueued records that id sits in a session queue until at most until.
func (r *Registry) MarkQueued(id domain.RequestID, until time.Time) bool {
	return r.Update(id, func(req *PendingRequest) {
		req.Phase = PhaseQueued
		req.WaitUntil = until
	})
}

// MarkWaiting records that id waits for a retry or reconnect until until.
func (r *Registry) MarkWaiting(id domain.RequestID, until time.Time) bool {
	return r.Update(id, func(req *PendingRequest) {
		req.Phase = PhaseWaiting
		req.WaitUntil = until
	})
}

// MarkSent records that id was written to a connection.
func (r *Registry) MarkSent(id domain.RequestID) bool {
	return r.Update(id, func(req *PendingRequest) {
		req.Phase = PhaseSent
		req.WaitUntil = time.Time{}
	})
}

// State returns the public state code of id.
func (r *Registry) State(id domain.RequestID) int32 {
	r.mu.Lock()
	req, ok := r.pending[id]
	var phase Phase
	var until time.Time
	if ok {
		phase, until = req.Phase, req.WaitUntil
	}
	r.mu.Unlock()

	if !ok {
		if r.finished.Contains(id) {
			return StateDone
		}
		return StateUnknown
	}
	if phase == PhaseSent {
		return StateSending
	}
	ms := until.Sub(r.clock.Now()).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return -int32(ms)
}

// Complete resolves id with payload. It reports whether a pending request
// existed; the done callback runs only in that case.
func (r *Registry) Complete(id domain.RequestID, payload []byte) bool {
	req, released := r.remove(id, true)
	if req == nil {
		return false
	}
	if req.Done != nil {
		req.Done(id, payload)
	}
	r.release(released)
	return true
}

// Fail resolves id with err. found reports whether id was pending,
// delivered whether a fail callback received the error.
func (r *Registry) Fail(id domain.RequestID, err *domain.RPCError) (found, delivered bool) {
	req, released := r.remove(id, true)
	if req == nil {
		return false, false
	}
	if req.Fail != nil {
		req.Fail(id, err)
		delivered = true
	}
	r.release(released)
	return true, delivered
}

// Cancel drops id without invoking any callback. Canceling an unknown or
// finished id is a no-op.
func (r *Registry) Cancel(id domain.RequestID) (domain.ShiftedDcID, bool) {
	req, released := r.remove(id, false)
	if req == nil {
		return 0, false
	}
	r.release(released)
	return req.Target, true
}

// Remove drops id like Cancel and returns the removed request, so the
// caller can decide how to resolve it.
func (r *Registry) Remove(id domain.RequestID) (PendingRequest, bool) {
	req, released := r.remove(id, false)
	if req == nil {
		return PendingRequest{}, false
	}
	r.release(released)
	return *req, true
}

func (r *Registry) remove(id domain.RequestID, finished bool) (*PendingRequest, []domain.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok {
		return nil, nil
	}
	delete(r.pending, id)
	if finished {
		r.finished.Add(id, struct{}{})
	}

	if req.Phase == PhaseBlocked {
		r.unblockLocked(req.After, id)
	}
	released := r.blocked[id]
	delete(r.blocked, id)
	for _, rid := range released {
		if w, ok := r.pending[rid]; ok && w.Phase == PhaseBlocked {
			w.Phase = PhaseNew
		}
	}
	return req, released
}

func (r *Registry) unblockLocked(after, id domain.RequestID) {
	list := r.blocked[after]
	for i, rid := range list {
		if rid == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.blocked, after)
		return
	}
	r.blocked[after] = list
}

func (r *Registry) release(ids []domain.RequestID) {
	if len(ids) == 0 || r.onRelease == nil {
		return
	}
	r.onRelease(ids)
}

// ForTarget returns the pending ids routed to target, oldest first.
func (r *Registry) ForTarget(target domain.ShiftedDcID) []domain.RequestID {
	return r.filter(func(req *PendingRequest) bool { return req.Target == target })
}

// ForDc returns the pending ids routed to any session of dc, oldest first.
func (r *Registry) ForDc(dc domain.DcID) []domain.RequestID {
	return r.filter(func(req *PendingRequest) bool { return req.Target.Bare() == dc })
}

// IDs returns every pending id, oldest first.
func (r *Registry) IDs() []domain.RequestID {
	return r.filter(func(*PendingRequest) bool { return true })
}

func (r *Registry) filter(keep func(*PendingRequest) bool) []domain.RequestID {
	r.mu.Lock()
	type entry struct {
		id      domain.RequestID
		created time.Time
	}
	var list []entry
	for id, req := range r.pending {
		if keep(req) {
			list = append(list, entry{id: id, created: req.Created})
		}
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].created.Equal(list[j].created) {
			return list[i].id < list[j].id
		}
		return list[i].created.Before(list[j].created)
	})
	out := make([]domain.RequestID, len(list))
	for i, e := range list {
		out[i] = e.id
	}
	return out
}

// ClearAll removes every pending request without invoking callbacks and
// returns them in creation order.
func (r *Registry) ClearAll() []PendingRequest {
	r.mu.Lock()
	all := make([]PendingRequest, 0, len(r.pending))
	for _, req := range r.pending {
		all = append(all, *req)
	}
	r.pending = make(map[domain.RequestID]*PendingRequest)
	r.blocked = make(map[domain.RequestID][]domain.RequestID)
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Created.Equal(all[j].Created) {
			return all[i].ID < all[j].ID
		}
		return all[i].Created.Before(all[j].Created)
	})
	return all
}

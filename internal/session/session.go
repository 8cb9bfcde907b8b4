// Package session implements the logical per-(datacenter, class) channels
// and the router that creates, stops, kills and reconnects them.
//
// Router methods other than DcState, DcTransport, Has and Sessions must run
// on the control goroutine. Connection and timer events are posted to it
// through Options.Post.
package session

import (
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/transport"
	"github.com/koltyakov/mtp/internal/wire"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateAuthenticated
	StateActive
	StateStopped
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateKilled:
		return "killed"
	default:
		return "uninitialized"
	}
}

// Datacenter connection state codes reported to callers.
const (
	DcDisconnected int32 = 0
	DcConnecting   int32 = 1
	DcConnected    int32 = 2
)

// DcState maps the lifecycle state to the public connection code.
func (s State) DcState() int32 {
	switch s {
	case StateConnecting:
		return DcConnecting
	case StateAuthenticated, StateActive:
		return DcConnected
	default:
		return DcDisconnected
	}
}

func (s State) ready() bool {
	return s == StateAuthenticated || s == StateActive
}

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 30 * time.Second

	// badConfigAfter consecutive connection failures raise the bad
	// configuration signal.
	badConfigAfter = 5
)

// nextBackoff doubles the delay up to reconnectMaxDelay with ±25% jitter.
func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		current = reconnectInitialDelay
	}
	next := min(current*2, reconnectMaxDelay)
	jitter := 1.0 + (rand.Float64()-0.5)*0.5
	return time.Duration(float64(next) * jitter)
}

// Outgoing is one frame waiting for transmission on a session.
type Outgoing struct {
	ID   domain.RequestID
	Kind wire.Kind
	Body []byte
	// NeedsLayer lets the request carry the connection header when the
	// connection has not announced it yet. ForceLayer always wraps it.
	NeedsLayer bool
	ForceLayer bool
	Priority   bool
}

// Session is one logical channel bound to a ShiftedDcID.
type Session struct {
	shifted   domain.ShiftedDcID
	state     atomic.Int32
	transport atomic.Value

	// Control goroutine only.
	gen        uint64
	conn       transport.Connection
	handler    *connHandler
	sealer     *wire.Sealer
	keyID      uint64
	queue      []Outgoing
	inflight   map[domain.RequestID]Outgoing
	needLayer  bool
	flushTimer *clock.Timer
	flushAt    time.Time
	flushSeq   uint64
	retryTimer *clock.Timer
	backoff    time.Duration
	failures   int
}

func newSession(shifted domain.ShiftedDcID) *Session {
	s := &Session{
		shifted:  shifted,
		inflight: make(map[domain.RequestID]Outgoing),
	}
	s.transport.Store("")
	return s
}

// ShiftedDcID returns the routing key of the session.
func (s *Session) ShiftedDcID() domain.ShiftedDcID { return s.shifted }

// State returns the current lifecycle state. Safe from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Transport describes the live connection, or "" when disconnected.
func (s *Session) Transport() string {
	v, _ := s.transport.Load().(string)
	return v
}

// setState reports whether the public connection code changed.
func (s *Session) setState(st State) bool {
	prev := State(s.state.Swap(int32(st)))
	return prev.DcState() != st.DcState()
}

// requeueInflight puts sent but unanswered requests back in front of the
// queue, oldest id first.
func (s *Session) requeueInflight() {
	if len(s.inflight) == 0 {
		return
	}
	ids := make([]domain.RequestID, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	front := make([]Outgoing, 0, len(ids)+len(s.queue))
	for _, id := range ids {
		front = append(front, s.inflight[id])
	}
	s.queue = append(front, s.queue...)
	s.inflight = make(map[domain.RequestID]Outgoing)
}

// requestIDs returns the ids of queued and in-flight requests.
func (s *Session) requestIDs() []domain.RequestID {
	var ids []domain.RequestID
	for _, out := range s.queue {
		if out.Kind == wire.RPCRequest && out.ID != 0 {
			ids = append(ids, out.ID)
		}
	}
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// drop removes a queued request that was canceled before transmission.
func (s *Session) drop(id domain.RequestID) bool {
	for i, out := range s.queue {
		if out.ID == id && out.Kind == wire.RPCRequest {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	if _, ok := s.inflight[id]; ok {
		delete(s.inflight, id)
		return true
	}
	return false
}

func (s *Session) stopTimers() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
		s.flushAt = time.Time{}
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

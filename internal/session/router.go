package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/handshake"
	"github.com/koltyakov/mtp/internal/transport"
	"github.com/koltyakov/mtp/internal/wire"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
)

// Events receives everything a session learns from its connection. All
// methods are invoked on the control goroutine.
type Events interface {
	Result(shifted domain.ShiftedDcID, id domain.RequestID, payload []byte)
	Error(shifted domain.ShiftedDcID, id domain.RequestID, err *domain.RPCError)
	Updates(shifted domain.ShiftedDcID, payload []byte)
	SessionReset(shifted domain.ShiftedDcID)
	StateChanged(shifted domain.ShiftedDcID, state int32)
	Sent(shifted domain.ShiftedDcID, ids []domain.RequestID)
	DestroyKeyResult(shifted domain.ShiftedDcID, keyID uint64, status uint8)
	// KeyRejected reports that the server does not know the key the
	// session authenticated with.
	KeyRejected(shifted domain.ShiftedDcID, keyID uint64)
	BadConfiguration(dc domain.DcID)
}

// Keys is the slice of the key store a router needs. All methods must be
// safe from any goroutine.
type Keys interface {
	GetReadKey(dc domain.DcID) *authkey.Key
	SetWriteKey(dc domain.DcID, key *authkey.Key)
	KeyForDestroy(dc domain.DcID) *authkey.Key
	KeyForCheck(dc domain.DcID) *authkey.Key
}

// Directory resolves the endpoints of a session.
type Directory interface {
	LookupFor(shifted domain.ShiftedDcID) ([]domain.DcOption, bool)
}

// Options configures a Router.
type Options struct {
	Directory  Directory
	Dialer     transport.Dialer
	Authorizer handshake.Authorizer
	Keys       Keys
	Events     Events
	// Post hands a task to the control goroutine. It must not block.
	Post  func(func())
	Layer func() wire.LayerHeader

	Clock            clock.Clock
	Logger           *slog.Logger
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// OnReconnect is called for every scheduled reconnect.
	OnReconnect func(shifted domain.ShiftedDcID)
}

// Router is the SessionRouter.
type Router struct {
	dir         Directory
	dialer      transport.Dialer
	auth        handshake.Authorizer
	keys        Keys
	events      Events
	post        func(func())
	layer       func() wire.LayerHeader
	clock       clock.Clock
	log         *slog.Logger
	dialTO      time.Duration
	authTO      time.Duration
	onReconnect func(domain.ShiftedDcID)

	ctx    context.Context
	cancel context.CancelFunc
	authSF singleflight.Group

	mu       sync.RWMutex
	sessions map[domain.ShiftedDcID]*Session
	closed   bool

	// Control goroutine only.
	quitting map[transport.Connection]*quittingConn
}

// NewRouter returns a router with no sessions.
func NewRouter(opts Options) (*Router, error) {
	if opts.Directory == nil || opts.Dialer == nil || opts.Keys == nil || opts.Events == nil || opts.Post == nil {
		return nil, errors.New("session: directory, dialer, keys, events and post are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Layer == nil {
		opts.Layer = func() wire.LayerHeader { return wire.LayerHeader{Layer: wire.Layer} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		dir:         opts.Directory,
		dialer:      opts.Dialer,
		auth:        opts.Authorizer,
		keys:        opts.Keys,
		events:      opts.Events,
		post:        opts.Post,
		layer:       opts.Layer,
		clock:       opts.Clock,
		log:         opts.Logger,
		dialTO:      opts.DialTimeout,
		authTO:      opts.HandshakeTimeout,
		onReconnect: opts.OnReconnect,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[domain.ShiftedDcID]*Session),
		quitting:    make(map[transport.Connection]*quittingConn),
	}, nil
}

func (r *Router) get(shifted domain.ShiftedDcID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[shifted]
}

// Ensure returns the session of shifted, creating it on first use.
func (r *Router) Ensure(shifted domain.ShiftedDcID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[shifted]; ok {
		return s
	}
	s := newSession(shifted)
	if !r.closed {
		r.sessions[shifted] = s
	}
	return s
}

// Has reports whether a session exists for shifted.
func (r *Router) Has(shifted domain.ShiftedDcID) bool {
	return r.get(shifted) != nil
}

// Sessions returns the routing keys of every live session.
func (r *Router) Sessions() []domain.ShiftedDcID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ShiftedDcID, 0, len(r.sessions))
	for shifted := range r.sessions {
		out = append(out, shifted)
	}
	return out
}

func (r *Router) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// DcState returns the connection code of a session.
func (r *Router) DcState(shifted domain.ShiftedDcID) int32 {
	s := r.get(shifted)
	if s == nil {
		return DcDisconnected
	}
	return s.State().DcState()
}

// DcTransport describes the live connection of a session.
func (r *Router) DcTransport(shifted domain.ShiftedDcID) string {
	s := r.get(shifted)
	if s == nil {
		return ""
	}
	return s.Transport()
}

// Send queues out on the session of shifted. msCanWait lets requests to the
// same session be batched into one packet. It returns the latest time the
// frame is expected to stay queued.
func (r *Router) Send(shifted domain.ShiftedDcID, out Outgoing, msCanWait time.Duration) time.Time {
	s := r.Ensure(shifted)
	s.queue = append(s.queue, out)
	return r.schedule(s, msCanWait)
}

// Drop forgets a request the caller canceled, if it was not written yet.
func (r *Router) Drop(shifted domain.ShiftedDcID, id domain.RequestID) bool {
	s := r.get(shifted)
	if s == nil {
		return false
	}
	return s.drop(id)
}

// Ping sends a keepalive on the session.
func (r *Router) Ping(shifted domain.ShiftedDcID) {
	r.Send(shifted, Outgoing{Kind: wire.Ping, Priority: true}, 0)
}

// SendDestroyKey asks the server to forget key.
func (r *Router) SendDestroyKey(shifted domain.ShiftedDcID, key *authkey.Key) {
	r.Send(shifted, Outgoing{Kind: wire.DestroyKey, Body: wire.DestroyKeyBody(key.ID()), Priority: true}, 0)
}

func (r *Router) schedule(s *Session, wait time.Duration) time.Time {
	now := r.clock.Now()
	switch s.State() {
	case StateStopped, StateKilled:
		return time.Time{}
	case StateUninitialized:
		r.connect(s)
		return now.Add(wait)
	case StateConnecting:
		return now.Add(wait)
	}

	if wait <= 0 {
		r.flush(s)
		return now
	}
	deadline := now.Add(wait)
	if s.flushTimer != nil && !deadline.Before(s.flushAt) {
		return s.flushAt
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushSeq++
	seq := s.flushSeq
	shifted := s.shifted
	s.flushAt = deadline
	s.flushTimer = r.clock.AfterFunc(wait, func() {
		r.post(func() { r.flushFired(shifted, seq) })
	})
	return deadline
}

func (r *Router) flushFired(shifted domain.ShiftedDcID, seq uint64) {
	s := r.get(shifted)
	if s == nil || s.flushSeq != seq || s.flushTimer == nil {
		return
	}
	s.flushTimer = nil
	s.flushAt = time.Time{}
	r.flush(s)
}

func (r *Router) connect(s *Session) {
	opts, ok := r.dir.LookupFor(s.shifted)
	s.gen++
	if s.setState(StateConnecting) {
		r.events.StateChanged(s.shifted, DcConnecting)
	}
	if !ok {
		r.scheduleReconnect(s, &domain.OpError{DcID: s.shifted.Bare(), Op: "lookup", Err: domain.ErrUnknownDc})
		return
	}
	h := newConnHandler(r)
	go r.dial(s.shifted, s.gen, opts, h)
}

// dial runs off the control goroutine and must not touch session fields.
func (r *Router) dial(shifted domain.ShiftedDcID, gen uint64, opts []domain.DcOption, h *connHandler) {
	var (
		conn transport.Connection
		errs error
	)
	for _, opt := range opts {
		ctx, cancel := context.WithTimeout(r.ctx, r.dialTO)
		c, err := r.dialer.Dial(ctx, opt, h)
		cancel()
		if err == nil {
			conn = c
			break
		}
		errs = multierr.Append(errs, err)
		if r.ctx.Err() != nil {
			break
		}
	}
	if conn == nil {
		if errs == nil {
			errs = domain.ErrUnknownDc
		}
		r.post(func() { r.connectFailed(shifted, gen, errs) })
		return
	}

	key, err := r.authKey(shifted, conn, h)
	if err != nil {
		_ = conn.Close()
		r.post(func() { r.connectFailed(shifted, gen, err) })
		return
	}
	r.post(func() { r.connected(shifted, gen, conn, h, key) })
}

func (r *Router) authKey(shifted domain.ShiftedDcID, conn transport.Connection, h *connHandler) (*authkey.Key, error) {
	dc := shifted.Bare()
	switch shifted.Class() {
	case domain.ClassDestroyKey:
		if k := r.keys.KeyForDestroy(dc); k != nil {
			return k, nil
		}
		return nil, &domain.OpError{DcID: dc, Op: "destroy key", Err: domain.ErrNoAuthKey}
	case domain.ClassKeyCheck:
		if k := r.keys.KeyForCheck(dc); k != nil {
			return k, nil
		}
		return nil, &domain.OpError{DcID: dc, Op: "check key", Err: domain.ErrNoAuthKey}
	}
	if k := r.keys.GetReadKey(dc); k != nil {
		return k, nil
	}
	if r.auth == nil {
		return nil, &domain.OpError{DcID: dc, Op: "authorize", Err: domain.ErrNoAuthKey}
	}

	// One handshake per datacenter; concurrent sessions share its result.
	v, err, _ := r.authSF.Do(strconv.Itoa(int(dc)), func() (any, error) {
		if k := r.keys.GetReadKey(dc); k != nil {
			return k, nil
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.authTO)
		defer cancel()
		k, err := r.auth.Authorize(ctx, dc, exchange{conn: conn, h: h})
		if err != nil {
			return nil, err
		}
		r.keys.SetWriteKey(dc, k)
		r.log.Info("auth key created", "dc_id", dc, "key_id", fmt.Sprintf("%016x", k.ID()))
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*authkey.Key), nil
}

func (r *Router) connected(shifted domain.ShiftedDcID, gen uint64, conn transport.Connection, h *connHandler, key *authkey.Key) {
	s := r.get(shifted)
	if s == nil || s.gen != gen || s.State() != StateConnecting {
		_ = conn.Close()
		return
	}
	sealer, err := wire.NewSealer(key, wire.ClientToServer)
	if err != nil {
		_ = conn.Close()
		r.scheduleReconnect(s, err)
		return
	}
	s.conn = conn
	s.handler = h
	s.sealer = sealer
	s.keyID = key.ID()
	s.needLayer = true
	s.failures = 0
	s.backoff = 0
	s.transport.Store(conn.Transport())
	r.log.Info("session connected", "shifted_dc_id", shifted.String(), "transport", conn.Transport())
	if s.setState(StateAuthenticated) {
		r.events.StateChanged(shifted, DcConnected)
	}

	h.bind(func(packet []byte) { r.packet(shifted, conn, packet) })
	s.requeueInflight()
	r.flush(s)
}

func (r *Router) connectFailed(shifted domain.ShiftedDcID, gen uint64, err error) {
	s := r.get(shifted)
	if s == nil || s.gen != gen || s.State() != StateConnecting {
		return
	}
	if errors.Is(err, domain.ErrNoAuthKey) && pinnedKey(shifted.Class()) {
		// Nothing left to destroy or check on this datacenter.
		r.log.Debug("session has no key to work with", "shifted_dc_id", shifted.String())
		r.Kill(shifted)
		return
	}
	r.scheduleReconnect(s, err)
}

func (r *Router) scheduleReconnect(s *Session, err error) {
	r.detach(s)
	s.failures++
	if s.backoff <= 0 {
		s.backoff = reconnectInitialDelay
	}
	delay := s.backoff
	s.backoff = nextBackoff(s.backoff)

	if s.setState(StateConnecting) {
		r.events.StateChanged(s.shifted, DcConnecting)
	}
	r.log.Warn("session disconnected; reconnecting", "shifted_dc_id", s.shifted.String(), "err", err, "retry_in", delay.String())
	if r.onReconnect != nil {
		r.onReconnect(s.shifted)
	}
	if s.failures == badConfigAfter {
		r.events.BadConfiguration(s.shifted.Bare())
	}

	gen := s.gen
	shifted := s.shifted
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = r.clock.AfterFunc(delay, func() {
		r.post(func() { r.retry(shifted, gen) })
	})
}

func (r *Router) retry(shifted domain.ShiftedDcID, gen uint64) {
	s := r.get(shifted)
	if s == nil || s.gen != gen || s.State() != StateConnecting {
		return
	}
	s.retryTimer = nil
	r.connect(s)
}

// detach forgets the live connection, closing it. Its Finished event is
// then ignored because the session no longer references it.
func (r *Router) detach(s *Session) error {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
		s.flushAt = time.Time{}
	}
	s.requeueInflight()
	s.sealer = nil
	s.handler = nil
	s.transport.Store("")
	if s.conn == nil {
		return nil
	}
	c := s.conn
	s.conn = nil
	return c.Close()
}

// ConnectionFinished reconciles a terminated connection: the close of a
// stopped, killed or replaced connection is expected, anything else is a
// failure and schedules a reconnect.
func (r *Router) ConnectionFinished(conn transport.Connection, err error) {
	if q, ok := r.quitting[conn]; ok {
		delete(r.quitting, conn)
		q.timer.Stop()
		r.log.Debug("replaced connection finished", "shifted_dc_id", q.shifted.String(), "unanswered", len(q.pending))
		return
	}
	for _, s := range r.all() {
		if s.conn != conn || conn == nil {
			continue
		}
		if err == nil {
			err = transport.ErrClosed
		}
		s.conn = nil
		r.scheduleReconnect(s, err)
		return
	}
}

// StopSession suspends a session without discarding its queue.
func (r *Router) StopSession(shifted domain.ShiftedDcID) {
	s := r.get(shifted)
	if s == nil || s.State() == StateKilled {
		return
	}
	s.gen++
	s.stopTimers()
	_ = r.detach(s)
	if s.setState(StateStopped) {
		r.events.StateChanged(shifted, DcDisconnected)
	}
	r.log.Info("session stopped", "shifted_dc_id", shifted.String())
}

// Kill terminates and discards a session. It returns the ids of requests
// that were queued or in flight on it.
func (r *Router) Kill(shifted domain.ShiftedDcID) []domain.RequestID {
	s := r.get(shifted)
	if s == nil {
		return nil
	}
	s.gen++
	s.stopTimers()
	_ = r.detach(s)
	ids := s.requestIDs()
	s.queue = nil
	s.inflight = make(map[domain.RequestID]Outgoing)

	r.mu.Lock()
	delete(r.sessions, shifted)
	r.mu.Unlock()
	if s.setState(StateKilled) {
		r.events.StateChanged(shifted, DcDisconnected)
	}
	r.log.Info("session killed", "shifted_dc_id", shifted.String(), "requests", len(ids))
	return ids
}

// SendAnything resumes stopped sessions, reconnects waiting ones at once
// and flushes queued data. shifted 0 applies to every session.
func (r *Router) SendAnything(shifted domain.ShiftedDcID, msCanWait time.Duration) {
	var targets []*Session
	if shifted == 0 {
		targets = r.all()
	} else if s := r.get(shifted); s != nil {
		targets = []*Session{s}
	}
	for _, s := range targets {
		switch s.State() {
		case StateStopped, StateUninitialized:
			s.failures = 0
			s.backoff = 0
			r.connect(s)
		case StateConnecting:
			if s.retryTimer != nil {
				s.retryTimer.Stop()
				s.retryTimer = nil
				r.connect(s)
			}
		case StateAuthenticated, StateActive:
			if len(s.queue) > 0 {
				r.schedule(s, msCanWait)
			}
		}
	}
}

// Unpaused wakes the sessions after the process was suspended. Pending
// reconnects run at once and live connections are pinged so that one that
// died meanwhile is noticed. Stopped sessions stay stopped.
func (r *Router) Unpaused() {
	for _, s := range r.all() {
		switch s.State() {
		case StateConnecting:
			if s.retryTimer != nil {
				s.retryTimer.Stop()
				s.retryTimer = nil
				s.failures = 0
				s.backoff = 0
				r.connect(s)
			}
		case StateAuthenticated, StateActive:
			s.queue = append(s.queue, Outgoing{Kind: wire.Ping, Priority: true})
			r.flush(s)
		}
	}
}

// ReInitConnection tears down and reconnects every session of dc. Key
// destruction and key check sessions are left alone: they authenticate
// with a key of their own.
func (r *Router) ReInitConnection(dc domain.DcID) {
	for _, s := range r.all() {
		if s.shifted.Bare() != dc || pinnedKey(s.shifted.Class()) {
			continue
		}
		r.restart(s, false)
	}
}

// RestartSession reconnects one session. Requests in flight on the old
// connection may still be answered there.
func (r *Router) RestartSession(shifted domain.ShiftedDcID) {
	if s := r.get(shifted); s != nil {
		r.restart(s, true)
	}
}

// Restart reconnects every session.
func (r *Router) Restart() {
	for _, s := range r.all() {
		r.restart(s, true)
	}
}

func (r *Router) restart(s *Session, drain bool) {
	switch s.State() {
	case StateStopped, StateKilled:
		return
	}
	s.stopTimers()
	if drain {
		r.retire(s)
	}
	_ = r.detach(s)
	s.failures = 0
	s.backoff = 0
	r.connect(s)
}

// Close kills every session.
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[domain.ShiftedDcID]*Session)
	r.mu.Unlock()
	r.cancel()

	var errs error
	for _, s := range sessions {
		s.gen++
		s.stopTimers()
		errs = multierr.Append(errs, r.detach(s))
		s.setState(StateKilled)
	}
	for conn := range r.quitting {
		errs = multierr.Append(errs, r.quit(conn))
	}
	return errs
}

// pinnedKey reports whether sessions of class authenticate with a key
// handed to them rather than the read key of their datacenter.
func pinnedKey(class domain.SessionClass) bool {
	return class == domain.ClassDestroyKey || class == domain.ClassKeyCheck
}

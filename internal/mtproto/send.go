package mtproto

import (
	"time"

	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/registry"
	"github.com/koltyakov/mtp/internal/session"
	"github.com/koltyakov/mtp/internal/wire"
)

// Serializable is a request that can encode itself into a wire payload.
type Serializable interface {
	Serialize() ([]byte, error)
}

// Callbacks is the done/fail pair of one request. Either may be nil.
type Callbacks struct {
	Done registry.DoneFunc
	Fail registry.FailFunc
}

type sendOptions struct {
	shifted    domain.ShiftedDcID
	canWait    time.Duration
	after      domain.RequestID
	needsLayer bool
}

// SendOption adjusts how a request is routed and scheduled.
type SendOption func(*sendOptions)

// ToDC routes the request to a session. Zero, the default, is the main
// session; a routing key with only a class uses the main datacenter.
func ToDC(shifted domain.ShiftedDcID) SendOption {
	return func(o *sendOptions) { o.shifted = shifted }
}

// CanWait lets the request sit in the session queue for up to d so that it
// can share a packet with requests sent shortly after.
func CanWait(d time.Duration) SendOption {
	return func(o *sendOptions) { o.canWait = d }
}

// After holds the request back until id is done, failed or canceled.
func After(id domain.RequestID) SendOption {
	return func(o *sendOptions) { o.after = id }
}

func collect(opts []SendOption) sendOptions {
	o := sendOptions{needsLayer: true}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Send serializes req and submits it. The returned id is valid for Cancel
// and State immediately; the outcome arrives through cb only.
func Send[R Serializable](i *Instance, req R, cb Callbacks, opts ...SendOption) domain.RequestID {
	id := domain.NextRequestID()
	payload, err := req.Serialize()
	if err != nil {
		i.log.Error("request serialization failed", "request_id", id, "err", err)
		o := collect(opts)
		i.register(id, nil, cb, o)
		i.failLater(id, domain.NewLocalError(domain.TypeRequestSerializeFailed))
		return id
	}
	i.SendSerialized(id, payload, cb, opts...)
	return id
}

// SendSerialized submits an already encoded payload under id.
func (i *Instance) SendSerialized(id domain.RequestID, payload []byte, cb Callbacks, opts ...SendOption) {
	i.sendRequest(id, payload, cb, collect(opts))
}

// SendProtocolMessage submits a service message without callbacks or a
// connection header.
func SendProtocolMessage[R Serializable](i *Instance, shifted domain.ShiftedDcID, req R) domain.RequestID {
	id := domain.NextRequestID()
	payload, err := req.Serialize()
	if err != nil {
		i.log.Error("protocol message serialization failed", "request_id", id, "err", err)
		return id
	}
	i.sendRequest(id, payload, Callbacks{}, sendOptions{shifted: shifted})
	return id
}

func (i *Instance) register(id domain.RequestID, payload []byte, cb Callbacks, o sendOptions) bool {
	ok := i.reqs.Add(&registry.PendingRequest{
		ID:         id,
		Target:     i.target(o.shifted),
		Payload:    payload,
		Done:       cb.Done,
		Fail:       cb.Fail,
		MaxWait:    o.canWait,
		After:      o.after,
		NeedsLayer: o.needsLayer,
	})
	if !ok {
		i.log.Warn("duplicate request id", "request_id", id)
		return false
	}
	i.metrics.RequestStarted()
	return true
}

func (i *Instance) sendRequest(id domain.RequestID, payload []byte, cb Callbacks, o sendOptions) {
	if !i.register(id, payload, cb, o) {
		return
	}
	if i.closed.Load() {
		i.failLater(id, domain.NewLocalError(domain.TypeInstanceClosed))
		return
	}
	i.post(func() { i.transmit(id) })
}

// transmit hands a registered request to its session once its
// dependency allows it.
func (i *Instance) transmit(id domain.RequestID) {
	req, ok := i.reqs.Get(id)
	if !ok || !i.reqs.Transmittable(id) {
		return
	}
	dc := req.Target.Bare()
	if !i.dir.Has(dc) {
		i.log.Warn("request to unreachable dc", "request_id", id, "shifted_dc_id", req.Target.String())
		i.fail(id, &domain.RPCError{Code: domain.CodeTransport, Type: domain.TypeDcUnreachable})
		i.post(i.badConfiguration)
		return
	}
	i.keys.Touch(dc)
	until := i.router.Send(req.Target, session.Outgoing{
		ID:         id,
		Kind:       wire.RPCRequest,
		Body:       req.Payload,
		NeedsLayer: req.NeedsLayer,
		ForceLayer: req.LayerRetried,
	}, req.MaxWait)
	i.reqs.MarkQueued(id, until)
}

// released runs for requests whose dependency reached a terminal state.
// It may be called from any goroutine.
func (i *Instance) released(ids []domain.RequestID) {
	i.post(func() {
		for _, id := range ids {
			i.transmit(id)
		}
	})
}

// Cancel forgets a request. No callback of it runs afterwards, even if its
// response is already on the way. Unknown or finished ids are ignored.
func (i *Instance) Cancel(id domain.RequestID) {
	req, ok := i.reqs.Get(id)
	target, removed := i.reqs.Cancel(id)
	if !removed {
		return
	}
	if ok {
		i.metrics.RequestFinished("cancel", i.clock.Since(req.Created))
	}
	i.post(func() {
		i.stopRetry(id)
		i.router.Drop(target, id)
	})
}

// State returns StateDone, StateSending, the unknown sentinel or a
// negative estimate of the milliseconds the request will still wait.
func (i *Instance) State(id domain.RequestID) int32 {
	return i.reqs.State(id)
}

// complete resolves id with payload and reports whether it was pending.
func (i *Instance) complete(id domain.RequestID, payload []byte) bool {
	req, ok := i.reqs.Get(id)
	if !ok || !i.reqs.Complete(id, payload) {
		return false
	}
	i.metrics.RequestFinished("done", i.clock.Since(req.Created))
	return true
}

// fail resolves id with err. found reports whether id was pending,
// delivered whether its fail callback ran.
func (i *Instance) fail(id domain.RequestID, err *domain.RPCError) (found, delivered bool) {
	req, ok := i.reqs.Get(id)
	if !ok {
		return false, false
	}
	found, delivered = i.reqs.Fail(id, err)
	if found {
		i.metrics.RequestFinished("fail", i.clock.Since(req.Created))
	}
	return found, delivered
}

// failLater fails id on the control goroutine. Once the loop has stopped
// it fails id on the caller's goroutine instead.
func (i *Instance) failLater(id domain.RequestID, err *domain.RPCError) {
	if !i.loop.Post(func() { i.fail(id, err) }) {
		i.fail(id, err)
	}
}

func (i *Instance) stopRetry(id domain.RequestID) {
	if t, ok := i.retryTimers[id]; ok {
		t.Stop()
		delete(i.retryTimers, id)
	}
}

// CallbackClear names a request whose callbacks should be dropped. A
// non-zero Code fails the request with CLEAR_CALLBACK and that code
// instead of dropping it silently.
type CallbackClear struct {
	ID   domain.RequestID
	Code int
}

// ClearCallbacks drops the callbacks of the given requests on the control
// goroutine.
func (i *Instance) ClearCallbacks(clears ...CallbackClear) {
	i.post(func() {
		for _, c := range clears {
			req, ok := i.reqs.Remove(c.ID)
			if !ok {
				continue
			}
			i.stopRetry(c.ID)
			i.router.Drop(req.Target, c.ID)
			res := "cancel"
			if c.Code != 0 {
				res = "fail"
			}
			i.metrics.RequestFinished(res, i.clock.Since(req.Created))
			if c.Code != 0 && req.Fail != nil {
				req.Fail(c.ID, &domain.RPCError{Code: c.Code, Type: domain.TypeClearCallback})
			}
		}
	})
}

// ExecCallback resolves id with payload as if it came from the server.
// The done callback runs on the control goroutine. It reports whether id
// was pending when the call was made.
func (i *Instance) ExecCallback(id domain.RequestID, payload []byte) bool {
	if !i.reqs.Has(id) {
		return false
	}
	if !i.loop.Post(func() { i.complete(id, payload) }) {
		return i.complete(id, payload)
	}
	return true
}

// HasCallbacks reports whether id is still pending.
func (i *Instance) HasCallbacks(id domain.RequestID) bool {
	return i.reqs.Has(id)
}

// GlobalCallback hands an unsolicited payload to the updates handler.
func (i *Instance) GlobalCallback(payload []byte) {
	if h := i.handlers().Updates; h != nil {
		h(0, payload)
	}
}

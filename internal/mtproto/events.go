package mtproto

import (
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/session"
	"github.com/koltyakov/mtp/internal/wire"
)

// routerEvents receives what sessions learn from their connections. The
// router calls it on the control goroutine.
type routerEvents struct {
	i *Instance
}

func (e routerEvents) Result(shifted domain.ShiftedDcID, id domain.RequestID, payload []byte) {
	if !e.i.complete(id, payload) {
		e.i.log.Debug("result for unknown request", "request_id", id, "shifted_dc_id", shifted.String())
	}
}

func (e routerEvents) Error(_ domain.ShiftedDcID, id domain.RequestID, err *domain.RPCError) {
	e.i.RPCErrorOccured(id, nil, err)
}

func (e routerEvents) KeyRejected(shifted domain.ShiftedDcID, keyID uint64) {
	e.i.keyRejected(shifted, keyID)
}

func (e routerEvents) Updates(shifted domain.ShiftedDcID, payload []byte) {
	if h := e.i.handlers().Updates; h != nil {
		h(shifted, payload)
	}
}

func (e routerEvents) SessionReset(shifted domain.ShiftedDcID) {
	if h := e.i.handlers().SessionReset; h != nil {
		h(shifted)
	}
}

func (e routerEvents) StateChanged(shifted domain.ShiftedDcID, state int32) {
	prev, seen := e.i.dcStates[shifted]
	from := ""
	if seen {
		from = stateLabel(prev)
	}
	e.i.dcStates[shifted] = state
	e.i.metrics.SessionState(from, stateLabel(state))

	if h := e.i.handlers().StateChanged; h != nil {
		h(shifted, state)
	}
}

func (e routerEvents) Sent(_ domain.ShiftedDcID, ids []domain.RequestID) {
	for _, id := range ids {
		e.i.reqs.MarkSent(id)
	}
}

func (e routerEvents) DestroyKeyResult(shifted domain.ShiftedDcID, keyID uint64, status uint8) {
	switch status {
	case wire.DestroyKeyOK, wire.DestroyKeyNone:
		e.i.keyDestroyedOnServer(shifted.Bare(), keyID)
	default:
		e.i.log.Warn("server failed to destroy auth key", "shifted_dc_id", shifted.String(), "key_id", keyID)
		e.i.metrics.KeyDestroyed("failed")
		e.i.checkIfKeyWasDestroyed(shifted)
	}
}

func (e routerEvents) BadConfiguration(dc domain.DcID) {
	e.i.log.Warn("dc keeps failing to connect", "dc_id", dc)
	e.i.badConfiguration()
}

func stateLabel(state int32) string {
	switch state {
	case session.DcConnecting:
		return "connecting"
	case session.DcConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

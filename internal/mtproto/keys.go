package mtproto

import (
	"fmt"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/wire"
)

// SetKeyForWrite stages key for dc. Safe from any goroutine.
func (i *Instance) SetKeyForWrite(dc domain.DcID, key *authkey.Key) {
	i.keys.SetWriteKey(dc, key)
}

// GetKeysForWrite promotes staged keys on the control goroutine and
// returns the full key list to persist. It must not be called from a
// callback or hook; after Close the promotion runs on the caller.
func (i *Instance) GetKeysForWrite() []*authkey.Key {
	promote := func() {
		if delta := i.keys.PromoteWriteKeys(); len(delta) > 0 {
			i.log.Debug("promoted auth keys", "count", len(delta))
		}
	}
	if err := i.loop.Sync(promote); err != nil {
		promote()
	}
	all := i.keys.Keys()
	out := make([]*authkey.Key, 0, len(all))
	for _, k := range all {
		out = append(out, k.Key)
	}
	return out
}

// SendDcKeyCheck asks the datacenter of key whether it still knows it.
// The request goes over a session that authenticates with key alone. The
// outcome is reported through the KeyChecked notification; a key the
// server forgot is dropped and its datacenter reauthorizes.
func (i *Instance) SendDcKeyCheck(key *authkey.Key) domain.RequestID {
	id := domain.NextRequestID()
	if key == nil {
		return id
	}
	dc, keyID := key.DcID(), key.ID()
	shifted := domain.Shift(dc, domain.ClassKeyCheck)
	payload, err := wire.Call{Method: wire.MethodGetNearestDc}.Serialize()
	if err != nil {
		i.log.Error("key check serialization failed", "dc_id", dc, "err", err)
		return id
	}
	cb := Callbacks{
		Done: func(domain.RequestID, []byte) { i.keyChecked(dc, keyID, true) },
		Fail: func(_ domain.RequestID, err *domain.RPCError) { i.keyCheckFailed(dc, keyID, err) },
	}
	i.post(func() {
		prev := i.keys.KeyForCheck(dc)
		i.keys.SetKeyForCheck(key)
		if prev != nil && prev.ID() != keyID {
			// The session still holds the previous key.
			i.killSession(shifted)
		}
		i.log.Info("checking auth key", "dc_id", dc, "key_id", fmt.Sprintf("%016x", keyID))
		i.SendSerialized(id, payload, cb, ToDC(shifted))
	})
	return id
}

// keyChecked applies the outcome of a key check. Outcomes of a check that
// was replaced or already finished are ignored.
func (i *Instance) keyChecked(dc domain.DcID, keyID uint64, valid bool) {
	if !i.keys.FinishCheck(dc, keyID) {
		return
	}
	i.killSession(domain.Shift(dc, domain.ClassKeyCheck))
	res := "valid"
	if !valid {
		res = "invalid"
		i.log.Warn("server does not know auth key", "dc_id", dc, "key_id", fmt.Sprintf("%016x", keyID))
		if i.keys.ConfirmDestroyed(dc, keyID) {
			i.metrics.KeyDestroyed("destroyed")
			i.finishDestroy(dc)
		} else if k := i.keys.InvalidateKey(dc, keyID); k != nil {
			i.router.ReInitConnection(dc)
		}
	}
	i.metrics.KeyChecked(res)
	if fn := i.notifications().KeyChecked; fn != nil {
		fn(dc, keyID, valid)
	}
}

func (i *Instance) keyCheckFailed(dc domain.DcID, keyID uint64, err *domain.RPCError) {
	if err.IsKeyInvalidation() {
		i.keyChecked(dc, keyID, false)
		return
	}
	if !i.keys.FinishCheck(dc, keyID) {
		return
	}
	i.log.Warn("auth key check failed", "dc_id", dc, "err", err.Type)
	i.metrics.KeyChecked("failed")
	i.killSession(domain.Shift(dc, domain.ClassKeyCheck))
}

// keyRejected handles the server telling a session that it does not know
// the key the session authenticates with.
func (i *Instance) keyRejected(shifted domain.ShiftedDcID, keyID uint64) {
	dc := shifted.Bare()
	switch shifted.Class() {
	case domain.ClassKeyCheck:
		i.keyChecked(dc, keyID, false)
	case domain.ClassDestroyKey:
		i.keyDestroyedOnServer(dc, keyID)
	default:
		if k := i.keys.InvalidateKey(dc, keyID); k != nil {
			i.log.Warn("auth key rejected by server", "shifted_dc_id", shifted.String(), "key_id", fmt.Sprintf("%016x", keyID))
			i.router.ReInitConnection(dc)
		}
	}
}

// AddKeysForDestroy queues keys for destruction on their datacenters.
func (i *Instance) AddKeysForDestroy(keys []*authkey.Key) {
	i.keys.AddForDestroy(keys)
	i.post(func() {
		for _, dc := range i.keys.Scheduled() {
			i.startDestroy(dc)
		}
	})
}

// ScheduleKeyDestroy moves the key of a datacenter into the destruction
// workflow. Its sessions reconnect and negotiate a fresh key.
func (i *Instance) ScheduleKeyDestroy(shifted domain.ShiftedDcID) {
	i.post(func() {
		dc := shifted.Bare()
		if !i.keys.ScheduleDestroy(shifted) {
			return
		}
		i.router.ReInitConnection(dc)
		i.startDestroy(dc)
	})
}

func (i *Instance) startDestroyer() {
	scheduled := i.keys.Scheduled()
	if len(scheduled) == 0 {
		i.log.Info("no keys to destroy")
		i.allKeysDestroyed()
		return
	}
	for _, dc := range scheduled {
		i.startDestroy(dc)
	}
}

// startDestroy sends the destroy request for dc over its own session and
// arms the confirmation deadline.
func (i *Instance) startDestroy(dc domain.DcID) {
	key := i.keys.KeyForDestroy(dc)
	if key == nil || !i.keys.MarkAwaiting(dc) {
		return
	}
	shifted := domain.Shift(dc, domain.ClassDestroyKey)
	i.log.Info("destroying auth key", "dc_id", dc, "key_id", key.ID())
	i.router.SendDestroyKey(shifted, key)
	i.armDestroyTimer(shifted)
}

func (i *Instance) armDestroyTimer(shifted domain.ShiftedDcID) {
	dc := shifted.Bare()
	deadline, ok := i.keys.Deadline(dc)
	if !ok {
		return
	}
	if t, ok := i.destroyTimers[dc]; ok {
		t.Stop()
	}
	i.destroyTimers[dc] = i.clock.AfterFunc(deadline.Sub(i.clock.Now()), func() {
		i.post(func() {
			delete(i.destroyTimers, dc)
			i.checkIfKeyWasDestroyed(shifted)
		})
	})
}

// CheckIfKeyWasDestroyed gives up waiting for the server once the destroy
// deadline passed; the key then counts as destroyed locally.
func (i *Instance) CheckIfKeyWasDestroyed(shifted domain.ShiftedDcID) {
	i.post(func() { i.checkIfKeyWasDestroyed(shifted) })
}

func (i *Instance) checkIfKeyWasDestroyed(shifted domain.ShiftedDcID) {
	dc := shifted.Bare()
	if i.keys.CheckDestroyTimeout(shifted) {
		i.metrics.KeyDestroyed("timed_out")
		i.finishDestroy(dc)
		return
	}
	if _, pending := i.destroyTimers[dc]; !pending {
		i.armDestroyTimer(domain.Shift(dc, domain.ClassDestroyKey))
	}
}

// KeyDestroyedOnServer applies the server acknowledgement for keyID.
func (i *Instance) KeyDestroyedOnServer(dc domain.DcID, keyID uint64) {
	i.post(func() { i.keyDestroyedOnServer(dc, keyID) })
}

func (i *Instance) keyDestroyedOnServer(dc domain.DcID, keyID uint64) {
	if !i.keys.ConfirmDestroyed(dc, keyID) {
		return
	}
	i.metrics.KeyDestroyed("destroyed")
	i.finishDestroy(dc)
}

func (i *Instance) finishDestroy(dc domain.DcID) {
	if t, ok := i.destroyTimers[dc]; ok {
		t.Stop()
		delete(i.destroyTimers, dc)
	}
	i.killSession(domain.Shift(dc, domain.ClassDestroyKey))
}

// allKeysDestroyed is called by the key store, on the control goroutine,
// when the last tracked key became terminal.
func (i *Instance) allKeysDestroyed() {
	i.log.Info("all auth keys destroyed")
	if fn := i.notifications().AllKeysDestroyed; fn != nil {
		fn()
	}
}

// Logout logs the main datacenter out and then destroys the keys of every
// other datacenter. done or fail receives the outcome of the logout call.
func (i *Instance) Logout(cb Callbacks) domain.RequestID {
	guests := func() {
		main := i.MainDcID()
		for _, k := range i.keys.Keys() {
			if k.Dc != main {
				i.ScheduleKeyDestroy(domain.ShiftedDcID(k.Dc))
			}
		}
	}
	return Send(i, wire.Call{Method: wire.MethodLogOut}, Callbacks{
		Done: func(id domain.RequestID, payload []byte) {
			guests()
			if cb.Done != nil {
				cb.Done(id, payload)
			}
		},
		Fail: func(id domain.RequestID, err *domain.RPCError) {
			guests()
			if cb.Fail != nil {
				cb.Fail(id, err)
			}
		},
	}, ToDC(domain.Shift(0, domain.ClassLogout)))
}

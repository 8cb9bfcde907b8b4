package mtproto

import (
	"fmt"
	"time"

	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/registry"
)

// maxMigrations bounds how often one request may be moved to another
// datacenter before it fails with MIGRATE_LOOP.
const maxMigrations = 5

// RPCErrorOccured is the central error intake. Errors that can be
// recovered locally (migrations, allowed flood waits, key invalidation,
// a missing connection header) resend the request and return false.
// Otherwise the error is delivered, to fail when given or else to the
// registered fail callback, falling back to the global fail handler, and
// true tells the caller to drop any state it keeps for id. Errors for
// requests that are no longer pending are dropped and return false.
//
// It must be called on the control goroutine.
func (i *Instance) RPCErrorOccured(id domain.RequestID, fail registry.FailFunc, err *domain.RPCError) bool {
	if !i.reqs.Has(id) {
		i.log.Debug("rpc error for unknown request", "request_id", id)
		return false
	}
	recovered, final := i.recover(id, err)
	if recovered {
		return false
	}
	i.stopRetry(id)
	if fail != nil {
		req, ok := i.reqs.Remove(id)
		if !ok {
			return false
		}
		i.metrics.RequestFinished("fail", i.clock.Since(req.Created))
		fail(id, final)
		return true
	}
	found, delivered := i.fail(id, final)
	if !found {
		i.log.Debug("rpc error for unknown request", "request_id", id)
		return false
	}
	if !delivered {
		i.globalFail(id, final)
	}
	return true
}

// recover tries to handle err without involving the caller. When it
// cannot, it returns the error the caller should see.
func (i *Instance) recover(id domain.RequestID, err *domain.RPCError) (bool, *domain.RPCError) {
	req, ok := i.reqs.Get(id)
	if !ok || err == nil {
		return false, err
	}
	log := i.log.With("request_id", id, "shifted_dc_id", req.Target.String(), "err", err.Type)

	if kind, dc, ok := err.Migrate(); ok {
		if req.Migrations >= maxMigrations {
			log.Warn("request migrated too often")
			return false, domain.NewLocalError(domain.TypeMigrateLoop)
		}
		if domain.MovesMainDc(kind) && req.Target.Class() == domain.ClassMain {
			i.moveMainDc(dc)
		}
		target := req.Target.WithDc(dc)
		i.reqs.Update(id, func(p *registry.PendingRequest) {
			p.Migrations++
			p.Target = target
		})
		log.Info("migrating request", "to", target.String())
		i.transmit(id)
		return true, nil
	}

	if secs, ok := err.FloodWait(); ok {
		wait := time.Duration(secs) * time.Second
		if !i.retry.allows(req.FloodRetries, wait) {
			return false, err
		}
		i.reqs.Update(id, func(p *registry.PendingRequest) { p.FloodRetries++ })
		i.reqs.MarkWaiting(id, i.clock.Now().Add(wait))
		log.Warn("flood wait; retrying", "retry_in", wait.String())
		i.stopRetry(id)
		i.retryTimers[id] = i.clock.AfterFunc(wait, func() {
			i.post(func() {
				delete(i.retryTimers, id)
				i.transmit(id)
			})
		})
		return true, nil
	}

	if err.IsKeyInvalidation() {
		if req.Target.Class() == domain.ClassKeyCheck {
			// The checked key is the one being rejected.
			return false, err
		}
		if req.KeyRetried {
			log.Warn("auth key rejected again")
			return false, err
		}
		dc := req.Target.Bare()
		i.reqs.Update(id, func(p *registry.PendingRequest) { p.KeyRetried = true })
		if k := i.keys.Invalidate(dc); k != nil {
			log.Warn("auth key invalidated", "key_id", fmt.Sprintf("%016x", k.ID()))
			i.router.ReInitConnection(dc)
		}
		i.transmit(id)
		return true, nil
	}

	if err.NeedsLayer() {
		if req.LayerRetried {
			return false, err
		}
		i.reqs.Update(id, func(p *registry.PendingRequest) { p.LayerRetried = true })
		log.Info("resending with connection header")
		i.transmit(id)
		return true, nil
	}
	return false, err
}

func (i *Instance) moveMainDc(dc domain.DcID) {
	i.mu.Lock()
	prev := i.mainDc
	i.mainDc = dc
	i.mu.Unlock()
	if prev != dc {
		i.log.Info("main dc migrated", "from", prev, "to", dc)
	}
}

func (i *Instance) globalFail(id domain.RequestID, err *domain.RPCError) {
	if h := i.handlers().GlobalFail; h != nil {
		h(id, err)
		return
	}
	i.log.Warn("unhandled rpc error", "request_id", id, "code", err.Code, "type", err.Type)
}

// BadConfigurationError reports that the cached configuration cannot be
// used; it is dropped and fetched again.
func (i *Instance) BadConfigurationError() {
	i.post(i.badConfiguration)
}

func (i *Instance) badConfiguration() {
	if i.mode != ModeNormal {
		return
	}
	now := i.clock.Now()
	if !i.badConfigAt.IsZero() && now.Sub(i.badConfigAt) < badConfigCooldown {
		return
	}
	i.badConfigAt = now
	i.log.Warn("bad configuration; refetching config")
	i.config.Invalidate()
	i.config.RequestConfig()
}

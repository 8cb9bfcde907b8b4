package mtproto

import (
	"time"

	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/registry"
)

// GlobalHandlers are the cross-cutting hooks of an instance. They run on
// the control goroutine.
type GlobalHandlers struct {
	// Updates receives unsolicited server pushes.
	Updates func(shifted domain.ShiftedDcID, payload []byte)
	// GlobalFail receives errors of requests without a fail callback.
	GlobalFail registry.FailFunc
	// StateChanged receives connection code changes of every session.
	StateChanged func(shifted domain.ShiftedDcID, state int32)
	// SessionReset is told when the server dropped a session's state.
	SessionReset func(shifted domain.ShiftedDcID)
}

// Notifications are the observer callbacks of an instance, at most one per
// event kind. They run on the control goroutine.
type Notifications struct {
	ConfigLoaded        func()
	CDNConfigLoaded     func()
	AllKeysDestroyed    func()
	ProxyDomainResolved func(host string, ips []string, expireAt time.Time)
	// KeyChecked reports whether the server still knows a checked key.
	KeyChecked func(dc domain.DcID, keyID uint64, valid bool)
}

func (i *Instance) handlers() GlobalHandlers {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.hooks
}

func (i *Instance) notifications() Notifications {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.notify
}

// SetUpdatesHandler installs the updates hook.
func (i *Instance) SetUpdatesHandler(fn func(shifted domain.ShiftedDcID, payload []byte)) {
	i.mu.Lock()
	i.hooks.Updates = fn
	i.mu.Unlock()
}

// SetGlobalFailHandler installs the unhandled-failure hook.
func (i *Instance) SetGlobalFailHandler(fn registry.FailFunc) {
	i.mu.Lock()
	i.hooks.GlobalFail = fn
	i.mu.Unlock()
}

// SetStateChangedHandler installs the session state hook.
func (i *Instance) SetStateChangedHandler(fn func(shifted domain.ShiftedDcID, state int32)) {
	i.mu.Lock()
	i.hooks.StateChanged = fn
	i.mu.Unlock()
}

// SetSessionResetHandler installs the session reset hook.
func (i *Instance) SetSessionResetHandler(fn func(shifted domain.ShiftedDcID)) {
	i.mu.Lock()
	i.hooks.SessionReset = fn
	i.mu.Unlock()
}

// ClearGlobalHandlers removes every global hook.
func (i *Instance) ClearGlobalHandlers() {
	i.mu.Lock()
	i.hooks = GlobalHandlers{}
	i.mu.Unlock()
}

// OnConfigLoaded registers the config-loaded observer.
func (i *Instance) OnConfigLoaded(fn func()) {
	i.mu.Lock()
	i.notify.ConfigLoaded = fn
	i.mu.Unlock()
}

// OnCDNConfigLoaded registers the CDN-config-loaded observer.
func (i *Instance) OnCDNConfigLoaded(fn func()) {
	i.mu.Lock()
	i.notify.CDNConfigLoaded = fn
	i.mu.Unlock()
}

// OnAllKeysDestroyed registers the all-keys-destroyed observer.
func (i *Instance) OnAllKeysDestroyed(fn func()) {
	i.mu.Lock()
	i.notify.AllKeysDestroyed = fn
	i.mu.Unlock()
}

// OnProxyDomainResolved registers the proxy resolution observer.
func (i *Instance) OnProxyDomainResolved(fn func(host string, ips []string, expireAt time.Time)) {
	i.mu.Lock()
	i.notify.ProxyDomainResolved = fn
	i.mu.Unlock()
}

// OnKeyChecked registers the key check observer.
func (i *Instance) OnKeyChecked(fn func(dc domain.DcID, keyID uint64, valid bool)) {
	i.mu.Lock()
	i.notify.KeyChecked = fn
	i.mu.Unlock()
}

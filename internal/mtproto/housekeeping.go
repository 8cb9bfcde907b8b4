package mtproto

import (
	"time"

	"github.com/koltyakov/mtp/internal/configmgr"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/proxy"
	"github.com/koltyakov/mtp/internal/wire"
)

// RequestConfig fetches the server configuration.
func (i *Instance) RequestConfig() {
	i.post(func() { i.config.RequestConfig() })
}

// RequestConfigIfOld fetches the server configuration when the cached one
// is stale.
func (i *Instance) RequestConfigIfOld() {
	i.post(func() { i.config.RequestConfigIfOld() })
}

// RequestCDNConfig fetches the CDN configuration.
func (i *Instance) RequestCDNConfig() {
	i.post(func() { i.config.RequestCDNConfig() })
}

// Config returns the cached server configuration.
func (i *Instance) Config() (domain.ServerConfig, bool) {
	return i.config.Config()
}

// ConfigLoadedAt returns when the cached server configuration was loaded.
func (i *Instance) ConfigLoadedAt() time.Time {
	return i.config.LoadedAt()
}

// RestoreConfig installs a configuration loaded from a snapshot.
func (i *Instance) RestoreConfig(cfg domain.ServerConfig, loadedAt time.Time) {
	i.config.Restore(cfg, loadedAt)
	if len(cfg.DcOptions) > 0 {
		i.dir.Apply(cfg.DcOptions)
	}
}

// fetch issues a built-in call on the config session of the main
// datacenter, or of the first known one when the main datacenter has no
// endpoints.
func (i *Instance) fetch(method string) configmgr.Fetch {
	return func(done func([]byte), fail func(*domain.RPCError)) {
		dc := i.MainDcID()
		if !i.dir.Has(dc) {
			if ids := i.dir.IDs(); len(ids) > 0 {
				dc = ids[0]
			}
		}
		Send(i, wire.Call{Method: method}, Callbacks{
			Done: func(_ domain.RequestID, payload []byte) { done(payload) },
			Fail: func(_ domain.RequestID, err *domain.RPCError) { fail(err) },
		}, ToDC(domain.Shift(dc, domain.ClassConfig)))
	}
}

func (i *Instance) configLoaded(cfg domain.ServerConfig) {
	if len(cfg.DcOptions) > 0 {
		i.dir.Apply(cfg.DcOptions)
	}
	if fn := i.notifications().ConfigLoaded; fn != nil {
		fn()
	}
}

func (i *Instance) cdnConfigLoaded(cfg domain.CDNConfig) {
	i.dir.SetCDNKeys(cfg.PublicKeys)
	if fn := i.notifications().CDNConfigLoaded; fn != nil {
		fn()
	}
}

// ResolveProxyDomain resolves host in the background. The outcome is
// reported through the proxy-domain-resolved notification; concurrent
// calls for one host share a single lookup.
func (i *Instance) ResolveProxyDomain(host string) {
	i.proxy.ResolveAsync(host, func(res proxy.Result, err error) {
		i.post(func() {
			if err != nil {
				i.log.Warn("proxy domain resolution failed", "host", host, "err", err)
				return
			}
			if fn := i.notifications().ProxyDomainResolved; fn != nil {
				fn(res.Host, res.IPs, res.ExpireAt)
			}
		})
	})
}

// SetGoodProxyDomain pins ip as the preferred address of host.
func (i *Instance) SetGoodProxyDomain(host, ip string) {
	i.proxy.MarkGood(host, ip)
}

// ProxyCandidates returns the cached addresses of host, pinned one first.
func (i *Instance) ProxyCandidates(host string) ([]string, bool) {
	res, ok := i.proxy.Cached(host)
	return res.IPs, ok
}

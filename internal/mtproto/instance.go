// Package mtproto is the entry point of the transport core. An Instance
// composes the key store, request registry, session router, config
// manager and proxy resolver behind one facade.
//
// Every mutation of session, registry and key promotion state runs on the
// instance's control goroutine. Public methods may be called from any
// goroutine; those that mutate post their work to the control goroutine.
// Callbacks, global hooks and notifications are invoked there. The one
// exception is a request submitted after Close returned: its fail callback
// runs on the goroutine that submitted it.
package mtproto

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/configmgr"
	"github.com/koltyakov/mtp/internal/dcoptions"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/handshake"
	"github.com/koltyakov/mtp/internal/keystore"
	"github.com/koltyakov/mtp/internal/loop"
	"github.com/koltyakov/mtp/internal/metrics"
	"github.com/koltyakov/mtp/internal/proxy"
	"github.com/koltyakov/mtp/internal/registry"
	"github.com/koltyakov/mtp/internal/session"
	"github.com/koltyakov/mtp/internal/transport"
	"github.com/koltyakov/mtp/internal/wire"
)

// Mode selects what an instance is for.
type Mode int

const (
	// ModeNormal serves application requests.
	ModeNormal Mode = iota
	// ModeKeysDestroyer only destroys the configured keys on the server.
	ModeKeysDestroyer
)

func (m Mode) String() string {
	if m == ModeKeysDestroyer {
		return "keys_destroyer"
	}
	return "normal"
}

// Main datacenter sentinels.
const (
	NoneMainDc      domain.DcID = -1
	NotSetMainDc    domain.DcID = 0
	DefaultMainDc   domain.DcID = 2
	TemporaryMainDc domain.DcID = 1000
)

// badConfigCooldown rate-limits config refetches triggered by bad
// configuration signals.
const badConfigCooldown = time.Minute

// Config is the persisted account state an instance starts from.
type Config struct {
	MainDcID      domain.DcID
	Keys          []*authkey.Key
	DeviceModel   string
	SystemVersion string
	LangCode      string
}

// RetryPolicy decides whether FLOOD_WAIT errors are retried locally. The
// zero value surfaces every flood error to the caller.
type RetryPolicy struct {
	MaxFloodRetries int
	MaxFloodWait    time.Duration
}

func (p RetryPolicy) allows(attempt int, wait time.Duration) bool {
	return attempt < p.MaxFloodRetries && wait <= p.MaxFloodWait
}

// Options configures an Instance.
type Options struct {
	Mode       Mode
	Config     Config
	Directory  *dcoptions.Directory
	Dialer     transport.Dialer
	Authorizer handshake.Authorizer
	// Lookup resolves proxy hosts. Nil uses DNS with the default resolvers.
	Lookup      proxy.LookupFunc
	RetryPolicy RetryPolicy
	// Notifications may be set here so that events raised while the
	// instance starts up are not missed.
	Notifications Notifications

	Clock      clock.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer

	ConfigStaleAfter time.Duration
	CDNStaleAfter    time.Duration
	DestroyTimeout   time.Duration
	ProxyCacheSize   int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Instance is the facade over the transport core.
type Instance struct {
	mode    Mode
	clock   clock.Clock
	log     *slog.Logger
	retry   RetryPolicy
	loop    *loop.Loop
	dir     *dcoptions.Directory
	keys    *keystore.Store
	reqs    *registry.Registry
	router  *session.Router
	config  *configmgr.Manager
	proxy   *proxy.Resolver
	metrics *metrics.Metrics
	closed  atomic.Bool

	mu            sync.RWMutex
	mainDc        domain.DcID
	mainDcForced  bool
	deviceModel   string
	systemVersion string
	langCode      string
	hooks         GlobalHandlers
	notify        Notifications

	// Control goroutine only.
	retryTimers   map[domain.RequestID]*clock.Timer
	destroyTimers map[domain.DcID]*clock.Timer
	dcStates      map[domain.ShiftedDcID]int32
	badConfigAt   time.Time
}

// New builds an instance. In keys-destroyer mode it immediately starts
// destroying every key of opts.Config.
func New(opts Options) (*Instance, error) {
	if opts.Directory == nil || opts.Dialer == nil {
		return nil, errors.New("mtproto: directory and dialer are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, err
	}

	i := &Instance{
		mode:          opts.Mode,
		clock:         opts.Clock,
		log:           opts.Logger.With("component", "mtproto"),
		retry:         opts.RetryPolicy,
		dir:           opts.Directory,
		metrics:       m,
		deviceModel:   opts.Config.DeviceModel,
		systemVersion: opts.Config.SystemVersion,
		langCode:      opts.Config.LangCode,
		notify:        opts.Notifications,
		retryTimers:   make(map[domain.RequestID]*clock.Timer),
		destroyTimers: make(map[domain.DcID]*clock.Timer),
		dcStates:      make(map[domain.ShiftedDcID]int32),
	}
	i.mainDc = opts.Config.MainDcID
	switch {
	case opts.Mode == ModeKeysDestroyer:
		i.mainDc = NoneMainDc
	case i.mainDc == NotSetMainDc:
		i.mainDc = DefaultMainDc
	default:
		i.mainDcForced = true
	}

	i.loop = loop.New(i.log)
	i.keys = keystore.New(keystore.Options{
		Clock:          opts.Clock,
		DestroyTimeout: opts.DestroyTimeout,
		Logger:         i.log,
	})
	i.keys.OnAllDestroyed(i.allKeysDestroyed)
	i.reqs = registry.New(registry.Options{
		Clock:     opts.Clock,
		OnRelease: i.released,
	})

	router, err := session.NewRouter(session.Options{
		Directory:        opts.Directory,
		Dialer:           opts.Dialer,
		Authorizer:       opts.Authorizer,
		Keys:             i.keys,
		Events:           routerEvents{i},
		Post:             i.post,
		Layer:            i.layer,
		Clock:            opts.Clock,
		Logger:           i.log,
		DialTimeout:      opts.DialTimeout,
		HandshakeTimeout: opts.HandshakeTimeout,
		OnReconnect:      func(domain.ShiftedDcID) { i.metrics.Reconnect() },
	})
	if err != nil {
		i.loop.Close()
		return nil, err
	}
	i.router = router

	i.config = configmgr.New(configmgr.Options{
		FetchConfig:    i.fetch(wire.MethodGetConfig),
		FetchCDNConfig: i.fetch(wire.MethodGetCDNConfig),
		StaleAfter:     opts.ConfigStaleAfter,
		CDNStaleAfter:  opts.CDNStaleAfter,
		Clock:          opts.Clock,
		Logger:         i.log,
		OnConfig:       i.configLoaded,
		OnCDNConfig:    i.cdnConfigLoaded,
		OnFetch:        i.metrics.ConfigFetched,
	})

	lookup := opts.Lookup
	if lookup == nil {
		lookup = proxy.NewDNS(nil, 0).Lookup
	}
	i.proxy, err = proxy.NewResolver(proxy.Options{
		Lookup:    lookup,
		Clock:     opts.Clock,
		CacheSize: opts.ProxyCacheSize,
		Logger:    i.log,
		OnResolve: i.metrics.ProxyResolved,
	})
	if err != nil {
		_ = router.Close()
		i.loop.Close()
		return nil, err
	}

	if opts.Mode == ModeKeysDestroyer {
		i.keys.AddForDestroy(opts.Config.Keys)
		i.post(i.startDestroyer)
	} else {
		i.keys.Load(opts.Config.Keys)
	}
	i.log.Info("instance started", "mode", opts.Mode.String(), "main_dc", i.MainDcID(), "keys", len(opts.Config.Keys))
	return i, nil
}

// post hands fn to the control goroutine. Work posted after Close is
// dropped.
func (i *Instance) post(fn func()) {
	if !i.loop.Post(fn) {
		i.log.Debug("control loop closed; dropping task")
	}
}

func (i *Instance) layer() wire.LayerHeader {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return wire.LayerHeader{
		Layer:         wire.Layer,
		DeviceModel:   i.deviceModel,
		SystemVersion: i.systemVersion,
		LangCode:      i.langCode,
	}
}

// Close kills every session and fails every pending request with
// INSTANCE_CLOSED. It is safe to call more than once.
func (i *Instance) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	syncErr := i.loop.Sync(func() {
		for id, t := range i.retryTimers {
			t.Stop()
			delete(i.retryTimers, id)
		}
		for dc, t := range i.destroyTimers {
			t.Stop()
			delete(i.destroyTimers, dc)
		}
		errs = multierr.Append(errs, i.router.Close())
		closedErr := domain.NewLocalError(domain.TypeInstanceClosed)
		for _, req := range i.reqs.ClearAll() {
			i.metrics.RequestFinished("fail", i.clock.Since(req.Created))
			if req.Fail != nil {
				req.Fail(req.ID, closedErr)
			}
		}
	})
	i.loop.Close()
	errs = multierr.Append(errs, syncErr)
	i.log.Info("instance closed")
	return errs
}

// Mode returns the mode the instance was built with.
func (i *Instance) Mode() Mode { return i.mode }

// IsKeysDestroyer reports whether the instance only destroys keys.
func (i *Instance) IsKeysDestroyer() bool { return i.mode == ModeKeysDestroyer }

// Directory returns the datacenter directory.
func (i *Instance) Directory() *dcoptions.Directory { return i.dir }

// MainDcID returns the datacenter of the main session.
func (i *Instance) MainDcID() domain.DcID {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.mainDc
}

// SuggestMainDcID moves the main datacenter unless it was set explicitly.
func (i *Instance) SuggestMainDcID(dc domain.DcID) {
	i.mu.Lock()
	if i.mainDcForced || i.mode == ModeKeysDestroyer || !dc.Valid() {
		i.mu.Unlock()
		return
	}
	i.mainDc = dc
	i.mu.Unlock()
	i.log.Info("main dc suggested", "dc_id", dc)
}

// SetMainDcID pins the main datacenter. The session of the previous main
// datacenter is killed.
func (i *Instance) SetMainDcID(dc domain.DcID) {
	if !dc.Valid() || i.mode == ModeKeysDestroyer {
		return
	}
	i.mu.Lock()
	prev := i.mainDc
	i.mainDc = dc
	i.mainDcForced = true
	i.mu.Unlock()
	if prev != dc && prev.Valid() {
		i.log.Info("main dc changed", "from", prev, "to", dc)
		i.KillSession(domain.ShiftedDcID(prev))
	}
}

// target maps a caller-supplied routing key to a concrete one: zero is
// the main session, a class without a datacenter uses the main datacenter.
func (i *Instance) target(shifted domain.ShiftedDcID) domain.ShiftedDcID {
	if shifted.Bare() == 0 {
		return shifted.WithDc(i.MainDcID())
	}
	return shifted
}

// DeviceModel is safe from any goroutine.
func (i *Instance) DeviceModel() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.deviceModel
}

// SystemVersion is safe from any goroutine.
func (i *Instance) SystemVersion() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.systemVersion
}

// LangCode is safe from any goroutine.
func (i *Instance) LangCode() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.langCode
}

// SetLangCode changes the language announced on new connections.
func (i *Instance) SetLangCode(code string) {
	i.mu.Lock()
	i.langCode = code
	i.mu.Unlock()
}

// DcState returns the connection code of a session; zero is the main one.
func (i *Instance) DcState(shifted domain.ShiftedDcID) int32 {
	return i.router.DcState(i.target(shifted))
}

// DcTransport describes the live connection of a session, or "".
func (i *Instance) DcTransport(shifted domain.ShiftedDcID) string {
	return i.router.DcTransport(i.target(shifted))
}

// Ping sends a keepalive on the main session.
func (i *Instance) Ping() {
	shifted := i.target(0)
	i.post(func() { i.router.Ping(shifted) })
}

// KillSession terminates a session. Requests routed to it fail with
// SESSION_KILLED.
func (i *Instance) KillSession(shifted domain.ShiftedDcID) {
	shifted = i.target(shifted)
	i.post(func() { i.killSession(shifted) })
}

func (i *Instance) killSession(shifted domain.ShiftedDcID) {
	ids := i.router.Kill(shifted)
	ids = append(ids, i.reqs.ForTarget(shifted)...)
	killed := domain.NewLocalError(domain.TypeSessionKilled)
	for _, id := range ids {
		i.stopRetry(id)
		i.fail(id, killed)
	}
}

// StopSession suspends a session and keeps its queue.
func (i *Instance) StopSession(shifted domain.ShiftedDcID) {
	shifted = i.target(shifted)
	i.post(func() { i.router.StopSession(shifted) })
}

// ReInitConnection reconnects every session of dc.
func (i *Instance) ReInitConnection(dc domain.DcID) {
	i.post(func() { i.router.ReInitConnection(dc) })
}

// Unpaused tells the instance the process resumed after a suspension.
// Reconnects waiting out a backoff run at once and live connections are
// pinged.
func (i *Instance) Unpaused() {
	i.post(i.router.Unpaused)
}

// Restart reconnects every session.
func (i *Instance) Restart() {
	i.post(i.router.Restart)
}

// RestartDC reconnects one session.
func (i *Instance) RestartDC(shifted domain.ShiftedDcID) {
	shifted = i.target(shifted)
	i.post(func() { i.router.RestartSession(shifted) })
}

// SendAnything wakes sessions with queued data, for example after the
// process resumes. Zero applies to every session.
func (i *Instance) SendAnything(shifted domain.ShiftedDcID, msCanWait time.Duration) {
	i.post(func() { i.router.SendAnything(shifted, msCanWait) })
}

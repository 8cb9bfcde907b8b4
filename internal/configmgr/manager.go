// Package configmgr caches the server configuration and the CDN
// configuration and decides when they must be fetched again.
package configmgr

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/mtp/internal/domain"
)

// Default staleness thresholds.
const (
	DefaultStaleAfter    = 2 * time.Minute
	DefaultCDNStaleAfter = time.Hour
)

// State of one cached configuration.
type State int

const (
	NotRequested State = iota
	Requested
	Loaded
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Loaded:
		return "loaded"
	default:
		return "not_requested"
	}
}

// Fetch issues the remote request. Exactly one of done or fail is invoked
// later, on the control goroutine.
type Fetch func(done func(payload []byte), fail func(err *domain.RPCError))

// Options configures a Manager.
type Options struct {
	FetchConfig    Fetch
	FetchCDNConfig Fetch
	StaleAfter     time.Duration
	CDNStaleAfter  time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger

	OnConfig    func(cfg domain.ServerConfig)
	OnCDNConfig func(cfg domain.CDNConfig)
	// OnFetch reports every finished fetch for metrics.
	OnFetch func(kind string, ok bool)
}

type slot struct {
	state    State
	loadedAt time.Time
}

// Manager is the ConfigManager. Request methods run on the control
// goroutine; the accessors are safe from any goroutine.
type Manager struct {
	opts Options

	mu   sync.RWMutex
	cfg  domain.ServerConfig
	cdn  domain.CDNConfig
	main slot
	cdnS slot
}

// New returns a manager with nothing loaded.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.CDNStaleAfter <= 0 {
		opts.CDNStaleAfter = DefaultCDNStaleAfter
	}
	return &Manager{opts: opts}
}

// RequestConfig fetches the configuration unless a fetch is in flight. It
// reports whether a request was issued.
func (m *Manager) RequestConfig() bool {
	m.mu.Lock()
	if m.main.state == Requested || m.opts.FetchConfig == nil {
		m.mu.Unlock()
		return false
	}
	prev := m.main.state
	m.main.state = Requested
	m.mu.Unlock()

	m.opts.Logger.Debug("requesting config")
	m.opts.FetchConfig(func(payload []byte) {
		var cfg domain.ServerConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			m.opts.Logger.Warn("config response parse failed", "err", err)
			m.revert(&m.main, prev, "config")
			return
		}
		m.mu.Lock()
		m.cfg = cfg
		m.main = slot{state: Loaded, loadedAt: m.opts.Clock.Now()}
		m.mu.Unlock()
		m.opts.Logger.Info("config loaded", "this_dc", cfg.ThisDc, "dc_options", len(cfg.DcOptions))
		m.fetched("config", true)
		if m.opts.OnConfig != nil {
			m.opts.OnConfig(cfg)
		}
	}, func(err *domain.RPCError) {
		m.opts.Logger.Warn("config request failed", "err", err)
		m.revert(&m.main, prev, "config")
	})
	return true
}

// RequestConfigIfOld fetches the configuration only when the cached copy
// is missing, expired or older than the staleness threshold.
func (m *Manager) RequestConfigIfOld() bool {
	m.mu.RLock()
	fresh := m.main.state == Requested || (m.main.state == Loaded && !m.staleLocked())
	m.mu.RUnlock()
	if fresh {
		return false
	}
	return m.RequestConfig()
}

func (m *Manager) staleLocked() bool {
	now := m.opts.Clock.Now()
	if now.Sub(m.main.loadedAt) >= m.opts.StaleAfter {
		return true
	}
	return m.cfg.Expires > 0 && now.Unix() >= m.cfg.Expires
}

// RequestCDNConfig fetches the CDN configuration unless a fetch is in
// flight.
func (m *Manager) RequestCDNConfig() bool {
	m.mu.Lock()
	if m.cdnS.state == Requested || m.opts.FetchCDNConfig == nil {
		m.mu.Unlock()
		return false
	}
	prev := m.cdnS.state
	m.cdnS.state = Requested
	m.mu.Unlock()

	m.opts.FetchCDNConfig(func(payload []byte) {
		var cfg domain.CDNConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			m.opts.Logger.Warn("cdn config response parse failed", "err", err)
			m.revert(&m.cdnS, prev, "cdn_config")
			return
		}
		m.mu.Lock()
		m.cdn = cfg
		m.cdnS = slot{state: Loaded, loadedAt: m.opts.Clock.Now()}
		m.mu.Unlock()
		m.opts.Logger.Info("cdn config loaded", "keys", len(cfg.PublicKeys))
		m.fetched("cdn_config", true)
		if m.opts.OnCDNConfig != nil {
			m.opts.OnCDNConfig(cfg)
		}
	}, func(err *domain.RPCError) {
		m.opts.Logger.Warn("cdn config request failed", "err", err)
		m.revert(&m.cdnS, prev, "cdn_config")
	})
	return true
}

// RequestCDNConfigIfOld applies the CDN staleness threshold.
func (m *Manager) RequestCDNConfigIfOld() bool {
	m.mu.RLock()
	fresh := m.cdnS.state == Requested ||
		(m.cdnS.state == Loaded && m.opts.Clock.Now().Sub(m.cdnS.loadedAt) < m.opts.CDNStaleAfter)
	m.mu.RUnlock()
	if fresh {
		return false
	}
	return m.RequestCDNConfig()
}

func (m *Manager) revert(s *slot, prev State, kind string) {
	m.mu.Lock()
	s.state = prev
	m.mu.Unlock()
	m.fetched(kind, false)
}

func (m *Manager) fetched(kind string, ok bool) {
	if m.opts.OnFetch != nil {
		m.opts.OnFetch(kind, ok)
	}
}

// Invalidate marks the cached configuration unusable so the next
// RequestConfigIfOld fetches it.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.main.state == Loaded {
		m.main = slot{state: NotRequested}
	}
}

// Restore installs a configuration loaded from a snapshot.
func (m *Manager) Restore(cfg domain.ServerConfig, loadedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.main = slot{state: Loaded, loadedAt: loadedAt}
}

// Config returns the cached configuration.
func (m *Manager) Config() (domain.ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, !m.main.loadedAt.IsZero() || m.cfg.ThisDc != 0
}

// CDNConfig returns the cached CDN configuration.
func (m *Manager) CDNConfig() (domain.CDNConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cdn, !m.cdnS.loadedAt.IsZero()
}

// State returns the state of the main configuration.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.main.state
}

// CDNState returns the state of the CDN configuration.
func (m *Manager) CDNState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cdnS.state
}

// LoadedAt returns when the main configuration was last loaded.
func (m *Manager) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.main.loadedAt
}

// Package proxy resolves proxy hostnames to IP candidates with TTL caching,
// coalesced lookups and "known good" pinning.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/koltyakov/mtp/internal/netutil"
)

const (
	defaultCacheSize = 256
	literalTTL       = time.Hour
	resolveTimeout   = 10 * time.Second
)

// ErrEmptyHost is returned for a blank hostname.
var ErrEmptyHost = errors.New("empty proxy host")

// LookupFunc resolves host and reports how long the answer stays valid.
type LookupFunc func(ctx context.Context, host string) (ips []string, ttl time.Duration, err error)

// Result is a resolved proxy host.
type Result struct {
	Host     string
	IPs      []string
	ExpireAt time.Time
}

type entry struct {
	ips      []string
	expireAt time.Time
}

// Options configures a Resolver.
type Options struct {
	Lookup    LookupFunc
	Clock     clock.Clock
	CacheSize int
	Logger    *slog.Logger
	// OnResolve reports every underlying lookup for metrics.
	OnResolve func(ok bool)
}

// Resolver is the ProxyResolver. It is safe for concurrent use.
type Resolver struct {
	lookup    LookupFunc
	clock     clock.Clock
	log       *slog.Logger
	onResolve func(bool)
	cache     *lru.Cache[string, entry]
	group     singleflight.Group

	mu   sync.RWMutex
	good map[string]string
}

// NewResolver returns a resolver backed by opts.Lookup.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Lookup == nil {
		return nil, errors.New("proxy: lookup function is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[string, entry](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		lookup:    opts.Lookup,
		clock:     opts.Clock,
		log:       opts.Logger,
		onResolve: opts.OnResolve,
		cache:     cache,
		good:      make(map[string]string),
	}, nil
}

// Resolve returns the IP candidates of host. A cached, unexpired answer is
// returned directly; otherwise concurrent callers share one lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) (Result, error) {
	host = netutil.NormalizeHost(host)
	if host == "" {
		return Result{}, ErrEmptyHost
	}
	if netutil.IsIP(host) {
		return Result{Host: host, IPs: []string{host}, ExpireAt: r.clock.Now().Add(literalTTL)}, nil
	}
	if res, ok := r.Cached(host); ok {
		return res, nil
	}

	ch := r.group.DoChan(host, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		ips, ttl, err := r.lookup(lookupCtx, host)
		if r.onResolve != nil {
			r.onResolve(err == nil)
		}
		if err != nil {
			r.log.Warn("proxy domain resolve failed", "host", host, "err", err)
			return nil, err
		}
		e := entry{ips: dedupe(ips), expireAt: r.clock.Now().Add(ttl)}
		r.cache.Add(host, e)
		r.log.Debug("proxy domain resolved", "host", host, "ips", len(e.ips), "ttl", ttl.String())
		return e, nil
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return r.result(host, res.Val.(entry)), nil
	}
}

// ResolveAsync resolves host on its own goroutine and hands the outcome to
// fn.
func (r *Resolver) ResolveAsync(host string, fn func(Result, error)) {
	go func() {
		res, err := r.Resolve(context.Background(), host)
		fn(res, err)
	}()
}

// Cached returns the unexpired answer for host.
func (r *Resolver) Cached(host string) (Result, bool) {
	host = netutil.NormalizeHost(host)
	e, ok := r.cache.Get(host)
	if !ok {
		return Result{}, false
	}
	if !r.clock.Now().Before(e.expireAt) {
		r.cache.Remove(host)
		return Result{}, false
	}
	return r.result(host, e), true
}

// MarkGood pins ip as the preferred candidate of host. The rest of the
// cached list is kept.
func (r *Resolver) MarkGood(host, ip string) {
	host = netutil.NormalizeHost(host)
	if host == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ip == "" {
		delete(r.good, host)
		return
	}
	r.good[host] = ip
}

// Good returns the pinned IP of host.
func (r *Resolver) Good(host string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ip, ok := r.good[netutil.NormalizeHost(host)]
	return ip, ok
}

func (r *Resolver) result(host string, e entry) Result {
	ips := append([]string(nil), e.ips...)
	if good, ok := r.Good(host); ok {
		for i, ip := range ips {
			if ip == good {
				copy(ips[1:i+1], ips[:i])
				ips[0] = good
				break
			}
		}
	}
	return Result{Host: host, IPs: ips, ExpireAt: e.expireAt}
}

func dedupe(ips []string) []string {
	seen := make(map[string]struct{}, len(ips))
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}
	return out
}

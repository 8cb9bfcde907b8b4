package configmgr

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/mtp/internal/domain"
)

// fakeFetch records issued requests and lets the test answer them.
type fakeFetch struct {
	calls int
	done  func([]byte)
	fail  func(*domain.RPCError)
}

func (f *fakeFetch) fetch(done func([]byte), fail func(*domain.RPCError)) {
	f.calls++
	f.done, f.fail = done, fail
}

func TestRequestConfigIfOld(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	var fetch fakeFetch
	var loaded []domain.ServerConfig
	m := New(Options{
		FetchConfig: fetch.fetch,
		Clock:       mock,
		OnConfig:    func(cfg domain.ServerConfig) { loaded = append(loaded, cfg) },
	})

	if !m.RequestConfig() {
		t.Fatal("first RequestConfig should issue a fetch")
	}
	if m.RequestConfig() || m.RequestConfigIfOld() {
		t.Fatal("fetch in flight must not be duplicated")
	}
	if m.State() != Requested {
		t.Fatalf("state = %s", m.State())
	}

	fetch.done([]byte(`{"date":1,"this_dc":2,"dc_options":[{"id":2,"host":"h","port":443}]}`))
	if m.State() != Loaded || len(loaded) != 1 || loaded[0].ThisDc != 2 {
		t.Fatalf("state %s loaded %+v", m.State(), loaded)
	}

	if m.RequestConfigIfOld() {
		t.Fatal("fresh config must not be fetched again")
	}
	if fetch.calls != 1 {
		t.Fatalf("calls = %d", fetch.calls)
	}

	mock.Add(DefaultStaleAfter)
	if !m.RequestConfigIfOld() {
		t.Fatal("stale config should be fetched")
	}
	if fetch.calls != 2 {
		t.Fatalf("calls = %d", fetch.calls)
	}
}

func TestFailedFetchReverts(t *testing.T) {
	t.Parallel()

	var fetch fakeFetch
	var results []bool
	m := New(Options{
		FetchConfig: fetch.fetch,
		OnFetch:     func(_ string, ok bool) { results = append(results, ok) },
	})

	m.RequestConfig()
	fetch.fail(&domain.RPCError{Code: 500, Type: "INTERNAL"})
	if m.State() != NotRequested {
		t.Fatalf("state after failure = %s", m.State())
	}
	m.RequestConfig()
	fetch.done([]byte("not json"))
	if m.State() != NotRequested {
		t.Fatalf("state after bad payload = %s", m.State())
	}
	if len(results) != 2 || results[0] || results[1] {
		t.Fatalf("fetch results = %v", results)
	}
	if _, ok := m.Config(); ok {
		t.Fatal("nothing should be cached")
	}
}

func TestServerExpiryForcesRefresh(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	var fetch fakeFetch
	m := New(Options{FetchConfig: fetch.fetch, Clock: mock, StaleAfter: time.Hour})

	m.RequestConfig()
	fetch.done([]byte(`{"this_dc":1,"expires":1700000030}`))
	if m.RequestConfigIfOld() {
		t.Fatal("config is still valid")
	}
	mock.Add(31 * time.Second)
	if !m.RequestConfigIfOld() {
		t.Fatal("expired config should be refreshed")
	}
}

func TestInvalidateAndRestore(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	var fetch fakeFetch
	m := New(Options{FetchConfig: fetch.fetch, Clock: mock})

	m.Restore(domain.ServerConfig{ThisDc: 4}, mock.Now())
	if cfg, ok := m.Config(); !ok || cfg.ThisDc != 4 {
		t.Fatalf("Config() = %+v, %v", cfg, ok)
	}
	if m.RequestConfigIfOld() {
		t.Fatal("restored config is fresh")
	}
	m.Invalidate()
	if !m.RequestConfigIfOld() {
		t.Fatal("invalidated config must be refetched")
	}
}

func TestCDNConfigIsIndependent(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	var main, cdn fakeFetch
	var got domain.CDNConfig
	m := New(Options{
		FetchConfig:    main.fetch,
		FetchCDNConfig: cdn.fetch,
		Clock:          mock,
		OnCDNConfig:    func(cfg domain.CDNConfig) { got = cfg },
	})

	if !m.RequestCDNConfig() || m.RequestCDNConfig() {
		t.Fatal("cdn request not coalesced")
	}
	cdn.done([]byte(`{"public_keys":{"203":"pem"}}`))
	if got.PublicKeys[203] != "pem" || m.CDNState() != Loaded {
		t.Fatalf("cdn config = %+v", got)
	}
	if main.calls != 0 || m.State() != NotRequested {
		t.Fatal("cdn fetch touched the main config")
	}

	mock.Add(DefaultStaleAfter)
	if m.RequestCDNConfigIfOld() {
		t.Fatal("cdn config uses its own threshold")
	}
	mock.Add(DefaultCDNStaleAfter)
	if !m.RequestCDNConfigIfOld() {
		t.Fatal("stale cdn config should be refetched")
	}
}

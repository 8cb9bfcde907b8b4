package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestConcurrentResolveIsCoalesced(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	r, err := NewResolver(Options{Lookup: func(context.Context, string) ([]string, time.Duration, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []string{"10.0.0.1", "10.0.0.2"}, time.Minute, nil
	}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "Proxy.Example")
		}()
		if i == 0 {
			<-started
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, results[0], results[1])
	require.Equal(t, "proxy.example", results[0].Host)
}

func TestCacheExpiryAndPinning(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	var calls atomic.Int32
	r, err := NewResolver(Options{Clock: mock, Lookup: func(context.Context, string) ([]string, time.Duration, error) {
		calls.Add(1)
		return []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.1"}, time.Minute, nil
	}})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), "proxy.example")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, res.IPs)
	require.Equal(t, mock.Now().Add(time.Minute), res.ExpireAt)

	r.MarkGood("proxy.example", "10.0.0.3")
	res, err = r.Resolve(context.Background(), "proxy.example")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"}, res.IPs)
	require.Equal(t, int32(1), calls.Load(), "cached answer reused")

	mock.Add(time.Minute)
	_, ok := r.Cached("proxy.example")
	require.False(t, ok)
	res, err = r.Resolve(context.Background(), "proxy.example")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "10.0.0.3", res.IPs[0], "pin survives re-resolution")
}

func TestResolveLiteralAndErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r, err := NewResolver(Options{Lookup: func(context.Context, string) ([]string, time.Duration, error) {
		return nil, 0, boom
	}})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), "10.9.8.7:443")
	require.NoError(t, err)
	require.Equal(t, []string{"10.9.8.7"}, res.IPs)

	_, err = r.Resolve(context.Background(), " ")
	require.ErrorIs(t, err, ErrEmptyHost)

	_, err = r.Resolve(context.Background(), "broken.example")
	require.ErrorIs(t, err, boom)

	done := make(chan error, 1)
	r.ResolveAsync("broken.example", func(_ Result, err error) { done <- err })
	require.ErrorIs(t, <-done, boom)

	_, err = NewResolver(Options{})
	require.Error(t, err)
}

func startDNS(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSLookup(t *testing.T) {
	t.Parallel()

	addr := startDNS(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		switch q.Qtype {
		case dns.TypeA:
			for _, s := range []string{q.Name + " 30 IN A 10.1.2.3", q.Name + " 600 IN A 10.1.2.4"} {
				rr, err := dns.NewRR(s)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			}
		case dns.TypeAAAA:
			rr, err := dns.NewRR(q.Name + " 7200 IN AAAA 2001:db8::5")
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	d := NewDNS([]string{addr}, time.Second)
	ips, ttl, err := d.Lookup(context.Background(), "proxy.example")
	require.NoError(t, err)
	require.Equal(t, []string{"10.1.2.3", "10.1.2.4", "2001:db8::5"}, ips)
	require.Equal(t, MinTTL, ttl, "short ttl is raised to the floor")
}

func TestDNSLookupNoAnswer(t *testing.T) {
	t.Parallel()

	addr := startDNS(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		_ = w.WriteMsg(m)
	})

	_, _, err := NewDNS([]string{addr}, time.Second).Lookup(context.Background(), "missing.example")
	require.ErrorIs(t, err, ErrNoAddresses)
}

func TestClampTTL(t *testing.T) {
	t.Parallel()

	require.Equal(t, MinTTL, clampTTL(0))
	require.Equal(t, 5*time.Minute, clampTTL(5*time.Minute))
	require.Equal(t, MaxTTL, clampTTL(48*time.Hour))
}

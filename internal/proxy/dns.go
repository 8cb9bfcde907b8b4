package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"

	"github.com/koltyakov/mtp/internal/netutil"
)

// TTL bounds applied to DNS answers.
const (
	MinTTL = time.Minute
	MaxTTL = time.Hour
)

// DefaultResolvers are queried when none are configured.
var DefaultResolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// ErrNoAddresses is returned when no resolver knows the host.
var ErrNoAddresses = errors.New("no addresses for host")

// DNS resolves hosts by querying resolvers directly, A records first and
// then AAAA.
type DNS struct {
	servers []string
	client  *dns.Client
}

// NewDNS returns a resolver for servers (host or host:port).
func NewDNS(servers []string, timeout time.Duration) *DNS {
	var list []string
	for _, s := range servers {
		if addr := netutil.WithDefaultPort(s, "53"); addr != "" {
			list = append(list, addr)
		}
	}
	if len(list) == 0 {
		list = DefaultResolvers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNS{servers: list, client: &dns.Client{Net: "udp", Timeout: timeout}}
}

// Lookup implements LookupFunc.
func (d *DNS) Lookup(ctx context.Context, host string) ([]string, time.Duration, error) {
	var errs error
	for _, server := range d.servers {
		ips, ttl, err := d.query(ctx, server, host)
		if err == nil {
			return ips, ttl, nil
		}
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, 0, errs
}

func (d *DNS) query(ctx context.Context, server, host string) ([]string, time.Duration, error) {
	var (
		ips    []string
		minTTL uint32
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := d.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, 0, fmt.Errorf("query %s via %s: %w", dns.TypeToString[qtype], server, err)
		}
		if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
			return nil, 0, fmt.Errorf("query %s via %s: %s", dns.TypeToString[qtype], server, dns.RcodeToString[resp.Rcode])
		}
		for _, rr := range resp.Answer {
			var ip string
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A.String()
			case *dns.AAAA:
				ip = v.AAAA.String()
			default:
				continue
			}
			ips = append(ips, ip)
			if ttl := rr.Header().Ttl; minTTL == 0 || ttl < minTTL {
				minTTL = ttl
			}
		}
	}
	if len(ips) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoAddresses, host)
	}
	return ips, clampTTL(time.Duration(minTTL) * time.Second), nil
}

func clampTTL(ttl time.Duration) time.Duration {
	return min(max(ttl, MinTTL), MaxTTL)
}

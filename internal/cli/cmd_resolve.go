package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/koltyakov/mtp/internal/config"
	ilog "github.com/koltyakov/mtp/internal/log"
	"github.com/koltyakov/mtp/internal/proxy"
	"github.com/koltyakov/mtp/internal/store/sqlite"
)

func runResolve(ctx context.Context, args []string, out io.Writer) int {
	pin := false
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--pin" || a == "-pin" {
			pin = true
			continue
		}
		rest = append(rest, a)
	}
	cfg, err := config.ParseInstanceFlags(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve config error:", err)
		return 2
	}
	if len(cfg.Args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: mtp resolve [flags] <host>")
		return 2
	}
	logger := ilog.NewWithFormat(cfg.LogLevel, cfg.LogFormat)

	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	lookup := proxy.NewDNS(cfg.DNSResolvers, 0).Lookup
	if err := resolveHost(ctx, lookup, store, cfg.Args[0], pin, logger, out); err != nil {
		fmt.Fprintln(os.Stderr, "resolve error:", err)
		return 1
	}
	return 0
}

// resolveHost resolves host with the saved pins applied and prints the
// candidates, pinned first. With pin the first candidate is saved.
func resolveHost(ctx context.Context, lookup proxy.LookupFunc, store *sqlite.Store, host string, pin bool, log *slog.Logger, out io.Writer) error {
	r, err := proxy.NewResolver(proxy.Options{Lookup: lookup, Logger: log})
	if err != nil {
		return err
	}
	pins, err := store.ProxyPins(ctx)
	if err != nil {
		return err
	}
	for h, ip := range pins {
		r.MarkGood(h, ip)
	}

	res, err := r.Resolve(ctx, host)
	if err != nil {
		return err
	}
	for _, ip := range res.IPs {
		fmt.Fprintln(out, ip)
	}
	fmt.Fprintf(out, "expires in %s\n", time.Until(res.ExpireAt).Round(time.Second))
	if pin && len(res.IPs) > 0 {
		if err := store.PinProxy(ctx, res.Host, res.IPs[0]); err != nil {
			return err
		}
		fmt.Fprintln(out, "pinned:", res.IPs[0])
	}
	return nil
}

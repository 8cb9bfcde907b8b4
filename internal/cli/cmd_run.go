package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/koltyakov/mtp/internal/config"
	"github.com/koltyakov/mtp/internal/dcoptions"
	"github.com/koltyakov/mtp/internal/debughttp"
	ilog "github.com/koltyakov/mtp/internal/log"
	"github.com/koltyakov/mtp/internal/mtproto"
	"github.com/koltyakov/mtp/internal/store/sqlite"
)

func runInstance(ctx context.Context, args []string) int {
	cfg, err := config.ParseInstanceFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run config error:", err)
		return 2
	}
	if len(cfg.Args) > 0 {
		fmt.Fprintln(os.Stderr, "run config error: unexpected arguments:", cfg.Args)
		return 2
	}
	logger := ilog.NewWithFormat(cfg.LogLevel, cfg.LogFormat)

	dir, err := dcoptions.LoadFile(cfg.DCFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run config error:", err)
		return 2
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	keys, err := store.LoadKeys(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load keys:", err)
		return 1
	}

	reg := newRegistry()
	p := newPersister(store, logger, clock.New())
	opts := instanceOptions(cfg, dir, keys, logger, reg)
	opts.Notifications.ConfigLoaded = p.markConfigDirty
	inst, err := mtproto.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "instance error:", err)
		return 1
	}
	p.inst = inst

	if err := restoreState(ctx, inst, store); err != nil {
		logger.Warn("restore persisted state failed", "err", err)
	}
	if _, err := debughttp.Start(ctx, cfg.DebugListen, reg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "debug http error:", err)
		_ = inst.Close()
		return 1
	}
	inst.RequestConfigIfOld()

	p.run(ctx, cfg.PersistInterval)

	errs := inst.Close()
	errs = multierr.Append(errs, p.flush(context.Background()))
	if errs != nil {
		fmt.Fprintln(os.Stderr, "shutdown error:", errs)
		return 1
	}
	return 0
}

// restoreState feeds the saved config snapshot and proxy pins to inst.
func restoreState(ctx context.Context, inst *mtproto.Instance, store *sqlite.Store) error {
	var errs error
	if cfg, loadedAt, ok, err := store.LoadServerConfig(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("load config snapshot: %w", err))
	} else if ok {
		inst.RestoreConfig(cfg, loadedAt)
	}
	pins, err := store.ProxyPins(ctx)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("load proxy pins: %w", err))
	}
	for host, ip := range pins {
		inst.SetGoodProxyDomain(host, ip)
	}
	return errs
}

// persister writes the instance's key list and config to the store. It
// also drives periodic config staleness checks.
type persister struct {
	inst        *mtproto.Instance
	store       *sqlite.Store
	log         *slog.Logger
	clock       clock.Clock
	configDirty chan struct{}
}

func newPersister(store *sqlite.Store, log *slog.Logger, clk clock.Clock) *persister {
	return &persister{
		store:       store,
		log:         log,
		clock:       clk,
		configDirty: make(chan struct{}, 1),
	}
}

// markConfigDirty runs on the instance control goroutine and must not
// block it.
func (p *persister) markConfigDirty() {
	select {
	case p.configDirty <- struct{}{}:
	default:
	}
}

func (p *persister) run(ctx context.Context, interval time.Duration) {
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.saveKeys(ctx); err != nil {
				p.log.Warn("persist keys failed", "err", err)
			}
			p.inst.RequestConfigIfOld()
		case <-p.configDirty:
			if err := p.saveConfig(ctx); err != nil {
				p.log.Warn("persist config failed", "err", err)
			}
		}
	}
}

func (p *persister) flush(ctx context.Context) error {
	return multierr.Append(p.saveKeys(ctx), p.saveConfig(ctx))
}

func (p *persister) saveKeys(ctx context.Context) error {
	keys := p.inst.GetKeysForWrite()
	if err := p.store.SaveKeys(ctx, keys); err != nil {
		return err
	}
	p.log.Debug("keys persisted", "count", len(keys))
	return nil
}

func (p *persister) saveConfig(ctx context.Context) error {
	cfg, ok := p.inst.Config()
	if !ok {
		return nil
	}
	return p.store.SaveServerConfig(ctx, cfg, p.inst.ConfigLoadedAt())
}

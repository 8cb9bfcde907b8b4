package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/koltyakov/mtp/internal/auth"
	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/config"
	"github.com/koltyakov/mtp/internal/dcoptions"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/handshake"
	"github.com/koltyakov/mtp/internal/mtproto"
	"github.com/koltyakov/mtp/internal/proxy"
	"github.com/koltyakov/mtp/internal/store/sqlite"
	"github.com/koltyakov/mtp/internal/transport"
)

// openStore opens the database and installs the key sealer when a
// passphrase is configured.
func openStore(ctx context.Context, cfg config.InstanceConfig) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if cfg.KeyPassphrase == "" {
		return store, nil
	}
	if err := useSealer(ctx, store, cfg.KeyPassphrase); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func useSealer(ctx context.Context, store *sqlite.Store, passphrase string) error {
	suggested, err := auth.NewSalt()
	if err != nil {
		return err
	}
	salt, err := store.ResolveKeySalt(ctx, suggested)
	if err != nil {
		return fmt.Errorf("key salt: %w", err)
	}
	sealer, err := auth.NewSealer(passphrase, salt)
	if err != nil {
		return err
	}
	return store.UseSealer(ctx, sealer)
}

func newDialer(cfg config.InstanceConfig, log *slog.Logger) transport.Dialer {
	ws := &transport.WSDialer{Log: log}
	switch cfg.Transport {
	case "ws":
		return ws
	case "quic":
		return &transport.QUICDialer{}
	}
	return transport.Multi{WS: ws, QUIC: &transport.QUICDialer{}}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func instanceOptions(cfg config.InstanceConfig, dir *dcoptions.Directory, keys []*authkey.Key, log *slog.Logger, reg prometheus.Registerer) mtproto.Options {
	return mtproto.Options{
		Config: mtproto.Config{
			MainDcID:      domain.DcID(cfg.MainDc),
			Keys:          keys,
			DeviceModel:   cfg.DeviceModel,
			SystemVersion: cfg.SystemVersion,
			LangCode:      cfg.LangCode,
		},
		Directory:  dir,
		Dialer:     newDialer(cfg, log),
		Authorizer: handshake.Client{},
		Lookup:     proxy.NewDNS(cfg.DNSResolvers, 0).Lookup,
		RetryPolicy: mtproto.RetryPolicy{
			MaxFloodRetries: cfg.MaxFloodRetries,
			MaxFloodWait:    cfg.MaxFloodWait,
		},
		Logger:           log,
		Registerer:       reg,
		ConfigStaleAfter: cfg.ConfigStaleAfter,
		CDNStaleAfter:    cfg.CDNStaleAfter,
		DestroyTimeout:   cfg.DestroyTimeout,
		ProxyCacheSize:   cfg.ProxyCacheSize,
	}
}

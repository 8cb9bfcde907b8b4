package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/config"
	"github.com/koltyakov/mtp/internal/dcoptions"
	ilog "github.com/koltyakov/mtp/internal/log"
	"github.com/koltyakov/mtp/internal/mtproto"
	"github.com/koltyakov/mtp/internal/store/sqlite"
)

var errDestroyTimeout = errors.New("keys were not destroyed in time")

func runDestroyKeys(ctx context.Context, args []string, out io.Writer) int {
	cfg, err := config.ParseInstanceFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "destroy-keys config error:", err)
		return 2
	}
	logger := ilog.NewWithFormat(cfg.LogLevel, cfg.LogFormat)

	dir, err := dcoptions.LoadFile(cfg.DCFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "destroy-keys config error:", err)
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
	if len(keys) == 0 {
		fmt.Fprintln(out, "no keys to destroy")
		return 0
	}

	opts := instanceOptions(cfg, dir, nil, logger, nil)
	n, err := destroyKeys(ctx, opts, store, keys, cfg.DestroyWait)
	if err != nil {
		fmt.Fprintln(os.Stderr, "destroy-keys error:", err)
		return 1
	}
	fmt.Fprintf(out, "destroyed %d keys\n", n)
	return 0
}

// destroyKeys runs a keys-destroyer instance over keys and deletes them
// from store once every one reached a terminal state.
func destroyKeys(ctx context.Context, opts mtproto.Options, store *sqlite.Store, keys []*authkey.Key, wait time.Duration) (int64, error) {
	done := make(chan struct{})
	var once sync.Once
	opts.Mode = mtproto.ModeKeysDestroyer
	opts.Config.Keys = keys
	opts.Notifications.AllKeysDestroyed = func() { once.Do(func() { close(done) }) }

	inst, err := mtproto.New(opts)
	if err != nil {
		return 0, err
	}
	defer func() { _ = inst.Close() }()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return 0, errDestroyTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	ids := make([]uint64, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID())
	}
	return store.DeleteKeys(ctx, ids...)
}

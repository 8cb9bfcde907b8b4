package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/koltyakov/mtp/internal/config"
	"github.com/koltyakov/mtp/internal/store/sqlite"
)

func runKeys(ctx context.Context, args []string, out io.Writer) int {
	cfg, err := config.ParseInstanceFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keys config error:", err)
		return 2
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	if err := listKeys(ctx, store, out); err != nil {
		fmt.Fprintln(os.Stderr, "list keys:", err)
		return 1
	}
	return 0
}

func listKeys(ctx context.Context, store *sqlite.Store, out io.Writer) error {
	recs, err := store.ListKeys(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no keys")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(out, "dc=%d\tkey_id=%016x\tsealed=%t\tcreated=%s\n",
			r.DcID, r.KeyID, r.Sealed, r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

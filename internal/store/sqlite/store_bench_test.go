package sqlite

import (
	"context"
	"testing"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
)

func BenchmarkSaveKeys(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	keys := make([]*authkey.Key, 0, 5)
	for dc := 1; dc <= 5; dc++ {
		keys = append(keys, mustKey(b, domain.DcID(dc)))
	}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.SaveKeys(ctx, keys); err != nil {
			b.Fatal(err)
		}
	}
}

package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/dcoptions"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/handshake"
	"github.com/koltyakov/mtp/internal/mtproto"
	"github.com/koltyakov/mtp/internal/store/sqlite"
	"github.com/koltyakov/mtp/internal/transport/transporttest"
)

const waitFor = 3 * time.Second

type text string

func (t text) Serialize() ([]byte, error) { return []byte(t), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "mtp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testOptions(srv *transporttest.Server) mtproto.Options {
	return mtproto.Options{
		Directory: dcoptions.New([]domain.DcOption{
			{ID: 1, Host: "10.0.0.1", Port: 443},
			{ID: 2, Host: "10.0.0.2", Port: 443},
		}),
		Dialer:     srv,
		Authorizer: handshake.Client{},
		Logger:     discardLogger(),
		Lookup: func(context.Context, string) ([]string, time.Duration, error) {
			return []string{"192.0.2.1"}, time.Minute, nil
		},
	}
}

func TestParseEnvAssignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line      string
		key, want string
		ok        bool
	}{
		{line: "MTP_DB_PATH=/var/lib/mtp.db", key: "MTP_DB_PATH", want: "/var/lib/mtp.db", ok: true},
		{line: "export MTP_LANG_CODE = 'de'", key: "MTP_LANG_CODE", want: "de", ok: true},
		{line: `MTP_DEVICE_MODEL="test box"`, key: "MTP_DEVICE_MODEL", want: "test box", ok: true},
		{line: "# MTP_MAIN_DC=4"},
		{line: "   "},
		{line: "BROKEN LINE=1"},
		{line: "no assignment"},
	}
	for _, tt := range tests {
		key, value, ok := parseEnvAssignment(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.want {
			t.Fatalf("parseEnvAssignment(%q) = %q, %q, %v", tt.line, key, value, ok)
		}
	}
}

func TestLoadMTPEnvFromDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "MTP_TEST_FROM_FILE=file\nMTP_TEST_PRESET=file\nOTHER_TEST_VAR=file\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MTP_TEST_FROM_FILE", "")
	t.Setenv("MTP_TEST_PRESET", "env")
	t.Setenv("OTHER_TEST_VAR", "")

	loadMTPEnvFromDotEnv(path)

	require.Equal(t, "file", os.Getenv("MTP_TEST_FROM_FILE"))
	require.Equal(t, "env", os.Getenv("MTP_TEST_PRESET"))
	require.Empty(t, os.Getenv("OTHER_TEST_VAR"))
}

func TestListKeys(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	var out bytes.Buffer
	require.NoError(t, listKeys(context.Background(), store, &out))
	require.Equal(t, "no keys\n", out.String())

	k, err := authkey.Generate(2)
	require.NoError(t, err)
	require.NoError(t, store.SaveKeys(context.Background(), []*authkey.Key{k}))

	out.Reset()
	require.NoError(t, listKeys(context.Background(), store, &out))
	require.Contains(t, out.String(), "dc=2\t")
	require.Contains(t, out.String(), "sealed=false")
}

func TestResolveHostAppliesAndSavesPins(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PinProxy(ctx, "proxy.example.com", "192.0.2.3"))

	lookup := func(context.Context, string) ([]string, time.Duration, error) {
		return []string{"192.0.2.1", "192.0.2.3", "192.0.2.1"}, time.Minute, nil
	}
	var out bytes.Buffer
	require.NoError(t, resolveHost(ctx, lookup, store, "Proxy.Example.com", false, discardLogger(), &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Equal(t, []string{"192.0.2.3", "192.0.2.1"}, lines[:2])
	require.True(t, strings.HasPrefix(lines[2], "expires in "))

	require.NoError(t, store.PinProxy(ctx, "proxy.example.com", ""))
	out.Reset()
	require.NoError(t, resolveHost(ctx, lookup, store, "proxy.example.com", true, discardLogger(), &out))
	require.Contains(t, out.String(), "pinned: 192.0.2.1")
	pins, err := store.ProxyPins(ctx)
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1", pins["proxy.example.com"])
}

func TestDestroyKeysDeletesDestroyedKeys(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	srv := transporttest.NewServer()
	k1, err := authkey.Generate(1)
	require.NoError(t, err)
	k2, err := authkey.Generate(2)
	require.NoError(t, err)
	srv.AddKey(k1)
	srv.AddKey(k2)
	keys := []*authkey.Key{k1, k2}
	require.NoError(t, store.SaveKeys(ctx, keys))

	n, err := destroyKeys(ctx, testOptions(srv), store, keys, waitFor)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.False(t, srv.HasKey(k1.ID()))
	require.False(t, srv.HasKey(k2.ID()))

	left, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestDestroyKeysTimesOut(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	srv := transporttest.NewServer()
	srv.SetDestroyHandler(func(domain.DcID, uint64) (uint8, bool) { return 0, false })
	k, err := authkey.Generate(1)
	require.NoError(t, err)
	srv.AddKey(k)

	opts := testOptions(srv)
	opts.DestroyTimeout = time.Hour
	_, err = destroyKeys(context.Background(), opts, store, []*authkey.Key{k}, 50*time.Millisecond)
	require.ErrorIs(t, err, errDestroyTimeout)
}

func TestPersisterSavesKeysAndConfig(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	srv := transporttest.NewServer()
	mock := clock.NewMock()
	p := newPersister(store, discardLogger(), mock)

	opts := testOptions(srv)
	opts.Notifications.ConfigLoaded = p.markConfigDirty
	inst, err := mtproto.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	p.inst = inst

	done := make(chan struct{})
	mtproto.Send(inst, text("hello"), mtproto.Callbacks{
		Done: func(domain.RequestID, []byte) { close(done) },
	})
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("request did not complete")
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		p.run(ctx, time.Minute)
	}()

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		recs, err := store.ListKeys(context.Background())
		return err == nil && len(recs) == 1 && recs[0].DcID == 2
	}, waitFor, 10*time.Millisecond)

	inst.RestoreConfig(domain.ServerConfig{ThisDc: 2}, time.Unix(1000, 0))
	require.NoError(t, p.flush(context.Background()))
	cfg, at, ok, err := store.LoadServerConfig(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.DcID(2), cfg.ThisDc)
	require.Equal(t, int64(1000), at.Unix())

	p.markConfigDirty()
	p.markConfigDirty()
	cancel()
	<-stopped
}

func TestRestoreStateAppliesPins(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PinProxy(ctx, "proxy.example.com", "192.0.2.9"))
	require.NoError(t, store.SaveServerConfig(ctx, domain.ServerConfig{
		ThisDc:    2,
		DcOptions: []domain.DcOption{{ID: 5, Host: "10.0.0.5", Port: 443}},
	}, time.Now()))

	opts := testOptions(transporttest.NewServer())
	opts.Lookup = func(context.Context, string) ([]string, time.Duration, error) {
		return []string{"192.0.2.1", "192.0.2.9"}, time.Minute, nil
	}
	inst, err := mtproto.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	require.NoError(t, restoreState(ctx, inst, store))
	require.True(t, inst.Directory().Has(5))
	_, ok := inst.Config()
	require.True(t, ok)

	inst.ResolveProxyDomain("proxy.example.com")
	require.Eventually(t, func() bool {
		ips, ok := inst.ProxyCandidates("proxy.example.com")
		return ok && len(ips) == 2 && ips[0] == "192.0.2.9"
	}, waitFor, 5*time.Millisecond)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	if code := Run([]string{"nope"}); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}

package dcoptions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/koltyakov/mtp/internal/domain"
)

func TestLookupPrefersGoodHost(t *testing.T) {
	t.Parallel()

	d := New([]domain.DcOption{
		{ID: 2, Host: "10.0.0.1", Port: 443},
		{ID: 2, Host: "10.0.0.2", Port: 443},
		{ID: 4, Host: "10.0.0.4", Port: 443},
	})
	opts, ok := d.Lookup(2)
	if !ok || len(opts) != 2 || opts[0].Host != "10.0.0.1" {
		t.Fatalf("Lookup(2) = %+v, %v", opts, ok)
	}

	d.SetGood(2, "10.0.0.2")
	opts, _ = d.Lookup(2)
	if opts[0].Host != "10.0.0.2" || opts[1].Host != "10.0.0.1" {
		t.Fatalf("good host not first: %+v", opts)
	}

	if _, ok := d.Lookup(3); ok {
		t.Fatal("expected unknown dc 3")
	}
}

func TestLookupForMediaClasses(t *testing.T) {
	t.Parallel()

	d := New([]domain.DcOption{
		{ID: 1, Host: "main", Port: 443},
		{ID: 1, Host: "media", Port: 443, Flags: domain.FlagMediaOnly},
	})

	opts, _ := d.LookupFor(domain.Shift(1, domain.ClassMain))
	if len(opts) != 1 || opts[0].Host != "main" {
		t.Fatalf("main session got %+v", opts)
	}
	opts, _ = d.LookupFor(domain.Shift(1, domain.Download(0)))
	if len(opts) != 2 || opts[0].Host != "media" {
		t.Fatalf("download session got %+v", opts)
	}
}

func TestApplyKeepsStaticEndpoints(t *testing.T) {
	t.Parallel()

	d := New([]domain.DcOption{
		{ID: 2, Host: "static", Port: 443, Flags: domain.FlagStatic},
		{ID: 2, Host: "old", Port: 443},
		{ID: 5, Host: "five", Port: 443},
	})
	d.Apply([]domain.DcOption{{ID: 2, Host: "new", Port: 443}})

	opts, _ := d.Lookup(2)
	hosts := map[string]bool{}
	for _, o := range opts {
		hosts[o.Host] = true
	}
	if !hosts["new"] || !hosts["static"] || hosts["old"] {
		t.Fatalf("unexpected endpoints after apply: %+v", opts)
	}
	if !d.Has(5) {
		t.Fatal("dc 5 should be untouched")
	}
	if got := d.IDs(); len(got) != 2 || got[0] != 2 || got[1] != 5 {
		t.Fatalf("IDs() = %v", got)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "dcs.json")
	if err := os.WriteFile(path, []byte(`[{"id":1,"host":"149.154.175.50","port":443},{"id":2,"host":"149.154.167.51","port":443,"flags":32}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	opts, ok := d.Lookup(2)
	if !ok || !opts[0].Has(domain.FlagQUIC) {
		t.Fatalf("Lookup(2) = %+v", opts)
	}
	if len(d.Snapshot()) != 2 {
		t.Fatalf("Snapshot() = %+v", d.Snapshot())
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"id":0,"host":"x","port":1}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Fatal("expected error for invalid dc id")
	}
}

func TestCDNKeysAreCopied(t *testing.T) {
	t.Parallel()

	d := New(nil)
	keys := map[domain.DcID]string{203: "pem"}
	d.SetCDNKeys(keys)
	keys[203] = "changed"

	if k, ok := d.CDNKey(203); !ok || k != "pem" {
		t.Fatalf("CDNKey(203) = %q, %v", k, ok)
	}
}

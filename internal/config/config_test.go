package config

import (
	"reflect"
	"testing"
	"time"
)

func TestParseResolvers(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		"":                          nil,
		"1.1.1.1":                   {"1.1.1.1:53"},
		" 1.1.1.1 , 9.9.9.9:5353 ":  {"1.1.1.1:53", "9.9.9.9:5353"},
		"[2001:db8::1],,8.8.8.8":    {"[2001:db8::1]:53", "8.8.8.8:53"},
		"dns.example.com:853,  , ,": {"dns.example.com:853"},
	}

	for in, want := range tests {
		if got := parseResolvers(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("parseResolvers(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestParseInstanceFlagsDefaults(t *testing.T) {
	t.Setenv("MTP_DB_PATH", "")
	t.Setenv("MTP_TRANSPORT", "")
	t.Setenv("MTP_MAX_FLOOD_RETRIES", "")

	cfg, err := ParseInstanceFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != defaultDBPath {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.Transport != "auto" {
		t.Fatalf("expected auto transport, got %q", cfg.Transport)
	}
	if cfg.ConfigStaleAfter != 2*time.Minute || cfg.DestroyTimeout != 10*time.Second {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.MaxFloodRetries != 0 {
		t.Fatalf("expected flood errors to surface by default, got %d retries", cfg.MaxFloodRetries)
	}
}

func TestParseInstanceFlagsEnvAndFlags(t *testing.T) {
	t.Setenv("MTP_MAIN_DC", "4")
	t.Setenv("MTP_DNS_RESOLVERS", "9.9.9.9")
	t.Setenv("MTP_DESTROY_TIMEOUT", "3s")
	t.Setenv("MTP_TRANSPORT", "ws")

	cfg, err := ParseInstanceFlags([]string{"--transport", "QUIC", "--max-flood-retries", "2", "--max-flood-wait", "30s"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MainDc != 4 {
		t.Fatalf("expected main dc from env, got %d", cfg.MainDc)
	}
	if cfg.Transport != "quic" {
		t.Fatalf("expected flag to override env, got %q", cfg.Transport)
	}
	if cfg.DestroyTimeout != 3*time.Second {
		t.Fatalf("expected destroy timeout from env, got %s", cfg.DestroyTimeout)
	}
	if !reflect.DeepEqual(cfg.DNSResolvers, []string{"9.9.9.9:53"}) {
		t.Fatalf("unexpected resolvers %v", cfg.DNSResolvers)
	}
	if cfg.MaxFloodRetries != 2 || cfg.MaxFloodWait != 30*time.Second {
		t.Fatalf("unexpected flood policy %d/%s", cfg.MaxFloodRetries, cfg.MaxFloodWait)
	}
}

func TestParseInstanceFlagsKeepsPositionalArgs(t *testing.T) {
	cfg, err := ParseInstanceFlags([]string{"--lang", "de", "proxy.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LangCode != "de" || !reflect.DeepEqual(cfg.Args, []string{"proxy.example.com"}) {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestParseInstanceFlagsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown transport", args: []string{"--transport", "udp"}},
		{name: "unknown log format", args: []string{"--log-format", "xml"}},
		{name: "negative main dc", args: []string{"--main-dc", "-1"}},
		{name: "empty db", args: []string{"--db", " "}},
		{name: "zero destroy timeout", args: []string{"--destroy-timeout", "0s"}},
		{name: "flood retries without wait", args: []string{"--max-flood-retries", "3"}},
		{name: "zero proxy cache", args: []string{"--proxy-cache-size", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseInstanceFlags(tt.args); err == nil {
				t.Fatalf("expected parse error for args: %v", tt.args)
			}
		})
	}
}

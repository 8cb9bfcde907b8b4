package cli

import (
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/koltyakov/mtp/internal/versionutil"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `mtp - multi-datacenter MTProto transport core

Usage:
  mtp run [flags]                  Start an instance and keep its keys persisted
  mtp destroy-keys [flags]         Destroy every persisted key on its datacenter
  mtp keys [flags]                 List persisted keys
  mtp resolve [flags] <host>       Resolve a proxy host (--pin stores the first address)
  mtp version                      Print version
  mtp help                         Show this help

Common flags:
  --dc-file PATH                   Datacenter directory JSON (default: ./dcs.json)
  --db PATH                        SQLite database path (default: ./mtp.db)
  --key-passphrase VALUE           Seal persisted keys with a passphrase
  --transport auto|ws|quic         Transport used to reach datacenters
  --debug-listen ADDR              Serve pprof and /metrics on ADDR

Environment Variables:
  MTP_DC_FILE             Datacenter directory JSON file
  MTP_DB_PATH             SQLite database path
  MTP_KEY_PASSPHRASE      Passphrase sealing persisted keys
  MTP_MAIN_DC             Main datacenter id
  MTP_TRANSPORT           Transport: auto|ws|quic (default: auto)
  MTP_LOG_LEVEL           Log level: debug|info|warn|error (default: info)
  MTP_LOG_FORMAT          Log format: text|json (default: text)
  MTP_DNS_RESOLVERS       Comma separated DNS resolvers for proxy hosts
  MTP_MAX_FLOOD_RETRIES   FLOOD_WAIT retries per request (default: 0)
  MTP_MAX_FLOOD_WAIT      Longest FLOOD_WAIT retried locally
  MTP_DEBUG_LISTEN        Listen address for pprof and /metrics

Variables are also read from ./.env when not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" {
		Version = versionutil.EnsureVPrefix(Version)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "mtp", Version)
}

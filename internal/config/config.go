package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/mtp/internal/netutil"
)

// InstanceConfig holds everything the mtp commands need to build an
// instance. Every field can be seeded from an MTP_* environment variable.
type InstanceConfig struct {
	DCFile        string
	MainDc        int
	Transport     string
	DBPath        string
	KeyPassphrase string
	LogLevel      string
	LogFormat     string

	ConfigStaleAfter time.Duration
	CDNStaleAfter    time.Duration
	DestroyTimeout   time.Duration
	DestroyWait      time.Duration
	PersistInterval  time.Duration

	MaxFloodRetries int
	MaxFloodWait    time.Duration

	DNSResolvers   []string
	ProxyCacheSize int
	DebugListen    string

	DeviceModel   string
	SystemVersion string
	LangCode      string

	// Args holds the positional arguments left after the flags.
	Args []string
}

const defaultDBPath = "./mtp.db"
const defaultDCFile = "./dcs.json"
const defaultConfigStaleAfter = 2 * time.Minute
const defaultCDNStaleAfter = time.Hour
const defaultDestroyTimeout = 10 * time.Second
const defaultDestroyWait = time.Minute
const defaultPersistInterval = 30 * time.Second
const defaultProxyCacheSize = 256

// ParseInstanceFlags parses args on top of the environment defaults and
// validates the result.
func ParseInstanceFlags(args []string) (InstanceConfig, error) {
	cfg := InstanceConfig{
		DCFile:           envOrDefault("MTP_DC_FILE", defaultDCFile),
		MainDc:           envIntOrDefault("MTP_MAIN_DC", 0),
		Transport:        envOrDefault("MTP_TRANSPORT", "auto"),
		DBPath:           envOrDefault("MTP_DB_PATH", defaultDBPath),
		KeyPassphrase:    envOrDefault("MTP_KEY_PASSPHRASE", ""),
		LogLevel:         envOrDefault("MTP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("MTP_LOG_FORMAT", "text"),
		ConfigStaleAfter: envDurationOrDefault("MTP_CONFIG_STALE_AFTER", defaultConfigStaleAfter),
		CDNStaleAfter:    envDurationOrDefault("MTP_CDN_STALE_AFTER", defaultCDNStaleAfter),
		DestroyTimeout:   envDurationOrDefault("MTP_DESTROY_TIMEOUT", defaultDestroyTimeout),
		DestroyWait:      envDurationOrDefault("MTP_DESTROY_WAIT", defaultDestroyWait),
		PersistInterval:  envDurationOrDefault("MTP_PERSIST_INTERVAL", defaultPersistInterval),
		MaxFloodRetries:  envIntOrDefault("MTP_MAX_FLOOD_RETRIES", 0),
		MaxFloodWait:     envDurationOrDefault("MTP_MAX_FLOOD_WAIT", 0),
		ProxyCacheSize:   envIntOrDefault("MTP_PROXY_CACHE_SIZE", defaultProxyCacheSize),
		DebugListen:      envOrDefault("MTP_DEBUG_LISTEN", ""),
		DeviceModel:      envOrDefault("MTP_DEVICE_MODEL", "mtp"),
		SystemVersion:    envOrDefault("MTP_SYSTEM_VERSION", ""),
		LangCode:         envOrDefault("MTP_LANG_CODE", "en"),
	}
	resolvers := envOrDefault("MTP_DNS_RESOLVERS", "")

	fs := flag.NewFlagSet("mtp", flag.ContinueOnError)
	fs.StringVar(&cfg.DCFile, "dc-file", cfg.DCFile, "Datacenter directory JSON file")
	fs.IntVar(&cfg.MainDc, "main-dc", cfg.MainDc, "Main datacenter id (0 uses the default)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: auto|ws|quic")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.KeyPassphrase, "key-passphrase", cfg.KeyPassphrase, "Passphrase sealing persisted auth keys (empty stores them unsealed)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.DurationVar(&cfg.ConfigStaleAfter, "config-stale-after", cfg.ConfigStaleAfter, "Age after which the server config is refetched")
	fs.DurationVar(&cfg.CDNStaleAfter, "cdn-stale-after", cfg.CDNStaleAfter, "Age after which the CDN config is refetched")
	fs.DurationVar(&cfg.DestroyTimeout, "destroy-timeout", cfg.DestroyTimeout, "How long to wait for a key destroy confirmation")
	fs.DurationVar(&cfg.DestroyWait, "destroy-wait", cfg.DestroyWait, "Upper bound for destroy-keys to finish")
	fs.DurationVar(&cfg.PersistInterval, "persist-interval", cfg.PersistInterval, "How often run persists keys")
	fs.IntVar(&cfg.MaxFloodRetries, "max-flood-retries", cfg.MaxFloodRetries, "FLOOD_WAIT retries per request (0 surfaces them)")
	fs.DurationVar(&cfg.MaxFloodWait, "max-flood-wait", cfg.MaxFloodWait, "Longest FLOOD_WAIT retried locally")
	fs.StringVar(&resolvers, "dns", resolvers, "Comma separated DNS resolvers for proxy hosts")
	fs.IntVar(&cfg.ProxyCacheSize, "proxy-cache-size", cfg.ProxyCacheSize, "Resolved proxy hosts kept in memory")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "Listen address for pprof and /metrics (empty disables)")
	fs.StringVar(&cfg.DeviceModel, "device-model", cfg.DeviceModel, "Device model announced to the server")
	fs.StringVar(&cfg.SystemVersion, "system-version", cfg.SystemVersion, "System version announced to the server")
	fs.StringVar(&cfg.LangCode, "lang", cfg.LangCode, "Language code announced to the server")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Args = fs.Args()
	cfg.DNSResolvers = parseResolvers(resolvers)
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = "auto"
	}
	switch cfg.Transport {
	case "auto", "ws", "quic":
	default:
		return cfg, errors.New("transport must be one of: auto, ws, quic")
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return cfg, errors.New("log format must be one of: text, json")
	}
	if cfg.MainDc < 0 {
		return cfg, errors.New("main dc must be >= 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("missing --db or MTP_DB_PATH")
	}
	if cfg.ConfigStaleAfter <= 0 {
		return cfg, errors.New("config staleness must be > 0")
	}
	if cfg.CDNStaleAfter <= 0 {
		return cfg, errors.New("cdn config staleness must be > 0")
	}
	if cfg.DestroyTimeout <= 0 {
		return cfg, errors.New("destroy timeout must be > 0")
	}
	if cfg.DestroyWait <= 0 {
		return cfg, errors.New("destroy wait must be > 0")
	}
	if cfg.PersistInterval <= 0 {
		return cfg, errors.New("persist interval must be > 0")
	}
	if cfg.MaxFloodRetries < 0 || cfg.MaxFloodWait < 0 {
		return cfg, errors.New("flood retry policy must not be negative")
	}
	if cfg.MaxFloodRetries > 0 && cfg.MaxFloodWait == 0 {
		return cfg, errors.New("--max-flood-retries requires --max-flood-wait")
	}
	if cfg.ProxyCacheSize <= 0 {
		return cfg, errors.New("proxy cache size must be > 0")
	}

	return cfg, nil
}

func parseResolvers(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if addr := netutil.WithDefaultPort(part, "53"); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

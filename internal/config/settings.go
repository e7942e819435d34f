package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Settings is the resolved CLI/env surface for cmd/coredora: flag wins
// over environment, environment wins over default.
type Settings struct {
	ConfigPath  string
	DatabaseURL string
	LogLevel    string
	InstanceID  string
	V4Addr      string
	V6Addr      string
	AdminAddr   string
	Interfaces  []string
	RequestTimeout time.Duration
	MaxLiveMsgs int
	Threads     int
	BackendMode string
	NATSServers []string
}

// ParseSettings builds a pflag.FlagSet, parses args against it, then
// overlays environment variables and defaults for anything left unset,
// matching the flag > env > default precedence the CLI surface promises.
func ParseSettings(args []string) (*Settings, error) {
	fs := pflag.NewFlagSet("coredora", pflag.ContinueOnError)

	configPath := fs.String("config", "", "path to the coredora YAML config file")
	databaseURL := fs.String("database-url", "", "standalone SQLite lease-store path or DSN")
	logLevel := fs.String("log-level", "", "zap log level (debug, info, warn, error)")
	instanceID := fs.String("id", "", "this instance's server identity")
	v4Addr := fs.String("v4-addr", "", "DHCPv4 bind address (host:port)")
	v6Addr := fs.String("v6-addr", "", "DHCPv6 bind address (host:port)")
	adminAddr := fs.String("admin-addr", "", "admin HTTP bind address (host:port)")
	interfaces := fs.StringSlice("interface", nil, "bind interface, repeatable; default binds without an interface restriction")
	requestTimeout := fs.Duration("request-timeout", 0, "per-request deadline; 0 disables it")
	maxLiveMsgs := fs.Int("max-live-msgs", 0, "cap on concurrently in-flight requests; 0 disables the cap")
	threads := fs.Int("threads", 0, "worker goroutine hint; 0 lets the runtime decide")
	backendMode := fs.String("backend-mode", "", "mem or nats: selects the clustered KV backend")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	s := &Settings{
		ConfigPath:     firstNonEmpty(*configPath, os.Getenv("CONFIG_PATH")),
		DatabaseURL:    firstNonEmpty(*databaseURL, os.Getenv("DATABASE_URL")),
		LogLevel:       firstNonEmpty(*logLevel, os.Getenv("DORA_LOG"), "info"),
		InstanceID:     firstNonEmpty(*instanceID, os.Getenv("DORA_ID")),
		V4Addr:         firstNonEmpty(*v4Addr, os.Getenv("V4_ADDR"), ":67"),
		V6Addr:         firstNonEmpty(*v6Addr, os.Getenv("V6_ADDR"), ":547"),
		AdminAddr:      firstNonEmpty(*adminAddr, ":8080"),
		Interfaces:     *interfaces,
		RequestTimeout: *requestTimeout,
		MaxLiveMsgs:    *maxLiveMsgs,
		Threads:        *threads,
		BackendMode:    firstNonEmpty(*backendMode, os.Getenv("DORA_BACKEND_MODE"), "mem"),
		NATSServers:    splitNonEmpty(os.Getenv("DORA_NATS_SERVERS")),
	}
	return s, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config assembles process configuration from command-line flags
// into a single, unit-testable Config value.
package config

import (
	"flag"
	"fmt"
	"runtime"
	"strings"
)

// Config holds every setting the gateway needs to start.
type Config struct {
	WorkerCount  int
	ManagerCount int
	NSQLookup    []string
	ListenAddr   string
	MetricsAddr  string
	LogLevel     string
}

// stringSlice implements flag.Value to collect a repeatable flag.
type stringSlice struct {
	values *[]string
}

func (s stringSlice) String() string {
	if s.values == nil {
		return ""
	}
	return strings.Join(*s.values, ",")
}

func (s stringSlice) Set(v string) error {
	*s.values = append(*s.values, v)
	return nil
}

// FromFlags parses args into a Config. It operates on a private FlagSet
// rather than flag.CommandLine, so it can be called repeatedly (tests) or
// alongside other flag consumers without colliding on process-global state.
func FromFlags(args []string) (Config, error) {
	cores := runtime.NumCPU()

	fs := flag.NewFlagSet("wsgateway", flag.ContinueOnError)
	workerCount := fs.Int("worker-count", max(1, cores/2), "HTTP workers")
	managerCount := fs.Int("manager-count", max(1, cores/2-2), "subscription manager shard count")
	listenAddr := fs.String("listen", "127.0.0.1:8080", "address to bind the WebSocket server")
	metricsAddr := fs.String("metrics-addr", "127.0.0.1:9090", "address to bind the Prometheus /metrics endpoint")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")

	var nsqlookup []string
	fs.Var(stringSlice{&nsqlookup}, "nsqlookup", "nsqlookupd address (repeatable)")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Config{
		WorkerCount:  *workerCount,
		ManagerCount: *managerCount,
		NSQLookup:    nsqlookup,
		ListenAddr:   *listenAddr,
		MetricsAddr:  *metricsAddr,
		LogLevel:     *logLevel,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ManagerCount < 1 {
		return fmt.Errorf("manager-count must be at least 1, got %d", c.ManagerCount)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker-count must be at least 1, got %d", c.WorkerCount)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log-level %q", c.LogLevel)
	}
	return nil
}

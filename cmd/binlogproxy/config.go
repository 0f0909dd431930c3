package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/matst80/binlogproxy/internal/relay"
)

const usageLine = "Usage: binlogproxy [flags] <listen_port> <target_host> <target_port> <planned_disconnects>"

// ErrUsage reports an invalid invocation; the caller prints usage and exits 1.
var ErrUsage = errors.New("invalid arguments")

// Config holds the relay settings from the positional arguments plus the
// optional observability and state-backend flags.
type Config struct {
	Relay relay.Config

	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Debug         bool
}

func parseConfig(args []string, stderr io.Writer) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("binlogproxy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usageLine)
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.Relay.ListenHost, "listen-host", relay.DefaultListenHost, "address the relay binds to")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "metrics, health and dashboard listen address (empty disables)")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "redis address for scheduler state (empty keeps it in memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		// fs has already printed the error and usage.
		return cfg, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if err := parsePositional(&cfg, fs.Args()); err != nil {
		fmt.Fprintln(stderr, usageLine)
		fmt.Fprintln(stderr, err)
		return cfg, err
	}
	return cfg, nil
}

func parsePositional(cfg *Config, pos []string) error {
	if len(pos) != 4 {
		return fmt.Errorf("%w: expected 4 arguments, got %d", ErrUsage, len(pos))
	}
	var err error
	if cfg.Relay.ListenPort, err = parsePort("listen_port", pos[0]); err != nil {
		return err
	}
	cfg.Relay.TargetHost = pos[1]
	if cfg.Relay.TargetHost == "" {
		return fmt.Errorf("%w: target_host is empty", ErrUsage)
	}
	if cfg.Relay.TargetPort, err = parsePort("target_port", pos[2]); err != nil {
		return err
	}
	n, err := strconv.Atoi(pos[3])
	if err != nil || n < 0 {
		return fmt.Errorf("%w: planned_disconnects %q is not a non-negative integer", ErrUsage, pos[3])
	}
	cfg.Relay.PlannedDisconnects = n
	return nil
}

func parsePort(name, s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("%w: %s %q is not a valid port", ErrUsage, name, s)
	}
	return p, nil
}

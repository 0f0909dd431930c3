package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/matgreaves/run"
	"github.com/matst80/binlogproxy/internal/obs"
	"github.com/matst80/binlogproxy/internal/relay"
	"github.com/matst80/binlogproxy/internal/schedule"
	"github.com/matst80/binlogproxy/internal/status"
)

var _ status.Source = (*relay.Proxy)(nil)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		return 1
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	store, err := schedule.NewStore(cfg.Relay.PlannedDisconnects, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("schedule.store", obs.Fields{"err": err.Error(), "redis": cfg.RedisAddr})
		return 1
	}
	defer store.Close()
	backend := "in-memory"
	if cfg.RedisAddr != "" {
		backend = "redis"
	}
	obs.Info("proxy.start", obs.Fields{
		"listen":  cfg.Relay.ListenAddr(),
		"target":  cfg.Relay.TargetAddr(),
		"planned": cfg.Relay.PlannedDisconnects,
		"state":   backend,
		"metrics": cfg.MetricsAddr,
	})

	proxy := relay.New(cfg.Relay, store)
	group := run.Group{
		"relay": run.Func(proxy.ListenAndServe),
	}
	if cfg.MetricsAddr != "" {
		group["status"] = run.Func(func(ctx context.Context) error {
			return status.ListenAndServe(ctx, cfg.MetricsAddr, proxy)
		})
	}

	err = group.Run(ctx)
	if ctx.Err() != nil {
		obs.Info("proxy.shutdown", obs.Fields{})
		return 0
	}
	if err != nil {
		obs.Error("proxy.exit", obs.Fields{"err": err.Error()})
		return 1
	}
	return 0
}

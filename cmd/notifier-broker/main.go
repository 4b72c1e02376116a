package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/hydra-dbg/common/internal/brokerstub"
	"github.com/hydra-dbg/common/internal/discovery"
	"github.com/hydra-dbg/common/internal/epconfig"
	"github.com/hydra-dbg/common/internal/obslog"
)

func main() {
	cfg, err := epconfig.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := obslog.NewSlog(os.Stdout, cfg.LogLevel)
	stdlog := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	broker := brokerstub.New(logger)
	errCh, err := broker.Start(cfg.BrokerAddress)
	if err != nil {
		stdlog.Error("failed to start broker", "error", err)
		os.Exit(1)
	}
	stdlog.Info("notifier broker listening", "addr", broker.Addr())

	if cfg.Advertise {
		_, portStr, err := net.SplitHostPort(broker.Addr().String())
		if err != nil {
			stdlog.Error("could not determine listen port for mDNS", "error", err)
		} else if port, err := strconv.Atoi(portStr); err != nil {
			stdlog.Error("could not parse listen port for mDNS", "error", err)
		} else if closer, err := discovery.Advertise(port, ""); err != nil {
			stdlog.Error("mDNS advertisement failed to start", "error", err)
		} else {
			defer closer.Close()
			stdlog.Info("mDNS advertisement started")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		stdlog.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			stdlog.Error("broker accept loop terminated", "error", err)
		}
	}

	if err := broker.Stop(); err != nil {
		stdlog.Error("broker shutdown error", "error", err)
		os.Exit(1)
	}
	stdlog.Info("notifier broker stopped cleanly")
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}

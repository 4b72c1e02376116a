package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hydra-dbg/common/internal/discovery"
	"github.com/hydra-dbg/common/internal/epconfig"
	"github.com/hydra-dbg/common/internal/mqttbridge"
	"github.com/hydra-dbg/common/internal/obslog"
	"github.com/hydra-dbg/common/pubsub"
)

func main() {
	cfg, err := epconfig.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	name := flag.String("name", "notifier-client", "endpoint name announced to the broker")
	subscribeTopic := flag.String("subscribe", "", "if set, subscribe to this topic and log every event")
	publishTopic := flag.String("publish", "", "if set, publish to this topic once (and exit unless -subscribe is also set)")
	publishPayload := flag.String("payload", "{}", "JSON payload to publish (only with -publish)")
	mqttBroker := flag.String("mqtt-broker", "", "if set, bridge -subscribe's events onto this MQTT broker (e.g. tcp://localhost:1883)")
	flag.Parse()

	logger := obslog.NewSlog(os.Stdout, cfg.LogLevel)
	stdlog := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	addr := cfg.BrokerAddress
	if cfg.Discover {
		discoverCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		found, err := discovery.Find(discoverCtx)
		cancel()
		if err != nil {
			stdlog.Error("mDNS discovery failed, falling back to configured address", "error", err)
		} else {
			addr = found
		}
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	eh, err := pubsub.NewEventHandler(dialCtx, *name, addr, logger)
	if err != nil {
		stdlog.Error("failed to connect to broker", "addr", addr, "error", err)
		os.Exit(1)
	}

	if *publishTopic != "" {
		var payload any
		if err := json.Unmarshal([]byte(*publishPayload), &payload); err != nil {
			stdlog.Error("invalid -payload JSON", "error", err)
			os.Exit(1)
		}
		if err := eh.Publish(*publishTopic, payload); err != nil {
			stdlog.Error("publish failed", "error", err)
			os.Exit(1)
		}
		stdlog.Info("published", "topic", *publishTopic)
	}

	if *subscribeTopic == "" {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = eh.Close(closeCtx)
		return
	}

	var bridge *mqttbridge.Bridge
	if *mqttBroker != "" {
		bridge, err = mqttbridge.Connect(mqttbridge.Options{BrokerAddress: *mqttBroker}, logger)
		if err != nil {
			stdlog.Error("failed to connect to MQTT bridge broker", "error", err)
			os.Exit(1)
		}
		if _, err := bridge.Forward(eh, *subscribeTopic); err != nil {
			stdlog.Error("failed to forward subscription to MQTT", "error", err)
			os.Exit(1)
		}
		stdlog.Info("forwarding to MQTT", "mqtt_broker", *mqttBroker, "topic", *subscribeTopic)
	} else {
		if _, err := eh.Subscribe(*subscribeTopic, func(obj any) {
			stdlog.Info("event received", "topic", *subscribeTopic, "payload", obj)
		}); err != nil {
			stdlog.Error("subscribe failed", "error", err)
			os.Exit(1)
		}
		stdlog.Info("subscribed", "topic", *subscribeTopic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if bridge != nil {
		_ = bridge.Close()
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := eh.Close(closeCtx); err != nil {
		stdlog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	stdlog.Info("notifier client stopped cleanly")
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

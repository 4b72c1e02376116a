// Package epconfig derives the demo binaries' tunable parameters from
// environment variables, in the same shape as the teacher's
// internal/config package. The pubsub library itself never touches
// the environment; this is wiring for cmd/notifier-broker and
// cmd/notifier-client only.
package epconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters shared by the demo binaries.
type Config struct {
	BrokerAddress  string
	ConnectTimeout time.Duration
	LogLevel       string
	Advertise      bool
	Discover       bool
}

const (
	defaultBrokerAddress  = "localhost:5555"
	defaultConnectTimeout = 55 * time.Second
	defaultLogLevel       = "info"
)

// Load derives configuration values from environment variables,
// falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		BrokerAddress:  defaultBrokerAddress,
		ConnectTimeout: defaultConnectTimeout,
		LogLevel:       defaultLogLevel,
	}

	if v := os.Getenv("NOTIFIER_BROKER_ADDRESS"); v != "" {
		cfg.BrokerAddress = v
	}

	if v := os.Getenv("NOTIFIER_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid NOTIFIER_CONNECT_TIMEOUT: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	if v := os.Getenv("NOTIFIER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("NOTIFIER_ADVERTISE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid NOTIFIER_ADVERTISE: %w", err)
		}
		cfg.Advertise = b
	}

	if v := os.Getenv("NOTIFIER_DISCOVER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid NOTIFIER_DISCOVER: %w", err)
		}
		cfg.Discover = b
	}

	return cfg, nil
}

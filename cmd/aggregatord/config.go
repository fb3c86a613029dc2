package main

import (
	"crypto/ed25519"
	"flag"
	"strings"
	"time"
)

// Config holds the process configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the listen address for relay deliveries.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// ConfigPath is the TOML file with bootstrap state and receivers.
	ConfigPath string

	// LogLevel is the minimum level printed.
	LogLevel string

	// Network overrides the network id of the config file.
	Network string

	// RestorePath is a snapshot imported into an empty store before start.
	RestorePath string

	// SnapshotInterval is the period of the on-disk backup, 0 to disable.
	SnapshotInterval time.Duration

	// DevReceivers are addresses bound to an acknowledging receiver.
	DevReceivers []string

	// DevLoopback makes the node its own gateway, so sends to the local
	// network are delivered in-process.
	DevLoopback bool

	// PrivateKey is the node's identity. Its public key, hex encoded, is the
	// aggregator address.
	PrivateKey ed25519.PrivateKey
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	var dev string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC address for relay deliveries")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.ConfigPath, "config", "", "Aggregator TOML file")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.Network, "network", "", "Local network id (overrides the config file)")
	flag.StringVar(&cfg.RestorePath, "restore", "", "Snapshot to import into an empty store")
	flag.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", time.Minute, "Backup period of <data>/latest.snap (0 disables)")
	flag.StringVar(&dev, "dev-receivers", "", "Comma-separated receiver addresses that acknowledge every message")
	flag.BoolVar(&cfg.DevLoopback, "dev-loopback", false, "Act as a gateway into this node for sends to its own network")
	flag.Parse()

	cfg.DevReceivers = splitList(dev)

	return cfg
}

// splitList splits a comma-separated flag, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}

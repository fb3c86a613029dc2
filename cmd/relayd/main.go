// Command relayd runs a gateway relay: it accepts send requests from
// aggregators over QUIC and forwards each one, with retries, to the
// destination aggregator.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"Confluence/internal/keyfile"
	"Confluence/internal/logger"
)

// Config holds the process configuration.
type Config struct {
	QUICAddress   string             // QUICAddress is the listen address
	HTTPAddress   string             // HTTPAddress serves /health and /stats when set
	KeyPath       string             // KeyPath is the Ed25519 key file; its public key is the gateway id
	ConfigPath    string             // ConfigPath is the relay TOML file
	LogLevel      string             // LogLevel is the minimum level printed
	StatsInterval time.Duration      // StatsInterval is the period of the stats log line, 0 to disable
	PrivateKey    ed25519.PrivateKey // PrivateKey is the relay's identity
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.QUICAddress, "quic", ":9100", "QUIC listen address")
	flag.StringVar(&cfg.HTTPAddress, "http", "", "HTTP address for /health and /stats (disabled if empty)")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.ConfigPath, "config", "", "Relay TOML file")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.StatsInterval, "stats-interval", time.Minute, "Stats log period (0 disables)")
	flag.Parse()

	return cfg
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger.Init(level)

	cfg.PrivateKey, err = keyfile.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create relay:\n%w", err)
	}

	logger.Info("starting Confluence relay",
		"gateway", hex.EncodeToString(cfg.PrivateKey.Public().(ed25519.PublicKey)),
		"quic", cfg.QUICAddress,
		"http", cfg.HTTPAddress,
		"endpoints", len(node.file.Endpoints),
	)

	return node.Run()
}

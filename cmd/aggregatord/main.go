package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"Confluence/internal/keyfile"
	"Confluence/internal/logger"
)

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
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(n *Node) {
	st := n.aggregator.Status()

	logger.Info("starting Confluence aggregator",
		"network", st.Network,
		"address", st.Address,
		"http", n.cfg.HTTPAddress,
		"quic", n.cfg.QUICAddress,
		"data", n.cfg.DataPath,
		"policy", st.Policy,
		"gateways", len(st.Gateways),
		"threshold", st.Threshold,
		"paused", st.Paused,
	)

	if len(st.ReceiptKey) > 0 {
		logger.Info("receipt key", "bls", hex.EncodeToString(st.ReceiptKey))
	}
}

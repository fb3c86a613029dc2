package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Confluence/internal/channel"
	"Confluence/internal/config"
	"Confluence/internal/logger"
	"Confluence/internal/network"
)

// Node is a running relay process.
type Node struct {
	cfg     *Config
	file    *config.Relay
	network *network.Node
	relay   *channel.Relay
	http    *http.Server
	done    chan struct{}
}

// NewNode loads the relay file and creates the QUIC endpoint and relay.
func NewNode(cfg *Config) (*Node, error) {
	file, err := config.LoadRelay(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: cfg.PrivateKey,
		ListenAddr: cfg.QUICAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("init network:\n%w", err)
	}

	relay, err := channel.NewRelay(node, channel.RelayConfig{
		Endpoints:      file.EndpointMap(),
		MaxAttempts:    file.MaxAttempts,
		RetryDelay:     file.RetryDelayDuration(),
		Workers:        file.Workers,
		QueueSize:      file.QueueSize,
		ReplayTTL:      file.ReplayTTLDuration(),
		ForwardTimeout: file.ForwardTimeoutDuration(),
	})
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("init relay:\n%w", err)
	}

	return &Node{cfg: cfg, file: file, network: node, relay: relay, done: make(chan struct{})}, nil
}

// Run starts forwarding and blocks until a shutdown signal.
func (n *Node) Run() error {
	n.relay.Start()
	n.network.OnRequest(n.relay.Handle)

	if err := n.network.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start network:\n%w", err)
	}

	if n.cfg.HTTPAddress != "" {
		n.startHTTP()
	}

	if n.cfg.StatsInterval > 0 {
		go n.logStats()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// startHTTP serves /health and /stats.
func (n *Node) startHTTP() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(n.relay.Stats())
	})

	n.http = &http.Server{Addr: n.cfg.HTTPAddress, Handler: mux, ReadTimeout: 10 * time.Second}

	go func() {
		logger.Info("http started", "addr", n.cfg.HTTPAddress)

		if err := n.http.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()
}

// logStats prints the relay counters every StatsInterval.
func (n *Node) logStats() {
	ticker := time.NewTicker(n.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			s := n.relay.Stats()
			logger.Info("relay stats",
				"accepted", s.Accepted,
				"replayed", s.Replayed,
				"delivered", s.Delivered,
				"rejected", s.Rejected,
				"failed", s.Failed,
			)
		}
	}
}

// Close stops the relay and its listeners.
func (n *Node) Close() error {
	close(n.done)

	if n.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.http.Shutdown(ctx)
	}

	n.relay.Close()
	n.network.Close()

	return nil
}

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Confluence/internal/access"
	"Confluence/internal/aggregator"
	"Confluence/internal/api"
	"Confluence/internal/attest"
	"Confluence/internal/channel"
	"Confluence/internal/config"
	"Confluence/internal/execution"
	"Confluence/internal/gateway"
	"Confluence/internal/logger"
	"Confluence/internal/metrics"
	"Confluence/internal/network"
	"Confluence/internal/outbound"
	"Confluence/internal/receiver"
	"Confluence/internal/snapshot"
	"Confluence/internal/storage"
)

// Node is a running aggregator process.
type Node struct {
	cfg        *Config
	file       *config.Aggregator
	self       access.Principal // self is the node's own key, used for bootstrap
	storage    *storage.Storage
	network    *network.Node
	pool       *receiver.Pool
	metrics    *metrics.Metrics
	aggregator *aggregator.Aggregator
	backups    *snapshot.Scheduler
	api        *api.Server
}

// NewNode creates and initializes a node.
func NewNode(cfg *Config) (*Node, error) {
	file, err := config.LoadAggregator(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	if cfg.Network != "" {
		file.Network = cfg.Network
	}

	if file.Network == "" {
		return nil, fmt.Errorf("%w: network is required (-network or config file)", config.ErrInvalid)
	}

	n := &Node{
		cfg:     cfg,
		file:    file,
		self:    access.Principal{Key: cfg.PrivateKey.Public().(ed25519.PublicKey)},
		metrics: metrics.New(),
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	steps := []func() error{
		n.restore,
		n.initNetwork,
		n.initAggregator,
		n.bootstrap,
		n.loopback,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// initStorage opens the Pebble store.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// restore imports the -restore snapshot. It refuses a store that already
// holds configuration.
func (n *Node) restore() error {
	if n.cfg.RestorePath == "" {
		return nil
	}

	empty, err := storeEmpty(n.storage)
	if err != nil {
		return err
	}

	if !empty {
		return fmt.Errorf("restore %s: store at %s is not empty", n.cfg.RestorePath, n.cfg.DataPath)
	}

	data, err := os.ReadFile(n.cfg.RestorePath)
	if err != nil {
		return fmt.Errorf("read snapshot:\n%w", err)
	}

	info, err := snapshot.Import(n.storage, data)
	if err != nil {
		return fmt.Errorf("restore %s:\n%w", n.cfg.RestorePath, err)
	}

	logger.Info("snapshot restored",
		"path", n.cfg.RestorePath,
		"entries", info.Entries,
		"created", info.CreatedAt.Format(time.RFC3339),
	)

	return nil
}

// initNetwork creates the QUIC endpoint shared by relay deliveries and sends.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initAggregator wires the dispatcher, receivers and coordinator.
func (n *Node) initAggregator() error {
	dispatcher := outbound.NewDispatcher(
		outbound.WithPolicy(n.file.DispatchPolicy()),
		outbound.WithSendTimeout(n.file.SendTimeoutDuration()),
		outbound.WithChannelFactory(func(id gateway.ID, addr string) outbound.Channel {
			return channel.NewQUIC(n.network, id, addr)
		}),
	)

	for i, id := range n.file.GatewayIDs() {
		dispatcher.AddChannel(channel.NewQUIC(n.network, id, n.file.Gateways[i].Addr))
	}

	router, err := n.initReceivers()
	if err != nil {
		return err
	}

	signer, err := attest.DeriveFromED25519(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive receipt key:\n%w", err)
	}

	authorizer, err := n.authorizer()
	if err != nil {
		return err
	}

	opts := []aggregator.Option{
		aggregator.WithAuthorizer(authorizer),
		aggregator.WithMetrics(n.metrics),
		aggregator.WithSigner(signer),
	}

	if n.file.DisableSenderAuth {
		opts = append(opts, aggregator.WithoutSenderAuth())
	}

	coordinator := execution.NewCoordinator(router, execution.WithTimeout(n.file.ExecutionTimeoutDuration()))

	agg, err := aggregator.New(n.storage, aggregator.Config{
		Network: n.file.Network,
		Address: hex.EncodeToString(n.self.Key),
	}, dispatcher, coordinator, opts...)
	if err != nil {
		return fmt.Errorf("init aggregator:\n%w", err)
	}

	n.aggregator = agg

	if n.cfg.DevLoopback {
		dispatcher.AddChannel(channel.NewLocal(n.loopbackID(), agg))
	}

	return nil
}

// loopbackID is the gateway id of the in-process loopback channel.
func (n *Node) loopbackID() gateway.ID {
	var id gateway.ID
	copy(id[:], n.self.Key)

	return id
}

// authorizer accepts the node's own key and the configured owner.
func (n *Node) authorizer() (access.AnyOf, error) {
	keys := []ed25519.PublicKey{n.self.Key}

	owner, err := n.file.OwnerKey()
	if err != nil {
		return nil, err
	}

	if owner != nil {
		keys = append(keys, owner)
	}

	policies := make(access.AnyOf, 0, len(keys))
	for _, key := range keys {
		policy, err := access.NewOwner(key)
		if err != nil {
			return nil, fmt.Errorf("owner:\n%w", err)
		}
		policies = append(policies, policy)
	}

	return policies, nil
}

// initReceivers loads the configured WASM receivers and the dev ack receivers.
func (n *Node) initReceivers() (*execution.Router, error) {
	router := execution.NewRouter()
	if len(n.file.Receivers) == 0 && len(n.cfg.DevReceivers) == 0 {
		return router, nil
	}

	ctx := context.Background()

	pool, err := receiver.NewPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("init receiver pool:\n%w", err)
	}

	n.pool = pool

	for _, r := range n.file.Receivers {
		if _, err := receiver.LoadFile(ctx, pool, router, r.Address, r.Path, n.file.GasLimit); err != nil {
			return nil, err
		}
	}

	for _, address := range n.cfg.DevReceivers {
		if _, err := receiver.LoadAck(ctx, pool, router, address); err != nil {
			return nil, err
		}
	}

	return router, nil
}

// bootstrap applies the config file's gateways and remotes to a fresh store.
func (n *Node) bootstrap() error {
	applied, err := applyBootstrap(context.Background(), n.aggregator, n.self, n.file)
	if err != nil {
		return fmt.Errorf("bootstrap:\n%w", err)
	}

	if applied {
		logger.Info("bootstrap state applied",
			"gateways", len(n.file.Gateways),
			"threshold", n.file.Threshold,
			"remotes", len(n.file.Remotes),
		)
	}

	return nil
}

// loopback registers the node as a gateway into itself when -dev-loopback is set.
func (n *Node) loopback() error {
	if !n.cfg.DevLoopback {
		return nil
	}

	if err := applyLoopback(context.Background(), n.aggregator, n.self, n.loopbackID()); err != nil {
		return fmt.Errorf("dev loopback:\n%w", err)
	}

	logger.Warn("dev loopback enabled", "gateway", n.loopbackID().Short())

	return nil
}

// Run starts the listeners and blocks until a shutdown signal.
func (n *Node) Run() error {
	n.network.OnRequest(channel.NewInbound(n.aggregator).Handle)

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	if n.cfg.SnapshotInterval > 0 {
		path := filepath.Join(n.cfg.DataPath, "latest.snap")
		n.backups = snapshot.NewScheduler(n.storage, n.aggregator.Events(), path, n.cfg.SnapshotInterval)
		n.backups.Start()
	}

	n.api = api.New(n.cfg.HTTPAddress, n.aggregator, n.metrics)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.backups != nil {
		n.backups.Stop()
	}

	if n.pool != nil {
		n.pool.Close(context.Background())
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}

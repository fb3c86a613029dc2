// Package aggregator is the message aggregation and quorum-execution engine.
//
// Every entry point runs as a critical section over the gateway set, remote
// registry and receipt trackers. The only work done outside the lock is
// channel I/O on send and the receiver call on execution; execution is
// guarded by committing executed=true before the call.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"Confluence/internal/access"
	"Confluence/internal/attest"
	"Confluence/internal/events"
	"Confluence/internal/execution"
	"Confluence/internal/gateway"
	"Confluence/internal/inbound"
	"Confluence/internal/lifecycle"
	"Confluence/internal/logger"
	"Confluence/internal/message"
	"Confluence/internal/metrics"
	"Confluence/internal/outbound"
	"Confluence/internal/remote"
	"Confluence/internal/storage"
)

// Config identifies the local aggregator.
type Config struct {
	Network string // Network is the local network id
	Address string // Address is this aggregator's address, carried as sender on every channel
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithAuthorizer sets the policy for administrative operations. Default denies everything.
func WithAuthorizer(a access.Authorizer) Option {
	return func(agg *Aggregator) { agg.authorizer = a }
}

// WithEvents publishes engine events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(agg *Aggregator) { agg.events = bus }
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(agg *Aggregator) { agg.metrics = m }
}

// WithSigner signs a BLS receipt for every successful execution.
func WithSigner(s *attest.Signer) Option {
	return func(agg *Aggregator) { agg.signer = s }
}

// WithoutSenderAuth accepts deliveries from any sender. Use only when every
// gateway already authenticates the source aggregator.
func WithoutSenderAuth() Option {
	return func(agg *Aggregator) { agg.senderAuth = false }
}

// denyAll is the default administrative policy.
type denyAll struct{}

func (denyAll) Authorize(_ context.Context, _ access.Principal, op access.Operation) error {
	return fmt.Errorf("%w: no authorizer configured for %s", access.ErrUnauthorized, op)
}

// Aggregator is the engine owning all aggregation state.
type Aggregator struct {
	mu sync.Mutex       // mu serializes every state transition
	db *storage.Storage // db backs every store below

	network string // network is the local network id
	address string // address is this aggregator's channel-level address

	gateways  *gateway.Set      // gateways is the live gateway set and threshold
	remotes   *remote.Registry  // remotes maps networks to counterpart aggregators
	trackers  *inbound.Store    // trackers holds receipt state per fingerprint
	outboxes  *outbound.Store   // outboxes holds fan-out records and the nonce
	lifecycle *lifecycle.Switch // lifecycle is the pause switch

	dispatcher  *outbound.Dispatcher   // dispatcher fans sends out to channels
	coordinator *execution.Coordinator // coordinator calls final receivers
	authorizer  access.Authorizer      // authorizer guards admin operations
	events      *events.Bus            // events receives every state change
	metrics     *metrics.Metrics       // metrics records counters and gauges
	signer      *attest.Signer         // signer signs execution receipts, may be nil
	senderAuth  bool                   // senderAuth checks the channel sender against remotes
	log         *slog.Logger           // log is the component logger
}

// New restores an aggregator from db.
func New(db *storage.Storage, cfg Config, dispatcher *outbound.Dispatcher, coordinator *execution.Coordinator, opts ...Option) (*Aggregator, error) {
	if cfg.Network == "" || cfg.Address == "" {
		return nil, errors.New("network and address are required")
	}

	gateways, err := gateway.Load(db)
	if err != nil {
		return nil, fmt.Errorf("load gateways:\n%w", err)
	}

	remotes, err := remote.Load(db)
	if err != nil {
		return nil, fmt.Errorf("load remotes:\n%w", err)
	}

	sw, err := lifecycle.Load(db)
	if err != nil {
		return nil, fmt.Errorf("load lifecycle:\n%w", err)
	}

	a := &Aggregator{
		db:          db,
		network:     cfg.Network,
		address:     cfg.Address,
		gateways:    gateways,
		remotes:     remotes,
		trackers:    inbound.NewStore(db),
		outboxes:    outbound.NewStore(db),
		lifecycle:   sw,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		authorizer:  denyAll{},
		senderAuth:  true,
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.events == nil {
		a.events = events.NewBus()
	}

	if a.metrics == nil {
		a.metrics = metrics.New()
	}

	a.log = logger.With("component", "aggregator", "network", cfg.Network)

	if err := a.recoverInterrupted(); err != nil {
		return nil, err
	}

	a.metrics.GatewaySet(gateways.Len(), gateways.Threshold())
	a.metrics.Paused(sw.Paused())

	return a, nil
}

// Network returns the local network id.
func (a *Aggregator) Network() string {
	return a.network
}

// Address returns this aggregator's channel-level address.
func (a *Aggregator) Address() string {
	return a.address
}

// Events returns the event bus.
func (a *Aggregator) Events() *events.Bus {
	return a.events
}

// Metrics returns the metrics instruments.
func (a *Aggregator) Metrics() *metrics.Metrics {
	return a.metrics
}

// Status is a snapshot of the aggregator configuration.
type Status struct {
	Network    string          `json:"network"`
	Address    string          `json:"address"`
	Paused     bool            `json:"paused"`
	Threshold  int             `json:"threshold"`
	Gateways   []string        `json:"gateways"`
	Remotes    []remote.Remote `json:"remotes"`
	Policy     string          `json:"policy"`
	ReceiptKey []byte          `json:"receiptKey,omitempty"`
}

// Status returns the current configuration.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	members := a.gateways.Members()
	ids := make([]string, len(members))
	for i, id := range members {
		ids[i] = id.String()
	}

	st := Status{
		Network:   a.network,
		Address:   a.address,
		Paused:    a.lifecycle.Paused(),
		Threshold: a.gateways.Threshold(),
		Gateways:  ids,
		Remotes:   a.remotes.All(),
		Policy:    a.dispatcher.Policy().String(),
	}

	if a.signer != nil {
		st.ReceiptKey = a.signer.PublicKey()
	}

	return st
}

// Message returns a copy of the tracker for fp.
func (a *Aggregator) Message(fp message.Fingerprint) (*inbound.Tracker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, err := a.trackers.Get(fp)
	if errors.Is(err, inbound.ErrNotFound) {
		return nil, ErrUnknownMessage
	}

	if err != nil {
		return nil, err
	}

	return t, nil
}

// Outbox returns a stored fan-out record.
func (a *Aggregator) Outbox(id outbound.OutboxID) (*outbound.Outbox, error) {
	return a.outboxes.Get(id)
}

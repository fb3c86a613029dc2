package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"Confluence/internal/gateway"
	"Confluence/internal/logger"
)

var (
	// ErrNoGateways is returned when the gateway snapshot is empty.
	ErrNoGateways = errors.New("no gateways registered")

	// ErrNoChannel is the failure for a gateway with no configured channel.
	ErrNoChannel = errors.New("no channel configured for gateway")

	// ErrNoChannelFactory is returned when a gateway is attached by address
	// but the dispatcher cannot build channels.
	ErrNoChannelFactory = errors.New("no channel factory configured")
)

// defaultSendTimeout bounds a single channel send.
const defaultSendTimeout = 10 * time.Second

// DispatchError reports a fan-out that did not complete.
// Accepted lists channels that took the message before the failure; those
// sends cannot be recalled. Canceled lists gateways whose send was abandoned
// because another one failed; they are not failures of their own.
type DispatchError struct {
	Policy   Policy
	Accepted []Entry
	Failures []Failure
	Canceled []gateway.ID
}

func (e *DispatchError) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s dispatch failed on %d gateway(s)", e.Policy, len(e.Failures))

	if len(e.Canceled) > 0 {
		fmt.Fprintf(&sb, " (%d cancelled)", len(e.Canceled))
	}

	for _, f := range e.Failures {
		fmt.Fprintf(&sb, "; %s: %v", f.Gateway.Short(), f.Err)
	}

	return sb.String()
}

// Unwrap exposes the per-gateway errors to errors.Is.
func (e *DispatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}

	return errs
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy sets the partial-failure policy.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithSendTimeout bounds each channel send.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithChannelFactory lets Attach build channels for gateways added at runtime.
func WithChannelFactory(f ChannelFactory) Option {
	return func(d *Dispatcher) { d.factory = f }
}

// ChannelFactory builds the transport for a gateway reachable at addr.
type ChannelFactory func(id gateway.ID, addr string) Channel

// Route is a gateway paired with the channel resolved for it. Channel is nil
// when none is configured.
type Route struct {
	Gateway gateway.ID
	Channel Channel
}

// Dispatcher fans one request out to the channels of a gateway snapshot.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[gateway.ID]Channel // channels maps gateway id to its transport
	factory  ChannelFactory         // factory builds channels for Attach, may be nil
	policy   Policy                 // policy is Strict unless configured
	timeout  time.Duration          // timeout bounds each channel send
}

// NewDispatcher creates a dispatcher with no channels.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[gateway.ID]Channel),
		policy:   Strict,
		timeout:  defaultSendTimeout,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Policy returns the active partial-failure policy.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// AddChannel registers the transport for a gateway, replacing any previous one.
func (d *Dispatcher) AddChannel(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.channels[ch.Gateway()] = ch
}

// CanAttach reports whether Attach can build channels.
func (d *Dispatcher) CanAttach() bool {
	return d.factory != nil
}

// Attach builds the channel for a gateway at addr and registers it,
// replacing any previous one.
func (d *Dispatcher) Attach(id gateway.ID, addr string) error {
	if d.factory == nil {
		return ErrNoChannelFactory
	}

	d.AddChannel(d.factory(id, addr))

	return nil
}

// RemoveChannel drops the transport for a gateway.
func (d *Dispatcher) RemoveChannel(id gateway.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.channels, id)
}

// Routes resolves the channel of every gateway, in order. Sends dispatched
// with the returned routes are unaffected by later channel changes.
func (d *Dispatcher) Routes(gateways []gateway.ID) []Route {
	d.mu.RLock()
	defer d.mu.RUnlock()

	routes := make([]Route, len(gateways))
	for i, id := range gateways {
		routes[i] = Route{Gateway: id, Channel: d.channels[id]}
	}

	return routes
}

// result is the outcome of one channel send.
type result struct {
	trackingID []byte
	err        error
	canceled   bool // canceled is set when the send was abandoned after another failed
}

// Dispatch sends req through the channel of every gateway in gateways, in
// parallel. The returned outbox carries the accepted entries in gateway order.
// Under Strict any failure returns a *DispatchError and no outbox. Under
// BestEffort the outbox lists the failures, and a *DispatchError is returned
// only if every channel failed.
func (d *Dispatcher) Dispatch(ctx context.Context, gateways []gateway.ID, req *Request) (*Outbox, error) {
	return d.DispatchRoutes(ctx, d.Routes(gateways), req)
}

// DispatchRoutes is Dispatch over channels resolved earlier by Routes.
func (d *Dispatcher) DispatchRoutes(ctx context.Context, routes []Route, req *Request) (*Outbox, error) {
	if len(routes) == 0 {
		return nil, ErrNoGateways
	}

	var results []result
	if d.policy == Strict {
		results = d.fanOutStrict(ctx, routes, req)
	} else {
		results = d.fanOutAll(ctx, routes, req)
	}

	var (
		entries  []Entry
		failures []Failure
		canceled []gateway.ID
	)

	for i, r := range results {
		gw := routes[i].Gateway

		switch {
		case r.canceled:
			canceled = append(canceled, gw)
		case r.err != nil:
			failures = append(failures, Failure{Gateway: gw, Err: r.err})
		default:
			entries = append(entries, Entry{Gateway: gw, TrackingID: r.trackingID})
		}
	}

	if len(failures) > 0 && (d.policy == Strict || len(entries) == 0) {
		return nil, &DispatchError{Policy: d.policy, Accepted: entries, Failures: failures, Canceled: canceled}
	}

	return &Outbox{
		ID:                 computeID(entries),
		DestinationNetwork: req.DestinationNetwork,
		Entries:            entries,
		Failures:           failures,
		CreatedAt:          time.Now(),
	}, nil
}

// fanOutStrict sends concurrently and cancels outstanding sends on the first failure.
// A send cut short by that cancellation is marked canceled, not failed.
func (d *Dispatcher) fanOutStrict(ctx context.Context, routes []Route, req *Request) []result {
	results := make([]result, len(routes))
	g, gctx := errgroup.WithContext(ctx)

	for i, r := range routes {
		g.Go(func() error {
			res := d.sendOne(gctx, r, req)
			if res.err != nil && ctx.Err() == nil && gctx.Err() != nil && errors.Is(res.err, context.Canceled) {
				res.canceled = true
			}

			results[i] = res
			return res.err
		})
	}

	_ = g.Wait()

	return results
}

// fanOutAll sends concurrently and waits for every channel.
func (d *Dispatcher) fanOutAll(ctx context.Context, routes []Route, req *Request) []result {
	results := make([]result, len(routes))

	var wg sync.WaitGroup

	for i, r := range routes {
		wg.Add(1)

		go func(idx int, route Route) {
			defer wg.Done()
			results[idx] = d.sendOne(ctx, route, req)
		}(i, r)
	}

	wg.Wait()

	return results
}

// sendOne sends through one gateway's channel with the per-send timeout.
func (d *Dispatcher) sendOne(ctx context.Context, r Route, req *Request) result {
	gw, ch := r.Gateway, r.Channel
	if ch == nil {
		return result{err: ErrNoChannel}
	}

	if err := ctx.Err(); err != nil {
		return result{err: err}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()

	trackingID, err := ch.Send(sendCtx, req)
	if err != nil && ctx.Err() != nil {
		logger.Debug("channel send cancelled", "gateway", gw.Short(), "dst", req.DestinationNetwork)
		return result{err: err}
	}

	if err != nil {
		logger.Warn("channel send failed", "gateway", gw.Short(), "dst", req.DestinationNetwork, "error", err)
		return result{err: err}
	}

	logger.Debug("channel send", "gateway", gw.Short(), "dst", req.DestinationNetwork, "tracked", len(trackingID) > 0, logger.Timed(start))

	return result{trackingID: trackingID}
}

package aggregator

import (
	"context"
	"fmt"

	"Confluence/internal/access"
	"Confluence/internal/events"
	"Confluence/internal/gateway"
	"Confluence/internal/outbound"
	"Confluence/internal/snapshot"
)

// AddGateway appends a gateway to the live set. Returns gateway.ErrAlreadyPresent
// if it is already a member. The threshold is unchanged. Sends reach it
// through a channel registered on the dispatcher beforehand.
func (a *Aggregator) AddGateway(ctx context.Context, p access.Principal, id gateway.ID) error {
	return a.AddGatewayAt(ctx, p, id, "")
}

// AddGatewayAt is AddGateway that also attaches a channel to the gateway at
// addr. An empty addr keeps whatever channel is already registered.
func (a *Aggregator) AddGatewayAt(ctx context.Context, p access.Principal, id gateway.ID, addr string) error {
	if err := a.authorizer.Authorize(ctx, p, access.OpAddGateway); err != nil {
		return err
	}

	if addr != "" && !a.dispatcher.CanAttach() {
		return outbound.ErrNoChannelFactory
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.gateways.Add(id); err != nil {
		return err
	}

	if addr != "" {
		if err := a.dispatcher.Attach(id, addr); err != nil {
			return err
		}
	}

	a.gatewaysChanged()
	a.events.Publish(events.Event{Kind: events.GatewayAdded, Gateway: id.String(), Address: addr, Count: a.gateways.Len()})
	a.log.Info("gateway added", "gateway", id.Short(), "addr", addr, "gateways", a.gateways.Len())

	return nil
}

// RemoveGateway drops a gateway from the live set along with its channel.
// Contributions it already recorded are kept. Sends already in flight keep
// the channel they resolved.
func (a *Aggregator) RemoveGateway(ctx context.Context, p access.Principal, id gateway.ID) error {
	if err := a.authorizer.Authorize(ctx, p, access.OpRemoveGateway); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.gateways.Remove(id); err != nil {
		return err
	}

	a.dispatcher.RemoveChannel(id)

	a.gatewaysChanged()
	a.events.Publish(events.Event{Kind: events.GatewayRemoved, Gateway: id.String(), Count: a.gateways.Len()})
	a.log.Info("gateway removed", "gateway", id.Short(), "gateways", a.gateways.Len())

	return nil
}

// SetThreshold replaces the quorum threshold.
func (a *Aggregator) SetThreshold(ctx context.Context, p access.Principal, n int) error {
	if err := a.authorizer.Authorize(ctx, p, access.OpSetThreshold); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.gateways.Threshold()

	if err := a.gateways.SetThreshold(n); err != nil {
		return err
	}

	a.gatewaysChanged()
	a.events.Publish(events.Event{Kind: events.ThresholdChanged, Threshold: n, Count: a.gateways.Len()})
	a.log.Info("threshold changed", "from", old, "to", n)

	return nil
}

// RegisterRemote maps network to its counterpart aggregator address,
// replacing any previous mapping.
func (a *Aggregator) RegisterRemote(ctx context.Context, p access.Principal, network, address string) error {
	if err := a.authorizer.Authorize(ctx, p, access.OpRegisterRemote); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.remotes.Register(network, address); err != nil {
		return err
	}

	a.events.Publish(events.Event{Kind: events.RemoteRegistered, Network: network, Address: address})
	a.log.Info("remote registered", "remote", network, "address", address)

	return nil
}

// Pause stops Send, Receive and Retry until Unpause. Pausing twice is a no-op.
func (a *Aggregator) Pause(ctx context.Context, p access.Principal) error {
	if err := a.authorizer.Authorize(ctx, p, access.OpPause); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	changed, err := a.lifecycle.Pause()
	if err != nil {
		return err
	}

	if changed {
		a.metrics.Paused(true)
		a.events.Publish(events.Event{Kind: events.Paused})
		a.log.Info("system paused")
	}

	return nil
}

// Unpause resumes normal operation.
func (a *Aggregator) Unpause(ctx context.Context, p access.Principal) error {
	if err := a.authorizer.Authorize(ctx, p, access.OpUnpause); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	changed, err := a.lifecycle.Unpause()
	if err != nil {
		return err
	}

	if changed {
		a.metrics.Paused(false)
		a.events.Publish(events.Event{Kind: events.Unpaused})
		a.log.Info("system unpaused")
	}

	return nil
}

// Snapshot exports the durable state. The lock is held so the export is a
// consistent cut between state transitions.
func (a *Aggregator) Snapshot(ctx context.Context, p access.Principal) ([]byte, error) {
	if err := a.authorizer.Authorize(ctx, p, access.OpSnapshot); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := snapshot.Export(a.db)
	if err != nil {
		return nil, fmt.Errorf("export snapshot:\n%w", err)
	}

	a.log.Info("snapshot exported", "bytes", len(data))

	return data, nil
}

// gatewaysChanged refreshes the gateway gauges. Caller holds a.mu.
func (a *Aggregator) gatewaysChanged() {
	a.metrics.GatewaySet(a.gateways.Len(), a.gateways.Threshold())
}

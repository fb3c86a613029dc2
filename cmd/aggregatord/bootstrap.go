package main

import (
	"context"
	"errors"
	"fmt"

	"Confluence/internal/access"
	"Confluence/internal/aggregator"
	"Confluence/internal/config"
	"Confluence/internal/gateway"
	"Confluence/internal/remote"
	"Confluence/internal/storage"
)

// storeEmpty reports whether db holds no gateway or remote.
func storeEmpty(db *storage.Storage) (bool, error) {
	gateways, err := gateway.Load(db)
	if err != nil {
		return false, fmt.Errorf("load gateways:\n%w", err)
	}

	remotes, err := remote.Load(db)
	if err != nil {
		return false, fmt.Errorf("load remotes:\n%w", err)
	}

	return gateways.Len() == 0 && len(remotes.All()) == 0, nil
}

// applyBootstrap writes the file's gateways, threshold and remotes through the
// admin operations, as p. Durable state wins: nothing is applied once the
// aggregator has any gateway or remote.
func applyBootstrap(ctx context.Context, agg *aggregator.Aggregator, p access.Principal, file *config.Aggregator) (bool, error) {
	st := agg.Status()
	if len(st.Gateways) > 0 || len(st.Remotes) > 0 {
		return false, nil
	}

	if len(file.Gateways) == 0 && len(file.Remotes) == 0 {
		return false, nil
	}

	for _, id := range file.GatewayIDs() {
		if err := agg.AddGateway(ctx, p, id); err != nil {
			return false, fmt.Errorf("add gateway %s:\n%w", id.Short(), err)
		}
	}

	if file.Threshold > 0 {
		if err := agg.SetThreshold(ctx, p, file.Threshold); err != nil {
			return false, fmt.Errorf("set threshold:\n%w", err)
		}
	}

	for _, r := range file.Remotes {
		if err := agg.RegisterRemote(ctx, p, r.Network, r.Address); err != nil {
			return false, fmt.Errorf("register remote %s:\n%w", r.Network, err)
		}
	}

	return true, nil
}

// applyLoopback makes gateway id, an in-process channel into agg, part of
// the live set. The threshold is raised to 1 if unset and the local network
// is mapped to agg's own address unless already mapped. Safe to repeat.
func applyLoopback(ctx context.Context, agg *aggregator.Aggregator, p access.Principal, id gateway.ID) error {
	if err := agg.AddGateway(ctx, p, id); err != nil && !errors.Is(err, gateway.ErrAlreadyPresent) {
		return fmt.Errorf("add loopback gateway:\n%w", err)
	}

	st := agg.Status()

	if st.Threshold == 0 {
		if err := agg.SetThreshold(ctx, p, 1); err != nil {
			return fmt.Errorf("set threshold:\n%w", err)
		}
	}

	for _, r := range st.Remotes {
		if r.Network == st.Network {
			return nil
		}
	}

	if err := agg.RegisterRemote(ctx, p, st.Network, st.Address); err != nil {
		return fmt.Errorf("register local network:\n%w", err)
	}

	return nil
}

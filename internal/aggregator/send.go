package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Confluence/internal/events"
	"Confluence/internal/logger"
	"Confluence/internal/message"
	"Confluence/internal/outbound"
)

// Send wraps payload for receiver on network dst and fans it out to every
// gateway in the current set. caller is the application sender, carried
// inside the envelope.
//
// The gateway set and its channels are snapshotted under the lock; channel
// I/O runs after the lock is released, so a concurrent gateway change does
// not affect this send.
func (a *Aggregator) Send(ctx context.Context, caller, dst, receiver string, payload []byte, attrs [][]byte) (*outbound.Outbox, error) {
	if receiver == "" {
		return nil, ErrEmptyReceiver
	}

	req, routes, nonce, err := a.prepareSend(caller, dst, receiver, payload, attrs)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	out, err := a.dispatcher.DispatchRoutes(ctx, routes, req)
	if err != nil {
		a.reportDispatchFailure(dst, err)
		return nil, fmt.Errorf("dispatch to %s:\n%w", dst, err)
	}

	msg := message.Message{
		SourceNetwork: req.SourceNetwork,
		Sender:        req.Sender,
		Payload:       req.Payload,
		Attributes:    req.Attributes,
	}

	out.Nonce = nonce
	out.Receiver = receiver
	out.MessageID = msg.Fingerprint().ID()

	if err := a.outboxes.Save(out); err != nil {
		return nil, err
	}

	for _, f := range out.Failures {
		a.metrics.DispatchFailure(f.Gateway.String())
		a.events.Publish(events.Event{
			Kind:     events.DispatchFailed,
			Gateway:  f.Gateway.String(),
			OutboxID: out.ID.String(),
			Network:  dst,
			Error:    f.Err.Error(),
		})
	}

	a.metrics.Send()
	a.events.Publish(events.Event{
		Kind:      events.MessageDispatched,
		MessageID: out.MessageID,
		OutboxID:  out.ID.String(),
		Network:   dst,
		Address:   receiver,
		Count:     len(out.Entries),
	})

	a.log.Debug("message dispatched",
		"dst", dst,
		"receiver", receiver,
		"nonce", nonce,
		"accepted", len(out.Entries),
		"failed", len(out.Failures),
		logger.Timed(start),
	)

	return out, nil
}

// prepareSend validates a send against the current state and builds the
// channel request. It reserves a nonce only when the send can be dispatched.
func (a *Aggregator) prepareSend(caller, dst, receiver string, payload []byte, attrs [][]byte) (*outbound.Request, []outbound.Route, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle.Paused() {
		return nil, nil, 0, ErrSystemPaused
	}

	remoteAddr, err := a.remotes.Lookup(dst)
	if err != nil {
		return nil, nil, 0, err
	}

	members := a.gateways.Members()
	if len(members) == 0 {
		return nil, nil, 0, outbound.ErrNoGateways
	}

	nonce, err := a.outboxes.NextNonce()
	if err != nil {
		return nil, nil, 0, err
	}

	env := message.Envelope{
		Nonce:    nonce,
		Sender:   caller,
		Receiver: receiver,
		Payload:  payload,
	}

	req := &outbound.Request{
		SourceNetwork:      a.network,
		Sender:             a.address,
		DestinationNetwork: dst,
		Receiver:           remoteAddr,
		Payload:            env.Wrap(),
		Attributes:         message.CloneAttributes(attrs),
	}

	return req, a.dispatcher.Routes(members), nonce, nil
}

// reportDispatchFailure emits one DispatchFailed event per failed channel.
// Gateways cancelled because of another failure are only logged.
func (a *Aggregator) reportDispatchFailure(dst string, err error) {
	var de *outbound.DispatchError
	if !errors.As(err, &de) {
		a.events.Publish(events.Event{Kind: events.DispatchFailed, Network: dst, Error: err.Error()})
		return
	}

	for _, f := range de.Failures {
		a.metrics.DispatchFailure(f.Gateway.String())
		a.events.Publish(events.Event{
			Kind:    events.DispatchFailed,
			Gateway: f.Gateway.String(),
			Network: dst,
			Error:   f.Err.Error(),
		})
	}

	a.log.Warn("send aborted",
		"dst", dst,
		"policy", de.Policy,
		"accepted", len(de.Accepted),
		"failed", len(de.Failures),
		"cancelled", len(de.Canceled),
	)
}

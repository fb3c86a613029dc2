package aggregator

import (
	"context"
	"errors"
	"fmt"

	"Confluence/internal/events"
	"Confluence/internal/execution"
	"Confluence/internal/gateway"
	"Confluence/internal/inbound"
	"Confluence/internal/message"
)

// pending is an execution attempt committed under the lock and not yet settled.
type pending struct {
	fp       message.Fingerprint // fp is the message being executed
	receiver string              // receiver is the final receiver address from the envelope
	delivery *execution.Delivery // delivery is what the receiver is handed
}

// Receive records that gw delivered m and executes the message once the
// threshold is reached. messageID, when non-empty, must be the id of m.
//
// A receiver failure is not an error for the delivering gateway: the
// acknowledgement is still a success and the failure is published as an
// ExecutionFailed event. An invalid receiver return value aborts the call
// and retracts gw's contribution.
func (a *Aggregator) Receive(ctx context.Context, gw gateway.ID, messageID string, m *message.Message) (Ack, error) {
	ack, p, err := a.record(gw, messageID, m)
	if err != nil {
		a.metrics.Receipt("rejected")
		return 0, err
	}

	if p == nil {
		a.metrics.Receipt(ack.String())
		return ack, nil
	}

	ack, _, err = a.execute(ctx, p, &gw)
	if err != nil {
		a.metrics.Receipt("rejected")
		return 0, err
	}

	a.metrics.Receipt(ack.String())

	return ack, nil
}

// record is the first half of Receive: validation and accounting under the lock.
// It returns a pending attempt when this contribution reached quorum.
func (a *Aggregator) record(gw gateway.ID, messageID string, m *message.Message) (Ack, *pending, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle.Paused() {
		return 0, nil, ErrSystemPaused
	}

	fp := m.Fingerprint()

	if messageID != "" {
		claimed, err := message.ParseID(messageID)
		if err != nil || claimed != fp {
			return 0, nil, fmt.Errorf("%w: got %s, computed %s", ErrMessageIDMismatch, messageID, fp.ID())
		}
	}

	if !a.gateways.Contains(gw) {
		return 0, nil, fmt.Errorf("%w: %s", ErrUntrustedGateway, gw.Short())
	}

	if a.senderAuth {
		expected, err := a.remotes.Lookup(m.SourceNetwork)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrUnknownSender, err)
		}

		if expected != m.Sender {
			return 0, nil, fmt.Errorf("%w: %q is not the aggregator of %s", ErrUnknownSender, m.Sender, m.SourceNetwork)
		}
	}

	env, err := message.Unwrap(m.Payload)
	if err != nil {
		return 0, nil, err
	}

	t, err := a.trackers.GetOrCreate(fp, m)
	if err != nil {
		return 0, nil, err
	}

	if !t.Contribute(gw) {
		a.log.Debug("duplicate delivery", "message", fp.Short(), "gateway", gw.Short())

		if t.Status == inbound.StatusExecuted {
			return AckExecuted, nil, nil
		}

		return AckDuplicate, nil, nil
	}

	threshold := a.gateways.Threshold()

	a.events.Publish(events.Event{
		Kind:      events.ContributionRecorded,
		Gateway:   gw.String(),
		MessageID: fp.ID(),
		Network:   m.SourceNetwork,
		Threshold: threshold,
		Count:     t.Count(),
	})

	a.log.Debug("contribution recorded",
		"message", fp.Short(),
		"gateway", gw.Short(),
		"count", t.Count(),
		"threshold", threshold,
	)

	if t.Executed {
		if err := a.trackers.Put(t); err != nil {
			return 0, nil, err
		}

		if t.Status == inbound.StatusExecuted {
			return AckExecuted, nil, nil
		}

		return AckAccepted, nil, nil
	}

	if threshold == 0 || t.Count() < threshold {
		if err := a.trackers.Put(t); err != nil {
			return 0, nil, err
		}

		return AckAccepted, nil, nil
	}

	p, err := a.begin(t, env, threshold)
	if err != nil {
		return 0, nil, err
	}

	return 0, p, nil
}

// Retry re-attempts execution of a message that reached quorum and whose
// last execution failed.
func (a *Aggregator) Retry(ctx context.Context, fp message.Fingerprint) error {
	p, err := a.prepareRetry(fp)
	if err != nil {
		return err
	}

	_, res, err := a.execute(ctx, p, nil)
	if err != nil {
		return err
	}

	if res.Outcome == execution.Failed {
		return fmt.Errorf("%w: %v", ErrExecutionFailed, res.Err)
	}

	return nil
}

// prepareRetry checks that fp can be retried and commits the attempt.
func (a *Aggregator) prepareRetry(fp message.Fingerprint) (*pending, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle.Paused() {
		return nil, ErrSystemPaused
	}

	t, err := a.trackers.Get(fp)
	if errors.Is(err, inbound.ErrNotFound) {
		return nil, ErrUnknownMessage
	}

	if err != nil {
		return nil, err
	}

	if t.Executed {
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyExecuted, t.Status)
	}

	threshold := a.gateways.Threshold()
	if threshold == 0 || t.Count() < threshold {
		return nil, fmt.Errorf("%w: %d of %d", ErrQuorumNotReached, t.Count(), threshold)
	}

	env, err := message.Unwrap(t.Message.Payload)
	if err != nil {
		return nil, err
	}

	return a.begin(t, env, threshold)
}

// begin speculatively commits executed=true so that no concurrent call can
// start a second attempt while the receiver runs outside the lock.
func (a *Aggregator) begin(t *inbound.Tracker, env *message.Envelope, threshold int) (*pending, error) {
	if t.Status == inbound.StatusCollecting {
		a.events.Publish(events.Event{
			Kind:      events.QuorumReached,
			MessageID: t.Fingerprint.ID(),
			Network:   t.Message.SourceNetwork,
			Threshold: threshold,
			Count:     t.Count(),
		})

		a.log.Info("quorum reached",
			"message", t.Fingerprint.Short(),
			"count", t.Count(),
			"threshold", threshold,
		)
	}

	t.Executed = true
	t.Status = inbound.StatusReady
	t.Attempts++

	if err := a.trackers.Put(t); err != nil {
		return nil, err
	}

	return &pending{
		fp:       t.Fingerprint,
		receiver: env.Receiver,
		delivery: &execution.Delivery{
			MessageID:     t.Fingerprint.ID(),
			SourceNetwork: t.Message.SourceNetwork,
			Sender:        env.Sender,
			Payload:       env.Payload,
			Attributes:    message.CloneAttributes(t.Message.Attributes),
		},
	}, nil
}

// execute calls the receiver outside the lock and settles the outcome.
// caller is the gateway whose contribution triggered the attempt, nil for Retry.
// The receiver call is detached from ctx cancellation: once executed=true is
// committed the outcome must be recorded.
func (a *Aggregator) execute(ctx context.Context, p *pending, caller *gateway.ID) (Ack, execution.Result, error) {
	res := a.coordinator.Execute(context.WithoutCancel(ctx), p.receiver, p.delivery)
	a.metrics.Execution(res.Outcome.String(), res.Elapsed)

	ack, err := a.settle(p, caller, res)

	return ack, res, err
}

// settle applies an execution result to the stored tracker.
func (a *Aggregator) settle(p *pending, caller *gateway.ID, res execution.Result) (Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, err := a.trackers.Get(p.fp)
	if err != nil {
		return 0, fmt.Errorf("reload tracker after execution:\n%w", err)
	}

	ev := events.Event{
		MessageID: p.fp.ID(),
		Network:   t.Message.SourceNetwork,
		Address:   p.receiver,
		Count:     t.Count(),
	}

	switch res.Outcome {
	case execution.Succeeded:
		t.Status = inbound.StatusExecuted
		t.LastError = ""

		if a.signer != nil {
			t.Signature = a.signer.SignReceipt(p.fp)
		}

		if err := a.trackers.Put(t); err != nil {
			return 0, err
		}

		ev.Kind = events.ExecutionSuccess
		a.events.Publish(ev)
		a.log.Info("message executed", "message", p.fp.Short(), "receiver", p.receiver, "attempts", t.Attempts)

		return AckExecuted, nil

	case execution.InvalidReturn:
		t.Status = inbound.StatusFaulted
		t.LastError = res.Err.Error()

		if caller != nil {
			t.Retract(*caller)
		}

		if err := a.trackers.Put(t); err != nil {
			return 0, err
		}

		ev.Kind = events.InvalidExecutionReturnValue
		ev.Count = t.Count()
		ev.Error = res.Err.Error()
		a.events.Publish(ev)
		a.log.Error("receiver fault", "message", p.fp.Short(), "receiver", p.receiver, "error", res.Err)

		return 0, res.Err

	default:
		t.Executed = false
		t.Status = inbound.StatusExecutionFailed
		t.LastError = res.Err.Error()

		if err := a.trackers.Put(t); err != nil {
			return 0, err
		}

		ev.Kind = events.ExecutionFailed
		ev.Error = res.Err.Error()
		a.events.Publish(ev)
		a.log.Warn("execution failed", "message", p.fp.Short(), "receiver", p.receiver, "attempts", t.Attempts, "error", res.Err)

		return AckAccepted, nil
	}
}

// recoverInterrupted rolls back attempts left in flight by a crash. The
// receiver outcome was never recorded, so the message becomes retryable as
// if the attempt had failed.
func (a *Aggregator) recoverInterrupted() error {
	var stuck []*inbound.Tracker

	err := a.trackers.Iterate(func(t *inbound.Tracker) error {
		if t.Status == inbound.StatusReady {
			stuck = append(stuck, t)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan trackers:\n%w", err)
	}

	for _, t := range stuck {
		t.Executed = false
		t.Status = inbound.StatusExecutionFailed
		t.LastError = "execution interrupted"

		if err := a.trackers.Put(t); err != nil {
			return err
		}

		a.log.Warn("rolled back interrupted execution", "message", t.Fingerprint.Short())
	}

	return nil
}

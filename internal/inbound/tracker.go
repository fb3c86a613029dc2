package inbound

import (
	"time"

	"Confluence/internal/gateway"
	"Confluence/internal/message"
)

// Status is the lifecycle state of one message fingerprint.
type Status byte

const (
	// StatusUnseen is the state of a fingerprint with no stored tracker.
	StatusUnseen Status = iota
	// StatusCollecting awaits more contributions.
	StatusCollecting
	// StatusReady has quorum and an execution attempt in flight.
	StatusReady
	// StatusExecuted is terminal success.
	StatusExecuted
	// StatusExecutionFailed had quorum but the receiver failed; retryable.
	StatusExecutionFailed
	// StatusFaulted means the receiver returned an invalid value; never retried.
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusUnseen:
		return "unseen"
	case StatusCollecting:
		return "collecting"
	case StatusReady:
		return "ready"
	case StatusExecuted:
		return "executed"
	case StatusExecutionFailed:
		return "execution-failed"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Tracker is the receipt state of one message fingerprint.
// Count() always equals len(ReceivedBy) and a gateway appears at most once.
type Tracker struct {
	Fingerprint message.Fingerprint // Fingerprint is the aggregation key
	Message     *message.Message    // Message is the content as delivered (wrapped payload)
	ReceivedBy  []gateway.ID        // ReceivedBy lists contributing gateways in arrival order
	Executed    bool                // Executed is true once execution was committed
	Status      Status              // Status is the lifecycle state
	Attempts    uint32              // Attempts counts receiver invocations
	Signature   []byte              // Signature is the execution receipt, set on success
	LastError   string              // LastError is the last receiver failure
	UpdatedAt   time.Time           // UpdatedAt is the last change
}

// newTracker creates an empty tracker for a first receipt.
func newTracker(fp message.Fingerprint, m *message.Message) *Tracker {
	return &Tracker{
		Fingerprint: fp,
		Message:     m,
		Status:      StatusCollecting,
	}
}

// Count returns the number of distinct contributing gateways.
func (t *Tracker) Count() int {
	return len(t.ReceivedBy)
}

// HasContribution reports whether gw already vouched for this message.
func (t *Tracker) HasContribution(gw gateway.ID) bool {
	for _, id := range t.ReceivedBy {
		if id == gw {
			return true
		}
	}

	return false
}

// Contribute records gw. Returns false if it had already contributed.
func (t *Tracker) Contribute(gw gateway.ID) bool {
	if t.HasContribution(gw) {
		return false
	}

	t.ReceivedBy = append(t.ReceivedBy, gw)

	return true
}

// Retract removes the contribution of gw. Returns false if it had none.
func (t *Tracker) Retract(gw gateway.ID) bool {
	for i, id := range t.ReceivedBy {
		if id == gw {
			t.ReceivedBy = append(t.ReceivedBy[:i:i], t.ReceivedBy[i+1:]...)
			return true
		}
	}

	return false
}

// Clone returns a deep copy safe to hand out of the engine lock.
func (t *Tracker) Clone() *Tracker {
	c := *t
	c.ReceivedBy = append([]gateway.ID(nil), t.ReceivedBy...)
	c.Signature = append([]byte(nil), t.Signature...)

	if t.Message != nil {
		m := *t.Message
		m.Payload = append([]byte(nil), t.Message.Payload...)
		m.Attributes = message.CloneAttributes(t.Message.Attributes)
		c.Message = &m
	}

	return &c
}

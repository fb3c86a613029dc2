package channel

import (
	"context"
	"errors"
	"fmt"

	"Confluence/internal/gateway"
	"Confluence/internal/message"
	"Confluence/internal/outbound"
)

// ErrWrongDestination is returned when a request is not addressed to the local target.
var ErrWrongDestination = errors.New("request addressed to another aggregator")

// Local delivers straight into an aggregator in the same process. The
// tracking id is the message fingerprint.
type Local struct {
	id     gateway.ID
	target Target
}

// NewLocal creates an in-process channel registered as gateway id.
func NewLocal(id gateway.ID, target Target) *Local {
	return &Local{id: id, target: target}
}

// Gateway implements outbound.Channel.
func (l *Local) Gateway() gateway.ID {
	return l.id
}

// Send implements outbound.Channel.
func (l *Local) Send(ctx context.Context, req *outbound.Request) ([]byte, error) {
	if req.Receiver != l.target.Address() {
		return nil, fmt.Errorf("%w: %q", ErrWrongDestination, req.Receiver)
	}

	m := &message.Message{
		SourceNetwork: req.SourceNetwork,
		Sender:        req.Sender,
		Payload:       req.Payload,
		Attributes:    message.CloneAttributes(req.Attributes),
	}

	fp := m.Fingerprint()

	if _, err := l.target.Receive(ctx, l.id, fp.ID(), m); err != nil {
		return nil, err
	}

	return fp[:], nil
}

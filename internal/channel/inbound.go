package channel

import (
	"context"
	"errors"
	"fmt"

	"Confluence/internal/aggregator"
	"Confluence/internal/gateway"
	"Confluence/internal/logger"
	"Confluence/internal/message"
	"Confluence/internal/network"
)

// Target is the aggregator a channel delivers into.
type Target interface {
	Address() string
	Receive(ctx context.Context, gw gateway.ID, messageID string, m *message.Message) (aggregator.Ack, error)
}

// Inbound answers delivery frames on an aggregator node. The delivering
// gateway is identified by the TLS key of the connection.
type Inbound struct {
	target Target
}

// NewInbound creates the delivery handler for target.
func NewInbound(target Target) *Inbound {
	return &Inbound{target: target}
}

// Handle implements network.RequestHandler. Refusals are reported in the
// acknowledgement, not as transport errors. A paused aggregator asks the
// relay to retry later.
func (h *Inbound) Handle(ctx context.Context, p *network.Peer, data []byte) ([]byte, error) {
	body, err := splitFrame(data, kindDeliver)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.IDFromPublicKey(p.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("peer identity:\n%w", err)
	}

	id, m, err := message.DecodeDelivery(body)
	if err != nil {
		return encodeAck(0, fmt.Sprintf("%v: %v", ErrMalformedFrame, err)), nil
	}

	ack, err := h.target.Receive(ctx, gw, id, m)
	if errors.Is(err, aggregator.ErrSystemPaused) {
		return encodeAck(ackRetryLater, err.Error()), nil
	}

	if err != nil {
		logger.Debug("delivery refused", "gateway", gw.Short(), "message", id, "error", err)
		return encodeAck(0, err.Error()), nil
	}

	return encodeAck(byte(ack), ""), nil
}

package channel

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"Confluence/internal/gateway"
	"Confluence/internal/network"
	"Confluence/internal/outbound"
)

// QUIC is the outbound channel to one relay. The gateway id is the relay's
// ed25519 key, checked on every dial.
type QUIC struct {
	node *network.Node // node is the local QUIC endpoint
	id   gateway.ID    // id is the relay's key
	addr string        // addr is the relay's QUIC address
}

// NewQUIC creates a channel to the relay with key id listening on addr.
func NewQUIC(node *network.Node, id gateway.ID, addr string) *QUIC {
	return &QUIC{node: node, id: id, addr: addr}
}

// Gateway implements outbound.Channel.
func (q *QUIC) Gateway() gateway.ID {
	return q.id
}

// Send implements outbound.Channel. The relay answers once it has accepted
// the request, before forwarding it.
func (q *QUIC) Send(ctx context.Context, req *outbound.Request) ([]byte, error) {
	peer, err := q.node.PeerFor(ctx, ed25519.PublicKey(q.id[:]), q.addr)
	if err != nil {
		return nil, fmt.Errorf("connect relay %s:\n%w", q.id.Short(), err)
	}

	resp, err := peer.Request(ctx, encodeSend(req))
	if err != nil {
		return nil, fmt.Errorf("relay %s:\n%w", q.id.Short(), err)
	}

	return decodeSendResponse(resp)
}

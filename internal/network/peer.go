package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Confluence/internal/logger"
)

const (
	// defaultRequestTimeout is the default timeout for Request calls.
	defaultRequestTimeout = 30 * time.Second
)

// Peer represents a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	closed    atomic.Bool       // closed indicates if the peer is closed
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Load() {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data and waits for response via bidirectional stream.
// Uses the provided context for timeout/cancellation.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// serve accepts request streams until the connection ends.
func (p *Peer) serve(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("peer connection ended", "peer", p.address, "error", err)
			break
		}

		go p.handleStream(ctx, stream)
	}

	p.handleDisconnect()
}

// handleStream answers one request stream.
func (p *Peer) handleStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	response, err := p.node.callOnRequest(ctx, p, data)
	if err != nil {
		logger.Debug("request handler error", "peer", p.address, "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("stream write error", "peer", p.address, "error", err)
	}
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return // Already closed
	}

	p.conn.CloseWithError(0, "closed")
	p.node.handlePeerDisconnect(p)
}

package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Confluence/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "confluence/1"
)

var (
	// ErrPeerKeyMismatch is returned when a dialed peer presents an unexpected key.
	ErrPeerKeyMismatch = errors.New("peer key mismatch")

	// ErrPeerClosed is returned when using a closed peer.
	ErrPeerClosed = errors.New("peer is closed")
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
}

// RequestHandler answers one request from a peer.
type RequestHandler func(ctx context.Context, p *Peer, data []byte) ([]byte, error)

// Node accepts and initiates QUIC connections authenticated by ed25519 keys.
// A peer's identity is the public key of its self-signed certificate.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers map

	dialed   map[string]string // dialed maps public key hex to address, for reconnection
	dialedMu sync.RWMutex      // dialedMu protects dialed map

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	onConnect    func(*Peer)    // onConnect is called when a peer connects
	onDisconnect func(*Peer)    // onDisconnect is called when a peer disconnects
	onRequest    RequestHandler // onRequest handles bidirectional request/response
	handlersMu   sync.RWMutex   // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // the peer key is checked after the handshake
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[string]*Peer),
		dialed:         make(map[string]string),
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials addr. If want is non-nil the peer must present that key.
// Dialed peers are reconnected with backoff when the connection drops.
func (n *Node) Connect(ctx context.Context, addr string, want ed25519.PublicKey) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	if want != nil && !want.Equal(pubKey) {
		conn.CloseWithError(1, "unexpected key")
		return nil, fmt.Errorf("%w: %s presented %x", ErrPeerKeyMismatch, addr, pubKey[:4])
	}

	n.dialedMu.Lock()
	n.dialed[hex.EncodeToString(pubKey)] = addr
	n.dialedMu.Unlock()

	return n.setupPeer(conn, pubKey, addr), nil
}

// PeerFor returns the connected peer with key, dialing addr if needed.
func (n *Node) PeerFor(ctx context.Context, key ed25519.PublicKey, addr string) (*Peer, error) {
	if p := n.GetPeer(key); p != nil {
		return p, nil
	}

	return n.Connect(ctx, addr, key)
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer for the given public key, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pubkey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[keyHex]
}

// Forget stops reconnecting to a dialed peer and closes it.
func (n *Node) Forget(pubkey ed25519.PublicKey) {
	keyHex := hex.EncodeToString(pubkey)

	n.dialedMu.Lock()
	delete(n.dialed, keyHex)
	n.dialedMu.Unlock()

	if p := n.GetPeer(pubkey); p != nil {
		p.Close()
	}
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming bidirectional requests.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		logger.Debug("rejected connection", "addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.setupPeer(conn, pubKey, conn.RemoteAddr().String())
}

// setupPeer registers a Peer for an authenticated QUIC connection.
func (n *Node) setupPeer(conn *quic.Conn, pubKey ed25519.PublicKey, addr string) *Peer {
	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	keyHex := hex.EncodeToString(pubKey)

	n.peersMu.Lock()
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serve(n.ctx)
	}()

	n.callOnConnect(peer)

	return peer
}

// handlePeerDisconnect handles a peer disconnection.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer re-dials a previously dialed peer with exponential backoff.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay

	for {
		n.dialedMu.RLock()
		addr, ok := n.dialed[keyHex]
		n.dialedMu.RUnlock()

		if !ok {
			return // Only dialed peers are reconnected
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return // Already reconnected
		}

		want, _ := hex.DecodeString(keyHex)

		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		_, err := n.Connect(ctx, addr, want)
		cancel()

		if err == nil {
			logger.Debug("peer reconnected", "peer", keyHex[:8], "addr", addr)
			return
		}

		delay = delay * 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(ctx context.Context, p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(ctx, p, data)
}

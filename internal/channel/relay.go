package channel

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"Confluence/internal/aggregator"
	"Confluence/internal/logger"
	"Confluence/internal/message"
	"Confluence/internal/network"
)

const (
	defaultMaxAttempts    = 8
	defaultRetryDelay     = 500 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
	defaultWorkers        = 4
	defaultQueueSize      = 1024
	defaultForwardTimeout = 45 * time.Second
)

var (
	// ErrUnknownDestination is returned for a request to an aggregator with no configured endpoint.
	ErrUnknownDestination = errors.New("unknown destination aggregator")

	// ErrSenderMismatch is returned when the request sender is not the connected aggregator.
	ErrSenderMismatch = errors.New("sender is not the connected aggregator")

	// ErrQueueFull is returned when the relay cannot take more requests.
	ErrQueueFull = errors.New("relay queue full")
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	Endpoints      map[string]string // Endpoints maps aggregator address (key hex) to its QUIC address
	MaxAttempts    int               // MaxAttempts bounds forwards of one request
	RetryDelay     time.Duration     // RetryDelay is the initial delay between forwards, doubled each time
	Workers        int               // Workers is the number of concurrent forwarders
	QueueSize      int               // QueueSize bounds accepted requests not yet forwarded
	ReplayTTL      time.Duration     // ReplayTTL is how long accepted requests are remembered
	ForwardTimeout time.Duration     // ForwardTimeout bounds one forward, including execution on the destination
}

// RelayStats counts requests by outcome.
type RelayStats struct {
	Accepted  uint64 `json:"accepted"`
	Replayed  uint64 `json:"replayed"`
	Delivered uint64 `json:"delivered"`
	Rejected  uint64 `json:"rejected"`
	Failed    uint64 `json:"failed"`
}

// endpoint is a resolved destination aggregator.
type endpoint struct {
	key  ed25519.PublicKey
	addr string
}

// forward is one accepted request awaiting delivery.
type forward struct {
	trackingID []byte
	messageID  string
	dst        endpoint
	frame      []byte // frame is the encoded delivery
	request    []byte // request is the original send body, for the replay cache
}

// Relay is one gateway: it accepts send requests from aggregators, answers
// with a tracking id and forwards a delivery to the destination aggregator,
// retrying transport failures with backoff.
type Relay struct {
	node      *network.Node
	cfg       RelayConfig
	endpoints map[string]endpoint // endpoints maps aggregator address to its endpoint
	replay    *ReplayCache
	queue     chan forward
	seq       atomic.Uint64 // seq makes tracking ids unique across identical requests

	accepted  atomic.Uint64
	replayed  atomic.Uint64
	delivered atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewRelay creates a relay forwarding through node.
func NewRelay(node *network.Node, cfg RelayConfig) (*Relay, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = defaultForwardTimeout
	}

	endpoints := make(map[string]endpoint, len(cfg.Endpoints))
	for address, addr := range cfg.Endpoints {
		key, err := hex.DecodeString(address)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("endpoint %q: aggregator address must be a hex ed25519 key", address)
		}

		endpoints[address] = endpoint{key: key, addr: addr}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		node:      node,
		cfg:       cfg,
		endpoints: endpoints,
		replay:    NewReplayCache(cfg.ReplayTTL),
		queue:     make(chan forward, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.With("component", "relay"),
	}, nil
}

// Start launches the forwarders.
func (r *Relay) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Close stops the forwarders. Queued requests are dropped.
func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()
	r.replay.Close()
}

// Stats returns the request counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Accepted:  r.accepted.Load(),
		Replayed:  r.replayed.Load(),
		Delivered: r.delivered.Load(),
		Rejected:  r.rejected.Load(),
		Failed:    r.failed.Load(),
	}
}

// Handle implements network.RequestHandler for send frames.
func (r *Relay) Handle(_ context.Context, p *network.Peer, data []byte) ([]byte, error) {
	body, err := splitFrame(data, kindSend)
	if err != nil {
		return nil, err
	}

	req, err := decodeSend(body)
	if err != nil {
		return encodeSendResponse(nil, err.Error()), nil
	}

	if peerAddr := hex.EncodeToString(p.PublicKey()); req.Sender != peerAddr {
		return encodeSendResponse(nil, fmt.Sprintf("%v: %q", ErrSenderMismatch, req.Sender)), nil
	}

	dst, ok := r.endpoints[req.Receiver]
	if !ok {
		return encodeSendResponse(nil, fmt.Sprintf("%v: %q", ErrUnknownDestination, req.Receiver)), nil
	}

	trackingID, fresh := r.replay.Admit(body, func() []byte { return r.nextTrackingID(body) })
	if !fresh {
		r.replayed.Add(1)
		return encodeSendResponse(trackingID, ""), nil
	}

	m := &message.Message{
		SourceNetwork: req.SourceNetwork,
		Sender:        req.Sender,
		Payload:       req.Payload,
		Attributes:    req.Attributes,
	}
	messageID := m.Fingerprint().ID()

	f := forward{
		trackingID: trackingID,
		messageID:  messageID,
		dst:        dst,
		frame:      encodeDeliver(messageID, m),
		request:    body,
	}

	select {
	case r.queue <- f:
	default:
		r.replay.Forget(body)
		return encodeSendResponse(nil, ErrQueueFull.Error()), nil
	}

	r.accepted.Add(1)
	r.log.Debug("request accepted", "message", messageID, "src", req.SourceNetwork, "dst", req.DestinationNetwork)

	return encodeSendResponse(trackingID, ""), nil
}

// nextTrackingID is blake3(request || seq).
func (r *Relay) nextTrackingID(body []byte) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], r.seq.Add(1))

	h := blake3.New()
	h.Write(body)
	h.Write(seq[:])

	return h.Sum(nil)
}

// worker forwards queued requests until the relay closes.
func (r *Relay) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case f := <-r.queue:
			r.deliver(f)
		}
	}
}

// deliver forwards f, retrying transport failures with exponential backoff.
// A refusal from the destination is final.
func (r *Relay) deliver(f forward) {
	delay := r.cfg.RetryDelay

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		code, err := r.forwardOnce(f)
		if err == nil {
			r.delivered.Add(1)
			r.log.Debug("delivered", "message", f.messageID, "ack", aggregator.Ack(code), "attempt", attempt)
			return
		}

		var rejected *RejectedError
		if errors.As(err, &rejected) {
			r.rejected.Add(1)
			r.log.Warn("delivery refused", "message", f.messageID, "reason", rejected.Reason)
			return
		}

		r.log.Debug("forward failed", "message", f.messageID, "attempt", attempt, "error", err)

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = min(delay*2, maxRetryDelay)
	}

	r.failed.Add(1)
	r.replay.Forget(f.request)
	r.log.Warn("giving up delivery", "message", f.messageID, "attempts", r.cfg.MaxAttempts)
}

// forwardOnce performs one delivery attempt.
func (r *Relay) forwardOnce(f forward) (byte, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ForwardTimeout)
	defer cancel()

	peer, err := r.node.PeerFor(ctx, f.dst.key, f.dst.addr)
	if err != nil {
		return 0, err
	}

	resp, err := peer.Request(ctx, f.frame)
	if err != nil {
		return 0, err
	}

	return decodeAck(resp)
}

package execution

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// ErrUnknownReceiver is the failure when no receiver is registered at an address.
var ErrUnknownReceiver = errors.New("unknown receiver")

// AckSentinel is the value a receiver must return to acknowledge a message.
var AckSentinel = selector("executeMessage(string,string,string,bytes,bytes[])")

// selector returns the first 4 bytes of the blake3 digest of a signature string.
func selector(signature string) []byte {
	sum := blake3.Sum256([]byte(signature))
	return sum[:4]
}

// Delivery is what a final receiver is handed once quorum is reached.
type Delivery struct {
	MessageID     string   // MessageID is the canonical fingerprint id
	SourceNetwork string   // SourceNetwork is where the message came from
	Sender        string   // Sender is the application sender on the source network
	Payload       []byte   // Payload is the unwrapped application payload
	Attributes    [][]byte // Attributes are passed through from the source
}

// Receiver is the final message handler on this network.
// A successful call returns AckSentinel.
type Receiver interface {
	ExecuteMessage(ctx context.Context, d *Delivery) ([]byte, error)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, d *Delivery) ([]byte, error)

// ExecuteMessage calls f.
func (f ReceiverFunc) ExecuteMessage(ctx context.Context, d *Delivery) ([]byte, error) {
	return f(ctx, d)
}

// Resolver finds the receiver registered at an address.
type Resolver interface {
	Resolve(address string) (Receiver, bool)
}

// Router is an in-memory Resolver keyed by receiver address.
type Router struct {
	mu        sync.RWMutex
	receivers map[string]Receiver // receivers maps address to handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{receivers: make(map[string]Receiver)}
}

// Register binds a receiver to an address, replacing any previous one.
func (r *Router) Register(address string, rcv Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.receivers[address] = rcv
}

// Remove unbinds an address.
func (r *Router) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.receivers, address)
}

// Resolve implements Resolver.
func (r *Router) Resolve(address string) (Receiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rcv, ok := r.receivers[address]
	return rcv, ok
}

// Addresses returns the registered addresses, sorted.
func (r *Router) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make([]string, 0, len(r.receivers))
	for addr := range r.receivers {
		addrs = append(addrs, addr)
	}

	sort.Strings(addrs)

	return addrs
}

package outbound

import (
	"context"
	"fmt"
	"strings"

	"Confluence/internal/gateway"
)

// Request is what every channel receives for one send.
// Receiver is the remote aggregator address, Payload the wrapped envelope.
type Request struct {
	SourceNetwork      string   // SourceNetwork is the sending aggregator's network
	Sender             string   // Sender is the sending aggregator's address
	DestinationNetwork string   // DestinationNetwork is the target network id
	Receiver           string   // Receiver is the remote aggregator address
	Payload            []byte   // Payload is the wrapped envelope
	Attributes         [][]byte // Attributes are passed through unchanged
}

// Channel is one outbound delivery mechanism.
type Channel interface {
	// Gateway returns the id the channel is registered under.
	Gateway() gateway.ID

	// Send hands the request to the channel and returns its tracking id,
	// which may be empty for fire-and-forget channels.
	Send(ctx context.Context, req *Request) ([]byte, error)
}

// Policy selects what happens when a channel fails during fan-out.
type Policy int

const (
	// Strict aborts the send on the first channel failure.
	Strict Policy = iota

	// BestEffort dispatches to every channel and reports failures alongside the outbox.
	BestEffort
)

// ParsePolicy parses "strict" or "best-effort".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "best-effort", "besteffort":
		return BestEffort, nil
	default:
		return Strict, fmt.Errorf("unknown dispatch policy %q", s)
	}
}

func (p Policy) String() string {
	if p == BestEffort {
		return "best-effort"
	}

	return "strict"
}

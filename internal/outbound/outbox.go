package outbound

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"Confluence/internal/gateway"
)

// ErrInvalidOutboxID is returned when an outbox id cannot be parsed.
var ErrInvalidOutboxID = errors.New("invalid outbox id")

// OutboxID identifies one fan-out. The zero value means no channel returned a tracking id.
type OutboxID [32]byte

// String returns the 0x-prefixed hex form.
func (id OutboxID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// IsZero reports whether the id is the zero sentinel.
func (id OutboxID) IsZero() bool {
	return id == OutboxID{}
}

// ParseOutboxID parses the hex form produced by String.
func ParseOutboxID(s string) (OutboxID, error) {
	var id OutboxID

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: %q", ErrInvalidOutboxID, s)
	}

	copy(id[:], raw)

	return id, nil
}

// Entry is one channel that accepted the send.
type Entry struct {
	Gateway    gateway.ID `json:"gateway"`
	TrackingID []byte     `json:"trackingId,omitempty"`
}

// Failure is one channel that rejected the send.
type Failure struct {
	Gateway gateway.ID
	Err     error
}

// Outbox is the record of one send fanned out across the gateway set.
type Outbox struct {
	ID                 OutboxID  // ID is derived from the entries with a tracking id
	Nonce              uint64    // Nonce is the sequence number wrapped into the envelope
	DestinationNetwork string    // DestinationNetwork is the target network
	Receiver           string    // Receiver is the final receiver on the target network
	MessageID          string    // MessageID is the id the destination aggregator tracks the message under
	Entries            []Entry   // Entries are the accepting channels in gateway order
	Failures           []Failure // Failures is only set under BestEffort
	CreatedAt          time.Time // CreatedAt is the dispatch time
}

// computeID hashes the ordered (gateway, tracking id) pairs that carry a tracking id.
func computeID(entries []Entry) OutboxID {
	h := blake3.New()
	tracked := 0

	for _, e := range entries {
		if len(e.TrackingID) == 0 {
			continue
		}

		h.Write(e.Gateway[:])
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(e.TrackingID)))

		h.Write(length[:])
		h.Write(e.TrackingID)
		tracked++
	}

	var id OutboxID
	if tracked == 0 {
		return id
	}

	copy(id[:], h.Sum(nil))

	return id
}

package message

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// fingerprintDomain separates message fingerprints from every other blake3 use.
const fingerprintDomain = "confluence-message-v1"

// ErrInvalidID is returned when a message id string cannot be parsed.
var ErrInvalidID = errors.New("invalid message id")

// Fingerprint is the dedup and aggregation key of one logical message.
type Fingerprint [32]byte

// Message is the content a channel delivers to an aggregator.
type Message struct {
	SourceNetwork string   // SourceNetwork identifies the originating network
	Sender        string   // Sender is the source aggregator address as seen by the channel
	Payload       []byte   // Payload is the wrapped envelope
	Attributes    [][]byte // Attributes are opaque and ordered
}

// Fingerprint computes the canonical digest of the message.
// Every field is length-prefixed so distinct tuples never share an encoding.
func (m *Message) Fingerprint() Fingerprint {
	h := blake3.New()
	h.Write([]byte(fingerprintDomain))

	writeField(h, []byte(m.SourceNetwork))
	writeField(h, []byte(m.Sender))
	writeField(h, m.Payload)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(m.Attributes)))
	h.Write(count[:])

	for _, attr := range m.Attributes {
		writeField(h, attr)
	}

	var fp Fingerprint
	h.Sum(fp[:0])

	return fp
}

// writeField writes a 4-byte big-endian length followed by data.
func writeField(h *blake3.Hasher, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	h.Write(length[:])
	h.Write(data)
}

// ID returns the canonical string form of the fingerprint (the messageId).
func (fp Fingerprint) ID() string {
	return "0x" + hex.EncodeToString(fp[:])
}

// String implements fmt.Stringer.
func (fp Fingerprint) String() string {
	return fp.ID()
}

// Short returns the first 8 hex characters, for logs.
func (fp Fingerprint) Short() string {
	return hex.EncodeToString(fp[:4])
}

// ParseID parses a messageId, with or without the 0x prefix.
func ParseID(id string) (Fingerprint, error) {
	var fp Fingerprint

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(id), "0x"))
	if err != nil {
		return fp, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	if len(raw) != len(fp) {
		return fp, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidID, len(raw), len(fp))
	}

	copy(fp[:], raw)

	return fp, nil
}

// CloneAttributes deep-copies an attribute list.
func CloneAttributes(attrs [][]byte) [][]byte {
	if attrs == nil {
		return nil
	}

	out := make([][]byte, len(attrs))
	for i, a := range attrs {
		out[i] = append([]byte{}, a...)
	}

	return out
}

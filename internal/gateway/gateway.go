package gateway

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidID is returned when a gateway id cannot be parsed.
var ErrInvalidID = errors.New("invalid gateway id")

// ID identifies one delivery channel.
// For QUIC relays it is the relay's ed25519 public key.
type ID [32]byte

// IDFromPublicKey converts an ed25519 public key into a gateway id.
func IDFromPublicKey(pub ed25519.PublicKey) (ID, error) {
	var id ID

	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("%w: public key is %d bytes", ErrInvalidID, len(pub))
	}

	copy(id[:], pub)

	return id, nil
}

// ParseID parses a 64-character hex gateway id (optional 0x prefix).
func ParseID(s string) (ID, error) {
	var id ID

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	if len(raw) != len(id) {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidID, len(raw), len(id))
	}

	copy(id[:], raw)

	return id, nil
}

// String returns the full hex encoding.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText encodes the id as hex, so JSON carries the same form as String.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the hex form.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

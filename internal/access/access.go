// Package access decides who may run administrative operations.
package access

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// ErrUnauthorized is returned when a principal may not perform an operation.
var ErrUnauthorized = errors.New("unauthorized")

// Operation names an administrative action.
type Operation string

const (
	OpAddGateway     Operation = "gateway.add"
	OpRemoveGateway  Operation = "gateway.remove"
	OpSetThreshold   Operation = "threshold.set"
	OpRegisterRemote Operation = "remote.register"
	OpPause          Operation = "pause"
	OpUnpause        Operation = "unpause"
	OpSnapshot       Operation = "snapshot"
)

// Principal is the authenticated caller of an operation.
// A nil Key is the anonymous principal.
type Principal struct {
	Key ed25519.PublicKey
}

// Anonymous is the unauthenticated principal.
var Anonymous = Principal{}

// String returns a short form for logs.
func (p Principal) String() string {
	if len(p.Key) == 0 {
		return "anonymous"
	}

	return hex.EncodeToString(p.Key[:4])
}

// Authorizer decides whether a principal may perform an operation.
type Authorizer interface {
	Authorize(ctx context.Context, p Principal, op Operation) error
}

// AllowAll authorizes everything. Intended for tests and local development.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, Principal, Operation) error {
	return nil
}

// Owner authorizes a single ed25519 key for every operation.
type Owner struct {
	key ed25519.PublicKey // key is the owner's public key
}

// NewOwner creates an owner policy for key.
func NewOwner(key ed25519.PublicKey) (*Owner, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("owner key is %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}

	return &Owner{key: append(ed25519.PublicKey{}, key...)}, nil
}

// Key returns the owner's public key.
func (o *Owner) Key() ed25519.PublicKey {
	return o.key
}

// Authorize implements Authorizer.
func (o *Owner) Authorize(_ context.Context, p Principal, op Operation) error {
	if !bytes.Equal(p.Key, o.key) {
		return fmt.Errorf("%w: %s may not %s", ErrUnauthorized, p, op)
	}

	return nil
}

// AnyOf authorizes a principal accepted by at least one policy.
type AnyOf []Authorizer

// Authorize implements Authorizer. It returns the last refusal when every policy refuses.
func (a AnyOf) Authorize(ctx context.Context, p Principal, op Operation) error {
	err := fmt.Errorf("%w: no policy configured", ErrUnauthorized)

	for _, policy := range a {
		if err = policy.Authorize(ctx, p, op); err == nil {
			return nil
		}
	}

	return err
}

// Request signing headers for administrative HTTP calls.
const (
	HeaderKey       = "X-Confluence-Key"
	HeaderTimestamp = "X-Confluence-Timestamp"
	HeaderSignature = "X-Confluence-Signature"
)

// MaxSkew is the accepted clock difference for signed requests.
const MaxSkew = 2 * time.Minute

// SignRequest signs an administrative request.
func SignRequest(priv ed25519.PrivateKey, method, path string, ts time.Time, body []byte) []byte {
	return ed25519.Sign(priv, requestDigest(method, path, ts.Unix(), body))
}

// VerifyRequest checks the signing headers of a request and returns the principal.
// Missing headers yield the anonymous principal with no error.
func VerifyRequest(method, path, keyHex, tsStr, sigHex string, body []byte, now time.Time) (Principal, error) {
	if keyHex == "" && sigHex == "" {
		return Anonymous, nil
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return Anonymous, fmt.Errorf("%w: malformed key", ErrUnauthorized)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Anonymous, fmt.Errorf("%w: malformed signature", ErrUnauthorized)
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Anonymous, fmt.Errorf("%w: malformed timestamp", ErrUnauthorized)
	}

	if skew := now.Sub(time.Unix(ts, 0)); skew > MaxSkew || skew < -MaxSkew {
		return Anonymous, fmt.Errorf("%w: timestamp outside window", ErrUnauthorized)
	}

	if !ed25519.Verify(key, requestDigest(method, path, ts, body), sig) {
		return Anonymous, fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}

	return Principal{Key: key}, nil
}

// requestDigest binds method, path, timestamp and body hash.
func requestDigest(method, path string, ts int64, body []byte) []byte {
	bodyHash := blake3.Sum256(body)

	h := blake3.New()
	fmt.Fprintf(h, "%s\n%s\n%d\n", method, path, ts)
	h.Write(bodyHash[:])

	return h.Sum(nil)
}

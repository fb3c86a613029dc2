// Package attest signs execution receipts with a BLS12-381 key bound to the
// node's ed25519 identity.
package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96
)

// ErrShortSeed is returned for key seeds under 32 bytes.
var ErrShortSeed = errors.New("seed must be at least 32 bytes")

// dst is the domain separation tag for receipt signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// receiptTag prefixes every signed receipt digest.
var receiptTag = []byte("confluence-receipt")

// Signer holds a BLS private/public key pair.
type Signer struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// DeriveFromED25519 derives a deterministic signer from an ed25519 private key
// via BLAKE3("confluence-bls-keygen" || seed).
func DeriveFromED25519(priv ed25519.PrivateKey) (*Signer, error) {
	h := blake3.New()
	h.Write([]byte("confluence-bls-keygen"))
	h.Write(priv.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return FromSeed(derived[:])
}

// Generate creates a signer from a random seed.
func Generate() (*Signer, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return FromSeed(ikm[:])
}

// FromSeed creates a signer from a deterministic seed of at least 32 bytes.
func FromSeed(seed []byte) (*Signer, error) {
	if len(seed) < 32 {
		return nil, ErrShortSeed
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &Signer{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// PublicKey returns the compressed public key.
func (s *Signer) PublicKey() []byte {
	return s.public.Compress()
}

// SignReceipt signs the execution receipt of a message fingerprint.
func (s *Signer) SignReceipt(fingerprint [32]byte) []byte {
	return new(blst.P2Affine).Sign(s.secret, receiptDigest(fingerprint), dst).Compress()
}

// VerifyReceipt checks a receipt signature for fingerprint under publicKey.
func VerifyReceipt(signature []byte, fingerprint [32]byte, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, receiptDigest(fingerprint), dst)
}

// receiptDigest is BLAKE3(receiptTag || fingerprint).
func receiptDigest(fingerprint [32]byte) []byte {
	h := blake3.New()
	h.Write(receiptTag)
	h.Write(fingerprint[:])

	return h.Sum(nil)
}

package access

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestOwner_Authorize(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	other, _, _ := ed25519.GenerateKey(nil)

	owner, err := NewOwner(pub)
	if err != nil {
		t.Fatalf("new owner: %v", err)
	}

	if err := owner.Authorize(context.Background(), Principal{Key: pub}, OpPause); err != nil {
		t.Errorf("owner rejected: %v", err)
	}

	if err := owner.Authorize(context.Background(), Principal{Key: other}, OpPause); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for other key, got %v", err)
	}

	if err := owner.Authorize(context.Background(), Anonymous, OpAddGateway); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for anonymous, got %v", err)
	}
}

func TestNewOwner_BadKey(t *testing.T) {
	if _, err := NewOwner([]byte{1, 2}); err == nil {
		t.Error("expected error for short key")
	}
}

func TestSignVerifyRequest(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	body := []byte(`{"threshold":2}`)

	sig := SignRequest(priv, "PUT", "/admin/threshold", now, body)
	keyHex := hex.EncodeToString(pub)
	ts := strconv.FormatInt(now.Unix(), 10)

	p, err := VerifyRequest("PUT", "/admin/threshold", keyHex, ts, hex.EncodeToString(sig), body, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if !pub.Equal(p.Key) {
		t.Error("principal key mismatch")
	}

	if _, err := VerifyRequest("PUT", "/admin/threshold", keyHex, ts, hex.EncodeToString(sig), []byte(`{"threshold":1}`), now); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("tampered body: expected ErrUnauthorized, got %v", err)
	}

	if _, err := VerifyRequest("PUT", "/admin/pause", keyHex, ts, hex.EncodeToString(sig), body, now); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("other path: expected ErrUnauthorized, got %v", err)
	}

	if _, err := VerifyRequest("PUT", "/admin/threshold", keyHex, ts, hex.EncodeToString(sig), body, now.Add(10*time.Minute)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stale timestamp: expected ErrUnauthorized, got %v", err)
	}
}

func TestVerifyRequest_NoHeaders(t *testing.T) {
	p, err := VerifyRequest("POST", "/admin/pause", "", "", "", nil, time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if len(p.Key) != 0 {
		t.Error("expected anonymous principal")
	}
}

func TestAnyOf_Authorize(t *testing.T) {
	a, _, _ := ed25519.GenerateKey(nil)
	b, _, _ := ed25519.GenerateKey(nil)
	c, _, _ := ed25519.GenerateKey(nil)

	ownerA, _ := NewOwner(a)
	ownerB, _ := NewOwner(b)
	policy := AnyOf{ownerA, ownerB}

	for _, key := range []ed25519.PublicKey{a, b} {
		if err := policy.Authorize(context.Background(), Principal{Key: key}, OpSetThreshold); err != nil {
			t.Errorf("expected %s to be authorized: %v", Principal{Key: key}, err)
		}
	}

	if err := policy.Authorize(context.Background(), Principal{Key: c}, OpSetThreshold); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if err := (AnyOf{}).Authorize(context.Background(), Principal{Key: a}, OpPause); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty policy must refuse, got %v", err)
	}
}

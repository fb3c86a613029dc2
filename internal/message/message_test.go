package message

import (
	"bytes"
	"errors"
	"testing"
)

func testMessage() *Message {
	return &Message{
		SourceNetwork: "eip155:1",
		Sender:        "0xaggregator",
		Payload:       []byte("wrapped"),
		Attributes:    [][]byte{[]byte("gas=100")},
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := testMessage()
	b := testMessage()

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical messages produced different fingerprints")
	}
}

func TestFingerprint_FieldBoundaries(t *testing.T) {
	base := &Message{SourceNetwork: "ab", Sender: "c", Payload: []byte("p")}
	shifted := &Message{SourceNetwork: "a", Sender: "bc", Payload: []byte("p")}

	if base.Fingerprint() == shifted.Fingerprint() {
		t.Error("shifting bytes between fields must change the fingerprint")
	}

	oneAttr := &Message{SourceNetwork: "a", Attributes: [][]byte{[]byte("xy")}}
	twoAttrs := &Message{SourceNetwork: "a", Attributes: [][]byte{[]byte("x"), []byte("y")}}

	if oneAttr.Fingerprint() == twoAttrs.Fingerprint() {
		t.Error("splitting an attribute must change the fingerprint")
	}
}

func TestFingerprint_EveryFieldCounts(t *testing.T) {
	base := testMessage().Fingerprint()

	mutations := map[string]func(m *Message){
		"source":     func(m *Message) { m.SourceNetwork = "eip155:10" },
		"sender":     func(m *Message) { m.Sender = "0xother" },
		"payload":    func(m *Message) { m.Payload = []byte("wrapped!") },
		"attributes": func(m *Message) { m.Attributes = nil },
	}

	for name, mutate := range mutations {
		m := testMessage()
		mutate(m)

		if m.Fingerprint() == base {
			t.Errorf("changing %s did not change the fingerprint", name)
		}
	}
}

func TestParseID(t *testing.T) {
	fp := testMessage().Fingerprint()

	got, err := ParseID(fp.ID())
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}

	if got != fp {
		t.Error("ParseID did not return the original fingerprint")
	}

	if _, err := ParseID("0x1234"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("short id: got %v, want ErrInvalidID", err)
	}

	if _, err := ParseID("zz"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("non-hex id: got %v, want ErrInvalidID", err)
	}
}

func TestEnvelope_WrapUnwrap(t *testing.T) {
	env := &Envelope{Nonce: 7, Sender: "alice", Receiver: "bob", Payload: []byte("hello")}

	got, err := Unwrap(env.Wrap())
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}

	if got.Nonce != 7 || got.Sender != "alice" || got.Receiver != "bob" || !bytes.Equal(got.Payload, []byte("hello")) {
		t.Errorf("unexpected envelope: %+v", got)
	}
}

func TestEnvelope_NonceSeparatesIdenticalSends(t *testing.T) {
	a := (&Envelope{Nonce: 1, Receiver: "bob", Payload: []byte("x")}).Wrap()
	b := (&Envelope{Nonce: 2, Receiver: "bob", Payload: []byte("x")}).Wrap()

	ma := &Message{SourceNetwork: "n", Sender: "s", Payload: a}
	mb := &Message{SourceNetwork: "n", Sender: "s", Payload: b}

	if ma.Fingerprint() == mb.Fingerprint() {
		t.Error("distinct nonces must yield distinct fingerprints")
	}
}

func TestUnwrap_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":    nil,
		"short":    {1, 2, 3},
		"garbage":  bytes.Repeat([]byte{0xff}, 32),
		"noTarget": (&Envelope{Sender: "alice"}).Wrap(),
	}

	for name, data := range cases {
		if _, err := Unwrap(data); !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("%s: got %v, want ErrMalformedEnvelope", name, err)
		}
	}
}

func TestDelivery_RoundTrip(t *testing.T) {
	m := testMessage()
	id := m.Fingerprint().ID()

	gotID, got, err := DecodeDelivery(EncodeDelivery(id, m))
	if err != nil {
		t.Fatalf("DecodeDelivery: %v", err)
	}

	if gotID != id {
		t.Errorf("id = %s, want %s", gotID, id)
	}

	if got.Fingerprint() != m.Fingerprint() {
		t.Error("decoded delivery fingerprints differently")
	}
}

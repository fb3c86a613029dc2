package inbound

import (
	"errors"
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"Confluence/internal/gateway"
	"Confluence/internal/message"
	"Confluence/internal/storage"
	"Confluence/internal/types"
)

// ErrNotFound is returned when no tracker exists for a fingerprint.
var ErrNotFound = errors.New("tracker not found")

// prefixTracker is r:<fingerprint> -> Receipt table.
var prefixTracker = []byte("r:")

// Store persists receipt trackers. Trackers are never deleted.
type Store struct {
	db *storage.Storage // db is the underlying Pebble storage
}

// NewStore creates a tracker store backed by the given storage.
func NewStore(db *storage.Storage) *Store {
	return &Store{db: db}
}

// Get loads the tracker for fp.
func (s *Store) Get(fp message.Fingerprint) (*Tracker, error) {
	data, err := s.db.Get(trackerKey(fp))
	if err != nil {
		return nil, fmt.Errorf("read tracker %s:\n%w", fp.Short(), err)
	}

	if data == nil {
		return nil, ErrNotFound
	}

	t, err := decodeTracker(data)
	if err != nil {
		return nil, fmt.Errorf("tracker %s:\n%w", fp.Short(), err)
	}

	t.Fingerprint = fp

	return t, nil
}

// GetOrCreate loads the tracker for fp, or returns a new unsaved one holding m.
func (s *Store) GetOrCreate(fp message.Fingerprint, m *message.Message) (*Tracker, error) {
	t, err := s.Get(fp)
	if errors.Is(err, ErrNotFound) {
		return newTracker(fp, m), nil
	}

	return t, err
}

// Put persists a tracker.
func (s *Store) Put(t *Tracker) error {
	t.UpdatedAt = time.Now()

	if err := s.db.Set(trackerKey(t.Fingerprint), encodeTracker(t)); err != nil {
		return fmt.Errorf("persist tracker %s:\n%w", t.Fingerprint.Short(), err)
	}

	return nil
}

// Iterate calls fn for every stored tracker.
func (s *Store) Iterate(fn func(*Tracker) error) error {
	return s.db.IteratePrefix(prefixTracker, func(key, value []byte) error {
		t, err := decodeTracker(value)
		if err != nil {
			return fmt.Errorf("tracker %x:\n%w", key[len(prefixTracker):], err)
		}

		copy(t.Fingerprint[:], key[len(prefixTracker):])

		return fn(t)
	})
}

func trackerKey(fp message.Fingerprint) []byte {
	key := make([]byte, 0, len(prefixTracker)+len(fp))
	key = append(key, prefixTracker...)

	return append(key, fp[:]...)
}

// encodeTracker serializes a tracker as a FlatBuffers Receipt table.
func encodeTracker(t *Tracker) []byte {
	m := t.Message
	if m == nil {
		m = &message.Message{}
	}

	builder := flatbuffers.NewBuilder(256 + len(m.Payload))

	received := make([]byte, 0, len(t.ReceivedBy)*len(gateway.ID{}))
	for _, id := range t.ReceivedBy {
		received = append(received, id[:]...)
	}

	receivedOff := builder.CreateByteVector(received)
	sourceOff := builder.CreateString(m.SourceNetwork)
	senderOff := builder.CreateString(m.Sender)
	payloadOff := builder.CreateByteVector(m.Payload)
	attrsOff := message.BuildAttributes(builder, m.Attributes, types.ReceiptStartAttributesVector)
	sigOff := builder.CreateByteVector(t.Signature)
	errOff := builder.CreateString(t.LastError)

	types.ReceiptStart(builder)
	types.ReceiptAddReceivedBy(builder, receivedOff)
	types.ReceiptAddExecuted(builder, t.Executed)
	types.ReceiptAddStatus(builder, byte(t.Status))
	types.ReceiptAddAttempts(builder, t.Attempts)
	types.ReceiptAddSourceNetwork(builder, sourceOff)
	types.ReceiptAddSender(builder, senderOff)
	types.ReceiptAddPayload(builder, payloadOff)
	types.ReceiptAddAttributes(builder, attrsOff)
	types.ReceiptAddSignature(builder, sigOff)
	types.ReceiptAddLastError(builder, errOff)
	types.ReceiptAddUpdatedAt(builder, t.UpdatedAt.UnixMilli())
	builder.Finish(types.ReceiptEnd(builder))

	return builder.FinishedBytes()
}

// decodeTracker parses a stored Receipt table. The fingerprint is taken from the key.
func decodeTracker(data []byte) (*Tracker, error) {
	var (
		t       *Tracker
		corrupt error
	)

	err := message.Decode(data, func() {
		fb := types.GetRootAsReceipt(data, 0)

		received := fb.ReceivedByBytes()
		if len(received)%len(gateway.ID{}) != 0 {
			corrupt = fmt.Errorf("received_by is %d bytes", len(received))
			return
		}

		t = &Tracker{
			Executed:  fb.Executed(),
			Status:    Status(fb.Status()),
			Attempts:  fb.Attempts(),
			LastError: string(fb.LastError()),
			UpdatedAt: time.UnixMilli(fb.UpdatedAt()),
			Message: &message.Message{
				SourceNetwork: string(fb.SourceNetwork()),
				Sender:        string(fb.Sender()),
				Payload:       append([]byte{}, fb.PayloadBytes()...),
				Attributes:    message.ReadAttributes(fb.AttributesLength(), fb.Attributes),
			},
		}

		if sig := fb.SignatureBytes(); len(sig) > 0 {
			t.Signature = append([]byte{}, sig...)
		}

		for i := 0; i < len(received); i += len(gateway.ID{}) {
			var id gateway.ID
			copy(id[:], received[i:i+len(id)])
			t.ReceivedBy = append(t.ReceivedBy, id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decode tracker:\n%w", err)
	}

	if corrupt != nil {
		return nil, fmt.Errorf("decode tracker:\n%w", corrupt)
	}

	return t, nil
}

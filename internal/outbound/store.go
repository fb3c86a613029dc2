package outbound

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"Confluence/internal/message"
	"Confluence/internal/storage"
	"Confluence/internal/types"
)

// ErrOutboxNotFound is returned when no outbox is stored under an id.
var ErrOutboxNotFound = errors.New("outbox not found")

// Storage keys for outbound state.
var (
	prefixOutbox = []byte("o:")      // o:<id> -> Outbox table
	keyNonce     = []byte("o:nonce") // o:nonce -> uint64 big-endian, last used nonce
)

// Store persists outbox records and the outbound nonce sequence.
type Store struct {
	mu sync.Mutex
	db *storage.Storage
}

// NewStore creates a store on top of db.
func NewStore(db *storage.Storage) *Store {
	return &Store{db: db}
}

// NextNonce reserves and persists the next outbound sequence number.
// The first nonce is 1.
func (s *Store) NextNonce() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.db.Get(keyNonce)
	if err != nil {
		return 0, fmt.Errorf("read nonce:\n%w", err)
	}

	var last uint64
	if len(data) == 8 {
		last = binary.BigEndian.Uint64(data)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], last+1)

	if err := s.db.Set(keyNonce, buf[:]); err != nil {
		return 0, fmt.Errorf("persist nonce:\n%w", err)
	}

	return last + 1, nil
}

// Save stores an outbox under its id. Zero ids are not stored.
func (s *Store) Save(o *Outbox) error {
	if o.ID.IsZero() {
		return nil
	}

	if err := s.db.Set(outboxKey(o.ID), encodeOutbox(o)); err != nil {
		return fmt.Errorf("persist outbox %s:\n%w", o.ID, err)
	}

	return nil
}

// Get loads an outbox by id.
func (s *Store) Get(id OutboxID) (*Outbox, error) {
	data, err := s.db.Get(outboxKey(id))
	if err != nil {
		return nil, fmt.Errorf("read outbox:\n%w", err)
	}

	if data == nil {
		return nil, ErrOutboxNotFound
	}

	return decodeOutbox(data)
}

func outboxKey(id OutboxID) []byte {
	key := make([]byte, 0, len(prefixOutbox)+len(id))
	key = append(key, prefixOutbox...)

	return append(key, id[:]...)
}

// encodeOutbox serializes an outbox as a FlatBuffers Outbox table.
// Failures are transient and not stored.
func encodeOutbox(o *Outbox) []byte {
	builder := flatbuffers.NewBuilder(256)

	entryOffsets := make([]flatbuffers.UOffsetT, len(o.Entries))
	for i, e := range o.Entries {
		gwOff := builder.CreateByteVector(e.Gateway[:])
		trackOff := builder.CreateByteVector(e.TrackingID)

		types.OutboxEntryStart(builder)
		types.OutboxEntryAddGateway(builder, gwOff)
		types.OutboxEntryAddTrackingId(builder, trackOff)
		entryOffsets[i] = types.OutboxEntryEnd(builder)
	}

	types.OutboxStartEntriesVector(builder, len(entryOffsets))
	for i := len(entryOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(entryOffsets[i])
	}
	entriesOff := builder.EndVector(len(entryOffsets))

	idOff := builder.CreateByteVector(o.ID[:])
	dstOff := builder.CreateString(o.DestinationNetwork)
	rcvOff := builder.CreateString(o.Receiver)
	msgOff := builder.CreateByteVector([]byte(o.MessageID))

	types.OutboxStart(builder)
	types.OutboxAddId(builder, idOff)
	types.OutboxAddNonce(builder, o.Nonce)
	types.OutboxAddDestinationNetwork(builder, dstOff)
	types.OutboxAddReceiver(builder, rcvOff)
	types.OutboxAddEntries(builder, entriesOff)
	types.OutboxAddCreatedAt(builder, o.CreatedAt.UnixMilli())
	types.OutboxAddMessageId(builder, msgOff)
	builder.Finish(types.OutboxEnd(builder))

	return builder.FinishedBytes()
}

// decodeOutbox parses a stored Outbox table.
func decodeOutbox(data []byte) (*Outbox, error) {
	var o *Outbox

	err := message.Decode(data, func() {
		fb := types.GetRootAsOutbox(data, 0)

		o = &Outbox{
			Nonce:              fb.Nonce(),
			DestinationNetwork: string(fb.DestinationNetwork()),
			Receiver:           string(fb.Receiver()),
			MessageID:          string(fb.MessageIdBytes()),
			CreatedAt:          time.UnixMilli(fb.CreatedAt()),
		}
		copy(o.ID[:], fb.IdBytes())

		var entry types.OutboxEntry
		for i := 0; i < fb.EntriesLength(); i++ {
			if !fb.Entries(&entry, i) {
				break
			}

			var e Entry
			copy(e.Gateway[:], entry.GatewayBytes())
			if tid := entry.TrackingIdBytes(); len(tid) > 0 {
				e.TrackingID = append([]byte{}, tid...)
			}

			o.Entries = append(o.Entries, e)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decode outbox:\n%w", err)
	}

	return o, nil
}

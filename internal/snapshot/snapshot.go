// Package snapshot exports and imports the durable aggregation state.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Confluence/internal/message"
	"Confluence/internal/storage"
	"Confluence/internal/types"
)

// version is the current snapshot format version.
const version = 1

var (
	// ErrVersion is returned for a snapshot written by an unknown format version.
	ErrVersion = errors.New("unsupported snapshot version")

	// ErrChecksum is returned when the entries do not match the stored checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")
)

// prefixes are the storage namespaces carried by a snapshot: gateway set,
// remotes, receipt trackers, lifecycle and outbox (including the nonce).
var prefixes = [][]byte{
	[]byte("g:"),
	[]byte("x:"),
	[]byte("r:"),
	[]byte("l:"),
	[]byte("o:"),
}

// entry is one key/value pair.
type entry struct {
	key   []byte
	value []byte
}

// Info describes an imported snapshot.
type Info struct {
	Version   uint32    // Version is the format version
	CreatedAt time.Time // CreatedAt is the export time
	Entries   int       // Entries is the number of pairs written
}

// Export returns a zstd-compressed snapshot of every aggregation key in db.
func Export(db *storage.Storage) ([]byte, error) {
	entries, err := collect(db)
	if err != nil {
		return nil, fmt.Errorf("collect entries:\n%w", err)
	}

	data := build(entries, time.Now())

	return compress(data)
}

// Import verifies a snapshot produced by Export and writes its pairs to db in one batch.
func Import(db *storage.Storage, compressed []byte) (Info, error) {
	data, err := decompress(compressed)
	if err != nil {
		return Info{}, fmt.Errorf("decompress:\n%w", err)
	}

	var (
		info    Info
		entries []entry
		sum     []byte
	)

	err = message.Decode(data, func() {
		fb := types.GetRootAsSnapshot(data, 0)

		info.Version = fb.Version()
		info.CreatedAt = time.UnixMilli(fb.CreatedAt())
		sum = append([]byte{}, fb.ChecksumBytes()...)

		var e types.SnapshotEntry
		for i := 0; i < fb.EntriesLength(); i++ {
			if !fb.Entries(&e, i) {
				break
			}

			entries = append(entries, entry{
				key:   append([]byte{}, e.KeyBytes()...),
				value: append([]byte{}, e.ValueBytes()...),
			})
		}
	})
	if err != nil {
		return Info{}, fmt.Errorf("decode snapshot:\n%w", err)
	}

	if info.Version != version {
		return Info{}, fmt.Errorf("%w: %d", ErrVersion, info.Version)
	}

	computed := checksum(info.Version, entries)
	if !bytes.Equal(computed[:], sum) {
		return Info{}, ErrChecksum
	}

	batch := storage.NewBatch()
	for _, e := range entries {
		batch.Set(e.key, e.value)
	}

	if err := db.Apply(batch); err != nil {
		return Info{}, fmt.Errorf("write entries:\n%w", err)
	}

	info.Entries = len(entries)

	return info, nil
}

// collect reads every key under the snapshot prefixes, sorted by key.
func collect(db *storage.Storage) ([]entry, error) {
	var entries []entry

	for _, prefix := range prefixes {
		err := db.IteratePrefix(prefix, func(key, value []byte) error {
			entries = append(entries, entry{
				key:   append([]byte{}, key...),
				value: append([]byte{}, value...),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})

	return entries, nil
}

// build encodes sorted entries as a Snapshot table.
func build(entries []entry, createdAt time.Time) []byte {
	builder := flatbuffers.NewBuilder(1024)

	offsets := make([]flatbuffers.UOffsetT, len(entries))
	for i, e := range entries {
		keyOff := builder.CreateByteVector(e.key)
		valueOff := builder.CreateByteVector(e.value)

		types.SnapshotEntryStart(builder)
		types.SnapshotEntryAddKey(builder, keyOff)
		types.SnapshotEntryAddValue(builder, valueOff)
		offsets[i] = types.SnapshotEntryEnd(builder)
	}

	types.SnapshotStartEntriesVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	entriesOff := builder.EndVector(len(offsets))

	sum := checksum(version, entries)
	sumOff := builder.CreateByteVector(sum[:])

	types.SnapshotStart(builder)
	types.SnapshotAddVersion(builder, version)
	types.SnapshotAddCreatedAt(builder, createdAt.UnixMilli())
	types.SnapshotAddEntries(builder, entriesOff)
	types.SnapshotAddChecksum(builder, sumOff)
	builder.Finish(types.SnapshotEnd(builder))

	return builder.FinishedBytes()
}

// checksum is blake3 over the version and every length-prefixed pair in order.
func checksum(v uint32, entries []entry) [32]byte {
	h := blake3.New()

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	h.Write(buf[:])

	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[:], uint32(len(e.key)))
		h.Write(buf[:])
		h.Write(e.key)

		binary.BigEndian.PutUint32(buf[:], uint32(len(e.value)))
		h.Write(buf[:])
		h.Write(e.value)
	}

	var sum [32]byte
	h.Sum(sum[:0])

	return sum
}

func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

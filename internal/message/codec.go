package message

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Confluence/internal/types"
)

// minTableSize is the smallest buffer that can hold a root offset and a vtable.
const minTableSize = 8

// Decode runs fn, converting an out-of-range panic from FlatBuffers accessors
// on untrusted input into an error.
func Decode(data []byte, fn func()) (err error) {
	if len(data) < minTableSize {
		return fmt.Errorf("buffer too short: %d bytes", len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt buffer: %v", r)
		}
	}()

	fn()

	return nil
}

// BuildAttributes creates the Attribute tables and returns the vector offset.
// Must be called before the parent table is started.
func BuildAttributes(builder *flatbuffers.Builder, attrs [][]byte, startVector func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(attrs))

	for i, attr := range attrs {
		valueOff := builder.CreateByteVector(attr)

		types.AttributeStart(builder)
		types.AttributeAddValue(builder, valueOff)
		offsets[i] = types.AttributeEnd(builder)
	}

	startVector(builder, len(offsets))

	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

// ReadAttributes copies n attributes out of a table through get.
func ReadAttributes(n int, get func(*types.Attribute, int) bool) [][]byte {
	if n == 0 {
		return nil
	}

	attrs := make([][]byte, 0, n)

	var attr types.Attribute
	for i := 0; i < n; i++ {
		if !get(&attr, i) {
			break
		}

		attrs = append(attrs, append([]byte{}, attr.ValueBytes()...))
	}

	return attrs
}

package message

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Confluence/internal/types"
)

// ErrMalformedEnvelope is returned when a wrapped payload cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope binds the application sender and final receiver to the payload.
// All channels address the same remote aggregator; the envelope carries the
// true destination inside the payload.
type Envelope struct {
	Nonce    uint64 // Nonce makes identical sends distinct messages
	Sender   string // Sender is the application sender on the source network
	Receiver string // Receiver is the final receiver on the destination network
	Payload  []byte // Payload is the application payload
}

// Wrap encodes the envelope as a FlatBuffers table.
func (e *Envelope) Wrap() []byte {
	builder := flatbuffers.NewBuilder(64 + len(e.Payload))

	senderOff := builder.CreateString(e.Sender)
	receiverOff := builder.CreateString(e.Receiver)
	payloadOff := builder.CreateByteVector(e.Payload)

	types.EnvelopeStart(builder)
	types.EnvelopeAddNonce(builder, e.Nonce)
	types.EnvelopeAddSender(builder, senderOff)
	types.EnvelopeAddReceiver(builder, receiverOff)
	types.EnvelopeAddPayload(builder, payloadOff)
	builder.Finish(types.EnvelopeEnd(builder))

	return builder.FinishedBytes()
}

// Unwrap decodes a wrapped payload. The receiver must be non-empty.
func Unwrap(data []byte) (env *Envelope, err error) {
	if len(data) < minTableSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(data))
	}

	err = Decode(data, func() {
		fb := types.GetRootAsEnvelope(data, 0)

		env = &Envelope{
			Nonce:    fb.Nonce(),
			Sender:   string(fb.Sender()),
			Receiver: string(fb.Receiver()),
			Payload:  append([]byte{}, fb.PayloadBytes()...),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if env.Receiver == "" {
		return nil, fmt.Errorf("%w: empty receiver", ErrMalformedEnvelope)
	}

	return env, nil
}

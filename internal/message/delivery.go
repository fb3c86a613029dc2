package message

import (
	flatbuffers "github.com/google/flatbuffers/go"

	"Confluence/internal/types"
)

// EncodeDelivery builds a Delivery table for message m under the given id.
func EncodeDelivery(id string, m *Message) []byte {
	builder := flatbuffers.NewBuilder(128 + len(m.Payload))

	idOff := builder.CreateString(id)
	sourceOff := builder.CreateString(m.SourceNetwork)
	senderOff := builder.CreateString(m.Sender)
	payloadOff := builder.CreateByteVector(m.Payload)
	attrsOff := BuildAttributes(builder, m.Attributes, types.DeliveryStartAttributesVector)

	types.DeliveryStart(builder)
	types.DeliveryAddMessageId(builder, idOff)
	types.DeliveryAddSourceNetwork(builder, sourceOff)
	types.DeliveryAddSender(builder, senderOff)
	types.DeliveryAddPayload(builder, payloadOff)
	types.DeliveryAddAttributes(builder, attrsOff)
	builder.Finish(types.DeliveryEnd(builder))

	return builder.FinishedBytes()
}

// DecodeDelivery parses a Delivery table. All returned slices are copies.
func DecodeDelivery(data []byte) (string, *Message, error) {
	var (
		id string
		m  *Message
	)

	err := Decode(data, func() {
		fb := types.GetRootAsDelivery(data, 0)

		id = string(fb.MessageId())
		m = &Message{
			SourceNetwork: string(fb.SourceNetwork()),
			Sender:        string(fb.Sender()),
			Payload:       append([]byte{}, fb.PayloadBytes()...),
			Attributes:    ReadAttributes(fb.AttributesLength(), fb.Attributes),
		}
	})
	if err != nil {
		return "", nil, err
	}

	return id, m, nil
}

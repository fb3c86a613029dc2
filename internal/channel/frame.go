// Package channel implements the gateway transports between aggregators:
// a QUIC client for relays, the relay process itself, the inbound delivery
// handler of an aggregator node and an in-process channel.
package channel

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Confluence/internal/message"
	"Confluence/internal/outbound"
	"Confluence/internal/types"
)

// Frame kinds. A request frame is one kind byte followed by a FlatBuffers table.
const (
	kindSend    byte = 1 // SendRequest, answered with SendResponse
	kindDeliver byte = 2 // Delivery, answered with DeliveryAck
)

// ackRetryLater is the DeliveryAck code for a transient refusal.
const ackRetryLater byte = 0xff

var (
	// ErrUnknownFrame is returned for a request frame of an unexpected kind.
	ErrUnknownFrame = errors.New("unknown frame kind")

	// ErrMalformedFrame is returned when a frame body cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrRetryLater is returned when the destination refused a delivery for now.
	ErrRetryLater = errors.New("destination asked to retry later")
)

// RejectedError is a refusal reported by the remote side in its response.
// It is permanent: resending the same request gets the same answer.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected by peer: " + e.Reason
}

// splitFrame checks the kind byte and returns the body.
func splitFrame(data []byte, want byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}

	if data[0] != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnknownFrame, data[0], want)
	}

	return data[1:], nil
}

// encodeSend builds a send frame.
func encodeSend(req *outbound.Request) []byte {
	builder := flatbuffers.NewBuilder(256 + len(req.Payload))

	srcOff := builder.CreateString(req.SourceNetwork)
	senderOff := builder.CreateString(req.Sender)
	dstOff := builder.CreateString(req.DestinationNetwork)
	rcvOff := builder.CreateString(req.Receiver)
	payloadOff := builder.CreateByteVector(req.Payload)
	attrsOff := message.BuildAttributes(builder, req.Attributes, types.SendRequestStartAttributesVector)

	types.SendRequestStart(builder)
	types.SendRequestAddSourceNetwork(builder, srcOff)
	types.SendRequestAddSender(builder, senderOff)
	types.SendRequestAddDestinationNetwork(builder, dstOff)
	types.SendRequestAddReceiver(builder, rcvOff)
	types.SendRequestAddPayload(builder, payloadOff)
	types.SendRequestAddAttributes(builder, attrsOff)
	builder.Finish(types.SendRequestEnd(builder))

	return append([]byte{kindSend}, builder.FinishedBytes()...)
}

// decodeSend parses a send frame body.
func decodeSend(body []byte) (*outbound.Request, error) {
	var req *outbound.Request

	err := message.Decode(body, func() {
		fb := types.GetRootAsSendRequest(body, 0)

		req = &outbound.Request{
			SourceNetwork:      string(fb.SourceNetwork()),
			Sender:             string(fb.Sender()),
			DestinationNetwork: string(fb.DestinationNetwork()),
			Receiver:           string(fb.Receiver()),
			Payload:            append([]byte{}, fb.PayloadBytes()...),
			Attributes:         message.ReadAttributes(fb.AttributesLength(), fb.Attributes),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return req, nil
}

// encodeSendResponse builds a SendResponse carrying either a tracking id or a refusal.
func encodeSendResponse(trackingID []byte, reason string) []byte {
	builder := flatbuffers.NewBuilder(64)

	trackOff := builder.CreateByteVector(trackingID)
	reasonOff := builder.CreateString(reason)

	types.SendResponseStart(builder)
	types.SendResponseAddTrackingId(builder, trackOff)
	types.SendResponseAddError(builder, reasonOff)
	builder.Finish(types.SendResponseEnd(builder))

	return builder.FinishedBytes()
}

// decodeSendResponse returns the tracking id, or a *RejectedError.
func decodeSendResponse(data []byte) ([]byte, error) {
	var (
		trackingID []byte
		reason     string
	)

	err := message.Decode(data, func() {
		fb := types.GetRootAsSendResponse(data, 0)

		reason = string(fb.Error())
		if tid := fb.TrackingIdBytes(); len(tid) > 0 {
			trackingID = append([]byte{}, tid...)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if reason != "" {
		return nil, &RejectedError{Reason: reason}
	}

	return trackingID, nil
}

// encodeDeliver builds a delivery frame.
func encodeDeliver(id string, m *message.Message) []byte {
	return append([]byte{kindDeliver}, message.EncodeDelivery(id, m)...)
}

// encodeAck builds a DeliveryAck. A zero code carries a refusal reason.
func encodeAck(code byte, reason string) []byte {
	builder := flatbuffers.NewBuilder(64)

	reasonOff := builder.CreateString(reason)

	types.DeliveryAckStart(builder)
	types.DeliveryAckAddCode(builder, code)
	types.DeliveryAckAddError(builder, reasonOff)
	builder.Finish(types.DeliveryAckEnd(builder))

	return builder.FinishedBytes()
}

// decodeAck returns the acknowledgement code, a *RejectedError, or ErrRetryLater.
func decodeAck(data []byte) (byte, error) {
	var (
		code   byte
		reason string
	)

	err := message.Decode(data, func() {
		fb := types.GetRootAsDeliveryAck(data, 0)

		code = fb.Code()
		reason = string(fb.Error())
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if code == ackRetryLater {
		return 0, fmt.Errorf("%w: %s", ErrRetryLater, reason)
	}

	if code == 0 {
		if reason == "" {
			reason = "no acknowledgement code"
		}

		return 0, &RejectedError{Reason: reason}
	}

	return code, nil
}

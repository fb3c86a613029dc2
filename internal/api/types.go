package api

import (
	"encoding/hex"
	"time"

	"Confluence/internal/gateway"
	"Confluence/internal/inbound"
	"Confluence/internal/message"
	"Confluence/internal/outbound"
)

// SendRequest is the body of POST /send. Payload and attributes are base64 in JSON.
type SendRequest struct {
	Sender      string   `json:"sender,omitempty"` // Sender is the application sender, replaced by the signing key when signed
	Destination string   `json:"destination"`      // Destination is the target network id
	Receiver    string   `json:"receiver"`         // Receiver is the final receiver on the target network
	Payload     []byte   `json:"payload"`
	Attributes  [][]byte `json:"attributes,omitempty"`
}

// GatewayRequest is the body of POST /admin/gateways.
// Addr, when set, attaches a channel to the gateway's relay at that address.
type GatewayRequest struct {
	ID   gateway.ID `json:"id"`
	Addr string     `json:"addr,omitempty"`
}

// ThresholdRequest is the body of PUT /admin/threshold.
type ThresholdRequest struct {
	Threshold int `json:"threshold"`
}

// RemoteRequest is the body of PUT /admin/remotes/{network}.
type RemoteRequest struct {
	Address string `json:"address"`
}

// EntryView is one accepting channel of an outbox.
type EntryView struct {
	Gateway    gateway.ID `json:"gateway"`
	TrackingID string     `json:"trackingId,omitempty"`
}

// FailureView is one failed channel of an outbox.
type FailureView struct {
	Gateway gateway.ID `json:"gateway"`
	Error   string     `json:"error"`
}

// OutboxView is the JSON form of an outbox.
type OutboxView struct {
	ID          string        `json:"id"`
	Nonce       uint64        `json:"nonce"`
	Destination string        `json:"destination"`
	Receiver    string        `json:"receiver"`
	MessageID   string        `json:"messageId"`
	Entries     []EntryView   `json:"entries"`
	Failures    []FailureView `json:"failures,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// MessageView is the JSON form of a receipt tracker.
type MessageView struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Executed      bool         `json:"executed"`
	Count         int          `json:"count"`
	ReceivedBy    []gateway.ID `json:"receivedBy"`
	Attempts      uint32       `json:"attempts"`
	SourceNetwork string       `json:"sourceNetwork"`
	Sender        string       `json:"sender"`
	Receiver      string       `json:"receiver,omitempty"` // Receiver is the final receiver from the envelope
	Signature     string       `json:"signature,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// newOutboxView converts an outbox.
func newOutboxView(o *outbound.Outbox) OutboxView {
	v := OutboxView{
		ID:          o.ID.String(),
		Nonce:       o.Nonce,
		Destination: o.DestinationNetwork,
		Receiver:    o.Receiver,
		MessageID:   o.MessageID,
		Entries:     make([]EntryView, len(o.Entries)),
		CreatedAt:   o.CreatedAt,
	}

	for i, e := range o.Entries {
		v.Entries[i] = EntryView{Gateway: e.Gateway, TrackingID: hex.EncodeToString(e.TrackingID)}
	}

	for _, f := range o.Failures {
		v.Failures = append(v.Failures, FailureView{Gateway: f.Gateway, Error: f.Err.Error()})
	}

	return v
}

// newMessageView converts a tracker.
func newMessageView(t *inbound.Tracker) MessageView {
	v := MessageView{
		ID:         t.Fingerprint.ID(),
		Status:     t.Status.String(),
		Executed:   t.Executed,
		Count:      t.Count(),
		ReceivedBy: append([]gateway.ID{}, t.ReceivedBy...),
		Attempts:   t.Attempts,
		LastError:  t.LastError,
		UpdatedAt:  t.UpdatedAt,
	}

	if len(t.Signature) > 0 {
		v.Signature = hex.EncodeToString(t.Signature)
	}

	if t.Message != nil {
		v.SourceNetwork = t.Message.SourceNetwork
		v.Sender = t.Message.Sender

		if env, err := message.Unwrap(t.Message.Payload); err == nil {
			v.Receiver = env.Receiver
		}
	}

	return v
}

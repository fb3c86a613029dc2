package aggregator

import "errors"

var (
	// ErrSystemPaused is returned by Send, Receive and Retry while paused.
	ErrSystemPaused = errors.New("system paused")

	// ErrUntrustedGateway is returned when the delivering gateway is not in the live set.
	ErrUntrustedGateway = errors.New("untrusted gateway")

	// ErrUnknownSender is returned when the channel sender is not the registered
	// remote aggregator of the source network.
	ErrUnknownSender = errors.New("unknown sender")

	// ErrMessageIDMismatch is returned when a delivery's id differs from its fingerprint.
	ErrMessageIDMismatch = errors.New("message id does not match content")

	// ErrUnknownMessage is returned by Retry and Message for unseen fingerprints.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrAlreadyExecuted is returned when retrying a message that is executed or executing.
	ErrAlreadyExecuted = errors.New("message already executed")

	// ErrQuorumNotReached is returned when retrying a message below threshold.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrExecutionFailed is returned by Retry when the receiver call failed.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrEmptyReceiver is returned by Send without a receiver address.
	ErrEmptyReceiver = errors.New("empty receiver")
)

// Ack is the acknowledgement returned to a delivering channel. Every value is a success.
type Ack byte

const (
	// AckAccepted means the contribution was recorded and the message awaits quorum or retry.
	AckAccepted Ack = iota + 1
	// AckDuplicate means this gateway had already delivered the message.
	AckDuplicate
	// AckExecuted means the message has been executed, by this call or earlier.
	AckExecuted
)

func (a Ack) String() string {
	switch a {
	case AckAccepted:
		return "accepted"
	case AckDuplicate:
		return "duplicate"
	case AckExecuted:
		return "executed"
	default:
		return "invalid"
	}
}

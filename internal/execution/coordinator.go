package execution

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"Confluence/internal/logger"
)

// ErrInvalidExecutionReturnValue matches every *InvalidReturnError.
var ErrInvalidExecutionReturnValue = errors.New("invalid execution return value")

// defaultTimeout bounds a single receiver call.
const defaultTimeout = 30 * time.Second

// InvalidReturnError reports a receiver that returned something other than AckSentinel.
type InvalidReturnError struct {
	MessageID string
	Receiver  string
	Got       []byte
}

func (e *InvalidReturnError) Error() string {
	return fmt.Sprintf("receiver %s returned %s for message %s, want %s",
		e.Receiver, hex.EncodeToString(e.Got), e.MessageID, hex.EncodeToString(AckSentinel))
}

// Is makes errors.Is(err, ErrInvalidExecutionReturnValue) hold.
func (e *InvalidReturnError) Is(target error) bool {
	return target == ErrInvalidExecutionReturnValue
}

// Outcome classifies one receiver call.
type Outcome int

const (
	// Succeeded means the receiver returned AckSentinel.
	Succeeded Outcome = iota
	// Failed means the call errored, panicked, timed out or had no receiver. Retryable.
	Failed
	// InvalidReturn means the call completed with a wrong acknowledgement. Fatal.
	InvalidReturn
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "success"
	case Failed:
		return "failed"
	case InvalidReturn:
		return "invalid-return"
	default:
		return "unknown"
	}
}

// Result is the interpreted outcome of one execution attempt.
type Result struct {
	Outcome Outcome       // Outcome classifies the call
	Err     error         // Err is set for Failed and InvalidReturn
	Elapsed time.Duration // Elapsed is the receiver call duration
}

// Coordinator performs execution attempts against resolved receivers.
// It holds no message state: callers own the executed flag around Execute.
type Coordinator struct {
	resolver Resolver      // resolver maps receiver addresses to handlers
	timeout  time.Duration // timeout bounds each receiver call
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTimeout bounds each receiver call.
func WithTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.timeout = d }
}

// NewCoordinator creates a coordinator over resolver.
func NewCoordinator(resolver Resolver, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		resolver: resolver,
		timeout:  defaultTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Execute invokes the receiver at address exactly once and classifies the result.
func (c *Coordinator) Execute(ctx context.Context, address string, d *Delivery) Result {
	rcv, ok := c.resolver.Resolve(address)
	if !ok {
		return Result{Outcome: Failed, Err: fmt.Errorf("%w: %q", ErrUnknownReceiver, address)}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	ret, err := invoke(callCtx, rcv, d)
	elapsed := time.Since(start)

	if err != nil {
		return Result{Outcome: Failed, Err: err, Elapsed: elapsed}
	}

	if !bytes.Equal(ret, AckSentinel) {
		logger.Error("receiver returned invalid acknowledgement",
			"receiver", address,
			"message", d.MessageID,
			"got", hex.EncodeToString(ret),
		)

		return Result{
			Outcome: InvalidReturn,
			Err:     &InvalidReturnError{MessageID: d.MessageID, Receiver: address, Got: ret},
			Elapsed: elapsed,
		}
	}

	return Result{Outcome: Succeeded, Elapsed: elapsed}
}

// invoke calls the receiver, turning a panic into an error.
func invoke(ctx context.Context, rcv Receiver, d *Delivery) (ret []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("receiver panic: %v", r)
		}
	}()

	return rcv.ExecuteMessage(ctx, d)
}

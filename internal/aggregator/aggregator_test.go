package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"Confluence/internal/access"
	"Confluence/internal/attest"
	"Confluence/internal/events"
	"Confluence/internal/execution"
	"Confluence/internal/gateway"
	"Confluence/internal/inbound"
	"Confluence/internal/logger"
	"Confluence/internal/message"
	"Confluence/internal/metrics"
	"Confluence/internal/outbound"
	"Confluence/internal/remote"
	"Confluence/internal/storage"
)

var admin = access.Anonymous

func gw(b byte) gateway.ID {
	var id gateway.ID
	id[0] = b
	id[31] = b

	return id
}

// countingReceiver returns a fixed value and counts calls.
type countingReceiver struct {
	calls atomic.Int32
	fail  atomic.Bool
	ret   []byte
}

func (r *countingReceiver) ExecuteMessage(_ context.Context, _ *execution.Delivery) ([]byte, error) {
	r.calls.Add(1)

	if r.fail.Load() {
		return nil, errors.New("receiver reverted")
	}

	if r.ret != nil {
		return r.ret, nil
	}

	return execution.AckSentinel, nil
}

type fixture struct {
	agg        *Aggregator
	db         *storage.Storage
	router     *execution.Router
	dispatcher *outbound.Dispatcher
	rcv        *countingReceiver
}

// newFixture builds an aggregator for chain-b with gateways 1..3,
// threshold 2, chain-a registered and a receiver at "app".
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	f := newFixtureOn(t, db, opts...)

	ctx := context.Background()
	for _, b := range []byte{1, 2, 3} {
		if err := f.agg.AddGateway(ctx, admin, gw(b)); err != nil {
			t.Fatalf("add gateway: %v", err)
		}
	}

	if err := f.agg.SetThreshold(ctx, admin, 2); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	if err := f.agg.RegisterRemote(ctx, admin, "chain-a", "agg-a"); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	return f
}

// newFixtureOn opens an aggregator on an existing store without changing it.
func newFixtureOn(t *testing.T, db *storage.Storage, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		db:         db,
		router:     execution.NewRouter(),
		dispatcher: outbound.NewDispatcher(),
		rcv:        &countingReceiver{},
	}

	f.router.Register("app", f.rcv)

	opts = append([]Option{WithAuthorizer(access.AllowAll{})}, opts...)

	agg, err := New(db, Config{Network: "chain-b", Address: "agg-b"}, f.dispatcher, execution.NewCoordinator(f.router), opts...)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	f.agg = agg

	return f
}

// incoming builds a message from chain-a as the channel would deliver it.
func incoming(nonce uint64, payload string) *message.Message {
	env := message.Envelope{Nonce: nonce, Sender: "alice", Receiver: "app", Payload: []byte(payload)}

	return &message.Message{
		SourceNetwork: "chain-a",
		Sender:        "agg-a",
		Payload:       env.Wrap(),
		Attributes:    [][]byte{[]byte("fee=1")},
	}
}

func (f *fixture) receive(t *testing.T, g gateway.ID, m *message.Message) Ack {
	t.Helper()

	ack, err := f.agg.Receive(context.Background(), g, "", m)
	if err != nil {
		t.Fatalf("receive from %s: %v", g.Short(), err)
	}

	return ack
}

func (f *fixture) tracker(t *testing.T, m *message.Message) *inbound.Tracker {
	t.Helper()

	tr, err := f.agg.Message(m.Fingerprint())
	if err != nil {
		t.Fatalf("message: %v", err)
	}

	return tr
}

func drain(ch <-chan events.Event) []events.Kind {
	var kinds []events.Kind
	for _, e := range drainEvents(ch) {
		kinds = append(kinds, e.Kind)
	}

	return kinds
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var evs []events.Event

	for {
		select {
		case e := <-ch:
			evs = append(evs, e)
		default:
			return evs
		}
	}
}

func TestReceive_QuorumExecutesOnce(t *testing.T) {
	f := newFixture(t)
	m := incoming(1, "hello")

	if ack := f.receive(t, gw(1), m); ack != AckAccepted {
		t.Errorf("first delivery: expected accepted, got %s", ack)
	}

	if n := f.rcv.calls.Load(); n != 0 {
		t.Fatalf("receiver called below threshold: %d", n)
	}

	if ack := f.receive(t, gw(2), m); ack != AckExecuted {
		t.Errorf("quorum delivery: expected executed, got %s", ack)
	}

	if ack := f.receive(t, gw(3), m); ack != AckExecuted {
		t.Errorf("late delivery: expected executed, got %s", ack)
	}

	if n := f.rcv.calls.Load(); n != 1 {
		t.Errorf("expected exactly one execution, got %d", n)
	}

	tr := f.tracker(t, m)
	if !tr.Executed || tr.Status != inbound.StatusExecuted || tr.Count() != 3 || tr.Attempts != 1 {
		t.Errorf("unexpected tracker: executed=%v status=%s count=%d attempts=%d",
			tr.Executed, tr.Status, tr.Count(), tr.Attempts)
	}
}

func TestReceive_DeliveryHandsEnvelopeContent(t *testing.T) {
	f := newFixture(t)

	var got *execution.Delivery
	f.router.Register("app", execution.ReceiverFunc(func(_ context.Context, d *execution.Delivery) ([]byte, error) {
		got = d
		return execution.AckSentinel, nil
	}))

	m := incoming(7, "payload")
	f.receive(t, gw(1), m)
	f.receive(t, gw(2), m)

	if got == nil {
		t.Fatal("receiver not called")
	}

	if got.MessageID != m.Fingerprint().ID() || got.SourceNetwork != "chain-a" || got.Sender != "alice" {
		t.Errorf("unexpected delivery header: %+v", got)
	}

	if string(got.Payload) != "payload" || len(got.Attributes) != 1 || string(got.Attributes[0]) != "fee=1" {
		t.Errorf("unexpected delivery body: %+v", got)
	}
}

func TestReceive_DuplicateFromSameGateway(t *testing.T) {
	f := newFixture(t)
	m := incoming(1, "hello")

	f.receive(t, gw(1), m)

	if ack := f.receive(t, gw(1), m); ack != AckDuplicate {
		t.Errorf("expected duplicate, got %s", ack)
	}

	if tr := f.tracker(t, m); tr.Count() != 1 {
		t.Errorf("duplicate must not count, got %d", tr.Count())
	}

	if n := f.rcv.calls.Load(); n != 0 {
		t.Errorf("duplicate must not execute, got %d calls", n)
	}
}

func TestReceive_DuplicateAfterExecutionReportsExecuted(t *testing.T) {
	f := newFixture(t)
	m := incoming(1, "hello")

	f.receive(t, gw(1), m)
	f.receive(t, gw(2), m)

	if ack := f.receive(t, gw(1), m); ack != AckExecuted {
		t.Errorf("expected executed, got %s", ack)
	}
}

func TestReceive_BelowThresholdStaysCollecting(t *testing.T) {
	f := newFixture(t)
	m := incoming(1, "hello")

	for i := 0; i < 3; i++ {
		f.receive(t, gw(1), m)
	}

	tr := f.tracker(t, m)
	if tr.Status != inbound.StatusCollecting || tr.Executed {
		t.Errorf("expected collecting, got %s executed=%v", tr.Status, tr.Executed)
	}

	if err := f.agg.Retry(context.Background(), m.Fingerprint()); !errors.Is(err, ErrQuorumNotReached) {
		t.Errorf("expected ErrQuorumNotReached, got %v", err)
	}
}

func TestReceive_DistinctMessagesDoNotShareQuorum(t *testing.T) {
	f := newFixture(t)

	f.receive(t, gw(1), incoming(1, "hello"))
	f.receive(t, gw(2), incoming(2, "hello"))

	if n := f.rcv.calls.Load(); n != 0 {
		t.Errorf("different nonces must be different messages, got %d calls", n)
	}
}

func TestReceive_FailingReceiverIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.rcv.fail.Store(true)

	sub, cancel := f.agg.Events().Subscribe(64)
	defer cancel()

	m := incoming(1, "hello")
	f.receive(t, gw(1), m)

	if ack := f.receive(t, gw(2), m); ack != AckAccepted {
		t.Errorf("failed execution must still ack the channel, got %s", ack)
	}

	tr := f.tracker(t, m)
	if tr.Executed || tr.Status != inbound.StatusExecutionFailed || tr.LastError == "" {
		t.Errorf("expected rolled back failure, got executed=%v status=%s err=%q", tr.Executed, tr.Status, tr.LastError)
	}

	// A new contribution re-triggers the attempt.
	f.receive(t, gw(3), m)

	if n := f.rcv.calls.Load(); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}

	failures := 0
	for _, k := range drain(sub) {
		if k == events.ExecutionFailed {
			failures++
		}
	}

	if failures != 2 {
		t.Errorf("expected 2 ExecutionFailed events, got %d", failures)
	}

	if err := f.agg.Retry(context.Background(), m.Fingerprint()); !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed, got %v", err)
	}

	f.rcv.fail.Store(false)

	if err := f.agg.Retry(context.Background(), m.Fingerprint()); err != nil {
		t.Fatalf("retry: %v", err)
	}

	tr = f.tracker(t, m)
	if !tr.Executed || tr.Status != inbound.StatusExecuted || tr.Attempts != 4 || tr.LastError != "" {
		t.Errorf("unexpected tracker after retry: %+v", tr)
	}

	if err := f.agg.Retry(context.Background(), m.Fingerprint()); !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("expected ErrAlreadyExecuted, got %v", err)
	}
}

func TestReceive_UnknownReceiverIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.router.Remove("app")

	m := incoming(1, "hello")
	f.receive(t, gw(1), m)
	f.receive(t, gw(2), m)

	tr := f.tracker(t, m)
	if tr.Executed || tr.Status != inbound.StatusExecutionFailed {
		t.Fatalf("expected retryable failure, got %s", tr.Status)
	}

	f.router.Register("app", f.rcv)

	if err := f.agg.Retry(context.Background(), m.Fingerprint()); err != nil {
		t.Fatalf("retry after registering receiver: %v", err)
	}
}

func TestReceive_InvalidReturnFaults(t *testing.T) {
	f := newFixture(t)
	f.rcv.ret = []byte{1, 2, 3, 4}

	m := incoming(1, "hello")
	f.receive(t, gw(1), m)

	_, err := f.agg.Receive(context.Background(), gw(2), "", m)
	if !errors.Is(err, execution.ErrInvalidExecutionReturnValue) {
		t.Fatalf("expected ErrInvalidExecutionReturnValue, got %v", err)
	}

	tr := f.tracker(t, m)
	if !tr.Executed || tr.Status != inbound.StatusFaulted {
		t.Errorf("expected faulted and executed, got %s executed=%v", tr.Status, tr.Executed)
	}

	if tr.Count() != 1 || tr.HasContribution(gw(2)) {
		t.Errorf("caller contribution must be retracted, got %v", tr.ReceivedBy)
	}

	if ack := f.receive(t, gw(3), m); ack != AckAccepted {
		t.Errorf("expected accepted after fault, got %s", ack)
	}

	if n := f.rcv.calls.Load(); n != 1 {
		t.Errorf("faulted message must not be re-executed, got %d calls", n)
	}

	if err := f.agg.Retry(context.Background(), m.Fingerprint()); !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("expected ErrAlreadyExecuted, got %v", err)
	}
}

func TestReceive_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := incoming(1, "hello")

	if _, err := f.agg.Receive(ctx, gw(9), "", m); !errors.Is(err, ErrUntrustedGateway) {
		t.Errorf("expected ErrUntrustedGateway, got %v", err)
	}

	spoofed := incoming(1, "hello")
	spoofed.Sender = "mallory"
	if _, err := f.agg.Receive(ctx, gw(1), "", spoofed); !errors.Is(err, ErrUnknownSender) {
		t.Errorf("expected ErrUnknownSender, got %v", err)
	}

	unknownNet := incoming(1, "hello")
	unknownNet.SourceNetwork = "chain-z"
	if _, err := f.agg.Receive(ctx, gw(1), "", unknownNet); !errors.Is(err, ErrUnknownSender) {
		t.Errorf("expected ErrUnknownSender for unregistered network, got %v", err)
	}

	if _, err := f.agg.Receive(ctx, gw(1), "0x1234", m); !errors.Is(err, ErrMessageIDMismatch) {
		t.Errorf("expected ErrMessageIDMismatch, got %v", err)
	}

	garbage := &message.Message{SourceNetwork: "chain-a", Sender: "agg-a", Payload: []byte("junk")}
	if _, err := f.agg.Receive(ctx, gw(1), "", garbage); !errors.Is(err, message.ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}

	for _, rejected := range []*message.Message{m, spoofed, unknownNet, garbage} {
		if _, err := f.agg.Message(rejected.Fingerprint()); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("rejected delivery left state behind: %v", err)
		}
	}

	if ack, err := f.agg.Receive(ctx, gw(1), m.Fingerprint().ID(), m); err != nil || ack != AckAccepted {
		t.Errorf("expected matching id to be accepted, got %s, %v", ack, err)
	}
}

func TestReceive_WithoutSenderAuth(t *testing.T) {
	f := newFixture(t, WithoutSenderAuth())

	m := incoming(1, "hello")
	m.SourceNetwork = "chain-z"
	m.Sender = "anyone"

	if ack := f.receive(t, gw(1), m); ack != AckAccepted {
		t.Errorf("expected accepted, got %s", ack)
	}
}

func TestReceive_ZeroThresholdNeverExecutes(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	f := newFixtureOn(t, db)
	ctx := context.Background()

	for _, b := range []byte{1, 2} {
		if err := f.agg.AddGateway(ctx, admin, gw(b)); err != nil {
			t.Fatalf("add gateway: %v", err)
		}
	}

	if err := f.agg.RegisterRemote(ctx, admin, "chain-a", "agg-a"); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	m := incoming(1, "hello")
	f.receive(t, gw(1), m)
	f.receive(t, gw(2), m)

	if n := f.rcv.calls.Load(); n != 0 {
		t.Errorf("threshold 0 must not execute, got %d calls", n)
	}
}

func TestPause_BlocksSendReceiveRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.agg.Pause(ctx, admin); err != nil {
		t.Fatalf("pause: %v", err)
	}

	m := incoming(1, "hello")

	if _, err := f.agg.Receive(ctx, gw(1), "", m); !errors.Is(err, ErrSystemPaused) {
		t.Errorf("receive: expected ErrSystemPaused, got %v", err)
	}

	if _, err := f.agg.Send(ctx, "alice", "chain-a", "app", []byte("x"), nil); !errors.Is(err, ErrSystemPaused) {
		t.Errorf("send: expected ErrSystemPaused, got %v", err)
	}

	if err := f.agg.Retry(ctx, m.Fingerprint()); !errors.Is(err, ErrSystemPaused) {
		t.Errorf("retry: expected ErrSystemPaused, got %v", err)
	}

	if _, err := f.agg.Message(m.Fingerprint()); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("paused receive must not create state, got %v", err)
	}

	if !f.agg.Status().Paused {
		t.Error("status must report paused")
	}

	if err := f.agg.Unpause(ctx, admin); err != nil {
		t.Fatalf("unpause: %v", err)
	}

	if ack := f.receive(t, gw(1), m); ack != AckAccepted {
		t.Errorf("expected accepted after unpause, got %s", ack)
	}
}

func TestRemoveGateway_KeepsContribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := incoming(1, "hello")

	f.receive(t, gw(1), m)

	if err := f.agg.RemoveGateway(ctx, admin, gw(1)); err != nil {
		t.Fatalf("remove gateway: %v", err)
	}

	if _, err := f.agg.Receive(ctx, gw(1), "", m); !errors.Is(err, ErrUntrustedGateway) {
		t.Errorf("removed gateway must be untrusted, got %v", err)
	}

	if tr := f.tracker(t, m); tr.Count() != 1 {
		t.Errorf("contribution must be kept, got count %d", tr.Count())
	}

	if ack := f.receive(t, gw(2), m); ack != AckExecuted {
		t.Errorf("kept contribution must complete quorum, got %s", ack)
	}
}

func TestAdmin_ThresholdRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.agg.SetThreshold(ctx, admin, 4); !errors.Is(err, gateway.ErrInvalidThreshold) {
		t.Errorf("expected ErrInvalidThreshold above size, got %v", err)
	}

	if err := f.agg.SetThreshold(ctx, admin, 0); !errors.Is(err, gateway.ErrInvalidThreshold) {
		t.Errorf("expected ErrInvalidThreshold for 0, got %v", err)
	}

	if err := f.agg.SetThreshold(ctx, admin, 3); err != nil {
		t.Fatalf("set threshold 3: %v", err)
	}

	if err := f.agg.RemoveGateway(ctx, admin, gw(1)); !errors.Is(err, gateway.ErrThresholdUnsatisfiable) {
		t.Errorf("expected ErrThresholdUnsatisfiable, got %v", err)
	}

	if err := f.agg.RemoveGateway(ctx, admin, gw(9)); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := f.agg.AddGateway(ctx, admin, gw(1)); !errors.Is(err, gateway.ErrAlreadyPresent) {
		t.Errorf("expected ErrAlreadyPresent, got %v", err)
	}

	st := f.agg.Status()
	if st.Threshold != 3 || len(st.Gateways) != 3 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestAdmin_DefaultDeniesEverything(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	router := execution.NewRouter()
	agg, err := New(db, Config{Network: "chain-b", Address: "agg-b"}, outbound.NewDispatcher(), execution.NewCoordinator(router))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	ctx := context.Background()

	if err := agg.AddGateway(ctx, admin, gw(1)); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if err := agg.Pause(ctx, admin); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if _, err := agg.Snapshot(ctx, admin); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if agg.Status().Threshold != 0 {
		t.Error("denied operations must not change state")
	}
}

func TestAdmin_EmitsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, cancel := f.agg.Events().Subscribe(16)
	defer cancel()

	_ = f.agg.AddGateway(ctx, admin, gw(4))
	_ = f.agg.SetThreshold(ctx, admin, 3)
	_ = f.agg.RemoveGateway(ctx, admin, gw(4))
	_ = f.agg.RegisterRemote(ctx, admin, "chain-c", "agg-c")
	_ = f.agg.Pause(ctx, admin)
	_ = f.agg.Pause(ctx, admin)
	_ = f.agg.Unpause(ctx, admin)

	want := []events.Kind{
		events.GatewayAdded,
		events.ThresholdChanged,
		events.GatewayRemoved,
		events.RemoteRegistered,
		events.Paused,
		events.Unpaused,
	}

	got := drain(sub)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestReceive_EventSequence(t *testing.T) {
	f := newFixture(t)

	sub, cancel := f.agg.Events().Subscribe(16)
	defer cancel()

	m := incoming(1, "hello")
	f.receive(t, gw(1), m)
	f.receive(t, gw(2), m)

	want := []events.Kind{
		events.ContributionRecorded,
		events.ContributionRecorded,
		events.QuorumReached,
		events.ExecutionSuccess,
	}

	got := drain(sub)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestReceive_SignsReceipt(t *testing.T) {
	signer, err := attest.Generate()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}

	f := newFixture(t, WithSigner(signer))
	m := incoming(1, "hello")

	f.receive(t, gw(1), m)
	f.receive(t, gw(2), m)

	tr := f.tracker(t, m)
	if !attest.VerifyReceipt(tr.Signature, m.Fingerprint(), signer.PublicKey()) {
		t.Error("receipt signature does not verify")
	}

	if len(f.agg.Status().ReceiptKey) == 0 {
		t.Error("status must expose the receipt key")
	}
}

func TestReceive_ConcurrentDeliveriesExecuteOnce(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	calls := make(map[string]int)

	f.router.Register("app", execution.ReceiverFunc(func(_ context.Context, d *execution.Delivery) ([]byte, error) {
		mu.Lock()
		calls[d.MessageID]++
		mu.Unlock()

		return execution.AckSentinel, nil
	}))

	const messages = 20

	var wg sync.WaitGroup
	for i := 0; i < messages; i++ {
		m := incoming(uint64(i+1), "hello")

		for _, b := range []byte{1, 2, 3} {
			wg.Add(1)

			go func(g gateway.ID) {
				defer wg.Done()

				if _, err := f.agg.Receive(context.Background(), g, "", m); err != nil {
					t.Errorf("receive: %v", err)
				}
			}(gw(b))
		}
	}

	wg.Wait()

	if len(calls) != messages {
		t.Fatalf("expected %d executed messages, got %d", messages, len(calls))
	}

	for id, n := range calls {
		if n != 1 {
			t.Errorf("message %s executed %d times", id, n)
		}
	}
}

func TestNew_RollsBackInterruptedExecution(t *testing.T) {
	f := newFixture(t)
	m := incoming(1, "hello")

	f.receive(t, gw(1), m)

	// Simulate a crash between the speculative commit and the outcome.
	store := inbound.NewStore(f.db)
	tr, err := store.Get(m.Fingerprint())
	if err != nil {
		t.Fatalf("get tracker: %v", err)
	}

	tr.Contribute(gw(2))
	tr.Executed = true
	tr.Status = inbound.StatusReady
	tr.Attempts = 1

	if err := store.Put(tr); err != nil {
		t.Fatalf("put tracker: %v", err)
	}

	restarted := newFixtureOn(t, f.db)

	tr = restarted.tracker(t, m)
	if tr.Executed || tr.Status != inbound.StatusExecutionFailed {
		t.Fatalf("expected rolled back tracker, got %s executed=%v", tr.Status, tr.Executed)
	}

	if err := restarted.agg.Retry(context.Background(), m.Fingerprint()); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if n := restarted.rcv.calls.Load(); n != 1 {
		t.Errorf("expected 1 call after restart, got %d", n)
	}
}

// fakeChannel accepts every send with a per-gateway tracking id.
type fakeChannel struct {
	id      gateway.ID
	err     error
	block   bool          // block waits for cancellation
	release chan struct{} // release, when set, holds each send until closed
	entered chan struct{} // entered is signalled when a held send starts

	mu   sync.Mutex
	reqs []*outbound.Request
}

func (c *fakeChannel) Gateway() gateway.ID { return c.id }

func (c *fakeChannel) Send(ctx context.Context, req *outbound.Request) ([]byte, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	n := len(c.reqs)
	c.mu.Unlock()

	if c.release != nil {
		c.entered <- struct{}{}

		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if c.err != nil {
		return nil, c.err
	}

	return []byte(fmt.Sprintf("track-%x-%d", c.id[0], n)), nil
}

func (c *fakeChannel) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.reqs)
}

func TestSend_WrapsAndDispatches(t *testing.T) {
	f := newFixture(t)

	channels := make([]*fakeChannel, 3)
	for i := range channels {
		channels[i] = &fakeChannel{id: gw(byte(i + 1))}
		f.dispatcher.AddChannel(channels[i])
	}

	ctx := context.Background()
	attrs := [][]byte{[]byte("a1")}

	out, err := f.agg.Send(ctx, "bob", "chain-a", "app-a", []byte("ping"), attrs)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if out.ID.IsZero() || len(out.Entries) != 3 || out.Nonce != 1 || out.Receiver != "app-a" {
		t.Errorf("unexpected outbox: %+v", out)
	}

	req := channels[0].reqs[0]
	if req.SourceNetwork != "chain-b" || req.Sender != "agg-b" || req.DestinationNetwork != "chain-a" || req.Receiver != "agg-a" {
		t.Errorf("unexpected request routing: %+v", req)
	}

	env, err := message.Unwrap(req.Payload)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}

	if env.Nonce != 1 || env.Sender != "bob" || env.Receiver != "app-a" || string(env.Payload) != "ping" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	sent := message.Message{SourceNetwork: req.SourceNetwork, Sender: req.Sender, Payload: req.Payload, Attributes: req.Attributes}
	if out.MessageID != sent.Fingerprint().ID() {
		t.Errorf("outbox message id %s does not match fingerprint", out.MessageID)
	}

	stored, err := f.agg.Outbox(out.ID)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}

	if stored.MessageID != out.MessageID || len(stored.Entries) != 3 {
		t.Errorf("unexpected stored outbox: %+v", stored)
	}

	again, err := f.agg.Send(ctx, "bob", "chain-a", "app-a", []byte("ping"), attrs)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}

	if again.MessageID == out.MessageID || again.Nonce != 2 {
		t.Errorf("identical sends must be distinct messages")
	}
}

func TestSend_Rejections(t *testing.T) {
	f := newFixture(t)
	ch := &fakeChannel{id: gw(1)}
	f.dispatcher.AddChannel(ch)

	ctx := context.Background()

	if _, err := f.agg.Send(ctx, "bob", "chain-z", "app", nil, nil); !errors.Is(err, remote.ErrRemoteNotRegistered) {
		t.Errorf("expected ErrRemoteNotRegistered, got %v", err)
	}

	if _, err := f.agg.Send(ctx, "bob", "chain-a", "", nil, nil); !errors.Is(err, ErrEmptyReceiver) {
		t.Errorf("expected ErrEmptyReceiver, got %v", err)
	}

	if len(ch.reqs) != 0 {
		t.Errorf("rejected sends must not reach channels, got %d", len(ch.reqs))
	}
}

func TestSend_StrictFailureReportsGateways(t *testing.T) {
	m := metrics.New()
	f := newFixture(t, WithMetrics(m))

	f.dispatcher.AddChannel(&fakeChannel{id: gw(1), block: true})
	f.dispatcher.AddChannel(&fakeChannel{id: gw(2), block: true})
	f.dispatcher.AddChannel(&fakeChannel{id: gw(3), err: errors.New("relay down")})

	sub, cancel := f.agg.Events().Subscribe(16)
	defer cancel()

	_, err := f.agg.Send(context.Background(), "bob", "chain-a", "app", []byte("x"), nil)

	var de *outbound.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}

	if len(de.Failures) != 1 || de.Failures[0].Gateway != gw(3) {
		t.Fatalf("expected gateway 3 as the only failure, got %v", de.Failures)
	}

	if len(de.Canceled) != 2 {
		t.Errorf("expected gateways 1 and 2 cancelled, got %v", de.Canceled)
	}

	var blamed []string

	for _, e := range drainEvents(sub) {
		if e.Kind == events.MessageDispatched {
			t.Error("aborted send must not report MessageDispatched")
		}

		if e.Kind == events.DispatchFailed {
			blamed = append(blamed, e.Gateway)
		}
	}

	if len(blamed) != 1 || blamed[0] != gw(3).String() {
		t.Errorf("expected one DispatchFailed for gateway 3, got %v", blamed)
	}

	n, err := testutil.GatherAndCount(m.Registry(), "confluence_dispatch_failures_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	if n != 1 {
		t.Errorf("expected one gateway counted as failed, got %d", n)
	}
}

func TestSend_UsesGatewaySetFromCallTime(t *testing.T) {
	f := newFixture(t)

	held := &fakeChannel{id: gw(1), release: make(chan struct{}), entered: make(chan struct{}, 1)}
	second := &fakeChannel{id: gw(2)}
	leaving := &fakeChannel{id: gw(3)}
	joining := &fakeChannel{id: gw(4)}

	for _, ch := range []*fakeChannel{held, second, leaving, joining} {
		f.dispatcher.AddChannel(ch)
	}

	ctx := context.Background()

	type sendResult struct {
		out *outbound.Outbox
		err error
	}

	done := make(chan sendResult, 1)

	go func() {
		out, err := f.agg.Send(ctx, "bob", "chain-a", "app", []byte("x"), nil)
		done <- sendResult{out, err}
	}()

	select {
	case <-held.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("send never reached gateway 1")
	}

	if err := f.agg.RemoveGateway(ctx, admin, gw(3)); err != nil {
		t.Fatalf("remove gateway: %v", err)
	}

	if err := f.agg.AddGateway(ctx, admin, gw(4)); err != nil {
		t.Fatalf("add gateway: %v", err)
	}

	close(held.release)

	var res sendResult

	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish")
	}

	if res.err != nil {
		t.Fatalf("send: %v", res.err)
	}

	got := make([]gateway.ID, len(res.out.Entries))
	for i, e := range res.out.Entries {
		got[i] = e.Gateway
	}

	if len(got) != 3 || got[0] != gw(1) || got[1] != gw(2) || got[2] != gw(3) {
		t.Errorf("expected the set at call time, got %v", got)
	}

	if leaving.sent() != 1 || joining.sent() != 0 {
		t.Errorf("expected removed gateway used and added one skipped, got %d/%d", leaving.sent(), joining.sent())
	}

	held.release = nil

	next, err := f.agg.Send(ctx, "bob", "chain-a", "app", []byte("y"), nil)
	if err != nil {
		t.Fatalf("next send: %v", err)
	}

	if len(next.Entries) != 3 || next.Entries[2].Gateway != gw(4) || leaving.sent() != 1 {
		t.Errorf("next send must use the updated set, got %+v", next.Entries)
	}
}

func TestAddGatewayAt_AttachesChannel(t *testing.T) {
	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	var addrs []string

	dispatcher := outbound.NewDispatcher(outbound.WithChannelFactory(func(id gateway.ID, addr string) outbound.Channel {
		addrs = append(addrs, addr)
		return &fakeChannel{id: id}
	}))

	router := execution.NewRouter()
	agg, err := New(db, Config{Network: "chain-b", Address: "agg-b"}, dispatcher, execution.NewCoordinator(router),
		WithAuthorizer(access.AllowAll{}))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	ctx := context.Background()

	for _, b := range []byte{1, 2, 3} {
		dispatcher.AddChannel(&fakeChannel{id: gw(b)})
		if err := agg.AddGateway(ctx, admin, gw(b)); err != nil {
			t.Fatalf("add gateway: %v", err)
		}
	}

	if err := agg.RegisterRemote(ctx, admin, "chain-a", "agg-a"); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	if err := agg.AddGatewayAt(ctx, admin, gw(4), "relay-4:9100"); err != nil {
		t.Fatalf("add gateway at: %v", err)
	}

	if len(addrs) != 1 || addrs[0] != "relay-4:9100" {
		t.Fatalf("expected a channel built for relay-4, got %v", addrs)
	}

	out, err := agg.Send(ctx, "bob", "chain-a", "app", []byte("x"), nil)
	if err != nil {
		t.Fatalf("strict send after runtime add: %v", err)
	}

	if len(out.Entries) != 4 {
		t.Errorf("expected 4 entries, got %d", len(out.Entries))
	}

	if err := agg.RemoveGateway(ctx, admin, gw(4)); err != nil {
		t.Fatalf("remove gateway: %v", err)
	}

	if routes := dispatcher.Routes([]gateway.ID{gw(4)}); routes[0].Channel != nil {
		t.Error("removed gateway kept its channel")
	}

	if out, err := agg.Send(ctx, "bob", "chain-a", "app", []byte("y"), nil); err != nil || len(out.Entries) != 3 {
		t.Errorf("send after remove: %v", err)
	}
}

func TestRegisterRemote_LogsRemoteNetwork(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	f.agg.log = slog.New(logger.NewHandler(&buf, slog.LevelDebug)).With("component", "aggregator", "network", "chain-b")

	if err := f.agg.RegisterRemote(context.Background(), admin, "chain-c", "agg-c"); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "remote=chain-c") || strings.Count(out, "network=") != 1 {
		t.Errorf("unexpected log line: %q", out)
	}
}

func TestAddGatewayAt_NeedsChannelFactory(t *testing.T) {
	f := newFixture(t)

	err := f.agg.AddGatewayAt(context.Background(), admin, gw(4), "relay-4:9100")
	if !errors.Is(err, outbound.ErrNoChannelFactory) {
		t.Fatalf("expected ErrNoChannelFactory, got %v", err)
	}

	if n := len(f.agg.Status().Gateways); n != 3 {
		t.Errorf("rejected add changed the set, got %d gateways", n)
	}
}

// bridge is a channel delivering straight into another aggregator.
type bridge struct {
	id     gateway.ID
	target *Aggregator
}

func (b *bridge) Gateway() gateway.ID { return b.id }

func (b *bridge) Send(ctx context.Context, req *outbound.Request) ([]byte, error) {
	m := &message.Message{
		SourceNetwork: req.SourceNetwork,
		Sender:        req.Sender,
		Payload:       req.Payload,
		Attributes:    req.Attributes,
	}

	if _, err := b.target.Receive(ctx, b.id, m.Fingerprint().ID(), m); err != nil {
		return nil, err
	}

	return nil, nil
}

func TestSendReceive_TwoAggregators(t *testing.T) {
	dst := newFixture(t)

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	dispatcher := outbound.NewDispatcher()
	src, err := New(db, Config{Network: "chain-a", Address: "agg-a"}, dispatcher,
		execution.NewCoordinator(execution.NewRouter()), WithAuthorizer(access.AllowAll{}))
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	ctx := context.Background()
	for _, b := range []byte{1, 2, 3} {
		if err := src.AddGateway(ctx, admin, gw(b)); err != nil {
			t.Fatalf("add gateway: %v", err)
		}
		dispatcher.AddChannel(&bridge{id: gw(b), target: dst.agg})
	}

	if err := src.RegisterRemote(ctx, admin, "chain-b", "agg-b"); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	out, err := src.Send(ctx, "alice", "chain-b", "app", []byte("hi"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if !out.ID.IsZero() {
		t.Errorf("fire-and-forget channels must give the zero outbox id")
	}

	if n := dst.rcv.calls.Load(); n != 1 {
		t.Errorf("expected exactly one execution on the destination, got %d", n)
	}

	fp, err := message.ParseID(out.MessageID)
	if err != nil {
		t.Fatalf("parse message id: %v", err)
	}

	tr, err := dst.agg.Message(fp)
	if err != nil {
		t.Fatalf("destination tracker: %v", err)
	}

	if tr.Status != inbound.StatusExecuted || tr.Count() != 3 {
		t.Errorf("unexpected destination tracker: %s count=%d", tr.Status, tr.Count())
	}
}

func TestSnapshot_Exports(t *testing.T) {
	f := newFixture(t)

	data, err := f.agg.Snapshot(context.Background(), admin)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if len(data) == 0 {
		t.Error("empty snapshot")
	}
}

package integration

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"Confluence/client"
	"Confluence/internal/api"
	"Confluence/internal/channel"
)

// sendAndWait sends payload from aggregator src to the "app" receiver of the
// other network and waits for execution there.
func sendAndWait(t *testing.T, m *Mesh, src int, payload string) (*api.OutboxView, *api.MessageView) {
	t.Helper()

	out, err := m.Client(src).Send(api.SendRequest{
		Sender:      "alice",
		Destination: networks[1-src],
		Receiver:    "app",
		Payload:     []byte(payload),
	})
	if err != nil {
		m.DumpLogs()
		t.Fatalf("send: %v", err)
	}

	view, err := m.Client(1-src).WaitExecuted(out.MessageID, 20*time.Second)
	if err != nil {
		m.DumpLogs()
		t.Fatalf("wait executed: %v", err)
	}

	return out, view
}

// relayStats reads GET /stats of a relay.
func relayStats(t *testing.T, p *Process) channel.RelayStats {
	t.Helper()

	resp, err := http.Get("http://" + p.HTTPAddr() + "/stats")
	if err != nil {
		t.Fatalf("relay stats: %v", err)
	}
	defer resp.Body.Close()

	var s channel.RelayStats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode relay stats: %v", err)
	}

	return s
}

func TestMesh_CrossChainDelivery(t *testing.T) {
	m := NewMesh(t)

	out, view := sendAndWait(t, m, 0, "hello chain-b")

	if len(out.Entries) != len(m.Relays) {
		t.Errorf("expected %d outbox entries, got %d", len(m.Relays), len(out.Entries))
	}

	if view.SourceNetwork != "chain-a" || view.Sender != m.Aggregators[0].Address() || view.Receiver != "app" {
		t.Errorf("unexpected message view: %+v", view)
	}

	if view.Attempts != 1 || view.Count < 2 {
		t.Errorf("expected one attempt after quorum, got attempts=%d count=%d", view.Attempts, view.Count)
	}

	if view.Signature == "" {
		t.Error("executed message carries no receipt signature")
	}

	// the third relay's late delivery is still recorded
	waitFor(t, 10*time.Second, "all relays to deliver", func() bool {
		v, err := m.Client(1).Message(out.MessageID)
		return err == nil && v.Count == len(m.Relays)
	})

	for _, r := range m.Relays {
		if s := relayStats(t, r); s.Accepted != 1 || s.Delivered != 1 {
			t.Errorf("%s stats: %+v", r.name, s)
		}
	}

	// the way back works with the same relays
	_, back := sendAndWait(t, m, 1, "hello chain-a")
	if back.SourceNetwork != "chain-b" {
		t.Errorf("unexpected source on the return path: %s", back.SourceNetwork)
	}
}

func TestMesh_PausedDestinationCatchesUp(t *testing.T) {
	m := NewMesh(t)

	if err := m.AdminClient(1).Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}

	out, err := m.Client(0).Send(api.SendRequest{Sender: "alice", Destination: "chain-b", Receiver: "app", Payload: []byte("queued")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(time.Second)

	var apiErr *client.APIError
	if _, err := m.Client(1).Message(out.MessageID); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("paused aggregator recorded the message: %v", err)
	}

	if err := m.AdminClient(1).Unpause(); err != nil {
		t.Fatalf("unpause: %v", err)
	}

	if _, err := m.Client(1).WaitExecuted(out.MessageID, 20*time.Second); err != nil {
		m.DumpLogs()
		t.Fatalf("message not executed after unpause: %v", err)
	}
}

func TestMesh_RestartKeepsState(t *testing.T) {
	m := NewMesh(t)

	out, _ := sendAndWait(t, m, 0, "before restart")

	m.Restart(m.Aggregators[1])

	st, err := m.Client(1).Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if st.Threshold != 2 || len(st.Gateways) != len(m.Relays) || len(st.Remotes) != 1 {
		t.Errorf("configuration lost on restart: %+v", st)
	}

	view, err := m.Client(1).Message(out.MessageID)
	if err != nil || view.Status != "executed" {
		t.Fatalf("executed message lost on restart: %+v, %v", view, err)
	}

	var apiErr *client.APIError
	if _, err := m.Client(1).Retry(out.MessageID); !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Errorf("expected 409 retrying an executed message, got %v", err)
	}

	// the restarted node still takes deliveries
	sendAndWait(t, m, 0, "after restart")
}

func TestMesh_QuorumSurvivesRelayLoss(t *testing.T) {
	m := NewMesh(t, WithPolicy("best-effort"))

	m.Relays[0].Stop()

	out, view := sendAndWait(t, m, 0, "two of three")

	if len(out.Entries) != 2 || len(out.Failures) != 1 {
		t.Fatalf("expected 2 entries and 1 failure, got %+v", out)
	}

	if out.Failures[0].Gateway.String() != m.Relays[0].Address() {
		t.Errorf("failure attributed to %s, want %s", out.Failures[0].Gateway, m.Relays[0].Address())
	}

	if view.Count != 2 {
		t.Errorf("expected 2 contributions, got %d", view.Count)
	}
}

func TestMesh_StrictSendFailsOnRelayLoss(t *testing.T) {
	m := NewMesh(t)

	m.Relays[2].Stop()

	var apiErr *client.APIError
	_, err := m.Client(0).Send(api.SendRequest{Sender: "alice", Destination: "chain-b", Receiver: "app", Payload: []byte("x")})
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Errorf("expected 502, got %v", err)
	}
}

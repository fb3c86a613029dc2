package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"Confluence/internal/access"
	"Confluence/internal/aggregator"
	"Confluence/internal/execution"
	"Confluence/internal/gateway"
	"Confluence/internal/message"
	"Confluence/internal/metrics"
	"Confluence/internal/outbound"
	"Confluence/internal/storage"
)

// stubChannel accepts every send with a fixed tracking id.
type stubChannel struct {
	id gateway.ID
}

func (c *stubChannel) Gateway() gateway.ID { return c.id }

func (c *stubChannel) Send(context.Context, *outbound.Request) ([]byte, error) {
	return []byte("track-1"), nil
}

type apiFixture struct {
	agg     *aggregator.Aggregator
	server  *Server
	handler http.Handler
	owner   ed25519.PrivateKey
	gw      gateway.ID
	failing atomic.Bool // failing makes the "app" receiver fail
}

// newAPIFixture serves an aggregator for chain-b owned by a fresh key.
// The gateway set, threshold and remotes are left empty.
func newAPIFixture(t *testing.T, opts ...outbound.Option) *apiFixture {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	owner, err := access.NewOwner(pub)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}

	f := &apiFixture{owner: priv}
	f.gw[0] = 7

	router := execution.NewRouter()
	router.Register("app", execution.ReceiverFunc(func(context.Context, *execution.Delivery) ([]byte, error) {
		if f.failing.Load() {
			return nil, errors.New("receiver down")
		}
		return execution.AckSentinel, nil
	}))

	dispatcher := outbound.NewDispatcher(opts...)
	dispatcher.AddChannel(&stubChannel{id: f.gw})

	m := metrics.New()

	f.agg, err = aggregator.New(db, aggregator.Config{Network: "chain-b", Address: "agg-b"},
		dispatcher, execution.NewCoordinator(router),
		aggregator.WithAuthorizer(owner), aggregator.WithMetrics(m))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	f.server = New(":0", f.agg, m)
	f.handler = f.server.Handler()

	return f
}

// do sends a request through the routed handler, signed by the owner if signed is set.
func (f *apiFixture) do(t *testing.T, method, path string, body any, signed bool) *httptest.ResponseRecorder {
	t.Helper()

	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	if signed {
		signRequest(req, f.owner, data)
	}

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	return w
}

func signRequest(req *http.Request, priv ed25519.PrivateKey, body []byte) {
	ts := time.Now()
	sig := access.SignRequest(priv, req.Method, req.URL.Path, ts, body)

	req.Header.Set(access.HeaderKey, hex.EncodeToString(priv.Public().(ed25519.PublicKey)))
	req.Header.Set(access.HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(access.HeaderSignature, hex.EncodeToString(sig))
}

// setup adds the stub gateway, threshold 1 and the chain-a remote through the API.
func (f *apiFixture) setup(t *testing.T) {
	t.Helper()

	steps := []struct {
		method, path string
		body         any
	}{
		{"POST", "/admin/gateways", GatewayRequest{ID: f.gw}},
		{"PUT", "/admin/threshold", ThresholdRequest{Threshold: 1}},
		{"PUT", "/admin/remotes/chain-a", RemoteRequest{Address: "agg-a"}},
	}

	for _, s := range steps {
		if w := f.do(t, s.method, s.path, s.body, true); w.Code != http.StatusOK {
			t.Fatalf("%s %s: %d %s", s.method, s.path, w.Code, w.Body.String())
		}
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}

	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	f.server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	if resp := decode[map[string]string](t, w); resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestAdmin_SignedSetup(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)

	st := decode[aggregator.Status](t, f.do(t, "GET", "/status", nil, false))

	if st.Threshold != 1 || len(st.Gateways) != 1 || st.Gateways[0] != f.gw.String() {
		t.Errorf("unexpected status: %+v", st)
	}

	if len(st.Remotes) != 1 || st.Remotes[0].Address != "agg-a" {
		t.Errorf("unexpected remotes: %+v", st.Remotes)
	}

	if st.Policy != "strict" {
		t.Errorf("expected strict policy, got %s", st.Policy)
	}
}

func TestAdmin_UnsignedIsForbidden(t *testing.T) {
	f := newAPIFixture(t)

	if w := f.do(t, "POST", "/admin/pause", nil, false); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	if w := f.do(t, "GET", "/admin/snapshot", nil, false); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestAdmin_ForeignKeyIsForbidden(t *testing.T) {
	f := newAPIFixture(t)

	_, other, _ := ed25519.GenerateKey(rand.Reader)
	req := httptest.NewRequest("POST", "/admin/pause", nil)
	signRequest(req, other, nil)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestAdmin_TamperedBodyIsUnauthorized(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest("PUT", "/admin/threshold", strings.NewReader(`{"threshold":1}`))
	signRequest(req, f.owner, []byte(`{"threshold":2}`))

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAdmin_ConfigurationErrors(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)

	cases := []struct {
		name         string
		method, path string
		body         any
		want         int
	}{
		{"threshold above set", "PUT", "/admin/threshold", ThresholdRequest{Threshold: 2}, http.StatusBadRequest},
		{"threshold zero", "PUT", "/admin/threshold", ThresholdRequest{Threshold: 0}, http.StatusBadRequest},
		{"duplicate gateway", "POST", "/admin/gateways", GatewayRequest{ID: f.gw}, http.StatusConflict},
		{"remove breaks threshold", "DELETE", "/admin/gateways/" + f.gw.String(), nil, http.StatusConflict},
		{"remove unknown", "DELETE", "/admin/gateways/" + strings.Repeat("ab", 32), nil, http.StatusNotFound},
		{"bad gateway id", "DELETE", "/admin/gateways/xyz", nil, http.StatusBadRequest},
		{"empty remote", "PUT", "/admin/remotes/chain-c", RemoteRequest{}, http.StatusBadRequest},
		{"missing gateway", "POST", "/admin/gateways", map[string]string{}, http.StatusBadRequest},
		{"gateway address without transport", "POST", "/admin/gateways", GatewayRequest{ID: gateway.ID{0x42}, Addr: "relay:9100"}, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := f.do(t, tc.method, tc.path, tc.body, true); w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAdmin_AddGatewayWithAddress(t *testing.T) {
	var attached []string

	f := newAPIFixture(t, outbound.WithChannelFactory(func(id gateway.ID, addr string) outbound.Channel {
		attached = append(attached, addr)
		return &stubChannel{id: id}
	}))
	f.setup(t)

	added := gateway.ID{0x42}

	if w := f.do(t, "POST", "/admin/gateways", GatewayRequest{ID: added, Addr: "relay:9100"}, true); w.Code != http.StatusOK {
		t.Fatalf("add gateway: %d %s", w.Code, w.Body.String())
	}

	if len(attached) != 1 || attached[0] != "relay:9100" {
		t.Fatalf("expected a channel for relay:9100, got %v", attached)
	}

	w := f.do(t, "POST", "/send", SendRequest{Sender: "alice", Destination: "chain-a", Receiver: "app", Payload: []byte("x")}, false)
	if w.Code != http.StatusAccepted {
		t.Fatalf("send after add: %d %s", w.Code, w.Body.String())
	}

	if out := decode[OutboxView](t, w); len(out.Entries) != 2 || out.Entries[1].Gateway != added {
		t.Errorf("expected the added gateway to carry the send, got %+v", out.Entries)
	}
}

func TestSend_Success(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)

	w := f.do(t, "POST", "/send", SendRequest{
		Sender:      "alice",
		Destination: "chain-a",
		Receiver:    "app",
		Payload:     []byte("hello"),
	}, false)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	out := decode[OutboxView](t, w)

	if len(out.Entries) != 1 || out.Entries[0].Gateway != f.gw {
		t.Fatalf("unexpected entries: %+v", out.Entries)
	}

	if out.Entries[0].TrackingID != hex.EncodeToString([]byte("track-1")) {
		t.Errorf("unexpected tracking id %s", out.Entries[0].TrackingID)
	}

	if out.MessageID == "" || out.Nonce != 1 {
		t.Errorf("unexpected outbox: %+v", out)
	}

	got := decode[OutboxView](t, f.do(t, "GET", "/outbox/"+out.ID, nil, false))
	if got.MessageID != out.MessageID || got.Receiver != "app" {
		t.Errorf("stored outbox differs: %+v", got)
	}
}

func TestSend_SignedUsesKeyAsSender(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)

	body := SendRequest{Sender: "mallory", Destination: "chain-a", Receiver: "app", Payload: []byte("x")}

	if w := f.do(t, "POST", "/send", body, true); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a sender differing from the key, got %d", w.Code)
	}

	body.Sender = ""
	if w := f.do(t, "POST", "/send", body, true); w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSend_Rejections(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"empty body", nil, http.StatusBadRequest},
		{"unknown field", map[string]string{"destination": "chain-a", "receiver": "app", "colour": "red"}, http.StatusBadRequest},
		{"missing receiver", SendRequest{Destination: "chain-a"}, http.StatusBadRequest},
		{"unregistered destination", SendRequest{Destination: "chain-z", Receiver: "app"}, http.StatusBadRequest},
		{"too many attributes", SendRequest{Destination: "chain-a", Receiver: "app", Attributes: make([][]byte, maxAttributes+1)}, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := f.do(t, "POST", "/send", tc.body, false); w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestPause_BlocksSend(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)

	if w := f.do(t, "POST", "/admin/pause", nil, true); w.Code != http.StatusOK {
		t.Fatalf("pause: %d", w.Code)
	}

	body := SendRequest{Destination: "chain-a", Receiver: "app", Payload: []byte("x")}
	if w := f.do(t, "POST", "/send", body, false); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while paused, got %d", w.Code)
	}

	if w := f.do(t, "POST", "/admin/unpause", nil, true); w.Code != http.StatusOK {
		t.Fatalf("unpause: %d", w.Code)
	}

	if w := f.do(t, "POST", "/send", body, false); w.Code != http.StatusAccepted {
		t.Errorf("expected 202 after unpause, got %d", w.Code)
	}
}

func TestMessage_FailedExecutionThenRetry(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)
	f.failing.Store(true)

	env := message.Envelope{Nonce: 1, Sender: "alice", Receiver: "app", Payload: []byte("x")}
	m := &message.Message{SourceNetwork: "chain-a", Sender: "agg-a", Payload: env.Wrap()}
	id := m.Fingerprint().ID()

	if _, err := f.agg.Receive(context.Background(), f.gw, id, m); err != nil {
		t.Fatalf("receive: %v", err)
	}

	view := decode[MessageView](t, f.do(t, "GET", "/messages/"+id, nil, false))
	if view.Status != "execution-failed" || view.Executed || view.LastError == "" {
		t.Errorf("expected a failed execution, got %+v", view)
	}

	if view.Receiver != "app" || view.Count != 1 || view.SourceNetwork != "chain-a" {
		t.Errorf("unexpected view: %+v", view)
	}

	if w := f.do(t, "POST", "/messages/"+id+"/retry", nil, false); w.Code != http.StatusFailedDependency {
		t.Errorf("expected 424 while the receiver fails, got %d", w.Code)
	}

	f.failing.Store(false)

	w := f.do(t, "POST", "/messages/"+id+"/retry", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if view := decode[MessageView](t, w); view.Status != "executed" || view.Attempts != 3 {
		t.Errorf("expected executed after 3 attempts, got %+v", view)
	}

	if w := f.do(t, "POST", "/messages/"+id+"/retry", nil, false); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for an executed message, got %d", w.Code)
	}
}

func TestMessage_Lookups(t *testing.T) {
	f := newAPIFixture(t)

	if w := f.do(t, "GET", "/messages/nope", nil, false); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed id, got %d", w.Code)
	}

	unknown := "0x" + strings.Repeat("00", 32)
	if w := f.do(t, "GET", "/messages/"+unknown, nil, false); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	if w := f.do(t, "POST", "/messages/"+unknown+"/retry", nil, false); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on retry, got %d", w.Code)
	}

	if w := f.do(t, "GET", "/outbox/"+strings.Repeat("11", 32), nil, false); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown outbox, got %d", w.Code)
	}
}

func TestEvents_Limit(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)

	all := decode[[]map[string]any](t, f.do(t, "GET", "/events", nil, false))
	if len(all) != 3 {
		t.Fatalf("expected 3 admin events, got %d", len(all))
	}

	last := decode[[]map[string]any](t, f.do(t, "GET", "/events?limit=1", nil, false))
	if len(last) != 1 || last[0]["kind"] != "RemoteRegistered" {
		t.Errorf("expected the latest event, got %v", last)
	}

	if w := f.do(t, "GET", "/events?limit=-1", nil, false); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSnapshot_Signed(t *testing.T) {
	f := newAPIFixture(t)
	f.setup(t)

	w := f.do(t, "GET", "/admin/snapshot", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("unexpected content type %s", ct)
	}

	if w.Body.Len() == 0 {
		t.Error("expected snapshot bytes")
	}
}

func TestMetrics_CountsRequests(t *testing.T) {
	f := newAPIFixture(t)

	f.do(t, "GET", "/health", nil, false)

	w := f.do(t, "GET", "/metrics", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, `confluence_http_requests_total{method="GET",path="GET /health",status="200"} 1`) {
		t.Errorf("health request not counted:\n%s", body)
	}
}

package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Confluence/client"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Process is a running aggregatord or relayd.
type Process struct {
	name     string             // name labels the process in failures
	banner   string             // banner is the startup log line
	binary   string             // binary is the executable
	args     []string           // args are the command-line flags, kept for restarts
	key      ed25519.PrivateKey // key is the process identity
	httpAddr string             // httpAddr is the HTTP address
	quicAddr string             // quicAddr is the QUIC address
	cmd      *exec.Cmd          // cmd is the running process
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
}

// Address returns the hex public key: the aggregator address or gateway id.
func (p *Process) Address() string {
	return hex.EncodeToString(p.key.Public().(ed25519.PublicKey))
}

// HTTPAddr returns the HTTP address.
func (p *Process) HTTPAddr() string { return p.httpAddr }

// IsRunning checks that the process printed its banner and has not exited.
func (p *Process) IsRunning() bool {
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}

	if !strings.Contains(p.stdout.String(), p.banner) {
		return false
	}

	return p.cmd.ProcessState == nil
}

// Logs returns the process stdout.
func (p *Process) Logs() string { return p.stdout.String() }

// LogContains checks if the process logs contain a substring.
func (p *Process) LogContains(s string) bool {
	return strings.Contains(p.stdout.String(), s)
}

// start launches the process with its stored arguments.
func (p *Process) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stdout = &safeBuffer{}
	p.stderr = &safeBuffer{}

	p.cmd = exec.CommandContext(ctx, p.binary, p.args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", p.name, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go p.cmd.Wait()
}

// Stop terminates the process.
func (p *Process) Stop() {
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Signal(os.Interrupt)
		time.Sleep(300 * time.Millisecond)
	}

	if p.cancel != nil {
		p.cancel()
	}

	time.Sleep(100 * time.Millisecond)
}

// Mesh is two aggregators, chain-a and chain-b, joined by relays.
type Mesh struct {
	t           *testing.T
	Admin       ed25519.PrivateKey // Admin owns both aggregators
	Aggregators []*Process         // Aggregators are chain-a then chain-b
	Relays      []*Process
	dir         string
}

// meshOpts holds configuration for a Mesh.
type meshOpts struct {
	relays    int    // relays is the number of relay processes
	threshold int    // threshold is the quorum of each aggregator
	policy    string // policy is the dispatch policy
}

// MeshOption configures a Mesh.
type MeshOption func(*meshOpts)

// WithRelays sets the number of relays.
func WithRelays(n int) MeshOption { return func(o *meshOpts) { o.relays = n } }

// WithThreshold sets the quorum threshold of both aggregators.
func WithThreshold(n int) MeshOption { return func(o *meshOpts) { o.threshold = n } }

// WithPolicy sets the dispatch policy of both aggregators.
func WithPolicy(p string) MeshOption { return func(o *meshOpts) { o.policy = p } }

// networks are the ids of the two aggregators, in order.
var networks = []string{"chain-a", "chain-b"}

// NewMesh builds the binaries, writes keys and config files, starts every
// process and waits until they answer.
func NewMesh(t *testing.T, options ...MeshOption) *Mesh {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := meshOpts{relays: 3, threshold: 2, policy: "strict"}
	for _, o := range options {
		o(&opts)
	}

	m := &Mesh{t: t, dir: t.TempDir(), Admin: generateKey(t)}

	aggBinary := buildBinary(t, "aggregatord")
	relayBinary := buildBinary(t, "relayd")

	for _, network := range networks {
		m.Aggregators = append(m.Aggregators, &Process{
			name:     network,
			banner:   "starting Confluence aggregator",
			binary:   aggBinary,
			key:      generateKey(t),
			httpAddr: freeTCPAddr(t),
			quicAddr: freeUDPAddr(t),
		})
	}

	for i := 0; i < opts.relays; i++ {
		m.Relays = append(m.Relays, &Process{
			name:     fmt.Sprintf("relay-%d", i),
			banner:   "starting Confluence relay",
			binary:   relayBinary,
			key:      generateKey(t),
			httpAddr: freeTCPAddr(t),
			quicAddr: freeUDPAddr(t),
		})
	}

	for _, r := range m.Relays {
		r.args = m.relayArgs(r)
	}

	for i, a := range m.Aggregators {
		a.args = m.aggregatorArgs(i, a, opts)
	}

	t.Cleanup(m.Stop)

	for _, r := range m.Relays {
		r.start(t)
	}

	for _, a := range m.Aggregators {
		a.start(t)
	}

	for _, p := range m.all() {
		m.WaitHealthy(p)
	}

	return m
}

// all returns every process.
func (m *Mesh) all() []*Process {
	return append(append([]*Process{}, m.Relays...), m.Aggregators...)
}

// relayArgs writes a relay's key and config and returns its flags.
func (m *Mesh) relayArgs(r *Process) []string {
	dir := m.mkdir(r.name)

	var cfg strings.Builder
	cfg.WriteString("max_attempts = 40\nretry_delay = \"50ms\"\nworkers = 4\nforward_timeout = \"5s\"\n")

	for _, a := range m.Aggregators {
		fmt.Fprintf(&cfg, "\n[[endpoint]]\naggregator = %q\naddr = %q\n", a.Address(), a.quicAddr)
	}

	return []string{
		"-quic", r.quicAddr,
		"-http", r.httpAddr,
		"-key", m.writeKey(dir, r.key),
		"-config", m.writeFile(dir, "relay.toml", cfg.String()),
		"-log-level", "debug",
		"-stats-interval", "0",
	}
}

// aggregatorArgs writes an aggregator's key and config and returns its flags.
func (m *Mesh) aggregatorArgs(i int, a *Process, opts meshOpts) []string {
	dir := m.mkdir(a.name)
	other := m.Aggregators[1-i]

	var cfg strings.Builder
	fmt.Fprintf(&cfg, "network = %q\nowner = %q\npolicy = %q\nthreshold = %d\n",
		networks[i], hex.EncodeToString(m.Admin.Public().(ed25519.PublicKey)), opts.policy, opts.threshold)
	cfg.WriteString("execution_timeout = \"5s\"\nsend_timeout = \"3s\"\n")

	for _, r := range m.Relays {
		fmt.Fprintf(&cfg, "\n[[gateway]]\nid = %q\naddr = %q\n", r.Address(), r.quicAddr)
	}

	fmt.Fprintf(&cfg, "\n[[remote]]\nnetwork = %q\naddress = %q\n", networks[1-i], other.Address())

	return []string{
		"-data", filepath.Join(dir, "data"),
		"-http", a.httpAddr,
		"-quic", a.quicAddr,
		"-key", m.writeKey(dir, a.key),
		"-config", m.writeFile(dir, "aggregator.toml", cfg.String()),
		"-dev-receivers", "app",
		"-log-level", "debug",
	}
}

// mkdir creates a directory for one process.
func (m *Mesh) mkdir(name string) string {
	dir := filepath.Join(m.dir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		m.t.Fatalf("create dir %s: %v", dir, err)
	}

	return dir
}

// writeKey saves key in dir and returns the path.
func (m *Mesh) writeKey(dir string, key ed25519.PrivateKey) string {
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, key, 0600); err != nil {
		m.t.Fatalf("write key: %v", err)
	}

	return path
}

// writeFile saves content in dir and returns the path.
func (m *Mesh) writeFile(dir, name, content string) string {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		m.t.Fatalf("write %s: %v", name, err)
	}

	return path
}

// WaitHealthy polls /health until p answers.
func (m *Mesh) WaitHealthy(p *Process) {
	m.t.Helper()

	httpc := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(20 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := httpc.Get("http://" + p.httpAddr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && p.IsRunning() {
				return
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	m.t.Fatalf("%s not healthy:\nSTDOUT:\n%s\nSTDERR:\n%s", p.name, p.stdout.String(), p.stderr.String())
}

// Restart stops p and starts it again with the same flags and data.
func (m *Mesh) Restart(p *Process) {
	m.t.Helper()

	p.Stop()
	p.start(m.t)
	m.WaitHealthy(p)
}

// Client returns an unsigned client for aggregator i.
func (m *Mesh) Client(i int) *client.Client {
	return client.NewClient(m.Aggregators[i].httpAddr, client.WithTimeout(10*time.Second))
}

// AdminClient returns a client for aggregator i signing with the owner key.
func (m *Mesh) AdminClient(i int) *client.Client {
	return client.NewClient(m.Aggregators[i].httpAddr, client.WithKey(m.Admin), client.WithTimeout(10*time.Second))
}

// Stop terminates every process.
func (m *Mesh) Stop() {
	for _, p := range m.all() {
		p.Stop()
	}
}

// DumpLogs prints every process's output, for failing tests.
func (m *Mesh) DumpLogs() {
	for _, p := range m.all() {
		m.t.Logf("=== %s ===\n%s\n%s", p.name, p.stdout.String(), p.stderr.String())
	}
}

// generateKey creates a random ed25519 key.
func generateKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// freeTCPAddr reserves a loopback TCP port and releases it.
func freeTCPAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve tcp port: %v", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// freeUDPAddr reserves a loopback UDP port and releases it.
func freeUDPAddr(t *testing.T) string {
	t.Helper()

	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	defer c.Close()

	return c.LocalAddr().String()
}

// buildBinary compiles ./cmd/<name> into a temp file.
func buildBinary(t *testing.T, name string) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), name)

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/"+name)
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s failed: %v\n%s", name, err, output)
	}

	return binary
}

// getProjectRoot returns the module root.
func getProjectRoot(t *testing.T) string {
	t.Helper()

	// We're in test/integration, go up two levels
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	return filepath.Dir(filepath.Dir(wd))
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

// Package config loads the TOML files of the aggregator and relay binaries.
//
// The aggregator file describes the bootstrap network state. It is applied
// only to an empty store: once gateways or remotes exist on disk, durable
// state wins and the file only supplies receivers and process settings.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"Confluence/internal/gateway"
	"Confluence/internal/outbound"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	defaultExecutionTimeout = 30 * time.Second
	defaultSendTimeout      = 10 * time.Second
	defaultGasLimit         = 1_000_000
)

// Gateway is one relay the aggregator sends through and accepts deliveries from.
type Gateway struct {
	ID   string `toml:"id"`   // ID is the relay's ed25519 public key, hex
	Addr string `toml:"addr"` // Addr is the relay's QUIC address
}

// Remote is the counterpart aggregator on another network.
type Remote struct {
	Network string `toml:"network"`
	Address string `toml:"address"`
}

// Receiver binds a final receiver address to a WASM module file.
type Receiver struct {
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Aggregator is the aggregatord configuration file.
type Aggregator struct {
	Network           string     `toml:"network"`             // Network is the local network id
	Owner             string     `toml:"owner"`               // Owner is the hex ed25519 key allowed to administer the node
	Policy            string     `toml:"policy"`              // Policy is "strict" or "best-effort"
	Threshold         int        `toml:"threshold"`           // Threshold is the bootstrap quorum
	DisableSenderAuth bool       `toml:"disable_sender_auth"` // DisableSenderAuth accepts any channel sender
	ExecutionTimeout  string     `toml:"execution_timeout"`   // ExecutionTimeout bounds one receiver call
	SendTimeout       string     `toml:"send_timeout"`        // SendTimeout bounds one channel send
	GasLimit          uint64     `toml:"gas_limit"`           // GasLimit bounds one WASM receiver call
	Gateways          []Gateway  `toml:"gateway"`
	Remotes           []Remote   `toml:"remote"`
	Receivers         []Receiver `toml:"receiver"`

	executionTimeout time.Duration
	sendTimeout      time.Duration
	policy           outbound.Policy
}

// DefaultAggregator returns a configuration with no bootstrap state.
func DefaultAggregator() *Aggregator {
	return &Aggregator{
		Policy:           outbound.Strict.String(),
		ExecutionTimeout: defaultExecutionTimeout.String(),
		SendTimeout:      defaultSendTimeout.String(),
		GasLimit:         defaultGasLimit,
		executionTimeout: defaultExecutionTimeout,
		sendTimeout:      defaultSendTimeout,
	}
}

// LoadAggregator reads and validates an aggregator file.
// An empty path yields the defaults.
func LoadAggregator(path string) (*Aggregator, error) {
	cfg := DefaultAggregator()
	if path == "" {
		return cfg, cfg.Validate()
	}

	if err := decode(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s:\n%w", path, err)
	}

	return cfg, nil
}

// Validate checks the file and resolves derived values.
func (c *Aggregator) Validate() error {
	if c.Owner != "" {
		if _, err := c.OwnerKey(); err != nil {
			return err
		}
	}

	policy, err := outbound.ParsePolicy(c.Policy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.policy = policy

	if c.executionTimeout, err = parseDuration("execution_timeout", c.ExecutionTimeout, defaultExecutionTimeout); err != nil {
		return err
	}

	if c.sendTimeout, err = parseDuration("send_timeout", c.SendTimeout, defaultSendTimeout); err != nil {
		return err
	}

	if c.GasLimit == 0 {
		c.GasLimit = defaultGasLimit
	}

	seen := make(map[gateway.ID]bool, len(c.Gateways))
	for i, g := range c.Gateways {
		id, err := gateway.ParseID(g.ID)
		if err != nil {
			return fmt.Errorf("%w: gateway[%d]: %v", ErrInvalid, i, err)
		}

		if seen[id] {
			return fmt.Errorf("%w: gateway[%d]: duplicate id %s", ErrInvalid, i, id.Short())
		}
		seen[id] = true

		if strings.TrimSpace(g.Addr) == "" {
			return fmt.Errorf("%w: gateway[%d]: addr is required", ErrInvalid, i)
		}
	}

	if c.Threshold < 0 || c.Threshold > len(c.Gateways) {
		return fmt.Errorf("%w: threshold %d with %d gateways", ErrInvalid, c.Threshold, len(c.Gateways))
	}

	networks := make(map[string]bool, len(c.Remotes))
	for i, r := range c.Remotes {
		if strings.TrimSpace(r.Network) == "" || strings.TrimSpace(r.Address) == "" {
			return fmt.Errorf("%w: remote[%d]: network and address are required", ErrInvalid, i)
		}

		if networks[r.Network] {
			return fmt.Errorf("%w: remote[%d]: duplicate network %q", ErrInvalid, i, r.Network)
		}
		networks[r.Network] = true
	}

	addresses := make(map[string]bool, len(c.Receivers))
	for i, r := range c.Receivers {
		if strings.TrimSpace(r.Address) == "" || strings.TrimSpace(r.Path) == "" {
			return fmt.Errorf("%w: receiver[%d]: address and path are required", ErrInvalid, i)
		}

		if addresses[r.Address] {
			return fmt.Errorf("%w: receiver[%d]: duplicate address %q", ErrInvalid, i, r.Address)
		}
		addresses[r.Address] = true
	}

	return nil
}

// OwnerKey decodes the owner key. It returns nil when no owner is set.
func (c *Aggregator) OwnerKey() (ed25519.PublicKey, error) {
	if c.Owner == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(strings.TrimPrefix(c.Owner, "0x"))
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: owner must be a hex ed25519 public key", ErrInvalid)
	}

	return key, nil
}

// DispatchPolicy returns the parsed policy.
func (c *Aggregator) DispatchPolicy() outbound.Policy {
	return c.policy
}

// ExecutionTimeoutDuration returns the parsed execution timeout.
func (c *Aggregator) ExecutionTimeoutDuration() time.Duration {
	return c.executionTimeout
}

// SendTimeoutDuration returns the parsed channel send timeout.
func (c *Aggregator) SendTimeoutDuration() time.Duration {
	return c.sendTimeout
}

// GatewayIDs returns the parsed gateway ids in file order.
func (c *Aggregator) GatewayIDs() []gateway.ID {
	ids := make([]gateway.ID, 0, len(c.Gateways))
	for _, g := range c.Gateways {
		id, _ := gateway.ParseID(g.ID)
		ids = append(ids, id)
	}

	return ids
}

// Endpoint maps a destination aggregator to its QUIC address.
type Endpoint struct {
	Aggregator string `toml:"aggregator"` // Aggregator is the aggregator's address (its key, hex)
	Addr       string `toml:"addr"`
}

// Relay is the relayd configuration file.
type Relay struct {
	MaxAttempts    int        `toml:"max_attempts"`
	RetryDelay     string     `toml:"retry_delay"`
	Workers        int        `toml:"workers"`
	QueueSize      int        `toml:"queue_size"`
	ReplayTTL      string     `toml:"replay_ttl"`
	ForwardTimeout string     `toml:"forward_timeout"`
	Endpoints      []Endpoint `toml:"endpoint"`

	retryDelay     time.Duration
	replayTTL      time.Duration
	forwardTimeout time.Duration
}

// LoadRelay reads and validates a relay file.
func LoadRelay(path string) (*Relay, error) {
	cfg := &Relay{}
	if path != "" {
		if err := decode(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s:\n%w", path, err)
	}

	return cfg, nil
}

// Validate checks the file. Zero values are left for the relay's own defaults.
func (c *Relay) Validate() error {
	var err error

	if c.retryDelay, err = parseDuration("retry_delay", c.RetryDelay, 0); err != nil {
		return err
	}

	if c.replayTTL, err = parseDuration("replay_ttl", c.ReplayTTL, 0); err != nil {
		return err
	}

	if c.forwardTimeout, err = parseDuration("forward_timeout", c.ForwardTimeout, 0); err != nil {
		return err
	}

	if c.MaxAttempts < 0 || c.Workers < 0 || c.QueueSize < 0 {
		return fmt.Errorf("%w: max_attempts, workers and queue_size must not be negative", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, e := range c.Endpoints {
		key, err := hex.DecodeString(e.Aggregator)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: endpoint[%d]: aggregator must be a hex ed25519 key", ErrInvalid, i)
		}

		if strings.TrimSpace(e.Addr) == "" {
			return fmt.Errorf("%w: endpoint[%d]: addr is required", ErrInvalid, i)
		}

		if seen[e.Aggregator] {
			return fmt.Errorf("%w: endpoint[%d]: duplicate aggregator", ErrInvalid, i)
		}
		seen[e.Aggregator] = true
	}

	return nil
}

// EndpointMap returns the endpoints keyed by aggregator address.
func (c *Relay) EndpointMap() map[string]string {
	m := make(map[string]string, len(c.Endpoints))
	for _, e := range c.Endpoints {
		m[e.Aggregator] = e.Addr
	}

	return m
}

// RetryDelayDuration returns the parsed retry delay, zero if unset.
func (c *Relay) RetryDelayDuration() time.Duration { return c.retryDelay }

// ReplayTTLDuration returns the parsed replay window, zero if unset.
func (c *Relay) ReplayTTLDuration() time.Duration { return c.replayTTL }

// ForwardTimeoutDuration returns the parsed forward timeout, zero if unset.
func (c *Relay) ForwardTimeoutDuration() time.Duration { return c.forwardTimeout }

// decode reads path into out and rejects unknown keys.
func decode(path string, out any) error {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("load config %s:\n%w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)

		return fmt.Errorf("%w: %s: unknown keys %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	return nil
}

// parseDuration parses a duration field, using def when empty.
func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s: %q is not a duration", ErrInvalid, field, value)
	}

	return d, nil
}

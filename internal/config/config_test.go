package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Confluence/internal/outbound"
)

const (
	gwA = "1111111111111111111111111111111111111111111111111111111111111111"
	gwB = "2222222222222222222222222222222222222222222222222222222222222222"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestLoadAggregator_Full(t *testing.T) {
	path := writeFile(t, `
network = "chain-b"
owner = "`+gwA+`"
policy = "best-effort"
threshold = 2
execution_timeout = "5s"

[[gateway]]
id = "`+gwA+`"
addr = "127.0.0.1:9101"

[[gateway]]
id = "`+gwB+`"
addr = "127.0.0.1:9102"

[[remote]]
network = "chain-a"
address = "agg-a"

[[receiver]]
address = "app"
path = "app.wasm"
`)

	cfg, err := LoadAggregator(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Network != "chain-b" || cfg.Threshold != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if cfg.DispatchPolicy() != outbound.BestEffort {
		t.Errorf("expected best-effort, got %s", cfg.DispatchPolicy())
	}

	if cfg.ExecutionTimeoutDuration() != 5*time.Second {
		t.Errorf("expected 5s, got %s", cfg.ExecutionTimeoutDuration())
	}

	if cfg.SendTimeoutDuration() != defaultSendTimeout {
		t.Errorf("expected default send timeout, got %s", cfg.SendTimeoutDuration())
	}

	ids := cfg.GatewayIDs()
	if len(ids) != 2 || ids[1].String() != gwB {
		t.Errorf("unexpected gateway ids: %v", ids)
	}

	key, err := cfg.OwnerKey()
	if err != nil || len(key) != 32 {
		t.Errorf("expected owner key, got %v, %v", key, err)
	}
}

func TestLoadAggregator_EmptyPathIsDefault(t *testing.T) {
	cfg, err := LoadAggregator("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DispatchPolicy() != outbound.Strict {
		t.Errorf("default policy must be strict, got %s", cfg.DispatchPolicy())
	}

	if cfg.GasLimit != defaultGasLimit {
		t.Errorf("expected default gas limit, got %d", cfg.GasLimit)
	}
}

func TestLoadAggregator_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      `colour = "blue"`,
		"bad policy":       `policy = "sometimes"`,
		"bad duration":     `execution_timeout = "soon"`,
		"bad owner":        `owner = "abc"`,
		"threshold > set":  `threshold = 1`,
		"bad gateway id":   "[[gateway]]\nid = \"zz\"\naddr = \"x\"",
		"gateway no addr":  "[[gateway]]\nid = \"" + gwA + "\"",
		"duplicate remote": "[[remote]]\nnetwork = \"a\"\naddress = \"x\"\n[[remote]]\nnetwork = \"a\"\naddress = \"y\"",
		"receiver no path": "[[receiver]]\naddress = \"app\"",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadAggregator(writeFile(t, content)); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadAggregator_MissingFile(t *testing.T) {
	if _, err := LoadAggregator(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestLoadRelay(t *testing.T) {
	path := writeFile(t, `
max_attempts = 3
retry_delay = "250ms"

[[endpoint]]
aggregator = "`+gwA+`"
addr = "127.0.0.1:9201"
`)

	cfg, err := LoadRelay(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MaxAttempts != 3 || cfg.RetryDelayDuration() != 250*time.Millisecond {
		t.Errorf("unexpected relay config: %+v", cfg)
	}

	if cfg.ReplayTTLDuration() != 0 {
		t.Error("unset durations must stay zero")
	}

	if got := cfg.EndpointMap()[gwA]; got != "127.0.0.1:9201" {
		t.Errorf("unexpected endpoint %q", got)
	}
}

func TestLoadRelay_RejectsBadEndpoint(t *testing.T) {
	path := writeFile(t, "[[endpoint]]\naggregator = \"agg-b\"\naddr = \"x\"")

	_, err := LoadRelay(path)
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "endpoint[0]") {
		t.Errorf("expected endpoint error, got %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
resolvers:
  - 1.1.1.1:53
dns:
  listen: 127.0.0.1:53
  upstream:
    nameservers:
      - 8.8.8.8:53
upstream:
  provider:
    endpoint: https://example.com/proxies.txt
thp:
  listen:
    - 0.0.0.0:80
    - 0.0.0.0:443
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker <= 0 {
		t.Errorf("Worker default = %d, want > 0", cfg.Worker)
	}
	if !cfg.SniffingEnabled() {
		t.Error("SniffingEnabled() = false, want true by default")
	}
	if got := cfg.DNS.Cache.TTL.Std(); got != DefaultCacheTTL {
		t.Errorf("cache TTL = %v, want %v", got, DefaultCacheTTL)
	}
	if cfg.DNS.Cache.Size != DefaultCacheSize {
		t.Errorf("cache size = %d, want %d", cfg.DNS.Cache.Size, DefaultCacheSize)
	}
	if cfg.Upstream.LoadBalance != "best" {
		t.Errorf("load_balance = %q, want best", cfg.Upstream.LoadBalance)
	}
	if got := cfg.Upstream.Check.Interval.Std(); got != 30*time.Second {
		t.Errorf("check interval = %v, want 30s", got)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing resolvers",
			yaml: strings.Replace(minimalYAML, "resolvers:\n  - 1.1.1.1:53\n", "", 1),
		},
		{
			name: "unknown field",
			yaml: minimalYAML + "\nupstream2: x",
		},
		{
			name: "bad hosts address",
			yaml: strings.Replace(minimalYAML, "dns:\n", "dns:\n  hosts:\n    router.lan: not-an-ip\n", 1),
		},
		{
			name: "bad hijack sentinel",
			yaml: strings.Replace(minimalYAML, "dns:\n", "dns:\n  hijack:\n    endpoint: https://example.com/h.txt\n    hijack: nope\n", 1),
		},
		{
			name: "weak controller secret",
			yaml: minimalYAML + "\ncontroller:\n  listen: 127.0.0.1:9090\n  secret: abc123\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestLoadBalanceValues(t *testing.T) {
	body := strings.Replace(minimalYAML, "\nupstream:\n", "\nupstream:\n  load_balance: etld\n", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.LoadBalance != "etld" {
		t.Errorf("load_balance = %q, want etld", cfg.Upstream.LoadBalance)
	}
}

func TestHijackSentinel(t *testing.T) {
	body := strings.Replace(minimalYAML, "dns:\n", "dns:\n  hijack:\n    endpoint: https://example.com/h.txt\n    hijack: 198.18.0.1\n", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	addr := cfg.HijackSentinel()
	if !addr.IsValid() || addr.String() != "198.18.0.1" {
		t.Errorf("HijackSentinel() = %v, want 198.18.0.1", addr)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	body := strings.Replace(minimalYAML, "dns:\n", "dns:\n  cache:\n    ttl: 90s\n    size: 128\n", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.DNS.Cache.TTL.Std(); got != 90*time.Second {
		t.Errorf("cache TTL = %v, want 90s", got)
	}
	if cfg.DNS.Cache.Size != 128 {
		t.Errorf("cache size = %d, want 128", cfg.DNS.Cache.Size)
	}
}

func TestIsWeakSecret(t *testing.T) {
	if IsWeakSecret("") {
		t.Error("empty secret flagged weak; empty disables auth")
	}
	if !IsWeakSecret("password1") {
		t.Error("trivial secret not flagged weak")
	}
	if IsWeakSecret("0cL8-vqpEwD4kTzM-q3u") {
		t.Error("strong random secret flagged weak")
	}
}

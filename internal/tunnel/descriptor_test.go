package tunnel

import (
	"encoding/base64"
	"strings"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestParseURIModernForm(t *testing.T) {
	uri := "ss://" + b64("aes-256-gcm:hunter2") + "@198.51.100.7:8388#Tokyo%201"
	d, err := ParseURI(uri)
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if d.Method != "aes-256-gcm" || d.Password != "hunter2" {
		t.Errorf("credentials = %s/%s", d.Method, d.Password)
	}
	if d.Server != "198.51.100.7" || d.Port != 8388 {
		t.Errorf("endpoint = %s:%d", d.Server, d.Port)
	}
	if d.Name != "Tokyo 1" {
		t.Errorf("Name = %q, want Tokyo 1", d.Name)
	}
	if d.Addr() != "198.51.100.7:8388" {
		t.Errorf("Addr() = %q", d.Addr())
	}
	if d.ID.IsZero() {
		t.Error("ID is zero")
	}
}

func TestParseURILegacyForm(t *testing.T) {
	uri := "ss://" + b64("chacha20-ietf-poly1305:secret@ss.example.net:443")
	d, err := ParseURI(uri)
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if d.Method != "chacha20-ietf-poly1305" || d.Password != "secret" {
		t.Errorf("credentials = %s/%s", d.Method, d.Password)
	}
	if d.Server != "ss.example.net" || d.Port != 443 {
		t.Errorf("endpoint = %s:%d", d.Server, d.Port)
	}
	if d.Name != "ss.example.net:443" {
		t.Errorf("default Name = %q", d.Name)
	}
}

func TestParseURIPlugin(t *testing.T) {
	uri := "ss://" + b64("aes-128-gcm:pw") + "@host.example.com:8388?plugin=obfs-local%3Bobfs%3Dhttp%3Bobfs-host%3Dwww.example.com#n"
	d, err := ParseURI(uri)
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if d.Plugin != "obfs-local" {
		t.Errorf("Plugin = %q", d.Plugin)
	}
	if d.PluginOpts != "obfs=http;obfs-host=www.example.com" {
		t.Errorf("PluginOpts = %q", d.PluginOpts)
	}
}

func TestParseURIErrors(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"wrong scheme", "vmess://abcdef"},
		{"empty", "ss://"},
		{"garbage payload", "ss://!!!not-base64!!!"},
		{"no port", "ss://" + b64("aes-256-gcm:pw@host.example.com")},
		{"zero port", "ss://" + b64("aes-256-gcm:pw") + "@host.example.com:0"},
		{"empty password", "ss://" + b64("aes-256-gcm:") + "@host.example.com:8388"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseURI(tt.uri); err == nil {
				t.Errorf("ParseURI(%q) succeeded, want error", tt.uri)
			}
		})
	}
}

func TestIdentityIgnoresName(t *testing.T) {
	a, err := ParseURI("ss://" + b64("aes-256-gcm:pw") + "@198.51.100.7:8388#first")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseURI("ss://" + b64("aes-256-gcm:pw") + "@198.51.100.7:8388#second")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Error("same endpoint with different names produced different IDs")
	}
	c, err := ParseURI("ss://" + b64("aes-256-gcm:other") + "@198.51.100.7:8388#first")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == c.ID {
		t.Error("different passwords produced the same ID")
	}
}

func TestParseList(t *testing.T) {
	list := strings.Join([]string{
		"# provider header",
		"ss://" + b64("aes-256-gcm:pw") + "@198.51.100.7:8388#A",
		"",
		"ss://" + b64("aes-256-gcm:pw") + "@198.51.100.7:8388#A-duplicate",
		"ss://" + b64("aes-256-gcm:pw") + "@198.51.100.8:8388#B",
		"not-a-uri",
	}, "\r\n")
	descriptors, skipped := ParseList(list)
	if len(descriptors) != 2 {
		t.Fatalf("parsed %d descriptors, want 2", len(descriptors))
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if descriptors[0].Name != "A" {
		t.Errorf("first descriptor = %q, duplicates must keep the first occurrence", descriptors[0].Name)
	}
}

package netutil

import "testing"

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"www.google.co.uk:443", "google.co.uk"},
		{"api.sina.com.cn", "sina.com.cn"},
		{"sub.example.com", "example.com"},
		{"example.com:8080", "example.com"},
		{"example.com", "example.com"},

		// Case and trailing-dot normalization for sniffed hosts and FQDNs.
		{"WWW.Example.COM", "example.com"},
		{"cdn.example.com.", "example.com"},
		{"cdn.example.com.:443", "example.com"},

		// IP addresses pass through untouched.
		{"192.168.1.1:8080", "192.168.1.1"},
		{"10.0.0.1", "10.0.0.1"},
		{"[::1]:80", "::1"},
		{"[::1]", "::1"},

		// Single-label names have no registrable domain.
		{"localhost", "localhost"},
		{"localhost:3000", "localhost"},

		// URL forms.
		{"https://www.google.co.uk/path", "google.co.uk"},
		{"http://api.example.com:8080/path?q=1", "example.com"},
		{"//example.com/path", "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ExtractDomain(tt.input); got != tt.want {
				t.Errorf("ExtractDomain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Package netutil provides host parsing and download helpers shared by
// the feed and proxy layers.
package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ExtractDomain reduces a dial target to its registrable domain
// (eTLD+1). Targets may arrive as host:port pairs, URLs, bracketed
// IPv6 literals, or DNS names with a trailing dot; the result is
// lowercased. Inputs without a registrable domain, such as IP
// addresses or single-label names, come back as the bare host.
//
//	"www.Google.co.uk:443" -> "google.co.uk"
//	"cdn.example.com."     -> "example.com"
//	"192.168.1.1:8080"     -> "192.168.1.1"
//	"[::1]:80"             -> "::1"
func ExtractDomain(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if net.ParseIP(host) != nil {
		return host
	}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

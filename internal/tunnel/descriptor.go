package tunnel

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Descriptor is one parsed ss:// tunnel. Immutable once parsed.
type Descriptor struct {
	ID         ID
	Name       string
	Server     string
	Port       uint16
	Method     string
	Password   string
	Plugin     string
	PluginOpts string
}

// Addr returns the dialable host:port of the tunnel endpoint.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Server, strconv.Itoa(int(d.Port)))
}

// identity is the dedupe key: entries differing only in name or plugin
// presentation collapse to one tunnel.
func (d Descriptor) identity() string {
	return strings.Join([]string{d.Server, strconv.Itoa(int(d.Port)), d.Method, d.Password}, "\x00")
}

// ParseURI parses an ss:// URI in either modern form
// (ss://base64(method:password)@host:port?plugin=...#name) or legacy
// whole-payload base64 form (ss://base64(method:password@host:port)#name).
func ParseURI(uri string) (Descriptor, error) {
	raw := strings.TrimSpace(uri)
	if !strings.HasPrefix(raw, "ss://") {
		return Descriptor{}, fmt.Errorf("tunnel: not an ss:// uri: %q", truncate(raw))
	}
	raw = strings.TrimPrefix(raw, "ss://")
	if raw == "" {
		return Descriptor{}, fmt.Errorf("tunnel: empty ss:// uri")
	}

	beforeFragment, fragment, _ := strings.Cut(raw, "#")
	beforeQuery, query, _ := strings.Cut(beforeFragment, "?")

	var d Descriptor
	d.Name = decodeFragment(fragment)

	if at := strings.LastIndex(beforeQuery, "@"); at > 0 && at < len(beforeQuery)-1 {
		method, password, err := parseUserInfo(beforeQuery[:at])
		if err != nil {
			return Descriptor{}, err
		}
		server, port, err := parseEndpoint(beforeQuery[at+1:])
		if err != nil {
			return Descriptor{}, err
		}
		d.Method, d.Password, d.Server, d.Port = method, password, server, port
	} else {
		decoded, ok := decodeBase64Relaxed(beforeQuery)
		if !ok || !utf8.Valid(decoded) {
			return Descriptor{}, fmt.Errorf("tunnel: undecodable ss:// payload: %q", truncate(beforeQuery))
		}
		text := string(decoded)
		at := strings.LastIndex(text, "@")
		if at <= 0 || at >= len(text)-1 {
			return Descriptor{}, fmt.Errorf("tunnel: malformed ss:// payload: %q", truncate(text))
		}
		method, password, err := parseUserInfo(text[:at])
		if err != nil {
			return Descriptor{}, err
		}
		server, port, err := parseEndpoint(text[at+1:])
		if err != nil {
			return Descriptor{}, err
		}
		d.Method, d.Password, d.Server, d.Port = method, password, server, port
	}

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return Descriptor{}, fmt.Errorf("tunnel: bad ss:// query: %w", err)
		}
		if plugin := values.Get("plugin"); plugin != "" {
			name, opts, _ := strings.Cut(plugin, ";")
			d.Plugin = strings.TrimSpace(name)
			d.PluginOpts = strings.TrimSpace(opts)
		}
	}

	if d.Name == "" {
		d.Name = d.Addr()
	}
	d.ID = idFromIdentity(d.identity())
	return d, nil
}

// parseUserInfo splits method:password, accepting the base64-encoded
// variant used by most share links.
func parseUserInfo(input string) (string, string, error) {
	input = strings.TrimSpace(input)
	if method, password, ok := strings.Cut(input, ":"); ok {
		method = strings.TrimSpace(method)
		password = strings.TrimSpace(password)
		if method != "" && password != "" {
			return method, password, nil
		}
	}
	decoded, ok := decodeBase64Relaxed(input)
	if !ok || !utf8.Valid(decoded) {
		return "", "", fmt.Errorf("tunnel: undecodable user-info: %q", truncate(input))
	}
	method, password, ok := strings.Cut(string(decoded), ":")
	method = strings.TrimSpace(method)
	password = strings.TrimSpace(password)
	if !ok || method == "" || password == "" {
		return "", "", fmt.Errorf("tunnel: malformed user-info")
	}
	return method, password, nil
}

func parseEndpoint(hostport string) (string, uint16, error) {
	hostport = strings.TrimSpace(hostport)
	host, portText, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("tunnel: bad endpoint %q: %w", truncate(hostport), err)
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("tunnel: bad port in %q", truncate(hostport))
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0, fmt.Errorf("tunnel: empty host in %q", truncate(hostport))
	}
	return host, uint16(port), nil
}

// decodeBase64Relaxed accepts standard or URL-safe alphabets with or
// without padding.
func decodeBase64Relaxed(input string) ([]byte, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	return nil, false
}

func decodeFragment(fragment string) string {
	if fragment == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(fragment)
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(decoded)
}

func truncate(s string) string {
	const max = 48
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ParseList parses a decoded proxy list, one URI per line. Malformed
// lines are skipped and counted; duplicate identities keep the first
// occurrence.
func ParseList(text string) (descriptors []Descriptor, skipped int) {
	seen := make(map[ID]struct{})
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := ParseURI(line)
		if err != nil {
			skipped++
			continue
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		descriptors = append(descriptors, d)
	}
	return descriptors, skipped
}

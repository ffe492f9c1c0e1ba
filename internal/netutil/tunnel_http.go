package netutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// DialContextFunc dials a network address. Matches the signature of
// net.Dialer.DialContext so tunnel dialers slot in directly.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TunnelHTTPOptions controls tunnel-backed HTTP execution behavior.
type TunnelHTTPOptions struct {
	// RequireStatusOK enforces HTTP 200; otherwise any status is accepted.
	RequireStatusOK bool
	// UserAgent overrides the request User-Agent when non-empty.
	UserAgent string
}

// HTTPGetViaDialer executes an HTTP GET with every connection dialed
// through dial. Timeout and cancellation are controlled solely by ctx.
func HTTPGetViaDialer(ctx context.Context, dial DialContextFunc, url string, opts TunnelHTTPOptions) ([]byte, error) {
	if dial == nil {
		return nil, fmt.Errorf("tunnel fetch: dialer is nil")
	}

	transport := &http.Transport{
		DialContext:       dial,
		DisableKeepAlives: true,
		ForceAttemptHTTP2: true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if opts.RequireStatusOK && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tunnel fetch: unexpected status %d from %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

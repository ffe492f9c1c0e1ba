package netutil

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPGetViaDialerUsesProvidedDialer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via-dialer"))
	}))
	defer srv.Close()

	var dialed string
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed = addr
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}

	body, err := HTTPGetViaDialer(context.Background(), dial, srv.URL, TunnelHTTPOptions{RequireStatusOK: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "via-dialer" {
		t.Errorf("body = %q, want via-dialer", string(body))
	}
	if dialed == "" {
		t.Error("custom dialer was not used")
	}
}

func TestHTTPGetViaDialerRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}

	if _, err := HTTPGetViaDialer(context.Background(), dial, srv.URL, TunnelHTTPOptions{RequireStatusOK: true}); err == nil {
		t.Fatal("expected status error")
	}
}

func TestHTTPGetViaDialerNilDialer(t *testing.T) {
	if _, err := HTTPGetViaDialer(context.Background(), nil, "http://example.com", TunnelHTTPOptions{}); err == nil {
		t.Fatal("expected error for nil dialer")
	}
}

package thp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shunt-proxy/shunt/internal/pool"
)

// startEcho accepts one connection, reads it to EOF, echoes everything
// back, and closes. The received bytes are delivered on the channel.
func startEcho(t *testing.T) (addr string, received chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	received = make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
		_, _ = conn.Write(data)
	}()
	return ln.Addr().String(), received
}

// tcpUpstream dials a fixed local address and records requested targets.
type tcpUpstream struct {
	addr string
	err  error

	mu      sync.Mutex
	targets []string
}

func (u *tcpUpstream) Dial(_ context.Context, host string, port uint16) (net.Conn, error) {
	u.mu.Lock()
	u.targets = append(u.targets, net.JoinHostPort(host, strconv.Itoa(int(port))))
	u.mu.Unlock()
	if u.err != nil {
		return nil, u.err
	}
	return net.Dial("tcp", u.addr)
}

func (u *tcpUpstream) dialedTargets() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.targets...)
}

func startServer(t *testing.T, sel SelectFunc) *Server {
	t.Helper()
	s := New(Config{
		Listens:      []string{"127.0.0.1:0"},
		Select:       sel,
		SniffTimeout: time.Second,
		IdleTimeout:  5 * time.Second,
		DialTimeout:  time.Second,
	})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func dialServer(t *testing.T, s *Server) *net.TCPConn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*net.TCPConn)
}

func TestProxyPreservesByteStream(t *testing.T) {
	echoAddr, received := startEcho(t)
	up := &tcpUpstream{addr: echoAddr}
	var selected []string
	s := startServer(t, func(domain string) (Upstream, error) {
		selected = append(selected, domain)
		return up, nil
	})

	client := dialServer(t, s)
	request := []byte("GET /res HTTP/1.1\r\nHost: example.org\r\nAccept: */*\r\n\r\n")
	tail := []byte("post-handshake client bytes")
	if _, err := client.Write(request); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := client.Write(tail); err != nil {
		t.Fatal(err)
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	want := append(append([]byte(nil), request...), tail...)
	select {
	case got := <-received:
		if !bytes.Equal(got, want) {
			t.Errorf("upstream received %d bytes, want the %d-byte client stream intact", len(got), len(want))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never saw the client stream")
	}

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	echoed, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("reading echoed response: %v", err)
	}
	if !bytes.Equal(echoed, want) {
		t.Error("client did not receive the echoed stream after half-close")
	}

	if len(selected) != 1 || selected[0] != "example.org" {
		t.Errorf("selected domains = %v, want [example.org]", selected)
	}
	wantPort := s.Addrs()[0].(*net.TCPAddr).Port
	targets := up.dialedTargets()
	if len(targets) != 1 || targets[0] != net.JoinHostPort("example.org", strconv.Itoa(wantPort)) {
		t.Errorf("dialed %v, want example.org on the listener port %d", targets, wantPort)
	}
}

func TestUnsniffableConnectionIsClosed(t *testing.T) {
	selectCalls := 0
	s := startServer(t, func(string) (Upstream, error) {
		selectCalls++
		return nil, nil
	})

	client := dialServer(t, s)
	if _, err := client.Write([]byte{0x05, 0x01, 0x00, 0xff}); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if data, err := io.ReadAll(client); err != nil || len(data) != 0 {
		t.Errorf("read = %d bytes, %v; want clean close", len(data), err)
	}
	if selectCalls != 0 {
		t.Error("select was consulted for an unsniffable connection")
	}
	if got := s.Counters(); got.SniffFailures != 1 {
		t.Errorf("sniff failures = %d, want 1", got.SniffFailures)
	}
}

func TestNoUpstreamClosesConnection(t *testing.T) {
	s := startServer(t, func(string) (Upstream, error) {
		return nil, pool.ErrNoUpstream
	})

	client := dialServer(t, s)
	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: example.org\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if data, err := io.ReadAll(client); err != nil || len(data) != 0 {
		t.Errorf("read = %d bytes, %v; want clean close", len(data), err)
	}
	if got := s.Counters(); got.NoUpstream != 1 {
		t.Errorf("no-upstream count = %d, want 1", got.NoUpstream)
	}
}

func TestDialFailureClosesConnection(t *testing.T) {
	up := &tcpUpstream{err: errors.New("tunnel refused")}
	s := startServer(t, func(string) (Upstream, error) { return up, nil })

	client := dialServer(t, s)
	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: example.org\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if data, err := io.ReadAll(client); err != nil || len(data) != 0 {
		t.Errorf("read = %d bytes, %v; want clean close", len(data), err)
	}
	if got := s.Counters(); got.DialFailures != 1 {
		t.Errorf("dial failures = %d, want 1", got.DialFailures)
	}
}

func TestStopDrainsConnections(t *testing.T) {
	echoAddr, _ := startEcho(t)
	up := &tcpUpstream{addr: echoAddr}
	s := startServer(t, func(string) (Upstream, error) { return up, nil })

	client := dialServer(t, s)
	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: example.org\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _ = io.ReadAll(client)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after connections finished")
	}
}

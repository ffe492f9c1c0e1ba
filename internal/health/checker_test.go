package health

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	M "github.com/sagernet/sing/common/metadata"

	"github.com/shunt-proxy/shunt/internal/pool"
	"github.com/shunt-proxy/shunt/internal/tunnel"
)

type nopDialer struct{}

func (nopDialer) DialContext(context.Context, string, M.Socksaddr) (net.Conn, error) {
	return nil, errors.New("not dialable")
}

// stubBuilder hands out nopDialers and tracks closes.
type stubBuilder struct {
	mu     sync.Mutex
	built  []tunnel.ID
	failOn map[tunnel.ID]bool
}

type closeTrackingDialer struct {
	nopDialer
	closed bool
}

func (d *closeTrackingDialer) Close() error {
	d.closed = true
	return nil
}

func (b *stubBuilder) Build(d tunnel.Descriptor) (pool.Dialer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn[d.ID] {
		return nil, errors.New("build refused")
	}
	b.built = append(b.built, d.ID)
	return &closeTrackingDialer{}, nil
}

func descriptor(t *testing.T, host string) tunnel.Descriptor {
	t.Helper()
	d, err := tunnel.ParseURI("ss://" + base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:pw")) + "@" + host + ":8388#" + host)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSweepPublishesAliveOnly(t *testing.T) {
	builder := &stubBuilder{}
	a := descriptor(t, "a.example.net")
	b := descriptor(t, "b.example.net")

	outcomes := map[string]struct {
		rtt time.Duration
		err error
	}{
		a.ID.Hex(): {rtt: 20 * time.Millisecond},
		b.ID.Hex(): {err: errors.New("timeout")},
	}
	dialerID := map[pool.Dialer]string{}

	var published []*pool.Snapshot
	c := New(Config{
		Build: BuildFunc(func(d tunnel.Descriptor) (pool.Dialer, error) {
			ob, err := builder.Build(d)
			if err == nil {
				dialerID[ob] = d.ID.Hex()
			}
			return ob, err
		}),
		Interval: time.Hour,
		Timeout:  time.Second,
		Probe: func(_ context.Context, ob pool.Dialer) (time.Duration, error) {
			o := outcomes[dialerID[ob]]
			return o.rtt, o.err
		},
		OnSweep: func(s *pool.Snapshot) { published = append(published, s) },
	})
	c.SetTunnels([]tunnel.Descriptor{a, b})
	c.Sweep()

	if len(published) != 1 {
		t.Fatalf("published %d snapshots, want 1", len(published))
	}
	snap := published[0]
	if len(snap.Alive) != 1 || snap.Alive[0].Descriptor.ID != a.ID {
		t.Fatalf("alive set = %d members, want only the healthy tunnel", len(snap.Alive))
	}
	if !c.Alive(a.ID) {
		t.Error("healthy tunnel reported dead")
	}
	if c.Alive(b.ID) {
		t.Error("failing tunnel reported alive")
	}
	if rec := c.Records()[b.ID]; rec.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d, want 1", rec.ConsecutiveFailures)
	}
}

func TestFailoverAfterSweep(t *testing.T) {
	a := descriptor(t, "fast.example.net")
	b := descriptor(t, "slow.example.net")

	var mu sync.Mutex
	failA := false
	dialerID := map[pool.Dialer]string{}

	var last *pool.Snapshot
	c := New(Config{
		Build: BuildFunc(func(d tunnel.Descriptor) (pool.Dialer, error) {
			ob := &closeTrackingDialer{}
			dialerID[ob] = d.ID.Hex()
			return ob, nil
		}),
		Interval: time.Hour,
		Probe: func(_ context.Context, ob pool.Dialer) (time.Duration, error) {
			mu.Lock()
			defer mu.Unlock()
			switch dialerID[ob] {
			case a.ID.Hex():
				if failA {
					return 0, errors.New("probe failed")
				}
				return 10 * time.Millisecond, nil
			default:
				return 100 * time.Millisecond, nil
			}
		},
		OnSweep: func(s *pool.Snapshot) { last = s },
	})
	c.SetTunnels([]tunnel.Descriptor{a, b})

	c.Sweep()
	if len(last.Alive) != 2 || last.Alive[0].Descriptor.ID != a.ID {
		t.Fatal("first sweep should rank the fast tunnel first")
	}

	mu.Lock()
	failA = true
	mu.Unlock()
	c.Sweep()
	if len(last.Alive) != 1 || last.Alive[0].Descriptor.ID != b.ID {
		t.Fatal("second sweep should publish only the surviving tunnel")
	}

	mu.Lock()
	failA = false
	mu.Unlock()
	c.Sweep()
	if !c.Alive(a.ID) {
		t.Error("recovered tunnel still reported dead")
	}
	if rec := c.Records()[a.ID]; rec.ConsecutiveFailures != 0 {
		t.Errorf("failures after recovery = %d, want 0", rec.ConsecutiveFailures)
	}
}

func TestSetTunnelsClosesRemoved(t *testing.T) {
	a := descriptor(t, "a.example.net")
	b := descriptor(t, "b.example.net")
	dialers := map[string]*closeTrackingDialer{}

	c := New(Config{
		Build: BuildFunc(func(d tunnel.Descriptor) (pool.Dialer, error) {
			ob := &closeTrackingDialer{}
			dialers[d.ID.Hex()] = ob
			return ob, nil
		}),
		Probe: func(context.Context, pool.Dialer) (time.Duration, error) { return time.Millisecond, nil },
	})
	c.SetTunnels([]tunnel.Descriptor{a, b})
	c.Sweep()

	c.SetTunnels([]tunnel.Descriptor{a})
	if !dialers[b.ID.Hex()].closed {
		t.Error("removed tunnel's outbound was not closed")
	}
	if dialers[a.ID.Hex()].closed {
		t.Error("surviving tunnel's outbound was closed")
	}
	if c.Alive(b.ID) {
		t.Error("removed tunnel still has a health record")
	}
}

func TestBuildFailureSkipsTunnel(t *testing.T) {
	a := descriptor(t, "a.example.net")
	bad := descriptor(t, "bad.example.net")
	builder := &stubBuilder{failOn: map[tunnel.ID]bool{bad.ID: true}}

	c := New(Config{
		Build: BuildFunc(builder.Build),
		Probe: func(context.Context, pool.Dialer) (time.Duration, error) { return time.Millisecond, nil },
	})
	c.SetTunnels([]tunnel.Descriptor{a, bad})
	c.Sweep()

	if c.Alive(bad.ID) {
		t.Error("unbuildable tunnel reported alive")
	}
	if !c.Alive(a.ID) {
		t.Error("buildable tunnel reported dead")
	}
}

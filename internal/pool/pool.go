// Package pool publishes the alive-tunnel snapshot and picks a tunnel
// for each outgoing connection. Health state is owned by the checker;
// the pool only reads snapshots it is handed.
package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	M "github.com/sagernet/sing/common/metadata"
	"github.com/zeebo/xxh3"

	"github.com/shunt-proxy/shunt/internal/netutil"
	"github.com/shunt-proxy/shunt/internal/tunnel"
)

// ErrNoUpstream is returned by Select when no alive tunnel exists.
var ErrNoUpstream = errors.New("pool: no upstream available")

// Strategy selects how Select picks among alive tunnels.
type Strategy string

const (
	// StrategyBest picks the lowest-rtt alive tunnel.
	StrategyBest Strategy = "best"
	// StrategyETLD pins each eTLD+1 to a stable tunnel.
	StrategyETLD Strategy = "etld"
)

// Tunnel is one alive pool member with its outbound and smoothed rtt.
type Tunnel struct {
	Descriptor tunnel.Descriptor
	Outbound   Dialer
	RTT        time.Duration
}

// Dialer is the slice of adapter.Outbound the pool needs. sing-box
// outbounds satisfy it directly.
type Dialer interface {
	DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error)
}

// Snapshot is an immutable alive set ordered by (rtt, id).
type Snapshot struct {
	Alive       []Tunnel
	InstalledAt time.Time
}

// NewSnapshot sorts tunnels by rtt with the id as a deterministic
// tiebreak and stamps the install time.
func NewSnapshot(tunnels []Tunnel) *Snapshot {
	sorted := make([]Tunnel, len(tunnels))
	copy(sorted, tunnels)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RTT != sorted[j].RTT {
			return sorted[i].RTT < sorted[j].RTT
		}
		a, b := sorted[i].Descriptor.ID, sorted[j].Descriptor.ID
		return bytes.Compare(a[:], b[:]) < 0
	})
	return &Snapshot{Alive: sorted, InstalledAt: time.Now()}
}

const penaltyCapacity = 1024

// Config configures a Pool.
type Config struct {
	Strategy Strategy
	// PenaltyWindow bounds how long a dial failure biases selection
	// away from a tunnel. Typically one health-sweep interval.
	PenaltyWindow time.Duration
	// Alive optionally reports liveness fresher than the snapshot.
	// Nil means trust the snapshot.
	Alive func(tunnel.ID) bool
}

// Pool is safe for concurrent Select and Install.
type Pool struct {
	strategy Strategy
	alive    func(tunnel.ID) bool

	snap      atomic.Pointer[Snapshot]
	penalties otter.Cache[tunnel.ID, struct{}]
}

// New builds an empty pool; Install publishes the first snapshot.
func New(cfg Config) (*Pool, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyBest
	}
	if cfg.PenaltyWindow <= 0 {
		cfg.PenaltyWindow = 30 * time.Second
	}
	penalties, err := otter.MustBuilder[tunnel.ID, struct{}](penaltyCapacity).
		WithTTL(cfg.PenaltyWindow).
		Build()
	if err != nil {
		return nil, fmt.Errorf("pool: build penalty table: %w", err)
	}
	p := &Pool{
		strategy:  cfg.Strategy,
		alive:     cfg.Alive,
		penalties: penalties,
	}
	p.snap.Store(&Snapshot{})
	return p, nil
}

// Install atomically replaces the alive snapshot. In-flight selections
// finish against the snapshot they loaded.
func (p *Pool) Install(s *Snapshot) {
	p.snap.Store(s)
}

// Snapshot returns the current snapshot.
func (p *Pool) Snapshot() *Snapshot {
	return p.snap.Load()
}

// Select picks a tunnel for the target domain according to the
// configured strategy.
func (p *Pool) Select(targetDomain string) (*Handle, error) {
	snap := p.snap.Load()
	if len(snap.Alive) == 0 {
		return nil, ErrNoUpstream
	}
	var chosen *Tunnel
	switch p.strategy {
	case StrategyETLD:
		chosen = p.selectETLD(snap, targetDomain)
	default:
		chosen = p.selectBest(snap)
	}
	if chosen == nil {
		return nil, ErrNoUpstream
	}
	return &Handle{Tunnel: *chosen, pool: p}, nil
}

// selectBest walks the rtt-sorted list, skipping tunnels inside their
// penalty window. If every tunnel is penalized the overall best still
// wins.
func (p *Pool) selectBest(snap *Snapshot) *Tunnel {
	var fallback *Tunnel
	for i := range snap.Alive {
		t := &snap.Alive[i]
		if !p.isAlive(t.Descriptor.ID) {
			continue
		}
		if fallback == nil {
			fallback = t
		}
		if _, penalized := p.penalties.Get(t.Descriptor.ID); penalized {
			continue
		}
		return t
	}
	return fallback
}

// selectETLD hashes the target's eTLD+1 to an index and advances
// clockwise past tunnels that died since the snapshot was installed.
func (p *Pool) selectETLD(snap *Snapshot, targetDomain string) *Tunnel {
	domain := netutil.ExtractDomain(targetDomain)
	idx := int(xxh3.HashString(domain) % uint64(len(snap.Alive)))
	for off := 0; off < len(snap.Alive); off++ {
		t := &snap.Alive[(idx+off)%len(snap.Alive)]
		if p.isAlive(t.Descriptor.ID) {
			return t
		}
	}
	return nil
}

func (p *Pool) isAlive(id tunnel.ID) bool {
	return p.alive == nil || p.alive(id)
}

func (p *Pool) penalize(id tunnel.ID) {
	p.penalties.Set(id, struct{}{})
}

// Handle wraps one selected tunnel for the duration of a connection.
type Handle struct {
	Tunnel
	pool *Pool
}

// Dial opens a stream to host:port through the tunnel. A setup failure
// penalizes the tunnel for one penalty window; only the health checker
// can mark it dead.
func (h *Handle) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := h.Outbound.DialContext(ctx, "tcp", M.ParseSocksaddr(target))
	if err != nil {
		h.pool.penalize(h.Descriptor.ID)
		return nil, fmt.Errorf("pool: dial %s via %s: %w", target, h.Descriptor.ID, err)
	}
	return conn, nil
}

// Package health owns tunnel liveness. It sweeps the descriptor set at
// a fixed interval, probes every tunnel in parallel, and publishes an
// alive-only snapshot to the pool after each sweep. Nothing else
// mutates health state.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/puzpuzpuz/xsync/v4"
	M "github.com/sagernet/sing/common/metadata"
	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/logging"
	"github.com/shunt-proxy/shunt/internal/pool"
	"github.com/shunt-proxy/shunt/internal/scanloop"
	"github.com/shunt-proxy/shunt/internal/tunnel"
)

// DefaultCanary is the liveness target: a short-lived stream is opened
// through the tunnel and closed immediately. The target is fixed so rtt
// samples stay comparable across tunnels.
const DefaultCanary = "www.google.com:80"

// rttEwmaDecay smooths probe rtt over roughly the last ten samples.
const rttEwmaDecay = 10

// ProbeFunc measures one round trip through an outbound.
type ProbeFunc func(ctx context.Context, ob pool.Dialer) (time.Duration, error)

// CanaryProbe dials the canary through the tunnel and reports the
// stream-establishment time.
func CanaryProbe(canary string) ProbeFunc {
	if canary == "" {
		canary = DefaultCanary
	}
	dest := M.ParseSocksaddr(canary)
	return func(ctx context.Context, ob pool.Dialer) (time.Duration, error) {
		start := time.Now()
		conn, err := ob.DialContext(ctx, "tcp", dest)
		if err != nil {
			return 0, err
		}
		rtt := time.Since(start)
		_ = conn.Close()
		return rtt, nil
	}
}

// Record is the published health state of one tunnel.
type Record struct {
	Name                string
	Endpoint            string
	RTT                 time.Duration
	LastCheck           time.Time
	ConsecutiveFailures int
	Alive               bool
}

// BuildFunc turns a descriptor into a dialable outbound. Injectable
// for testing; production wires tunnel.SingboxBuilder.Build.
type BuildFunc func(tunnel.Descriptor) (pool.Dialer, error)

// Config configures a Checker.
type Config struct {
	Build       BuildFunc
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Probe       ProbeFunc
	// OnSweep receives the alive snapshot after every completed sweep.
	OnSweep func(*pool.Snapshot)
}

type entry struct {
	desc     tunnel.Descriptor
	outbound pool.Dialer
	closer   func() error

	rtt       ewma.MovingAverage
	failures  int
	lastCheck time.Time
	alive     bool
}

// Checker runs the sweep loop.
type Checker struct {
	cfg Config
	log *logrus.Entry
	sem chan struct{}

	mu      sync.Mutex
	entries map[tunnel.ID]*entry
	order   []tunnel.ID

	records *xsync.Map[tunnel.ID, Record]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Checker; SetTunnels installs the descriptor set.
func New(cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Probe == nil {
		cfg.Probe = CanaryProbe(DefaultCanary)
	}
	return &Checker{
		cfg:     cfg,
		log:     logging.Component("health"),
		sem:     make(chan struct{}, cfg.Concurrency),
		entries: make(map[tunnel.ID]*entry),
		records: xsync.NewMap[tunnel.ID, Record](),
		stopCh:  make(chan struct{}),
	}
}

// SetTunnels reconciles the descriptor set after a provider refresh.
// New descriptors get a freshly built outbound; removed ones are closed
// and forgotten. Health state of surviving tunnels is preserved.
func (c *Checker) SetTunnels(descriptors []tunnel.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[tunnel.ID]*entry, len(descriptors))
	order := make([]tunnel.ID, 0, len(descriptors))
	for _, d := range descriptors {
		if existing, ok := c.entries[d.ID]; ok {
			next[d.ID] = existing
			order = append(order, d.ID)
			continue
		}
		ob, err := c.cfg.Build(d)
		if err != nil {
			c.log.WithError(err).WithField("tunnel", d.Name).Warn("build outbound failed, skipping tunnel")
			continue
		}
		next[d.ID] = &entry{
			desc:     d,
			outbound: ob,
			closer:   closerOf(ob),
			rtt:      ewma.NewMovingAverage(rttEwmaDecay),
		}
		order = append(order, d.ID)
	}
	for id, e := range c.entries {
		if _, kept := next[id]; kept {
			continue
		}
		if e.closer != nil {
			_ = e.closer()
		}
		c.records.Delete(id)
	}
	c.entries = next
	c.order = order
}

func closerOf(ob pool.Dialer) func() error {
	if closer, ok := ob.(interface{ Close() error }); ok {
		return closer.Close
	}
	return nil
}

// Start launches the sweep loop with an immediate first sweep.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Sweep()
		scanloop.Run(c.stopCh, c.cfg.Interval, c.cfg.Interval/8, c.Sweep)
	}()
}

// Stop halts the loop and waits for a running sweep to drain.
func (c *Checker) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Sweep probes every tunnel in parallel and publishes the result. A
// sweep interrupted by Stop publishes nothing.
func (c *Checker) Sweep() {
	c.mu.Lock()
	targets := make([]*entry, 0, len(c.order))
	for _, id := range c.order {
		targets = append(targets, c.entries[id])
	}
	c.mu.Unlock()

	type outcome struct {
		e   *entry
		rtt time.Duration
		err error
	}
	results := make([]outcome, len(targets))

	var wg sync.WaitGroup
	for i, e := range targets {
		wg.Add(1)
		go func(i int, e *entry) {
			defer wg.Done()
			c.sem <- struct{}{}
			defer func() { <-c.sem }()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			defer cancel()
			rtt, err := c.cfg.Probe(ctx, e.outbound)
			results[i] = outcome{e: e, rtt: rtt, err: err}
		}(i, e)
	}
	wg.Wait()

	select {
	case <-c.stopCh:
		return
	default:
	}

	now := time.Now()
	alive := make([]pool.Tunnel, 0, len(results))
	for _, r := range results {
		e := r.e
		e.lastCheck = now
		if r.err != nil {
			e.failures++
			e.alive = false
		} else {
			e.failures = 0
			e.alive = true
			if e.rtt.Value() == 0 {
				e.rtt.Set(float64(r.rtt))
			} else {
				e.rtt.Add(float64(r.rtt))
			}
		}
		c.records.Store(e.desc.ID, Record{
			Name:                e.desc.Name,
			Endpoint:            e.desc.Addr(),
			RTT:                 time.Duration(e.rtt.Value()),
			LastCheck:           e.lastCheck,
			ConsecutiveFailures: e.failures,
			Alive:               e.alive,
		})
		if e.alive {
			alive = append(alive, pool.Tunnel{
				Descriptor: e.desc,
				Outbound:   e.outbound,
				RTT:        time.Duration(e.rtt.Value()),
			})
		}
	}

	c.log.WithFields(logrus.Fields{
		"alive": len(alive),
		"total": len(results),
	}).Debug("sweep complete")

	if c.cfg.OnSweep != nil {
		c.cfg.OnSweep(pool.NewSnapshot(alive))
	}
}

// Alive reports whether id passed its most recent probe. Unknown ids
// are dead.
func (c *Checker) Alive(id tunnel.ID) bool {
	rec, ok := c.records.Load(id)
	return ok && rec.Alive
}

// Records returns a point-in-time copy of all health records.
func (c *Checker) Records() map[tunnel.ID]Record {
	out := make(map[tunnel.ID]Record)
	c.records.Range(func(id tunnel.ID, rec Record) bool {
		out[id] = rec
		return true
	})
	return out
}

// Close releases every built outbound. Call after Stop.
func (c *Checker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.closer != nil {
			_ = e.closer()
		}
	}
	c.entries = map[tunnel.ID]*entry{}
	c.order = nil
}

// Package thp is the transparent proxy server. Hijacked connections
// land here; each one is sniffed for its real destination, routed
// through a pool tunnel, and spliced until both directions finish.
package thp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/logging"
	"github.com/shunt-proxy/shunt/internal/pool"
	"github.com/shunt-proxy/shunt/internal/sniff"
)

const (
	DefaultSniffTimeout = 2 * time.Second
	DefaultIdleTimeout  = 10 * time.Minute
	DefaultDialTimeout  = 10 * time.Second
)

const spliceBufferSize = 32 * 1024

// Upstream is one dialable connection target through a selected tunnel.
// pool.Handle satisfies it.
type Upstream interface {
	Dial(ctx context.Context, host string, port uint16) (net.Conn, error)
}

// SelectFunc picks a tunnel for the sniffed destination domain.
type SelectFunc func(domain string) (Upstream, error)

// Config configures a Server.
type Config struct {
	Listens      []string
	Select       SelectFunc
	SniffTimeout time.Duration
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
}

// Counters are the read-only connection statistics exposed to the
// stats controller.
type Counters struct {
	Active        int64
	Accepted      uint64
	SniffFailures uint64
	NoUpstream    uint64
	DialFailures  uint64
}

// Server accepts hijacked connections on every configured address.
type Server struct {
	cfg Config
	log *logrus.Entry

	listeners []net.Listener

	active        atomic.Int64
	accepted      atomic.Uint64
	sniffFailures atomic.Uint64
	noUpstream    atomic.Uint64
	dialFailures  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server. Start binds the listeners.
func New(cfg Config) *Server {
	if cfg.SniffTimeout <= 0 {
		cfg.SniffTimeout = DefaultSniffTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    logging.Component("thp"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds every configured address and launches the accept loops.
// A single bind failure closes whatever already bound and fails Start.
func (s *Server) Start() error {
	for _, addr := range s.cfg.Listens {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, bound := range s.listeners {
				_ = bound.Close()
			}
			return err
		}
		s.listeners = append(s.listeners, ln)
	}
	for _, ln := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(ln)
		s.log.WithField("listen", ln.Addr().String()).Info("thp server started")
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(s.listeners))
	for i, ln := range s.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

// Stop closes the listeners and waits for in-flight connections.
func (s *Server) Stop() {
	s.cancel()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.wg.Wait()
}

// Counters returns a point-in-time copy of the connection statistics.
func (s *Server) Counters() Counters {
	return Counters{
		Active:        s.active.Load(),
		Accepted:      s.accepted.Load(),
		SniffFailures: s.sniffFailures.Load(),
		NoUpstream:    s.noUpstream.Load(),
		DialFailures:  s.dialFailures.Load(),
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	port := listenerPort(ln)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			s.handleConn(conn, port)
		}(conn)
	}
}

func listenerPort(ln net.Listener) uint16 {
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// handleConn runs the sniff, select, dial, replay, splice sequence for
// one hijacked connection.
func (s *Server) handleConn(conn net.Conn, port uint16) {
	defer conn.Close()
	s.accepted.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	log := s.log.WithFields(logrus.Fields{
		"conn":   uuid.NewString(),
		"client": conn.RemoteAddr().String(),
	})

	result := sniff.Sniff(conn, s.cfg.SniffTimeout)
	if result.Kind == sniff.KindUnknown || result.Host == "" {
		s.sniffFailures.Add(1)
		log.Debug("destination not sniffable, closing")
		return
	}
	log = log.WithFields(logrus.Fields{
		"host":  result.Host,
		"port":  port,
		"proto": result.Kind.String(),
	})

	up, err := s.cfg.Select(result.Host)
	if err != nil {
		s.noUpstream.Add(1)
		log.WithError(err).Debug("no upstream, closing")
		return
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	remote, err := up.Dial(dialCtx, result.Host, port)
	cancel()
	if err != nil {
		s.dialFailures.Add(1)
		log.WithError(err).Debug("tunnel dial failed, closing")
		return
	}
	defer remote.Close()

	if len(result.Preamble) > 0 {
		if _, err := remote.Write(result.Preamble); err != nil {
			log.WithError(err).Debug("preamble replay failed")
			return
		}
	}

	log.Debug("splicing")
	splice(conn, remote, s.cfg.IdleTimeout)
}

// splice relays bytes in both directions until each side has reached
// EOF, propagating half-close, or until the shared idle timer fires.
func splice(client, remote net.Conn, idle time.Duration) {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyHalf(remote, client, idle, &lastActivity)
	}()
	go func() {
		defer wg.Done()
		copyHalf(client, remote, idle, &lastActivity)
	}()
	wg.Wait()
}

// copyHalf pumps one direction. EOF on src shuts down the write side
// of dst so the peer sees the half-close. A read deadline that fires
// while the other direction is still moving bytes is extended instead
// of ending the stream.
func copyHalf(dst, src net.Conn, idle time.Duration, lastActivity *atomic.Int64) {
	defer closeWrite(dst)
	buf := make([]byte, spliceBufferSize)
	for {
		if idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err == nil {
			continue
		}
		var nerr net.Error
		if idle > 0 && errors.As(err, &nerr) && nerr.Timeout() {
			last := time.Unix(0, lastActivity.Load())
			if time.Since(last) < idle {
				continue
			}
		}
		return
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// PoolSelect adapts a pool to the Select seam.
func PoolSelect(p *pool.Pool) SelectFunc {
	return func(domain string) (Upstream, error) {
		return p.Select(domain)
	}
}

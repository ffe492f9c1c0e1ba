// Package dnsserver is the DNS front door. Every query is classified
// through a fixed chain: static hosts, reject rules, hijack rules, the
// answer cache, and finally the upstream nameservers. The chain order
// lets a hosts entry whitelist a name the reject feed would block.
package dnsserver

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/dnscache"
	"github.com/shunt-proxy/shunt/internal/logging"
	"github.com/shunt-proxy/shunt/internal/rule"
)

const (
	upstreamTimeout = 5 * time.Second
	tcpIdleTimeout  = 10 * time.Second
	udpReadTimeout  = time.Second
)

// Decision labels the branch of the classification chain that produced
// a response. It feeds the stats counters and the query log.
type Decision string

const (
	DecisionHosts    Decision = "hosts"
	DecisionReject   Decision = "reject"
	DecisionHijack   Decision = "hijack"
	DecisionCache    Decision = "cache"
	DecisionUpstream Decision = "upstream"
	DecisionError    Decision = "error"
)

// Exchanger resolves a query against one upstream nameserver.
// Injectable for testing; production uses dns.Client.ExchangeContext.
type Exchanger func(ctx context.Context, msg *dns.Msg, nameserver string) (*dns.Msg, error)

// Config configures a Server.
type Config struct {
	Listen      string
	Hosts       map[string]netip.Addr
	Reject      func() rule.Set
	Hijack      func() rule.Set
	Sentinel    netip.Addr
	Cache       *dnscache.Cache
	CacheTTL    time.Duration
	Nameservers []string
	Exchange    Exchanger
	// OnQuery observes every answered single-question query; FORMERR
	// replies are not observed. Nil disables observation.
	OnQuery func(q dns.Question, d Decision)
}

// Counters are the read-only query statistics exposed to the stats
// controller.
type Counters struct {
	Queries   uint64
	CacheHits uint64
	Rejected  uint64
	Hijacked  uint64
	Upstream  uint64
	Failures  uint64
}

// Server answers DNS over UDP and TCP on one listen address.
type Server struct {
	cfg Config
	log *logrus.Entry

	udp *net.UDPConn
	tcp net.Listener

	queries   atomic.Uint64
	cacheHits atomic.Uint64
	rejected  atomic.Uint64
	hijacked  atomic.Uint64
	upstream  atomic.Uint64
	failures  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server. Start binds the listeners.
func New(cfg Config) *Server {
	if cfg.Exchange == nil {
		client := &dns.Client{Timeout: upstreamTimeout}
		cfg.Exchange = func(ctx context.Context, msg *dns.Msg, nameserver string) (*dns.Msg, error) {
			reply, _, err := client.ExchangeContext(ctx, msg, nameserver)
			return reply, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    logging.Component("dns"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the UDP and TCP listeners and launches the serve loops.
func (s *Server) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.udp, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.tcp, err = net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		_ = s.udp.Close()
		return err
	}

	s.wg.Add(2)
	go s.serveUDP()
	go s.serveTCP()

	s.log.WithField("listen", s.cfg.Listen).Info("dns server started")
	return nil
}

// Stop closes the listeners and waits for in-flight queries to drain.
func (s *Server) Stop() {
	s.cancel()
	if s.udp != nil {
		_ = s.udp.Close()
	}
	if s.tcp != nil {
		_ = s.tcp.Close()
	}
	s.wg.Wait()
}

// Counters returns a point-in-time copy of the query statistics.
func (s *Server) Counters() Counters {
	return Counters{
		Queries:   s.queries.Load(),
		CacheHits: s.cacheHits.Load(),
		Rejected:  s.rejected.Load(),
		Hijacked:  s.hijacked.Load(),
		Upstream:  s.upstream.Load(),
		Failures:  s.failures.Load(),
	}
}

func (s *Server) serveUDP() {
	defer s.wg.Done()
	buf := make([]byte, dns.MaxMsgSize)
	for {
		_ = s.udp.SetReadDeadline(time.Now().Add(udpReadTimeout))
		n, client, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			s.log.WithError(err).Warn("udp read failed")
			continue
		}
		request := make([]byte, n)
		copy(request, buf[:n])
		s.wg.Add(1)
		go func(request []byte, client *net.UDPAddr) {
			defer s.wg.Done()
			response := s.handlePacket(request, true)
			if response == nil {
				return
			}
			if _, err := s.udp.WriteToUDP(response, client); err != nil {
				s.log.WithError(err).Debug("udp write failed")
			}
		}(request, client)
	}
}

func (s *Server) serveTCP() {
	defer s.wg.Done()
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("tcp accept failed")
			continue
		}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			s.handleTCPConn(conn)
		}(conn)
	}
}

// handleTCPConn serves length-prefixed queries until the client closes
// or idles out.
func (s *Server) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	for {
		_ = conn.SetDeadline(time.Now().Add(tcpIdleTimeout))
		var length uint16
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			return
		}
		request := make([]byte, length)
		if _, err := io.ReadFull(conn, request); err != nil {
			return
		}
		response := s.handlePacket(request, false)
		if response == nil {
			return
		}
		if err := binary.Write(conn, binary.BigEndian, uint16(len(response))); err != nil {
			return
		}
		if _, err := conn.Write(response); err != nil {
			return
		}
	}
}

// handlePacket decodes one wire-format query and encodes the reply,
// truncating UDP responses to the negotiated payload size.
func (s *Server) handlePacket(request []byte, udp bool) []byte {
	query := new(dns.Msg)
	if err := query.Unpack(request); err != nil {
		s.log.WithError(err).Debug("malformed query dropped")
		return nil
	}
	reply := s.Resolve(query)
	if udp {
		reply.Truncate(payloadSize(query))
	}
	packed, err := reply.Pack()
	if err != nil {
		s.log.WithError(err).Warn("pack response failed")
		return nil
	}
	return packed
}

// payloadSize reports the maximum UDP response size the client
// advertised via EDNS0, or the classic 512-byte limit.
func payloadSize(query *dns.Msg) int {
	if opt := query.IsEdns0(); opt != nil {
		if size := int(opt.UDPSize()); size > dns.MinMsgSize {
			return size
		}
	}
	return dns.MinMsgSize
}

// Resolve runs the classification chain for one query and returns the
// reply. The reply always mirrors the request id and question section.
func (s *Server) Resolve(query *dns.Msg) *dns.Msg {
	s.queries.Add(1)

	if len(query.Question) != 1 {
		reply := new(dns.Msg)
		reply.SetRcode(query, dns.RcodeFormatError)
		return reply
	}
	q := query.Question[0]
	name := rule.Normalize(q.Name)
	log := s.log.WithFields(logrus.Fields{
		"name":  name,
		"qtype": dns.TypeToString[q.Qtype],
	})

	if addr, ok := s.cfg.Hosts[name]; ok {
		if rr := hostRecord(q, addr); rr != nil {
			log.Debug("answered from hosts")
			return s.observe(q, DecisionHosts, synthesize(query, rr))
		}
	}

	if s.ruleMatch(s.cfg.Reject, name) {
		s.rejected.Add(1)
		log.Debug("rejected")
		return s.observe(q, DecisionReject, synthesize(query))
	}

	if s.cfg.Sentinel.IsValid() && s.ruleMatch(s.cfg.Hijack, name) {
		s.hijacked.Add(1)
		log.Debug("hijacked")
		if q.Qtype != dns.TypeA {
			// Only A is synthesized; empty NOERROR pushes clients to
			// the A answer.
			return s.observe(q, DecisionHijack, synthesize(query))
		}
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   s.cfg.Sentinel.AsSlice(),
		}
		return s.observe(q, DecisionHijack, synthesize(query, rr))
	}

	key := dnscache.KeyFor(q)
	if s.cfg.Cache != nil {
		if cached, ok := s.cfg.Cache.Get(key); ok {
			s.cacheHits.Add(1)
			cached.Id = query.Id
			cached.Question = query.Question
			log.Debug("answered from cache")
			return s.observe(q, DecisionCache, cached)
		}
	}

	reply, err := s.forward(query)
	if err != nil {
		s.failures.Add(1)
		log.WithError(err).Warn("upstream query failed")
		fail := new(dns.Msg)
		fail.SetRcode(query, dns.RcodeServerFailure)
		return s.observe(q, DecisionError, fail)
	}
	s.upstream.Add(1)
	if s.cfg.Cache != nil && reply.Rcode == dns.RcodeSuccess {
		if ttl := cacheTTL(reply, s.cfg.CacheTTL); ttl > 0 {
			s.cfg.Cache.Put(key, reply, ttl)
		}
	}
	return s.observe(q, DecisionUpstream, reply)
}

func (s *Server) observe(q dns.Question, d Decision, reply *dns.Msg) *dns.Msg {
	if s.cfg.OnQuery != nil {
		s.cfg.OnQuery(q, d)
	}
	return reply
}

func (s *Server) ruleMatch(set func() rule.Set, name string) bool {
	if set == nil {
		return false
	}
	rs := set()
	return rs != nil && rs.Contains(name)
}

// forward races the query against every configured nameserver and
// returns the first reply. Losing exchanges are cancelled.
func (s *Server) forward(query *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(s.ctx, upstreamTimeout)
	defer cancel()

	type result struct {
		reply *dns.Msg
		err   error
	}
	results := make(chan result, len(s.cfg.Nameservers))
	for _, ns := range s.cfg.Nameservers {
		go func(ns string) {
			reply, err := s.cfg.Exchange(ctx, query.Copy(), ns)
			results <- result{reply: reply, err: err}
		}(ns)
	}

	var lastErr error
	for range s.cfg.Nameservers {
		select {
		case r := <-results:
			if r.err != nil {
				lastErr = r.err
				continue
			}
			if r.reply == nil {
				lastErr = errors.New("nil reply")
				continue
			}
			return r.reply, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers configured")
	}
	return nil, lastErr
}

// hostRecord synthesizes the record for a hosts entry, or nil when the
// qtype does not fit the mapped address family.
func hostRecord(q dns.Question, addr netip.Addr) dns.RR {
	switch {
	case q.Qtype == dns.TypeA && addr.Is4():
		return &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   addr.AsSlice(),
		}
	case q.Qtype == dns.TypeAAAA && addr.Is6() && !addr.Is4In6():
		return &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 0},
			AAAA: addr.AsSlice(),
		}
	}
	return nil
}

// synthesize builds an authoritative reply carrying the given answers.
func synthesize(query *dns.Msg, answers ...dns.RR) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Authoritative = true
	reply.RecursionAvailable = true
	reply.Answer = answers
	return reply
}

// cacheTTL is the smallest answer TTL, bounded above by max. Replies
// without answers (negative responses) use the bound directly.
func cacheTTL(reply *dns.Msg, max time.Duration) time.Duration {
	ttl := max
	for _, rr := range reply.Answer {
		if d := time.Duration(rr.Header().Ttl) * time.Second; d < ttl {
			ttl = d
		}
	}
	return ttl
}

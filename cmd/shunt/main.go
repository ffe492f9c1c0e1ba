package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/buildinfo"
	"github.com/shunt-proxy/shunt/internal/config"
	"github.com/shunt-proxy/shunt/internal/dnscache"
	"github.com/shunt-proxy/shunt/internal/dnsserver"
	"github.com/shunt-proxy/shunt/internal/geoip"
	"github.com/shunt-proxy/shunt/internal/health"
	"github.com/shunt-proxy/shunt/internal/logging"
	"github.com/shunt-proxy/shunt/internal/netutil"
	"github.com/shunt-proxy/shunt/internal/pool"
	"github.com/shunt-proxy/shunt/internal/provider"
	"github.com/shunt-proxy/shunt/internal/querylog"
	"github.com/shunt-proxy/shunt/internal/rule"
	"github.com/shunt-proxy/shunt/internal/stats"
	"github.com/shunt-proxy/shunt/internal/thp"
	"github.com/shunt-proxy/shunt/internal/tunnel"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Timestamp); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	runtime.GOMAXPROCS(cfg.Worker)

	log := logging.Component("main")
	log.WithFields(logrus.Fields{
		"version": buildinfo.Version,
		"commit":  buildinfo.GitCommit,
	}).Info("shunt starting")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *logrus.Entry) error {
	// Outbound builder and pool. The pool trusts the checker for
	// liveness fresher than the installed snapshot.
	builder, err := tunnel.NewSingboxBuilder()
	if err != nil {
		return err
	}
	defer builder.Close()

	var checker *health.Checker
	tunnelPool, err := pool.New(pool.Config{
		Strategy:      pool.Strategy(cfg.Upstream.LoadBalance),
		PenaltyWindow: cfg.Upstream.Check.Interval.Std(),
		Alive:         func(id tunnel.ID) bool { return checker.Alive(id) },
	})
	if err != nil {
		return err
	}

	checker = health.New(health.Config{
		Build:    func(d tunnel.Descriptor) (pool.Dialer, error) { return builder.Build(d) },
		Interval: cfg.Upstream.Check.Interval.Std(),
		Timeout:  cfg.Upstream.Check.Timeout.Std(),
		OnSweep:  tunnelPool.Install,
	})

	// Feed downloads resolve through the bootstrap resolvers and fall
	// back to fetching through an established tunnel, since the host's
	// own DNS usually points back at this process.
	direct := netutil.NewDirectDownloader(cfg.Resolvers, provider.DefaultFetchTimeout)
	downloader := &netutil.RetryDownloader{
		Direct:      direct,
		TunnelFetch: tunnelFetcher(tunnelPool, direct.UserAgent),
	}

	proxyFeed := provider.NewProxyFeed(provider.ProxyFeedConfig{
		Endpoint:   cfg.Upstream.Provider.Endpoint,
		Interval:   cfg.Upstream.Provider.Interval.Std(),
		Downloader: downloader,
		OnUpdate:   checker.SetTunnels,
	})

	var rejectFeed, hijackFeed *provider.RuleFeed
	if cfg.DNS.Reject != nil {
		rejectFeed = provider.NewRuleFeed(provider.RuleFeedConfig{
			Name:       "reject",
			Endpoint:   cfg.DNS.Reject.Endpoint,
			Interval:   cfg.DNS.Reject.Interval.Std(),
			Downloader: downloader,
			Compile:    rule.CompileBloom,
		})
	}
	if cfg.DNS.Hijack != nil {
		hijackFeed = provider.NewRuleFeed(provider.RuleFeedConfig{
			Name:       "hijack",
			Endpoint:   cfg.DNS.Hijack.Endpoint,
			Interval:   cfg.DNS.Hijack.Interval.Std(),
			Downloader: downloader,
		})
	}

	// Optional query log.
	var qlog *querylog.Service
	if cfg.QueryLog != nil {
		repo := querylog.NewRepo(cfg.QueryLog.Dir, int64(cfg.QueryLog.MaxMB)<<20, cfg.QueryLog.RetainCount)
		if err := repo.Open(); err != nil {
			return err
		}
		qlog = querylog.NewService(querylog.ServiceConfig{Repo: repo})
	}

	// Optional GeoIP.
	var geo *geoip.Service
	if cfg.GeoIP != nil {
		geo = geoip.NewService(cfg.GeoIP.Path, nil)
		if err := geo.Load(); err != nil {
			log.WithError(err).Warn("geoip database unavailable, country annotation disabled")
			geo = nil
		} else {
			defer geo.Close()
		}
	}

	cache, err := dnscache.New(cfg.DNS.Cache.Size)
	if err != nil {
		return err
	}

	dnsSrv := dnsserver.New(dnsserver.Config{
		Listen:      cfg.DNS.Listen,
		Hosts:       staticHosts(cfg.DNS.Hosts),
		Reject:      feedSet(rejectFeed),
		Hijack:      feedSet(hijackFeed),
		Sentinel:    cfg.HijackSentinel(),
		Cache:       cache,
		CacheTTL:    cfg.DNS.Cache.TTL.Std(),
		Nameservers: cfg.DNS.Upstream.Nameservers,
		OnQuery:     queryObserver(qlog),
	})

	thpSrv := thp.New(thp.Config{
		Listens: cfg.THP.Listen,
		Select:  thp.PoolSelect(tunnelPool),
	})

	// Startup order: proxy list first (blocking; the pool is useless
	// without it), then rule feeds, sweeps, and listeners.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := proxyFeed.Start(ctx); err != nil {
		return err
	}
	defer proxyFeed.Stop()
	if rejectFeed != nil {
		if err := rejectFeed.Start(); err != nil {
			return err
		}
		defer rejectFeed.Stop()
	}
	if hijackFeed != nil {
		if err := hijackFeed.Start(); err != nil {
			return err
		}
		defer hijackFeed.Stop()
	}

	checker.Start()
	defer checker.Close()
	defer checker.Stop()

	if qlog != nil {
		qlog.Start()
		defer func() {
			qlog.Stop()
			_ = qlog.Repo().Close()
		}()
	}

	if err := dnsSrv.Start(); err != nil {
		return err
	}
	defer dnsSrv.Stop()

	if cfg.SniffingEnabled() {
		if err := thpSrv.Start(); err != nil {
			return err
		}
		defer thpSrv.Stop()
	} else {
		log.Warn("sniffing disabled, transparent proxy listeners not started")
	}

	var controller *stats.Server
	if cfg.Controller != nil {
		controller = stats.NewServer(stats.Config{
			Listen:   cfg.Controller.Listen,
			Secret:   cfg.Controller.Secret,
			DNS:      dnsSrv.Counters,
			THP:      thpSrv.Counters,
			CacheLen: cache.Len,
			PoolSize: func() int { return len(tunnelPool.Snapshot().Alive) },
			Tunnels:  checker.Records,
			Country:  countryLookup(geo),
			QueryLog: querylogRepo(qlog),
		})
		if err := controller.Start(); err != nil {
			return err
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.WithField("signal", sig.String()).Info("shutting down")

	if controller != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := controller.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("controller shutdown")
		}
	}
	return nil
}

// staticHosts normalizes the configured hosts table. Addresses were
// already validated by config.Load.
func staticHosts(entries map[string]string) map[string]netip.Addr {
	if len(entries) == 0 {
		return nil
	}
	hosts := make(map[string]netip.Addr, len(entries))
	for name, addr := range entries {
		parsed, err := netip.ParseAddr(addr)
		if err != nil {
			continue
		}
		hosts[rule.Normalize(name)] = parsed
	}
	return hosts
}

func feedSet(f *provider.RuleFeed) func() rule.Set {
	if f == nil {
		return nil
	}
	return f.Set
}

func queryObserver(qlog *querylog.Service) func(dns.Question, dnsserver.Decision) {
	if qlog == nil {
		return nil
	}
	return func(q dns.Question, d dnsserver.Decision) {
		qlog.Emit(rule.Normalize(q.Name), dns.TypeToString[q.Qtype], string(d))
	}
}

func countryLookup(geo *geoip.Service) func(string) string {
	if geo == nil {
		return nil
	}
	return geo.CountryOf
}

func querylogRepo(qlog *querylog.Service) *querylog.Repo {
	if qlog == nil {
		return nil
	}
	return qlog.Repo()
}

// tunnelFetcher downloads a URL with every connection dialed through
// the pool, for feed endpoints unreachable directly.
func tunnelFetcher(p *pool.Pool, userAgent string) func(ctx context.Context, url string) ([]byte, error) {
	return func(ctx context.Context, url string) ([]byte, error) {
		dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				return nil, err
			}
			handle, err := p.Select(netutil.ExtractDomain(host))
			if err != nil {
				return nil, err
			}
			return handle.Dial(ctx, host, uint16(port))
		}
		return netutil.HTTPGetViaDialer(ctx, dial, url, netutil.TunnelHTTPOptions{
			RequireStatusOK: true,
			UserAgent:       userAgent,
		})
	}
}

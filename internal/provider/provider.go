// Package provider periodically fetches remote proxy and rule lists and
// publishes parsed snapshots. A failed refresh always retains the
// previous snapshot.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/logging"
	"github.com/shunt-proxy/shunt/internal/netutil"
	"github.com/shunt-proxy/shunt/internal/tunnel"
)

// DefaultFetchTimeout bounds a single list download.
const DefaultFetchTimeout = 30 * time.Second

// ProxyFeedConfig configures a proxy-list feed.
type ProxyFeedConfig struct {
	Endpoint   string
	Interval   time.Duration // zero disables periodic refresh
	Downloader netutil.Downloader
	// OnUpdate is invoked after each successfully installed snapshot,
	// including the initial one.
	OnUpdate func([]tunnel.Descriptor)
}

// ProxyFeed fetches a base64-encoded list of ss:// URIs.
type ProxyFeed struct {
	cfg  ProxyFeedConfig
	log  *logrus.Entry
	cron *cron.Cron

	snapshot    atomic.Pointer[[]tunnel.Descriptor]
	lastRefresh atomic.Int64 // unix-nano of last successful refresh
}

// NewProxyFeed builds the feed without performing any network calls.
func NewProxyFeed(cfg ProxyFeedConfig) *ProxyFeed {
	f := &ProxyFeed{
		cfg:  cfg,
		log:  logging.Component("provider"),
		cron: cron.New(),
	}
	empty := []tunnel.Descriptor{}
	f.snapshot.Store(&empty)
	return f
}

// Start performs the initial blocking fetch and schedules periodic
// refreshes. The tunnel pool is unusable without a proxy list, so a
// failed initial fetch fails startup.
func (f *ProxyFeed) Start(ctx context.Context) error {
	if err := f.Refresh(ctx); err != nil {
		return fmt.Errorf("provider: initial proxy list fetch: %w", err)
	}
	if f.cfg.Interval > 0 {
		spec := fmt.Sprintf("@every %s", f.cfg.Interval)
		if _, err := f.cron.AddFunc(spec, func() {
			if err := f.Refresh(context.Background()); err != nil {
				f.log.WithError(err).Warn("proxy list refresh failed, keeping previous snapshot")
			}
		}); err != nil {
			return fmt.Errorf("provider: schedule refresh: %w", err)
		}
		f.cron.Start()
	}
	return nil
}

// Stop halts periodic refreshes and waits for a running one to finish.
func (f *ProxyFeed) Stop() {
	<-f.cron.Stop().Done()
}

// Refresh fetches, decodes, and installs a new snapshot.
func (f *ProxyFeed) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()
	body, err := f.cfg.Downloader.Download(ctx, f.cfg.Endpoint)
	if err != nil {
		return err
	}
	text, err := decodeProxyList(body)
	if err != nil {
		return err
	}
	descriptors, skipped := tunnel.ParseList(text)
	f.snapshot.Store(&descriptors)
	f.lastRefresh.Store(time.Now().UnixNano())
	f.log.WithFields(logrus.Fields{
		"tunnels": len(descriptors),
		"skipped": skipped,
	}).Info("proxy list installed")
	if f.cfg.OnUpdate != nil {
		f.cfg.OnUpdate(descriptors)
	}
	return nil
}

// Snapshot returns the current descriptor list. The slice is shared and
// must not be mutated.
func (f *ProxyFeed) Snapshot() []tunnel.Descriptor {
	return *f.snapshot.Load()
}

// LastRefresh returns the time of the last successful refresh, or the
// zero time if none succeeded yet.
func (f *ProxyFeed) LastRefresh() time.Time {
	ns := f.lastRefresh.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// decodeProxyList decodes the conventional whole-body base64 encoding,
// falling back to plain text for providers that skip it.
func decodeProxyList(body []byte) (string, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, string(body))
	if decoded, ok := decodeBase64Relaxed(compact); ok && utf8.Valid(decoded) {
		return string(decoded), nil
	}
	if utf8.Valid(body) {
		return string(body), nil
	}
	return "", fmt.Errorf("provider: proxy list is neither base64 nor utf-8 text")
}

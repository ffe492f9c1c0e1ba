package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/logging"
	"github.com/shunt-proxy/shunt/internal/netutil"
	"github.com/shunt-proxy/shunt/internal/rule"
)

// CompileFunc selects the rule-set implementation. Defaults to
// rule.Compile.
type CompileFunc func([]rule.Rule) rule.Set

// RuleFeedConfig configures a rule-list feed.
type RuleFeedConfig struct {
	Name       string // reject, hijack, ... used in logs
	Endpoint   string
	Interval   time.Duration // zero disables periodic refresh
	Downloader netutil.Downloader
	Compile    CompileFunc
}

// RuleFeed fetches a plain-text rule list and publishes compiled sets.
// Until the first successful fetch, Set returns an empty set, so
// startup never blocks on a rule list.
type RuleFeed struct {
	cfg  RuleFeedConfig
	log  *logrus.Entry
	cron *cron.Cron

	set atomic.Pointer[ruleSetBox]
}

type ruleSetBox struct {
	set rule.Set
}

// NewRuleFeed builds the feed without performing any network calls.
func NewRuleFeed(cfg RuleFeedConfig) *RuleFeed {
	if cfg.Compile == nil {
		cfg.Compile = rule.Compile
	}
	f := &RuleFeed{
		cfg:  cfg,
		log:  logging.Component("provider").WithField("feed", cfg.Name),
		cron: cron.New(),
	}
	f.set.Store(&ruleSetBox{set: cfg.Compile(nil)})
	return f
}

// Start kicks off the initial fetch in the background and schedules
// periodic refreshes.
func (f *RuleFeed) Start() error {
	go func() {
		if err := f.Refresh(context.Background()); err != nil {
			f.log.WithError(err).Warn("initial rule list fetch failed, matching nothing until retry")
		}
	}()
	if f.cfg.Interval > 0 {
		spec := fmt.Sprintf("@every %s", f.cfg.Interval)
		if _, err := f.cron.AddFunc(spec, func() {
			if err := f.Refresh(context.Background()); err != nil {
				f.log.WithError(err).Warn("rule list refresh failed, keeping previous snapshot")
			}
		}); err != nil {
			return fmt.Errorf("provider: schedule %s refresh: %w", f.cfg.Name, err)
		}
		f.cron.Start()
	}
	return nil
}

// Stop halts periodic refreshes.
func (f *RuleFeed) Stop() {
	<-f.cron.Stop().Done()
}

// Refresh fetches, parses, compiles, and installs a new set.
func (f *RuleFeed) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()
	body, err := f.cfg.Downloader.Download(ctx, f.cfg.Endpoint)
	if err != nil {
		return err
	}
	rules, skipped, err := rule.ParseList(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("provider: parse %s rules: %w", f.cfg.Name, err)
	}
	f.set.Store(&ruleSetBox{set: f.cfg.Compile(rules)})
	f.log.WithFields(logrus.Fields{
		"rules":   len(rules),
		"skipped": skipped,
	}).Info("rule list installed")
	return nil
}

// Set returns the current compiled set. Never nil.
func (f *RuleFeed) Set() rule.Set {
	return f.set.Load().set
}

// decodeBase64Relaxed accepts standard or URL-safe alphabets with or
// without padding.
func decodeBase64Relaxed(input string) ([]byte, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	return nil, false
}

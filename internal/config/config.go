// Package config loads and validates the YAML configuration file.
package config

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration schema.
type Config struct {
	Worker    int      `yaml:"worker" validate:"omitempty,min=1"`
	Resolvers []string `yaml:"resolvers" validate:"required,min=1,dive,hostname_port"`
	Sniffing  *bool    `yaml:"sniffing"`

	Log        LogConfig         `yaml:"log"`
	Controller *ControllerConfig `yaml:"controller"`
	DNS        DNSConfig         `yaml:"dns" validate:"required"`
	Upstream   UpstreamConfig    `yaml:"upstream" validate:"required"`
	THP        THPConfig         `yaml:"thp" validate:"required"`

	GeoIP    *GeoIPConfig    `yaml:"geoip"`
	QueryLog *QueryLogConfig `yaml:"query_log"`
}

// LogConfig maps to the `log:` block.
type LogConfig struct {
	Level     string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Timestamp bool   `yaml:"timestamp"`
}

// ControllerConfig enables the RESTful stats controller.
type ControllerConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	Secret string `yaml:"secret"`
}

// DNSConfig configures the DNS front door.
type DNSConfig struct {
	Listen   string             `yaml:"listen" validate:"required,hostname_port"`
	Hosts    map[string]string  `yaml:"hosts"`
	Cache    CacheConfig        `yaml:"cache"`
	Reject   *RuleFeedConfig    `yaml:"reject"`
	Hijack   *HijackFeedConfig  `yaml:"hijack"`
	Upstream DNSUpstreamConfig  `yaml:"upstream" validate:"required"`
}

// CacheConfig bounds the DNS answer cache.
type CacheConfig struct {
	TTL  Duration `yaml:"ttl"`
	Size int      `yaml:"size" validate:"omitempty,min=1"`
}

// RuleFeedConfig points at a remote rule list.
type RuleFeedConfig struct {
	Endpoint string   `yaml:"endpoint" validate:"required,url"`
	Interval Duration `yaml:"interval"`
}

// HijackFeedConfig is a rule feed plus the sentinel address advertised
// in hijacked answers.
type HijackFeedConfig struct {
	Endpoint string   `yaml:"endpoint" validate:"required,url"`
	Interval Duration `yaml:"interval"`
	Hijack   string   `yaml:"hijack" validate:"required,ip"`
}

// DNSUpstreamConfig names the resolvers queries are forwarded to.
type DNSUpstreamConfig struct {
	Nameservers []string `yaml:"nameservers" validate:"required,min=1,dive,hostname_port"`
}

// UpstreamConfig configures the tunnel pool.
type UpstreamConfig struct {
	LoadBalance string         `yaml:"load_balance" validate:"omitempty,oneof=best etld"`
	Check       CheckConfig    `yaml:"check"`
	Provider    ProviderConfig `yaml:"provider" validate:"required"`
}

// CheckConfig drives the health checker sweep.
type CheckConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// ProviderConfig points at the remote proxy list.
type ProviderConfig struct {
	Endpoint string   `yaml:"endpoint" validate:"required,url"`
	Interval Duration `yaml:"interval"`
}

// THPConfig lists the transparent proxy listen addresses.
type THPConfig struct {
	Listen []string `yaml:"listen" validate:"required,min=1,dive,hostname_port"`
}

// GeoIPConfig optionally enables country annotation of tunnel endpoints.
type GeoIPConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// QueryLogConfig optionally enables the persistent DNS query log.
type QueryLogConfig struct {
	Dir         string `yaml:"dir" validate:"required"`
	MaxMB       int    `yaml:"max_mb" validate:"omitempty,min=1"`
	RetainCount int    `yaml:"retain_count" validate:"omitempty,min=1"`
}

// Defaults applied by Load when the corresponding field is zero.
const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheSize     = 4096
	DefaultCheckInterval = 30 * time.Second
	DefaultCheckTimeout  = 5 * time.Second
	DefaultLoadBalance   = "best"
)

// Load reads, decodes, defaults, and validates the YAML config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Worker <= 0 {
		c.Worker = runtime.NumCPU()
	}
	if c.Sniffing == nil {
		v := true
		c.Sniffing = &v
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DNS.Cache.TTL.Std() <= 0 {
		c.DNS.Cache.TTL = Duration(DefaultCacheTTL)
	}
	if c.DNS.Cache.Size <= 0 {
		c.DNS.Cache.Size = DefaultCacheSize
	}
	if c.Upstream.LoadBalance == "" {
		c.Upstream.LoadBalance = DefaultLoadBalance
	}
	if c.Upstream.Check.Interval.Std() <= 0 {
		c.Upstream.Check.Interval = Duration(DefaultCheckInterval)
	}
	if c.Upstream.Check.Timeout.Std() <= 0 {
		c.Upstream.Check.Timeout = Duration(DefaultCheckTimeout)
	}
}

// Validate checks the config beyond what struct tags can express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name, addr := range c.DNS.Hosts {
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("config: dns.hosts[%s]: invalid address %q: %w", name, addr, err)
		}
	}
	if c.Controller != nil && IsWeakSecret(c.Controller.Secret) {
		return fmt.Errorf("config: controller.secret is too weak; use a longer random value")
	}
	return nil
}

// SniffingEnabled reports the effective sniffing switch.
func (c *Config) SniffingEnabled() bool {
	return c.Sniffing == nil || *c.Sniffing
}

// HijackSentinel returns the parsed sentinel address, or an invalid
// netip.Addr when hijacking is not configured.
func (c *Config) HijackSentinel() netip.Addr {
	if c.DNS.Hijack == nil {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(c.DNS.Hijack.Hijack)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

var validate = validator.New(validator.WithRequiredStructEnabled())

package main

import (
	"net/netip"
	"testing"

	"github.com/shunt-proxy/shunt/internal/provider"
)

func TestStaticHostsNormalizesAndParses(t *testing.T) {
	hosts := staticHosts(map[string]string{
		"Router.LAN":  "192.168.1.1",
		"nas.lan.":    "fd00::5",
		"broken.lan":  "not-an-address",
		"printer.lan": "10.0.0.9",
	})

	want := map[string]netip.Addr{
		"router.lan":  netip.MustParseAddr("192.168.1.1"),
		"nas.lan":     netip.MustParseAddr("fd00::5"),
		"printer.lan": netip.MustParseAddr("10.0.0.9"),
	}
	if len(hosts) != len(want) {
		t.Fatalf("got %d entries, want %d", len(hosts), len(want))
	}
	for name, addr := range want {
		got, ok := hosts[name]
		if !ok {
			t.Errorf("missing entry %q", name)
			continue
		}
		if got != addr {
			t.Errorf("%s = %v, want %v", name, got, addr)
		}
	}
}

func TestStaticHostsEmpty(t *testing.T) {
	if hosts := staticHosts(nil); hosts != nil {
		t.Fatalf("expected nil for empty input, got %v", hosts)
	}
}

func TestFeedSetNilFeed(t *testing.T) {
	if fn := feedSet(nil); fn != nil {
		t.Fatal("expected nil accessor for nil feed")
	}
	if fn := feedSet(&provider.RuleFeed{}); fn == nil {
		t.Fatal("expected accessor for non-nil feed")
	}
}

func TestQueryObserverNilService(t *testing.T) {
	if fn := queryObserver(nil); fn != nil {
		t.Fatal("expected nil observer without a query log")
	}
}

func TestCountryLookupNilService(t *testing.T) {
	if fn := countryLookup(nil); fn != nil {
		t.Fatal("expected nil lookup without geoip")
	}
}

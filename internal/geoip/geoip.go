// Package geoip annotates tunnel endpoints with a country code looked
// up in a local MaxMind database. The reader is hot-swappable so the
// database file can be replaced without a restart.
package geoip

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"github.com/sirupsen/logrus"

	"github.com/shunt-proxy/shunt/internal/logging"
)

// Reader is the slice of maxminddb.Reader the service needs.
// Injectable for testing.
type Reader interface {
	Lookup(ip net.IP, result any) error
	Close() error
}

// OpenFunc opens a database file. Production uses MaxmindOpen.
type OpenFunc func(path string) (Reader, error)

// MaxmindOpen opens an mmdb file with the maxminddb reader.
func MaxmindOpen(path string) (Reader, error) {
	return maxminddb.Open(path)
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Service provides country lookups with RWMutex-guarded hot reload.
type Service struct {
	path string
	open OpenFunc
	log  *logrus.Entry

	mu     sync.RWMutex
	reader Reader
}

// NewService builds a Service for the database at path. Load opens it.
func NewService(path string, open OpenFunc) *Service {
	if open == nil {
		open = MaxmindOpen
	}
	return &Service{
		path: path,
		open: open,
		log:  logging.Component("geoip"),
	}
}

// Load opens the database and installs the reader, replacing and
// closing any previous one.
func (s *Service) Load() error {
	reader, err := s.open(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.log.WithField("path", s.path).Info("geoip database loaded")
	return nil
}

// Reload re-opens the database file in place. The previous reader
// stays installed if the reload fails.
func (s *Service) Reload() error {
	return s.Load()
}

// Country returns the ISO country code for ip, or "" when the reader
// is absent or the address is unknown.
func (s *Service) Country(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil || !ip.IsValid() {
		return ""
	}
	var record countryRecord
	if err := s.reader.Lookup(ip.AsSlice(), &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}

// CountryOf resolves host to a country code when host is an IP
// literal. Hostnames are not resolved; lookups stay local and cheap.
func (s *Service) CountryOf(host string) string {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return s.Country(addr)
}

// Close releases the installed reader.
func (s *Service) Close() {
	s.mu.Lock()
	reader := s.reader
	s.reader = nil
	s.mu.Unlock()
	if reader != nil {
		_ = reader.Close()
	}
}

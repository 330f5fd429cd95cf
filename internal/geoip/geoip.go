// Package geoip annotates violator addresses with a country code for the
// admin facade. The database is an operator-provisioned MaxMind mmdb file;
// absence disables lookups without error.
package geoip

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// Service wraps an mmdb reader behind an RWMutex so the database can be
// swapped at runtime after the operator replaces the file.
type Service struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
	path   string
}

// NewService creates a service for the database at path. An empty path
// yields a disabled service; a missing or unreadable file is reported but
// still yields a usable (disabled) service.
func NewService(path string) (*Service, error) {
	s := &Service{path: path}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return s, err
	}
	return s, nil
}

// Enabled reports whether a database is loaded.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader != nil
}

// Reload reopens the database file, replacing the current reader.
func (s *Service) Reload() error {
	reader, err := maxminddb.Open(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}

	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Lookup returns the ISO country code for an address, or "" when the
// database is absent or the address is unknown.
func (s *Service) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}

	var rec countryRecord
	if err := s.reader.Lookup(ip.AsSlice(), &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Close releases the reader.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

// Package geoip resolves IP addresses to coordinates using a MaxMind
// GeoLite2/GeoIP2 City database. Resolution is optional: when no database
// path is configured the API simply skips IP enrichment.
package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Resolver wraps a MaxMind City database reader.
type Resolver struct {
	reader *geoip2.Reader
}

// Open loads the City database at path.
func Open(path string) (*Resolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &Resolver{reader: reader}, nil
}

// Resolve looks up an IP address and returns its coordinates.
// ok is false for unparseable addresses, lookup failures, and records
// without usable coordinates.
func (r *Resolver) Resolve(ip string) (lat, lng float64, ok bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, 0, false
	}
	record, err := r.reader.City(parsed)
	if err != nil {
		return 0, 0, false
	}
	// MaxMind returns a zero location for IPs it cannot place.
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return 0, 0, false
	}
	return record.Location.Latitude, record.Location.Longitude, true
}

// Close releases the database reader.
func (r *Resolver) Close() error {
	return r.reader.Close()
}

package security

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Hostnames that point at internal infrastructure regardless of DNS.
var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
	"metadata.google":          {},
}

// ValidateEndpointURL rejects endpoint URLs that would let a caller aim
// server-side requests at internal infrastructure. Loopback, private,
// link-local, and unspecified addresses are refused, for IP literals and
// for every address the hostname resolves to.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	if _, ok := blockedHosts[strings.ToLower(host)]; ok {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	// IP literals are checked directly, no DNS involved.
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, s := range ips {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}

	return nil
}

func checkAddr(addr netip.Addr) error {
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case addr.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}

package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint marks a consumer URL the server refuses to call.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// cgnat is 100.64.0.0/10, which net.IP has no predicate for.
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// EndpointPolicy decides which webhook URLs the server will POST decisions
// to. Both the literal host and its resolved addresses are checked.
type EndpointPolicy struct {
	RequireHTTPS bool
	AllowPrivate bool
	Lookup       func(ctx context.Context, host string) ([]string, error)
}

// DefaultEndpointPolicy allows http and https to public addresses.
func DefaultEndpointPolicy() EndpointPolicy {
	return EndpointPolicy{Lookup: net.DefaultResolver.LookupHost}
}

// ValidateEndpointURL applies DefaultEndpointPolicy.
func ValidateEndpointURL(rawURL string) error {
	return DefaultEndpointPolicy().Validate(context.Background(), rawURL)
}

// Validate returns nil when rawURL may be called.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	case p.RequireHTTPS:
		return fmt.Errorf("URL scheme must be https")
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}
	if p.AllowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	lookup := p.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate(), cgnat.Contains(ip):
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified(), ip.IsMulticast():
		return fmt.Errorf("%w: non-unicast address", ErrBlockedEndpoint)
	}
	return nil
}

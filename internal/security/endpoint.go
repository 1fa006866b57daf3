package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is returned for URLs that would let outbound requests
// reach internal infrastructure.
var ErrBlockedEndpoint = errors.New("security: endpoint not allowed")

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that an outbound endpoint (a bridge webhook)
// is an https URL whose host, literal or resolved, is publicly routable.
func ValidateEndpointURL(ctx context.Context, r Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL", ErrBlockedEndpoint)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrBlockedEndpoint)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s: %v", ErrBlockedEndpoint, host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	}
	return nil
}

package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrInvalidEndpoint is wrapped by every malformed-URL error.
	ErrInvalidEndpoint = errors.New("invalid callback URL")
	// ErrBlockedEndpoint is wrapped when the URL targets a refused address.
	ErrBlockedEndpoint = errors.New("callback URL not allowed")
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// blockedHosts are refused by name before any lookup.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// blockedPrefixes are ranges a webhook must never reach: loopback, RFC 1918
// and unique-local, link-local (cloud metadata lives at 169.254.169.254),
// carrier-grade NAT, unspecified and multicast.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// EndpointValidator checks that a webhook callback URL is safe for the
// server to call. Both the literal host and every address it resolves to
// must be public.
type EndpointValidator struct {
	resolver     Resolver
	allowPrivate bool
}

func NewEndpointValidator() *EndpointValidator {
	return &EndpointValidator{resolver: net.DefaultResolver}
}

// WithResolver replaces DNS resolution.
func (v *EndpointValidator) WithResolver(r Resolver) *EndpointValidator {
	v.resolver = r
	return v
}

// AllowPrivate skips the address checks so local receivers work in
// development. URL shape is still checked.
func (v *EndpointValidator) AllowPrivate(allow bool) *EndpointValidator {
	v.allowPrivate = allow
	return v
}

// Validate returns an error wrapping ErrInvalidEndpoint or
// ErrBlockedEndpoint when rawURL must not be used.
func (v *EndpointValidator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	switch {
	case err != nil:
		return fmt.Errorf("%w: cannot parse", ErrInvalidEndpoint)
	case u.Scheme != "https" && u.Scheme != "http":
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidEndpoint)
	case u.Hostname() == "":
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	case u.User != nil:
		return fmt.Errorf("%w: credentials in URL", ErrInvalidEndpoint)
	}
	if v.allowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}
	resolved, err := v.resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q", ErrInvalidEndpoint, host)
	}
	for _, s := range resolved {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if err := checkAddr(host, addr); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(host string, addr netip.Addr) error {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %q resolves to %s in %s", ErrBlockedEndpoint, host, addr, p)
		}
	}
	return nil
}

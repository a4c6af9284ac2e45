// Package urlcheck vets webhook targets before the worker calls them.
// Workflow authors control webhook URLs, so every target is treated as
// hostile until it resolves to a public address.
package urlcheck

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Resolver looks up a hostname; swapped out in tests
type Resolver func(host string) ([]net.IP, error)

// Checker validates outbound webhook URLs
type Checker struct {
	resolve Resolver
}

// New builds a Checker using the system resolver
func New() *Checker {
	return &Checker{resolve: net.LookupIP}
}

// NewWithResolver builds a Checker with a custom resolver
func NewWithResolver(r Resolver) *Checker {
	return &Checker{resolve: r}
}

// Validate rejects URLs that are malformed, use a non-HTTP scheme, or
// resolve to loopback, private, link-local or unspecified addresses. Every
// resolved IP must pass; one bad A record fails the whole target.
func (c *Checker) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed, use http or https", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("host %q is blocked", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := c.resolve(host)
	if err != nil {
		// Unresolvable hosts fail at request time with a clearer error.
		return nil
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%s is a loopback address", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("%s is an unspecified address", ip)
	case ip.IsPrivate():
		return fmt.Errorf("%s is a private address", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		// 169.254.169.254 lives here; cloud metadata endpoints stay out of reach.
		return fmt.Errorf("%s is a link-local address", ip)
	case ip.IsMulticast():
		return fmt.Errorf("%s is a multicast address", ip)
	}
	return nil
}

package urlcheck

import (
	"net"
	"testing"
)

func staticResolver(addrs map[string][]string) Resolver {
	return func(host string) ([]net.IP, error) {
		var ips []net.IP
		for _, a := range addrs[host] {
			ips = append(ips, net.ParseIP(a))
		}
		return ips, nil
	}
}

func TestValidateBlocksInternalTargets(t *testing.T) {
	c := NewWithResolver(staticResolver(map[string][]string{
		"hooks.example.com":    {"93.184.216.34"},
		"internal.example.com": {"10.0.0.5"},
		"rebind.example.com":   {"93.184.216.34", "127.0.0.1"},
	}))

	cases := []struct {
		name    string
		url     string
		allowed bool
	}{
		{"public host", "https://hooks.example.com/notify", true},
		{"public with port", "http://hooks.example.com:8443/notify", true},
		{"localhost", "http://localhost/admin", false},
		{"localhost subdomain", "http://evil.localhost/x", false},
		{"loopback ip", "http://127.0.0.1:6379/", false},
		{"private resolution", "https://internal.example.com/", false},
		{"mixed resolution", "https://rebind.example.com/", false},
		{"metadata endpoint", "http://169.254.169.254/latest/meta-data/", false},
		{"private ip literal", "http://192.168.1.10/", false},
		{"unspecified", "http://0.0.0.0/", false},
		{"ipv6 loopback", "http://[::1]/", false},
		{"bad scheme", "ftp://hooks.example.com/", false},
		{"no host", "https:///path", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Validate(tc.url)
			if tc.allowed && err != nil {
				t.Fatalf("expected %s to be allowed: %v", tc.url, err)
			}
			if !tc.allowed && err == nil {
				t.Fatalf("expected %s to be blocked", tc.url)
			}
		})
	}
}

func TestValidateAllowsUnresolvableHosts(t *testing.T) {
	c := NewWithResolver(func(string) ([]net.IP, error) {
		return nil, &net.DNSError{Err: "no such host"}
	})
	if err := c.Validate("https://does-not-exist.example.com/"); err != nil {
		t.Fatalf("unresolvable host should pass validation: %v", err)
	}
}

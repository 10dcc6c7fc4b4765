// ABOUTME: Domain normalization and candidate lookup domains for credential matching
// ABOUTME: Falls back from the exact host to its registrable domain

package credentials

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeDomain lowercases domain and strips surrounding whitespace, a
// trailing dot, any port and a leading "www.".
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(d, ".")
	d = strings.TrimPrefix(d, "www.")
	return d
}

// DomainFromURL extracts the normalized host of rawURL. A bare host such as
// "example.com/path" is accepted.
func DomainFromURL(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidCredential)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	host := NormalizeDomain(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: url %q has no host", ErrInvalidCredential, rawURL)
	}
	return host, nil
}

// candidateDomains returns the domains to try for host, most specific first.
func candidateDomains(host string) []string {
	out := []string{host}
	if net.ParseIP(host) != nil {
		return out
	}
	parent, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err == nil && parent != host {
		out = append(out, parent)
	}
	return out
}

package sandbox

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"sync"
)

// DomainList is a deny-by-default HTTP target allowlist. A host is allowed
// when it equals or is a subdomain of any allowed entry, so "api.example.com"
// matches an allowlisted "example.com". Loopback, private, and link-local
// addresses are always blocked unless AllowLoopback is set.
type DomainList struct {
	Domains       []string
	AllowLoopback bool
}

// Check validates a raw URL against the list. When override is non-nil it
// replaces the configured domains for this one call.
func (d DomainList) Check(raw string, override []string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: unparseable url %q", ErrDenied, raw)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrDenied, scheme)
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, d.AllowLoopback) {
		return fmt.Errorf("%w: host %q is a blocked address", ErrDenied, host)
	}
	domains := d.Domains
	if override != nil {
		domains = override
	}
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return nil
		}
	}
	return fmt.Errorf("%w: domain %q not in allowlist", ErrDenied, host)
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Hostname, not an IP literal.
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// LiveDomains wraps a DomainList with thread-safe reload so the allowlist can
// follow config file changes while the policy catalog remains immutable.
type LiveDomains struct {
	mu   sync.RWMutex
	data DomainList
}

func NewLiveDomains(initial DomainList) *LiveDomains {
	return &LiveDomains{data: initial}
}

func (ld *LiveDomains) Check(raw string, override []string) error {
	ld.mu.RLock()
	defer ld.mu.RUnlock()
	return ld.data.Check(raw, override)
}

// Reload replaces the allowlist atomically.
func (ld *LiveDomains) Reload(next DomainList) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.data = next
}

// Snapshot returns a copy of the current allowlist.
func (ld *LiveDomains) Snapshot() DomainList {
	ld.mu.RLock()
	defer ld.mu.RUnlock()
	cp := ld.data
	cp.Domains = append([]string(nil), ld.data.Domains...)
	return cp
}

// Package origin decides which browser origins may open a connection.
// This is coarse CSRF hardening for a tool that runs on a developer's
// machine or LAN, not general CORS enforcement.
package origin

import (
	"net"
	"net/url"
	"strings"
)

// Policy allows local and private-network origins plus an explicit list.
type Policy struct {
	extra map[string]bool
}

// NewPolicy builds a Policy. extra holds exact origins (scheme://host[:port])
// that are allowed in addition to the local/private patterns.
func NewPolicy(extra []string) *Policy {
	p := &Policy{extra: make(map[string]bool, len(extra))}
	for _, o := range extra {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			p.extra[strings.ToLower(o)] = true
		}
	}
	return p
}

// Allowed reports whether a request carrying the given Origin header may
// connect. An empty origin means a non-browser client (mobile runtime, CLI)
// and is allowed.
func (p *Policy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	if p.extra[strings.ToLower(strings.TrimRight(origin, "/"))] {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return false
	}
	return IsLocalHost(u.Hostname())
}

// IsLocalHost reports whether host names this machine or a private network
// address: localhost, *.localhost, *.local (mDNS), loopback, RFC 1918,
// link-local and IPv6 unique-local addresses.
func IsLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

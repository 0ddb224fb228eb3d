package http

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
)

// IPConfig holds the proxies whose forwarding headers are believed.
type IPConfig struct {
	trusted []netip.Prefix
}

// NewIPConfig parses the trusted proxy CIDR ranges. An invalid range is an
// error rather than silently ignored.
func NewIPConfig(trustedProxies []string) (*IPConfig, error) {
	cfg := &IPConfig{}
	for _, cidr := range trustedProxies {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy range %q: %w", cidr, err)
		}
		cfg.trusted = append(cfg.trusted, prefix.Masked())
	}
	return cfg, nil
}

// ExtractClientIP returns the caller's address. Forwarding headers are
// honoured only when the direct peer is a trusted proxy. X-Forwarded-For is
// read from the right: proxies append, so the rightmost address that is not a
// trusted proxy is the one the outermost proxy saw. Entries left of it are
// client supplied and never used.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remote := remoteAddr(r)

	if config == nil || !config.trusts(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			candidate := strings.TrimSpace(hops[i])
			if _, err := netip.ParseAddr(candidate); err != nil {
				// A malformed hop means the chain cannot be trusted past here.
				return remote
			}
			if !config.trusts(candidate) {
				return candidate
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}

	return remote
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (c *IPConfig) trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// NormalizeOrigin reduces an origin or URL to scheme://host[:port] in lower
// case, dropping default ports. It reports false for anything without an
// http(s) scheme and a host.
func NormalizeOrigin(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	return scheme + "://" + host, true
}

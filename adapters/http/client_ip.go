package authhttp

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPFunc determines the client IP used for rate limiting.
//
// Returning an empty string means "unknown" and causes rate limiting to fail open.
type ClientIPFunc func(r *http.Request) string

// DefaultClientIP uses RemoteAddr when it is a public address and returns ""
// otherwise, so a reverse proxy is never limited as a single client.
func DefaultClientIP() ClientIPFunc {
	return func(r *http.Request) string {
		a, ok := remoteAddr(r)
		if !ok || !isPublicAddr(a) {
			return ""
		}
		return a.String()
	}
}

// ClientIPFromForwardedHeaders trusts the left-most X-Forwarded-For entry only
// when the immediate peer is inside trustedProxies.
func ClientIPFromForwardedHeaders(trustedProxies []netip.Prefix) ClientIPFunc {
	return func(r *http.Request) string {
		peer, ok := remoteAddr(r)
		if !ok {
			return ""
		}
		for _, p := range trustedProxies {
			if !p.Contains(peer) {
				continue
			}
			xff := r.Header.Get("X-Forwarded-For")
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			if a, err := netip.ParseAddr(strings.TrimSpace(xff)); err == nil && isPublicAddr(a) {
				return a.String()
			}
			break
		}
		if isPublicAddr(peer) {
			return peer.String()
		}
		return ""
	}
}

// ParseTrustedProxies parses CIDRs, skipping blanks.
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	if r == nil || r.RemoteAddr == "" {
		return netip.Addr{}, false
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func isPublicAddr(a netip.Addr) bool {
	if !a.IsValid() {
		return false
	}
	return !(a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsMulticast() || a.IsUnspecified())
}

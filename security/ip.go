package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the client address of r.
//
// Forwarding headers are only honoured when trustProxy is set. In
// X-Forwarded-For the rightmost trustedProxyCount entries are our own proxies
// (at least one is assumed), so the client is the entry just left of them.
// X-Real-IP is consulted next, then RemoteAddr.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedFor(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	hops := strings.Split(header, ",")
	idx := max(len(hops)-trustedProxyCount-1, 0)

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

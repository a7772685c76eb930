package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the address used for rate limiting and audit logs.
// Forwarding headers are ignored unless trustProxy is set, since any client
// can send them.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor picks the client from "client, proxy1, proxy2". The last
// trustedProxyCount hops (at least one) are ours; the entry before them is
// the client. Short headers fall back to the leftmost entry.
func forwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	proxies := max(trustedProxyCount, 1)
	idx := max(len(hops)-proxies-1, 0)
	return validIP(strings.TrimSpace(hops[idx]))
}

func validIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

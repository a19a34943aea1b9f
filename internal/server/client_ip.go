package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceForwardedFor  = "x_forwarded_for"
	ipSourceRealIP        = "x_real_ip"
	ipSourceUntrustedPeer = "remote_addr_untrusted_proxy"
)

// clientIPResolver decides whether forwarding headers may override the peer
// address. Headers are only honoured when trust is enabled and, if a proxy
// list is configured, the direct peer is on it.
type clientIPResolver struct {
	trustForwarded bool
	proxies        []*net.IPNet
}

func newClientIPResolver(trustForwarded bool, trustedProxies []string) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustForwarded: trustForwarded}
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("parse trusted proxy %q: invalid address", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			entry = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", entry, err)
		}
		resolver.proxies = append(resolver.proxies, network)
	}
	return resolver, nil
}

func (c *clientIPResolver) trustsPeer(peer string) bool {
	if len(c.proxies) == 0 {
		return true
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, network := range c.proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// resolveClientIP returns the client address and where it came from.
func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	peer := clientIP(r.RemoteAddr)
	if resolver == nil || !resolver.trustForwarded {
		return peer, ipSourceRemoteAddr
	}
	if !resolver.trustsPeer(peer) {
		return peer, ipSourceUntrustedPeer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if candidate := strings.TrimSpace(first); net.ParseIP(candidate) != nil {
			return candidate, ipSourceForwardedFor
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xrip) != nil {
		return xrip, ipSourceRealIP
	}
	return peer, ipSourceRemoteAddr
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

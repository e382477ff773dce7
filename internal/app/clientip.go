package app

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ipPolicy resolves the client address of a request under the
// trusted-proxy rules. Forwarded headers are honoured only when the
// direct peer is a trusted proxy; anyone else is identified by their
// socket address no matter what headers they send.
type ipPolicy struct {
	trusted []netip.Prefix
}

// newIPPolicy parses the configured trusted-proxy list. Entries are
// single addresses or CIDR ranges.
func newIPPolicy(entries []string) (*ipPolicy, error) {
	p := &ipPolicy{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			pfx, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("app: trusted proxy %q: %w", e, err)
			}
			p.trusted = append(p.trusted, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("app: trusted proxy %q: %w", e, err)
		}
		p.trusted = append(p.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return p, nil
}

// peer returns the request's direct socket address.
func peer(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func (p *ipPolicy) trustedPeer(addr netip.Addr) bool {
	for _, pfx := range p.trusted {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP resolves the address used for rate-limit keying and log
// hashing. Behind a trusted proxy, CF-Connecting-IP wins over the first
// hop of X-Forwarded-For; from anyone else both headers are ignored.
func (p *ipPolicy) clientIP(r *http.Request) string {
	pr, ok := peer(r)
	if !ok {
		return r.RemoteAddr
	}
	if !p.trustedPeer(pr) {
		return pr.String()
	}
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr.Unmap().String()
		}
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap().String()
		}
	}
	return pr.String()
}

// ownerSource reports whether the request may reach owner-only surfaces
// (admin routes, metrics): the direct peer must be loopback or one of
// the trusted proxies.
func (p *ipPolicy) ownerSource(r *http.Request) bool {
	pr, ok := peer(r)
	if !ok {
		return false
	}
	return pr.IsLoopback() || p.trustedPeer(pr)
}

// hashIP derives the stable client key used in rate buckets and log
// records: hex(sha256(salt || ip)) truncated to 16 characters. The raw
// address goes no further than this function.
func hashIP(salt, ip string) string {
	sum := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(sum[:])[:16]
}

package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"throttle/internal/models"
)

const keySeparator = ":"

// segmentEscaper percent-encodes the separator inside key parts, so URLs,
// header values and IPv6 origins cannot shift segment boundaries.
var segmentEscaper = strings.NewReplacer("%", "%25", keySeparator, "%3A")

// KeyGenerator derives counter keys of the form
//
//	<prefix>:<route id>:<policy id>:<segment>...
//
// with one segment per declared dimension, in declaration order. ":" and "%"
// inside the route id and segments are percent-encoded. The policy
// id keeps two policies on one route from sharing a counter when their
// segments happen to coincide.
type KeyGenerator struct {
	prefix string
}

func NewKeyGenerator(prefix string) *KeyGenerator {
	if prefix == "" {
		prefix = models.DefaultKeyPrefix
	}
	return &KeyGenerator{prefix: prefix}
}

// Key returns the counter key for policy. Unresolved dimensions render as
// empty segments so the key shape stays stable. When the policy declares
// dimensions and none of them resolves, ok is false and the policy must not
// be consumed: an all-empty key would pool unrelated requests.
func (g *KeyGenerator) Key(req *Request, route Route, policy models.Policy) (string, bool) {
	parts := make([]string, 0, 3+len(policy.Type))
	parts = append(parts, g.prefix, segmentEscaper.Replace(route.ID), policy.ID)

	resolved := false
	for _, d := range policy.Type {
		seg := segment(req, route, policy, d)
		if seg != "" {
			resolved = true
		}
		parts = append(parts, segmentEscaper.Replace(seg))
	}
	if len(policy.Type) > 0 && !resolved {
		return "", false
	}

	return strings.Join(parts, keySeparator), true
}

func segment(req *Request, route Route, policy models.Policy, d models.MatchDimension) string {
	switch d.Type {
	case models.MatchTypeURL:
		if d.Matcher != "" {
			return d.Matcher
		}
		return req.Path
	case models.MatchTypeURLPattern:
		if d.Matcher != "" {
			return d.Matcher
		}
		return route.Pattern
	case models.MatchTypeOrigin:
		return originSegment(req.Origin, policy, d)
	case models.MatchTypeUser:
		return req.User
	case models.MatchTypeHTTPMethod:
		return strings.ToUpper(req.Method)
	case models.MatchTypeServiceID:
		return route.ID
	case models.MatchTypeHost:
		return normalizeHost(req.Host)
	case models.MatchTypeHeader:
		name, _, _ := strings.Cut(d.Matcher, ":")
		return headerValue(req.Header, name)
	}
	return ""
}

// originSegment renders the client address, masked to the policy's CIDR
// prefix length, or to the origin matcher's own prefix when the matcher is a
// CIDR and the policy sets no length.
func originSegment(origin string, policy models.Policy, d models.MatchDimension) string {
	addr, ok := parseOrigin(origin)
	if !ok {
		return origin
	}

	bits := policy.CIDRPrefixLength
	if bits == 0 && strings.Contains(d.Matcher, "/") {
		if p, err := d.OriginPrefix(); err == nil {
			bits = p.Bits()
		}
	}
	if bits <= 0 || bits >= addr.BitLen() {
		return addr.String()
	}

	prefix, err := addr.Prefix(bits)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}

// parseOrigin accepts a bare address or host:port and unmaps IPv4-in-IPv6.
func parseOrigin(origin string) (netip.Addr, bool) {
	if origin == "" {
		return netip.Addr{}, false
	}
	if addr, err := netip.ParseAddr(origin); err == nil {
		return addr.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(origin); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

func headerValue(h http.Header, name string) string {
	if h == nil {
		return ""
	}
	return h.Get(strings.TrimSpace(name))
}

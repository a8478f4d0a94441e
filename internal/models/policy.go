// Package models - Rate limit policy definitions.
// This file defines the policy value types configured per route and the
// match dimensions that decide which request attributes partition a counter.
//
// Policy Design:
// - Policies are immutable once configuration has loaded
// - Each policy carries a limit (requests per window) and/or a quota
//   (cumulative handling time per window)
// - Match dimensions are declared in order; the order shapes the counter key
// - A dimension may carry a matcher that restricts which requests it applies to
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"path"
	"strings"
	"time"
)

// DefaultRefreshInterval is the window length used when a policy leaves
// refresh_interval unset.
const DefaultRefreshInterval = 60 * time.Second

// ErrInvalidPolicy is wrapped by every policy validation failure.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// MatchType names the request attribute a dimension reads.
type MatchType string

const (
	MatchTypeURL        MatchType = "url"
	MatchTypeURLPattern MatchType = "url_pattern"
	MatchTypeOrigin     MatchType = "origin"
	MatchTypeUser       MatchType = "user"
	MatchTypeHTTPMethod MatchType = "http_method"
	MatchTypeServiceID  MatchType = "service_id"
	MatchTypeHost       MatchType = "host"
	MatchTypeHeader     MatchType = "header"
)

// MatchTypes lists every supported match type in documentation order.
func MatchTypes() []MatchType {
	return []MatchType{
		MatchTypeURL,
		MatchTypeURLPattern,
		MatchTypeOrigin,
		MatchTypeUser,
		MatchTypeHTTPMethod,
		MatchTypeServiceID,
		MatchTypeHost,
		MatchTypeHeader,
	}
}

// ParseMatchType converts a configured name to a MatchType. Names are
// case-insensitive and accept the dashed or upper-case spellings operators
// tend to write ("HTTP-METHOD", "SERVICE_ID").
func ParseMatchType(s string) (MatchType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for _, mt := range MatchTypes() {
		if string(mt) == normalized {
			return mt, nil
		}
	}
	return "", fmt.Errorf("%w: unknown match type %q", ErrInvalidPolicy, s)
}

// MatchDimension is one entry of a policy's type list. In configuration it is
// written as "<type>" or "<type>=<matcher>", e.g. "origin=10.0.0.0/8".
type MatchDimension struct {
	Type    MatchType
	Matcher string
}

// ParseMatchDimension parses the "<type>[=<matcher>]" form.
func ParseMatchDimension(s string) (MatchDimension, error) {
	name, matcher, _ := strings.Cut(strings.TrimSpace(s), "=")
	mt, err := ParseMatchType(name)
	if err != nil {
		return MatchDimension{}, err
	}
	d := MatchDimension{Type: mt, Matcher: strings.TrimSpace(matcher)}
	if err := d.Validate(); err != nil {
		return MatchDimension{}, err
	}
	return d, nil
}

func (d MatchDimension) String() string {
	if d.Matcher == "" {
		return string(d.Type)
	}
	return string(d.Type) + "=" + d.Matcher
}

// MarshalText implements encoding.TextMarshaler so dimensions round-trip
// through YAML and JSON as plain strings.
func (d MatchDimension) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *MatchDimension) UnmarshalText(text []byte) error {
	parsed, err := ParseMatchDimension(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Validate checks that the matcher is well formed for the dimension type.
func (d MatchDimension) Validate() error {
	switch d.Type {
	case MatchTypeOrigin:
		if d.Matcher == "" {
			return nil
		}
		if _, err := d.OriginPrefix(); err != nil {
			return err
		}
	case MatchTypeURLPattern:
		if d.Matcher == "" {
			return nil
		}
		if _, err := path.Match(strings.TrimSuffix(d.Matcher, "**"), ""); err != nil {
			return fmt.Errorf("%w: malformed url pattern %q: %v", ErrInvalidPolicy, d.Matcher, err)
		}
	case MatchTypeHeader:
		name, _, _ := strings.Cut(d.Matcher, ":")
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: header dimension requires a header name", ErrInvalidPolicy)
		}
	case MatchTypeURL, MatchTypeUser, MatchTypeHTTPMethod, MatchTypeServiceID, MatchTypeHost:
	default:
		return fmt.Errorf("%w: unknown match type %q", ErrInvalidPolicy, d.Type)
	}
	return nil
}

// OriginPrefix returns the network an origin matcher describes. A bare
// address is treated as a single-host prefix.
func (d MatchDimension) OriginPrefix() (netip.Prefix, error) {
	if strings.Contains(d.Matcher, "/") {
		p, err := netip.ParsePrefix(d.Matcher)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: malformed origin CIDR %q: %v", ErrInvalidPolicy, d.Matcher, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(d.Matcher)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: malformed origin address %q: %v", ErrInvalidPolicy, d.Matcher, err)
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// Policy is a single admission rule. Limit and Quota are independent; a
// policy with neither is a no-op.
type Policy struct {
	ID               string           `yaml:"id,omitempty" json:"id,omitempty"`
	Type             []MatchDimension `yaml:"type,omitempty" json:"type,omitempty"`
	Limit            int64            `yaml:"limit,omitempty" json:"limit,omitempty"`
	Quota            time.Duration    `yaml:"quota,omitempty" json:"quota,omitempty"`
	RefreshInterval  time.Duration    `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`
	BreakOnMatch     bool             `yaml:"break_on_match,omitempty" json:"break_on_match,omitempty"`
	CIDRPrefixLength int              `yaml:"cidr_prefix_length,omitempty" json:"cidr_prefix_length,omitempty"`
}

// HasLimit reports whether the policy counts requests.
func (p Policy) HasLimit() bool { return p.Limit > 0 }

// HasQuota reports whether the policy budgets handling time.
func (p Policy) HasQuota() bool { return p.Quota > 0 }

// IsNoop reports whether the policy constrains nothing.
func (p Policy) IsNoop() bool { return !p.HasLimit() && !p.HasQuota() }

// Window returns the refresh interval, falling back to DefaultRefreshInterval.
func (p Policy) Window() time.Duration {
	if p.RefreshInterval <= 0 {
		return DefaultRefreshInterval
	}
	return p.RefreshInterval
}

// Dimension returns the first dimension of the given type, if declared.
func (p Policy) Dimension(mt MatchType) (MatchDimension, bool) {
	for _, d := range p.Type {
		if d.Type == mt {
			return d, true
		}
	}
	return MatchDimension{}, false
}

// Validate rejects policies that cannot be enforced. Unset refresh intervals
// are legal (they default); explicitly negative ones are not.
func (p *Policy) Validate() error {
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit cannot be negative", ErrInvalidPolicy)
	}
	if p.Quota < 0 {
		return fmt.Errorf("%w: quota cannot be negative", ErrInvalidPolicy)
	}
	if p.RefreshInterval < 0 {
		return fmt.Errorf("%w: refresh interval cannot be negative", ErrInvalidPolicy)
	}
	if p.Quota > 0 && p.Quota < time.Millisecond {
		return fmt.Errorf("%w: quota must be at least 1ms", ErrInvalidPolicy)
	}
	if p.RefreshInterval > 0 && p.RefreshInterval < time.Millisecond {
		return fmt.Errorf("%w: refresh interval must be at least 1ms", ErrInvalidPolicy)
	}
	if p.CIDRPrefixLength < 0 || p.CIDRPrefixLength > 128 {
		return fmt.Errorf("%w: cidr prefix length must be between 0 and 128", ErrInvalidPolicy)
	}
	if p.CIDRPrefixLength > 0 {
		if _, ok := p.Dimension(MatchTypeOrigin); !ok {
			return fmt.Errorf("%w: cidr prefix length requires an origin dimension", ErrInvalidPolicy)
		}
	}
	if strings.ContainsAny(p.ID, ": ") {
		return fmt.Errorf("%w: policy id %q cannot contain ':' or spaces", ErrInvalidPolicy, p.ID)
	}
	for _, d := range p.Type {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

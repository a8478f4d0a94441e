package ratelimit

import (
	"path"
	"strconv"
	"strings"
	"throttle/internal/models"
)

// Match is a policy that applies to a request, with its counter key.
type Match struct {
	Policy models.Policy
	Key    string
}

// Resolver selects the policies that apply to a request. Policies are copied
// at construction and given ids when they have none: "default-<i>" for the
// default list and "<route>-<i>" for route lists, i being the position in
// the configured list.
type Resolver struct {
	enabled  bool
	combine  bool
	defaults []models.Policy
	routes   map[string][]models.Policy
	keys     *KeyGenerator
}

func NewResolver(cfg models.RateLimitConfig) *Resolver {
	r := &Resolver{
		enabled:  cfg.Enabled,
		combine:  cfg.CombineDefaultPolicies,
		defaults: assignIDs("default", cfg.DefaultPolicyList),
		routes:   make(map[string][]models.Policy, len(cfg.PolicyList)),
		keys:     NewKeyGenerator(cfg.KeyPrefix),
	}
	for route, policies := range cfg.PolicyList {
		r.routes[route] = assignIDs(route, policies)
	}
	return r
}

func assignIDs(scope string, policies []models.Policy) []models.Policy {
	out := make([]models.Policy, len(policies))
	for i, p := range policies {
		if p.ID == "" {
			p.ID = scope + "-" + strconv.Itoa(i)
		}
		p.Type = append([]models.MatchDimension(nil), p.Type...)
		out[i] = p
	}
	return out
}

// Policies returns the configured policies for a route, before request
// matching: the route's own list, the default list when the route has none,
// or both when defaults are combined.
func (r *Resolver) Policies(routeID string) []models.Policy {
	if !r.enabled {
		return nil
	}
	own := r.routes[routeID]
	switch {
	case len(own) == 0:
		return r.defaults
	case r.combine:
		combined := make([]models.Policy, 0, len(own)+len(r.defaults))
		combined = append(combined, own...)
		return append(combined, r.defaults...)
	default:
		return own
	}
}

// Resolve returns the policies that apply to req, in declaration order, with
// their keys. A policy applies when it constrains something, every matcher
// accepts the request and a key can be generated. Iteration stops after the
// first applying policy with BreakOnMatch. An empty result means no
// restriction.
func (r *Resolver) Resolve(req *Request, route Route) []Match {
	var matches []Match
	for _, p := range r.Policies(route.ID) {
		if p.IsNoop() || !Applies(req, route, p) {
			continue
		}
		key, ok := r.keys.Key(req, route, p)
		if !ok {
			continue
		}
		matches = append(matches, Match{Policy: p, Key: key})
		if p.BreakOnMatch {
			break
		}
	}
	return matches
}

// Applies reports whether every matcher declared by the policy accepts the
// request. Dimensions without a matcher accept everything.
func Applies(req *Request, route Route, p models.Policy) bool {
	for _, d := range p.Type {
		if d.Matcher != "" && !dimensionMatches(req, route, d) {
			return false
		}
	}
	return true
}

func dimensionMatches(req *Request, route Route, d models.MatchDimension) bool {
	switch d.Type {
	case models.MatchTypeURL:
		return strings.HasPrefix(req.Path, d.Matcher)
	case models.MatchTypeURLPattern:
		return matchPattern(d.Matcher, req.Path)
	case models.MatchTypeOrigin:
		prefix, err := d.OriginPrefix()
		if err != nil {
			return false
		}
		addr, ok := parseOrigin(req.Origin)
		return ok && prefix.Contains(addr)
	case models.MatchTypeUser:
		return req.User == d.Matcher
	case models.MatchTypeHTTPMethod:
		return strings.EqualFold(req.Method, d.Matcher)
	case models.MatchTypeServiceID:
		return route.ID == d.Matcher
	case models.MatchTypeHost:
		return normalizeHost(req.Host) == normalizeHost(d.Matcher)
	case models.MatchTypeHeader:
		name, want, hasValue := strings.Cut(d.Matcher, ":")
		got := headerValue(req.Header, name)
		if !hasValue {
			return got != ""
		}
		return got == strings.TrimSpace(want)
	}
	return false
}

// matchPattern matches a path against a glob. A trailing "**" matches any
// remainder, including further segments, and "/x/**" also matches "/x";
// everything else follows path.Match.
func matchPattern(pattern, p string) bool {
	head, ok := strings.CutSuffix(pattern, "**")
	if !ok {
		matched, _ := path.Match(pattern, p)
		return matched
	}
	if dir, ok := strings.CutSuffix(head, "/"); ok {
		if matched, _ := path.Match(dir, p); matched {
			return true
		}
	}
	for i := len(p); i >= 0; i-- {
		if matched, _ := path.Match(head, p[:i]); matched {
			return true
		}
	}
	return false
}

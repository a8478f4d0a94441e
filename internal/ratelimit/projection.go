package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Response header prefixes. Each is followed by the sanitized counter key.
const (
	HeaderLimit          = "X-RateLimit-Limit-"
	HeaderRemaining      = "X-RateLimit-Remaining-"
	HeaderQuota          = "X-RateLimit-Quota-"
	HeaderRemainingQuota = "X-RateLimit-Remaining-Quota-"
	HeaderReset          = "X-RateLimit-Reset-"
)

var unsafeHeaderChars = regexp.MustCompile(`[^A-Za-z0-9-.]`)

// HeaderSuffix turns a counter key into a header-safe suffix.
func HeaderSuffix(key string) string {
	return strings.ReplaceAll(unsafeHeaderChars.ReplaceAllString(key, "_"), "__", "_")
}

// Projection is what the filter layer writes back to the client.
type Projection struct {
	Headers    map[string]string
	Verdict    Verdict
	RetryAfter time.Duration // only set on Reject
}

// Project maps a decision onto response headers. Limit headers are emitted
// only for policies with a limit, quota headers only for policies with a
// quota, and the reset header for every consumed policy. Remaining values
// are floored at zero. Quotas are reported in whole seconds, the quota rounded
// up so a sub-second quota never reads as zero and the remaining quota
// rounded down; resets are in milliseconds. With addHeaders false only the
// verdict is projected.
func Project(d Decision, addHeaders bool) Projection {
	p := Projection{Verdict: d.Verdict, Headers: map[string]string{}}

	for _, r := range d.Results {
		if r.Err != nil {
			continue
		}
		if d.Verdict == Reject && r.Exceeded() && r.Rate.Reset > p.RetryAfter {
			p.RetryAfter = r.Rate.Reset
		}
		if !addHeaders {
			continue
		}

		suffix := HeaderSuffix(r.Key)
		if r.Policy.HasLimit() {
			p.Headers[HeaderLimit+suffix] = strconv.FormatInt(r.Policy.Limit, 10)
			p.Headers[HeaderRemaining+suffix] = strconv.FormatInt(max(r.Rate.Remaining, 0), 10)
		}
		if r.Policy.HasQuota() {
			p.Headers[HeaderQuota+suffix] = strconv.FormatInt(ceilSeconds(r.Policy.Quota), 10)
			p.Headers[HeaderRemainingQuota+suffix] = strconv.FormatInt(int64(max(r.Rate.RemainingQuota, 0)/time.Second), 10)
		}
		p.Headers[HeaderReset+suffix] = strconv.FormatInt(r.Rate.Reset.Milliseconds(), 10)
	}

	if d.Verdict == Reject && p.RetryAfter <= 0 {
		p.RetryAfter = time.Second
	}
	return p
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

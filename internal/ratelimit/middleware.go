package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"throttle/internal/models"
	"time"

	"golang.org/x/time/rate"
)

// MiddlewareOptions controls how requests are read and responses written.
type MiddlewareOptions struct {
	// BehindProxy trusts X-Forwarded-For and X-Real-IP for the client origin.
	BehindProxy bool
	// AddResponseHeaders emits the X-RateLimit-* headers.
	AddResponseHeaders bool
}

// Middleware returns HTTP middleware enforcing the engine's policies for one
// route. Rejected requests get a 429 with a JSON error body and never reach
// next. Admitted requests are passed on, and once next returns their
// handling time is charged against quota policies.
func Middleware(engine *Engine, route Route, opts MiddlewareOptions) func(http.Handler) http.Handler {
	// Rejections can arrive in floods; warn about at most a few per second.
	logSampler := rate.NewLimiter(rate.Every(100*time.Millisecond), 10)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := NewRequest(r, opts.BehindProxy)

			decision := engine.Evaluate(r.Context(), req, route)
			proj := Project(decision, opts.AddResponseHeaders)

			for name, value := range proj.Headers {
				w.Header().Set(name, value)
			}

			if proj.Verdict == Reject {
				retryAfterSecs := int64(math.Ceil(proj.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				errorResp := models.NewErrorResponse("Rate limit exceeded", models.ErrorCodeRateLimitExceeded).
					WithDetail("route", route.ID)
				json.NewEncoder(w).Encode(errorResp)

				if logSampler.Allow() {
					slog.Warn("Rate limit exceeded",
						"route", route.ID,
						"origin", req.Origin,
						"user", req.User,
						"policies", exceededPolicies(decision),
						"retry_after", retryAfterSecs,
					)
				}
				return
			}

			next.ServeHTTP(w, r)

			engine.Complete(r.Context(), req, route)
		})
	}
}

// NewRequest snapshots the attributes of r that policies match on.
func NewRequest(r *http.Request, behindProxy bool) *Request {
	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Host:       r.Host,
		Origin:     getClientIP(r, behindProxy),
		User:       UserFromContext(r.Context()),
		Header:     r.Header,
		Attributes: NewAttributes(),
	}
}

// getClientIP extracts the client IP from the request. Proxy headers are
// only consulted when the gateway runs behind a trusted proxy.
func getClientIP(r *http.Request, behindProxy bool) string {
	if behindProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ips := strings.Split(xff, ",")
			if len(ips) > 0 {
				return strings.TrimSpace(ips[0])
			}
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func exceededPolicies(d Decision) []string {
	var ids []string
	for _, r := range d.Results {
		if r.Err != nil || r.Exceeded() {
			ids = append(ids, r.Policy.ID)
		}
	}
	return ids
}

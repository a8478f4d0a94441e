// Package ratelimit decides whether gateway requests are admitted. A Resolver
// selects the policies that apply to a request, a KeyGenerator partitions
// each policy's counter by request attributes, and the Engine consumes
// against a storage.CounterStore and returns a Decision. Project turns the
// decision into response headers, and Middleware wires all of it into an
// http.Handler chain.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
)

// RequestStartTimeAttribute is the attribute under which the Engine stores
// the time a request was first evaluated. Complete reads it back to charge
// handling time against quota policies.
const RequestStartTimeAttribute = "ratelimit.request_start_time"

// Request is the snapshot of request attributes policies match and key on.
type Request struct {
	Method string
	Path   string
	Host   string
	Origin string // client address, without port
	User   string // authenticated user id, empty when anonymous
	Header http.Header

	// Attributes carries state between the evaluation and completion stages
	// of the same request. Evaluate creates it when nil; pass the same
	// Request to Complete.
	Attributes *Attributes
}

// Route identifies the upstream service a request was routed to.
type Route struct {
	ID      string // service id policies are keyed by
	Pattern string // configured path pattern, e.g. "/api/**"
}

// Attributes is a per-request attribute bag, safe for concurrent use. The
// zero value is ready to use, and a nil bag reads as empty.
type Attributes struct {
	mu     sync.Mutex
	values map[string]any
}

func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]any)}
}

func (a *Attributes) Get(name string) (any, bool) {
	if a == nil {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[name]
	return v, ok
}

func (a *Attributes) Set(name string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.values == nil {
		a.values = make(map[string]any)
	}
	a.values[name] = value
}

// SetIfAbsent stores value unless name is already set, and returns the value
// held afterwards.
func (a *Attributes) SetIfAbsent(name string, value any) any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.values[name]; ok {
		return existing
	}
	if a.values == nil {
		a.values = make(map[string]any)
	}
	a.values[name] = value
	return value
}

type userContextKey struct{}

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user id stored by WithUser, or "".
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userContextKey{}).(string)
	return user
}

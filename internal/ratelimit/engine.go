package ratelimit

import (
	"context"
	"log/slog"
	"throttle/internal/models"
	"throttle/internal/storage"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Verdict is the admission outcome for one request.
type Verdict int

const (
	Accept Verdict = iota
	Reject
)

func (v Verdict) String() string {
	if v == Reject {
		return "reject"
	}
	return "accept"
}

// Result is the outcome of consuming one applicable policy. Err is set when
// the counter store failed; Rate is then the zero value and must be ignored.
type Result struct {
	Match
	Rate models.Rate
	Err  error
}

// Exceeded reports whether the policy's limit or quota was exceeded.
func (r Result) Exceeded() bool {
	return r.Err == nil && r.Rate.Exceeded(r.Policy)
}

// Decision is the engine output for one request: a result per applicable
// policy, in resolver order, and the verdict over all of them.
type Decision struct {
	Results []Result
	Verdict Verdict
}

// Engine evaluates requests against the configured policies.
type Engine struct {
	resolver     *Resolver
	store        storage.CounterStore
	storeTimeout time.Duration
	failOpen     bool
	now          func() time.Time

	decisions   metric.Int64Counter
	storeErrors metric.Int64Counter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the wall clock used for request start times.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine consuming against store. The engine does not
// own the store; the caller closes it.
func NewEngine(cfg models.RateLimitConfig, store storage.CounterStore, opts ...EngineOption) (*Engine, error) {
	meter := otel.Meter("throttle/ratelimit")

	decisions, err := meter.Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Number of admission decisions by verdict"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	storeErrors, err := meter.Int64Counter(
		"ratelimit.store.errors",
		metric.WithDescription("Number of failed counter store consumptions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		resolver:     NewResolver(cfg),
		store:        store,
		storeTimeout: cfg.StoreTimeout,
		failOpen:     cfg.FailOpen,
		now:          time.Now,
		decisions:    decisions,
		storeErrors:  storeErrors,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Resolver returns the engine's policy resolver.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Evaluate consumes one request against every applicable policy and decides
// whether the request is admitted. All policies are consumed even after one
// is exceeded so the caller can report every policy's state.
//
// The request is rejected when any policy is exceeded, or when a store call
// failed and the engine is not configured to fail open.
func (e *Engine) Evaluate(ctx context.Context, req *Request, route Route) Decision {
	matches := e.resolver.Resolve(req, route)
	if len(matches) == 0 {
		return Decision{Verdict: Accept}
	}

	for _, m := range matches {
		if m.Policy.HasQuota() {
			if req.Attributes == nil {
				req.Attributes = NewAttributes()
			}
			req.Attributes.SetIfAbsent(RequestStartTimeAttribute, e.now())
			break
		}
	}

	d := Decision{Results: make([]Result, 0, len(matches)), Verdict: Accept}
	for _, m := range matches {
		res := e.consume(ctx, route, m, nil)
		switch {
		case res.Err != nil && !e.failOpen:
			d.Verdict = Reject
		case res.Exceeded():
			d.Verdict = Reject
		}
		d.Results = append(d.Results, res)
	}

	e.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route.ID),
		attribute.String("verdict", d.Verdict.String()),
	))
	return d
}

// Complete charges the handling time of an admitted request against its
// quota policies. It is a no-op for requests Evaluate recorded no start time
// for. Failures are logged and reported in the results; the response is
// already on its way, so they cannot change the outcome.
func (e *Engine) Complete(ctx context.Context, req *Request, route Route) []Result {
	v, ok := req.Attributes.Get(RequestStartTimeAttribute)
	if !ok {
		return nil
	}
	start, ok := v.(time.Time)
	if !ok {
		return nil
	}

	elapsed := e.now().Sub(start)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}

	var results []Result
	for _, m := range e.resolver.Resolve(req, route) {
		if !m.Policy.HasQuota() {
			continue
		}
		results = append(results, e.consume(ctx, route, m, &elapsed))
	}
	return results
}

// consume runs one store call. The call is detached from the request's
// cancellation so a unit that reaches the store is never abandoned half way,
// and bounded by the store timeout instead.
func (e *Engine) consume(ctx context.Context, route Route, m Match, elapsed *time.Duration) Result {
	sctx := context.WithoutCancel(ctx)
	if e.storeTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, e.storeTimeout)
		defer cancel()
	}

	rate, err := e.store.Consume(sctx, m.Policy, m.Key, elapsed)
	if err != nil {
		e.storeErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", route.ID),
			attribute.String("policy", m.Policy.ID),
		))
		slog.Error("Rate limit counter consumption failed",
			"route", route.ID,
			"policy", m.Policy.ID,
			"key", m.Key,
			"fail_open", e.failOpen,
			"error", err,
		)
		return Result{Match: m, Err: err}
	}
	return Result{Match: m, Rate: rate}
}

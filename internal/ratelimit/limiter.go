package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles outgoing REST calls. Every call passes a shared limit
// and the limit of its endpoint, so one chatty endpoint cannot starve the rest.
type Limiter struct {
	shared *rate.Limiter

	mu        sync.Mutex
	endpoints map[string]*rate.Limiter
	requests  int
	period    time.Duration

	admitted atomic.Int64
	denied   atomic.Int64
}

// New allows requests per period, both overall and per endpoint.
func New(requests int, period time.Duration) *Limiter {
	return &Limiter{
		shared:    rate.NewLimiter(perSecond(requests, period), requests),
		endpoints: make(map[string]*rate.Limiter),
		requests:  requests,
		period:    period,
	}
}

func perSecond(requests int, period time.Duration) rate.Limit {
	return rate.Limit(float64(requests) / period.Seconds())
}

// Wait blocks until both the shared and the endpoint limit admit a call.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	if err := l.shared.Wait(ctx); err != nil {
		l.denied.Add(1)
		return err
	}
	if err := l.endpoint(endpoint).Wait(ctx); err != nil {
		l.denied.Add(1)
		return err
	}
	l.admitted.Add(1)
	return nil
}

// Allow reports whether a call to endpoint may go out now.
func (l *Limiter) Allow(endpoint string) bool {
	now := time.Now()
	ep := l.endpoint(endpoint)
	if !l.shared.AllowN(now, 1) {
		l.denied.Add(1)
		return false
	}
	if !ep.AllowN(now, 1) {
		l.denied.Add(1)
		return false
	}
	l.admitted.Add(1)
	return true
}

// SetEndpointLimit overrides the limit of one endpoint.
func (l *Limiter) SetEndpointLimit(endpoint string, requests int, period time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints[endpoint] = rate.NewLimiter(perSecond(requests, period), requests)
}

func (l *Limiter) endpoint(name string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	ep, ok := l.endpoints[name]
	if !ok {
		ep = rate.NewLimiter(perSecond(l.requests, l.period), l.requests)
		l.endpoints[name] = ep
	}
	return ep
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Admitted  int64
	Denied    int64
	Endpoints int
}

// Stats returns the admitted and denied call counts.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	endpoints := len(l.endpoints)
	l.mu.Unlock()

	return Stats{
		Admitted:  l.admitted.Load(),
		Denied:    l.denied.Load(),
		Endpoints: endpoints,
	}
}

// Package ratelimit implements a sliding-window message rate limiter keyed by
// connection id.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Limiter allows at most limit events per key within a sliding window. A zero
// limit disables limiting entirely.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string][]time.Time
	now     func() time.Time

	rejected metric.Int64Counter
}

// New creates a limiter. limit <= 0 means unlimited.
func New(limit int, window time.Duration, meter metric.Meter) *Limiter {
	l := &Limiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
	if meter != nil {
		l.rejected, _ = meter.Int64Counter("ratelimit_rejected_total",
			metric.WithDescription("Messages rejected by the rate limiter"))
	}
	return l
}

// Allow records an attempt for key and reports whether it is within the
// limit. Timestamps older than the window are pruned on every call, so a
// burst of rejections never extends the penalty beyond the window.
func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.buckets[key][:0]
	for _, ts := range l.buckets[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.buckets[key] = kept
		if l.rejected != nil {
			l.rejected.Add(context.Background(), 1)
		}
		return false
	}

	l.buckets[key] = append(kept, now)
	return true
}

// Forget drops all state for key. Called when a connection goes away.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

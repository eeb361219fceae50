// SPDX-License-Identifier: MIT

// Package ratelimit provides per-backend token buckets shared by all workers
// that talk to the same external service.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var limiterWaits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riven",
		Name:      "ratelimit_waits_total",
		Help:      "Times a worker blocked on a backend rate limiter",
	},
	[]string{"backend", "window"},
)

// Config holds the caps for one backend. PerSecond is mandatory; the rolling
// window caps are optional (0 disables them).
type Config struct {
	PerSecond rate.Limit
	Burst     int
	PerMinute int
	PerHour   int
}

// Backend limits calls to a single external service across all workers.
type Backend struct {
	name   string
	bucket *rate.Limiter

	mu     sync.Mutex
	minute *window
	hour   *window
}

type window struct {
	span  time.Duration
	cap   int
	marks []time.Time
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.marks) && w.marks[i].Before(cutoff) {
		i++
	}
	w.marks = w.marks[i:]
}

// nextFree returns the instant at which a slot frees up, or the zero time if
// one is free now.
func (w *window) nextFree(now time.Time) time.Time {
	w.prune(now)
	if len(w.marks) < w.cap {
		return time.Time{}
	}
	return w.marks[len(w.marks)-w.cap].Add(w.span)
}

func (w *window) mark(now time.Time) {
	w.marks = append(w.marks, now)
}

// NewBackend builds a limiter for one named backend.
func NewBackend(name string, cfg Config) *Backend {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	b := &Backend{
		name:   name,
		bucket: rate.NewLimiter(cfg.PerSecond, cfg.Burst),
	}
	if cfg.PerMinute > 0 {
		b.minute = &window{span: time.Minute, cap: cfg.PerMinute}
	}
	if cfg.PerHour > 0 {
		b.hour = &window{span: time.Hour, cap: cfg.PerHour}
	}
	return b
}

// Wait blocks until a token is available under every configured cap, or until
// ctx is cancelled.
func (b *Backend) Wait(ctx context.Context) error {
	for {
		wait := b.windowWait(time.Now())
		if wait <= 0 {
			break
		}
		limiterWaits.WithLabelValues(b.name, "rolling").Inc()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := b.bucket.Wait(ctx); err != nil {
		return err
	}
	b.record(time.Now())
	return nil
}

// Allow reports whether a call may proceed right now, consuming a token if so.
func (b *Backend) Allow() bool {
	now := time.Now()
	if b.windowWait(now) > 0 {
		return false
	}
	if !b.bucket.Allow() {
		return false
	}
	b.record(now)
	return true
}

func (b *Backend) windowWait(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var until time.Time
	if b.minute != nil {
		if t := b.minute.nextFree(now); t.After(until) {
			until = t
		}
	}
	if b.hour != nil {
		if t := b.hour.nextFree(now); t.After(until) {
			until = t
		}
	}
	if until.IsZero() {
		return 0
	}
	return until.Sub(now)
}

func (b *Backend) record(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.minute != nil {
		b.minute.mark(now)
	}
	if b.hour != nil {
		b.hour.mark(now)
	}
}

// Registry hands out one shared limiter per backend name.
type Registry struct {
	mu       sync.Mutex
	backends map[string]*Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]*Backend)}
}

// Get returns the limiter for name, creating it with cfg on first use.
func (r *Registry) Get(name string, cfg Config) *Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[name]; ok {
		return b
	}
	b := NewBackend(name, cfg)
	r.backends[name] = b
	return b
}

// String implements fmt.Stringer for debugging.
func (b *Backend) String() string {
	return fmt.Sprintf("ratelimit.Backend(%s)", b.name)
}

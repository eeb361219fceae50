// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/ratelimit"
)

const defaultTimeout = 30 * time.Second

// Handle wraps one backend instance with its operational state: enabled flag
// from config, health flag flipped on credential failures, shared rate
// limiter and call timeout. Exactly one capability field is non-nil.
type Handle struct {
	name    string
	kind    media.ServiceKind
	limiter *ratelimit.Backend
	timeout time.Duration

	mu      sync.Mutex
	enabled bool
	healthy bool

	// supported narrows which items the backend accepts; nil accepts all.
	supported func(*media.Item) bool

	Source     ContentSource
	Indexer    Indexer
	Scraper    Scraper
	Downloader Downloader
	Updater    Updater
	Post       PostProcessor
}

// HandleConfig carries the operational knobs for one backend.
type HandleConfig struct {
	Name      string
	Enabled   bool
	Timeout   time.Duration
	PerSecond float64
	Burst     int
	PerMinute int
	PerHour   int
	Supported func(*media.Item) bool
}

func newHandle(kind media.ServiceKind, cfg HandleConfig, limiters *ratelimit.Registry) *Handle {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Handle{
		name: cfg.Name,
		kind: kind,
		limiter: limiters.Get(cfg.Name, ratelimit.Config{
			PerSecond: rate.Limit(cfg.PerSecond),
			Burst:     cfg.Burst,
			PerMinute: cfg.PerMinute,
			PerHour:   cfg.PerHour,
		}),
		timeout:   timeout,
		enabled:   cfg.Enabled,
		healthy:   true,
		supported: cfg.Supported,
	}
}

func (h *Handle) Name() string            { return h.name }
func (h *Handle) Kind() media.ServiceKind { return h.kind }

// Usable reports whether the backend may be called right now.
func (h *Handle) Usable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled && h.healthy
}

func (h *Handle) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// SetEnabled applies a config change. Re-enabling also resets health so a
// fixed credential gets a fresh chance.
func (h *Handle) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if enabled && !h.enabled {
		h.healthy = true
	}
	h.enabled = enabled
}

func (h *Handle) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *Handle) markUnhealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = false
}

// Supported reports whether the backend accepts this item.
func (h *Handle) Supported(item *media.Item) bool {
	if h.supported == nil {
		return true
	}
	return h.supported(item)
}

// Begin waits on the backend's rate limiter and returns a context bounded by
// the backend's timeout. The caller must call cancel.
func (h *Handle) Begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	return callCtx, cancel, nil
}

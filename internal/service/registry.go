// SPDX-License-Identifier: MIT

package service

import (
	"sync"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/ratelimit"

	xglog "github.com/rivenmedia/riven/internal/log"
)

// Registry tracks every configured backend. Handles are registered once at
// startup; enabled flags follow config hot reloads, health flips at runtime.
type Registry struct {
	limiters *ratelimit.Registry

	mu      sync.RWMutex
	byName  map[string]*Handle
	byKind  map[media.ServiceKind][]*Handle
	sources []*Handle
}

func NewRegistry(limiters *ratelimit.Registry) *Registry {
	if limiters == nil {
		limiters = ratelimit.NewRegistry()
	}
	return &Registry{
		limiters: limiters,
		byName:   make(map[string]*Handle),
		byKind:   make(map[media.ServiceKind][]*Handle),
	}
}

// RegisterSource adds a content source. Sources are polled by the scheduler
// and are not part of the pipeline pools.
func (r *Registry) RegisterSource(cfg HandleConfig, src ContentSource) *Handle {
	h := newHandle("", cfg, r.limiters)
	h.Source = src
	r.mu.Lock()
	r.byName[h.name] = h
	r.sources = append(r.sources, h)
	r.mu.Unlock()
	return h
}

// RegisterIndexer adds an indexer backend.
func (r *Registry) RegisterIndexer(cfg HandleConfig, ix Indexer) *Handle {
	h := newHandle(media.ServiceIndexer, cfg, r.limiters)
	h.Indexer = ix
	r.add(h)
	return h
}

// RegisterScraper adds a scraper backend. Registration order is merge order;
// all usable scrapers run in parallel for the same item.
func (r *Registry) RegisterScraper(cfg HandleConfig, sc Scraper) *Handle {
	h := newHandle(media.ServiceScraping, cfg, r.limiters)
	h.Scraper = sc
	r.add(h)
	return h
}

// RegisterDownloader adds a debrid backend. Registration order is priority
// order; the first usable backend that succeeds wins.
func (r *Registry) RegisterDownloader(cfg HandleConfig, dl Downloader) *Handle {
	h := newHandle(media.ServiceDownloader, cfg, r.limiters)
	h.Downloader = dl
	r.add(h)
	return h
}

// RegisterUpdater adds a media-server updater, priority ordered.
func (r *Registry) RegisterUpdater(cfg HandleConfig, up Updater) *Handle {
	h := newHandle(media.ServiceUpdater, cfg, r.limiters)
	h.Updater = up
	r.add(h)
	return h
}

// RegisterPostProcessor adds a post-processing backend.
func (r *Registry) RegisterPostProcessor(cfg HandleConfig, pp PostProcessor) *Handle {
	h := newHandle(media.ServicePostProcessor, cfg, r.limiters)
	h.Post = pp
	r.add(h)
	return h
}

func (r *Registry) add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[h.name] = h
	r.byKind[h.kind] = append(r.byKind[h.kind], h)
}

// Get returns the handle registered under name, or nil.
func (r *Registry) Get(name string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Usable returns the usable handles of a kind in registration order.
func (r *Registry) Usable(kind media.ServiceKind) []*Handle {
	r.mu.RLock()
	handles := r.byKind[kind]
	r.mu.RUnlock()

	out := make([]*Handle, 0, len(handles))
	for _, h := range handles {
		if h.Usable() {
			out = append(out, h)
		}
	}
	return out
}

// UsableFor returns the usable handles of a kind that support the item.
func (r *Registry) UsableFor(kind media.ServiceKind, item *media.Item) []*Handle {
	handles := r.Usable(kind)
	out := handles[:0]
	for _, h := range handles {
		if h.Supported(item) {
			out = append(out, h)
		}
	}
	return out
}

// HasUsable reports whether any backend of the kind may be called. The
// symlinker is built in and always available.
func (r *Registry) HasUsable(kind media.ServiceKind) bool {
	if kind == media.ServiceSymlinker {
		return true
	}
	return len(r.Usable(kind)) > 0
}

// Sources returns the usable content sources.
func (r *Registry) Sources() []*Handle {
	r.mu.RLock()
	sources := r.sources
	r.mu.RUnlock()

	out := make([]*Handle, 0, len(sources))
	for _, h := range sources {
		if h.Usable() {
			out = append(out, h)
		}
	}
	return out
}

// ReportError inspects a backend failure and flips health on credential and
// config errors so the backend is skipped until re-enabled or reconfigured.
func (r *Registry) ReportError(name string, err error) {
	if err == nil || media.ClassOf(err) != media.ClassConfig {
		return
	}
	h := r.Get(name)
	if h == nil {
		return
	}
	h.markUnhealthy()
	xglog.WithComponent("services").Warn().
		Str("event", "service.unhealthy").
		Str(xglog.FieldBackend, name).
		Err(err).
		Msg("backend marked unhealthy after config error")
}

// ApplyEnabled hot-applies enabled flags from a reloaded config. Backends not
// named keep their current flag.
func (r *Registry) ApplyEnabled(enabled map[string]bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, on := range enabled {
		if h, ok := r.byName[name]; ok {
			h.SetEnabled(on)
		}
	}
}

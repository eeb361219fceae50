// SPDX-License-Identifier: MIT
package main

import (
	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/service"

	xglog "github.com/rivenmedia/riven/internal/log"
)

// drivers maps backend names to constructors. The core ships without
// concrete drivers; builds that include them register constructors here via
// their package init.
var drivers = map[string]func(config.Backend, *service.Registry, service.HandleConfig){}

// registerBackends wires every configured backend into the registry. A
// backend without a linked driver is skipped with a warning so the rest of
// the system still runs.
func registerBackends(reg *service.Registry, cfg config.Settings) {
	logger := xglog.WithComponent("main")

	register := func(kind string, b config.Backend) {
		if b.Name == "" {
			return
		}
		ctor, ok := drivers[b.Name]
		if !ok {
			logger.Warn().
				Str("event", "backend.no_driver").
				Str(xglog.FieldBackend, b.Name).
				Str("kind", kind).
				Msg("backend configured but no driver linked in this build")
			return
		}
		ctor(b, reg, toHandleConfig(b))
		logger.Info().
			Str("event", "backend.registered").
			Str(xglog.FieldBackend, b.Name).
			Str("kind", kind).
			Bool("enabled", b.Enabled).
			Msg("backend registered")
	}

	for _, b := range cfg.ContentSources {
		register("content_source", b)
	}
	for _, b := range cfg.Scrapers {
		register("scraper", b)
	}
	for _, b := range cfg.Downloaders {
		register("downloader", b)
	}
	for _, b := range cfg.Updaters {
		register("updater", b)
	}
	register("subtitles", cfg.Subtitles)
}

func toHandleConfig(b config.Backend) service.HandleConfig {
	return service.HandleConfig{
		Name:      b.Name,
		Enabled:   b.Enabled,
		Timeout:   b.Timeout,
		PerSecond: b.PerSecond,
		PerMinute: b.PerMinute,
		PerHour:   b.PerHour,
	}
}

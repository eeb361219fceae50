// SPDX-License-Identifier: MIT

// Package config provides settings management for riven: typed settings
// structs, YAML file persistence, RIVEN_* environment overrides and
// validation.
package config

import (
	"time"
)

// Settings is the root configuration document.
type Settings struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Log       Log       `yaml:"log"`
	Library   Library   `yaml:"library"`
	Ranking   Ranking   `yaml:"ranking"`
	Retry     Retry     `yaml:"retry"`
	Scheduler Scheduler `yaml:"scheduler"`
	Pools     Pools     `yaml:"pools"`
	Sessions  Sessions  `yaml:"sessions"`
	Cache     Cache     `yaml:"cache"`

	ContentSources []Backend `yaml:"content_sources"`
	Scrapers       []Backend `yaml:"scrapers"`
	Downloaders    []Backend `yaml:"downloaders"`
	Updaters       []Backend `yaml:"updaters"`
	Subtitles      Backend   `yaml:"subtitles"`

	Notifications Notifications `yaml:"notifications"`
}

type Server struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Library struct {
	// Root is where symlinks are created (movies/, shows/, ...).
	Root string `yaml:"root"`
	// Mount is the rclone mount holding the actual files.
	Mount string `yaml:"mount"`
	// SeparateAnime adds anime_movies/ and anime_shows/ trees.
	SeparateAnime bool `yaml:"separate_anime"`
}

// Ranking bounds candidate streams before the ranker sees them.
type Ranking struct {
	MovieMinBytes   int64    `yaml:"movie_min_bytes"`
	MovieMaxBytes   int64    `yaml:"movie_max_bytes"`
	EpisodeMinBytes int64    `yaml:"episode_min_bytes"`
	EpisodeMaxBytes int64    `yaml:"episode_max_bytes"`
	Resolutions     []string `yaml:"resolutions"` // empty allows all
	AllowAdult      bool     `yaml:"allow_adult"`
}

// Retry governs event attempts and the scrape backoff ladder.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
	// Scrape backoff tiers: scraped_times thresholds mapping to delays.
	ScrapeBackoff []BackoffTier `yaml:"scrape_backoff"`
}

type BackoffTier struct {
	UpTo  int           `yaml:"up_to"` // inclusive scraped_times bound; 0 = catch-all
	Delay time.Duration `yaml:"delay"`
}

// Scheduler intervals for the periodic jobs.
type Scheduler struct {
	ContentPoll       time.Duration `yaml:"content_poll"`
	RetrySweep        time.Duration `yaml:"retry_sweep"`
	LibraryRescan     time.Duration `yaml:"library_rescan"`
	OngoingRecheck    time.Duration `yaml:"ongoing_recheck"`
	UnreleasedRecheck time.Duration `yaml:"unreleased_recheck"`
	EndedRecheck      time.Duration `yaml:"ended_recheck"`
}

// Pools sizes each service worker pool.
type Pools struct {
	Indexer       int `yaml:"indexer"`
	Scraping      int `yaml:"scraping"`
	Downloader    int `yaml:"downloader"`
	Symlinker     int `yaml:"symlinker"`
	Updater       int `yaml:"updater"`
	PostProcessor int `yaml:"postprocessor"`
}

type Sessions struct {
	TTL time.Duration `yaml:"ttl"`
}

type Cache struct {
	RedisAddr string        `yaml:"redis_addr"` // empty = in-memory only
	TTL       time.Duration `yaml:"ttl"`
}

// Backend describes one external collaborator instance.
type Backend struct {
	Name      string        `yaml:"name"`
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	PerSecond float64       `yaml:"per_second"`
	PerMinute int           `yaml:"per_minute"`
	PerHour   int           `yaml:"per_hour"`
	// UpdateInterval applies to content sources only.
	UpdateInterval time.Duration `yaml:"update_interval"`
}

type Notifications struct {
	// Events is the subset of {item.completed, item.failed, show.new_season}
	// that is forwarded on the notification topic.
	Events []string `yaml:"events"`
}

// Default returns the settings used when no file exists yet.
func Default() Settings {
	return Settings{
		Server:   Server{Host: "0.0.0.0", Port: 8080},
		Database: Database{Path: "data/riven.db"},
		Log:      Log{Level: "info"},
		Library: Library{
			Root:  "library",
			Mount: "/mnt/remote",
		},
		Ranking: Ranking{
			MovieMinBytes:   700 << 20,  // 700 MiB
			MovieMaxBytes:   60 << 30,   // 60 GiB
			EpisodeMinBytes: 100 << 20,  // 100 MiB
			EpisodeMaxBytes: 15 << 30,   // 15 GiB
		},
		Retry: Retry{
			MaxAttempts: 5,
			Cooldown:    6 * time.Hour,
			ScrapeBackoff: []BackoffTier{
				{UpTo: 2, Delay: 30 * time.Minute},
				{UpTo: 5, Delay: 2 * time.Hour},
				{UpTo: 10, Delay: 24 * time.Hour},
				{UpTo: 0, Delay: 168 * time.Hour},
			},
		},
		Scheduler: Scheduler{
			ContentPoll:       15 * time.Minute,
			RetrySweep:        1 * time.Minute,
			LibraryRescan:     12 * time.Hour,
			OngoingRecheck:    24 * time.Hour,
			UnreleasedRecheck: 7 * 24 * time.Hour,
			EndedRecheck:      30 * 24 * time.Hour,
		},
		Pools: Pools{
			Indexer:       3,
			Scraping:      8,
			Downloader:    4,
			Symlinker:     2,
			Updater:       2,
			PostProcessor: 1,
		},
		Sessions: Sessions{TTL: 30 * time.Minute},
		Cache:    Cache{TTL: 6 * time.Hour},
	}
}

// ScrapeDelay returns the backoff delay for the given scraped_times count.
func (r Retry) ScrapeDelay(scrapedTimes int) time.Duration {
	var catchAll time.Duration
	for _, tier := range r.ScrapeBackoff {
		if tier.UpTo == 0 {
			catchAll = tier.Delay
			continue
		}
		if scrapedTimes <= tier.UpTo {
			return tier.Delay
		}
	}
	if catchAll > 0 {
		return catchAll
	}
	return 168 * time.Hour
}

// PoolSize returns the configured pool size for a service kind name, with the
// documented defaults as floor.
func (p Pools) PoolSize(kind string) int {
	var n int
	switch kind {
	case "indexer":
		n = p.Indexer
	case "scraping":
		n = p.Scraping
	case "downloader":
		n = p.Downloader
	case "symlinker":
		n = p.Symlinker
	case "updater":
		n = p.Updater
	case "postprocessor":
		n = p.PostProcessor
	}
	if n <= 0 {
		n = 1
	}
	return n
}

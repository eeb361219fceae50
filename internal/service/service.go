// SPDX-License-Identifier: MIT

// Package service holds the typed contracts for external collaborators and
// the registry that tracks which backends are enabled and healthy. Concrete
// drivers live outside the core; the pipeline only sees these interfaces.
package service

import (
	"context"
	"time"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/streams"
)

// Request is one wanted item reported by a content source.
type Request struct {
	ExternalID  string
	Kind        media.Kind // movie or show; empty lets the indexer decide
	RequestedBy string
}

// ContentSource reports externally wanted items (watchlists, request apps).
type ContentSource interface {
	Wanted(ctx context.Context) ([]Request, error)
}

// IndexResult is the metadata an indexer resolved for an item. Children is
// the full season/episode tree for shows; nil for movies.
type IndexResult struct {
	Title       string
	Year        int
	AiredAt     time.Time
	Network     string
	Country     string
	Genres      []string
	IsAnime     bool
	ShowStatus  media.ShowStatus
	NextAirDate time.Time

	Children []*media.Item
}

// Indexer resolves external ids to metadata and the child tree.
type Indexer interface {
	Index(ctx context.Context, item *media.Item) (*IndexResult, error)
}

// Scraper discovers release candidates for a target.
type Scraper interface {
	Scrape(ctx context.Context, target streams.Target) ([]*media.Stream, error)
}

// File is one entry inside a debrid file set.
type File struct {
	Path      string
	SizeBytes int64
}

// FileSet is what a debrid service exposes for a cached infohash.
type FileSet struct {
	Files []File
}

// Downloader asks a debrid backend to cache an infohash and expose its files.
// Uncached hashes that cannot be cached now fail with a NotAvailableYet error.
type Downloader interface {
	Download(ctx context.Context, infohash string) (*FileSet, error)
}

// Updater tells a media server to rescan the library section containing path.
type Updater interface {
	Refresh(ctx context.Context, path string) error
}

// Subtitle is one fetched subtitle file.
type Subtitle struct {
	Language string
	Path     string
}

// PostProcessor runs after completion; currently subtitle acquisition.
// Failures are non-fatal.
type PostProcessor interface {
	Process(ctx context.Context, item *media.Item) ([]Subtitle, error)
}

// SPDX-License-Identifier: MIT

// Package media defines the core data model shared by the store, the state
// machine and the pipeline: items, streams, events and the error taxonomy.
package media

import (
	"time"
)

// Kind discriminates the item hierarchy.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindShow    Kind = "show"
	KindSeason  Kind = "season"
	KindEpisode Kind = "episode"
)

// ShowStatus classifies a show for recheck cadence.
type ShowStatus string

const (
	ShowUnreleased ShowStatus = "unreleased"
	ShowOngoing    ShowStatus = "ongoing"
	ShowEnded      ShowStatus = "ended"
	ShowUnknown    ShowStatus = "unknown"
)

// Item is a MediaItem row. IDs are store-allocated; external IDs are
// attributes, never keys.
type Item struct {
	ID       int64
	Kind     Kind
	ParentID int64 // 0 for root items

	// External identifiers
	IMDBID  string
	TVDBID  string
	TMDBID  string
	TraktID string

	// Metadata
	Title   string
	Year    int
	AiredAt time.Time
	Network string
	Country string
	Genres  []string
	IsAnime bool

	// Season/episode numbering (seasons and episodes only)
	Number int

	// Lifecycle
	RequestedAt  time.Time
	RequestedBy  string
	IndexedAt    time.Time
	ScrapedAt    time.Time
	ScrapedTimes int
	SymlinkedAt  time.Time
	UpdatedAt    time.Time // media-server refresh ack
	LastStateAt  time.Time

	State          State
	FailedAttempts int
	NextRetryAt    time.Time

	// File binding (leaf items only)
	FileName    string
	Folder      string
	FileSize    int64
	SymlinkPath string

	// Show/season derived fields
	ShowStatus  ShowStatus
	NextAirDate time.Time

	ActiveStreamID int64

	PostProcessed bool

	Children []*Item // populated by LoadItem depth > 0
}

// IsLeaf reports whether the item binds files directly.
func (it *Item) IsLeaf() bool {
	return it.Kind == KindMovie || it.Kind == KindEpisode
}

// Released reports whether the item's air date has passed (unset counts as
// released so movies without a date are not starved).
func (it *Item) Released(now time.Time) bool {
	return it.AiredAt.IsZero() || !it.AiredAt.After(now)
}

// ExternalID returns the best available external identifier.
func (it *Item) ExternalID() string {
	switch {
	case it.IMDBID != "":
		return it.IMDBID
	case it.TVDBID != "":
		return it.TVDBID
	case it.TMDBID != "":
		return it.TMDBID
	default:
		return it.TraktID
	}
}

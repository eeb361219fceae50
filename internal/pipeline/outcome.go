// SPDX-License-Identifier: MIT

// Package pipeline wraps each external service call and maps its result into
// an Outcome. Outcomes are the only side-effect channel: the dispatcher
// applies them transactionally; handlers themselves never write state.
package pipeline

import (
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/streams"
)

// Binding is the file a download attempt produced.
type Binding struct {
	FileName  string
	Folder    string
	SizeBytes int64
}

// Outcome is everything a handler wants committed. Zero fields are skipped.
type Outcome struct {
	// Transition, when set, is the state to record for the item.
	Transition media.State

	// Index carries resolved metadata and the child tree to upsert.
	Index *service.IndexResult

	// Streams are accepted scrape results to merge into the candidate set.
	Streams []*media.Stream
	// Rejected are scrape results the filters excluded; their infohashes go
	// straight to the blacklist.
	Rejected []streams.Rejection
	// ScrapeEmpty marks a scrape pass that produced no usable candidate:
	// scraped_times increments and the backoff ladder schedules the retry.
	ScrapeEmpty bool
	// Redispatch requests an immediate re-decision without touching retry
	// state. Exclusive with every other field.
	Redispatch bool

	// AttemptedStreamID is the candidate a download attempt used. On failure
	// the dispatcher blacklists it using the error's reason.
	AttemptedStreamID int64
	// File binds the downloaded file to the item.
	File *Binding

	// SymlinkPath records where the symlinker placed the library link.
	SymlinkPath string

	// PostProcessed marks post-processing as done (even on non-fatal errors).
	PostProcessed bool
	Subtitles     []service.Subtitle
}

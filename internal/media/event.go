// SPDX-License-Identifier: MIT

package media

import "time"

// ServiceKind identifies a pipeline stage / worker pool.
type ServiceKind string

const (
	ServiceIndexer       ServiceKind = "indexer"
	ServiceScraping      ServiceKind = "scraping"
	ServiceDownloader    ServiceKind = "downloader"
	ServiceSymlinker     ServiceKind = "symlinker"
	ServiceUpdater       ServiceKind = "updater"
	ServicePostProcessor ServiceKind = "postprocessor"
)

// ServiceKinds lists every pool in dispatch order.
var ServiceKinds = []ServiceKind{
	ServiceIndexer,
	ServiceScraping,
	ServiceDownloader,
	ServiceSymlinker,
	ServiceUpdater,
	ServicePostProcessor,
}

// Event schedules work for one item. Events are held in memory by the queue;
// the dispatcher rebuilds pending work from the store on restart.
type Event struct {
	ID        int64
	EmittedBy string // service kind, "scheduler", "api" or "webhook"
	ItemID    int64
	RunAt     time.Time
	Priority  int // lower runs first; RunAt dominates
	Attempt   int
	CreatedAt time.Time

	// CorrelationID ties log lines of one event's processing together.
	CorrelationID string
}

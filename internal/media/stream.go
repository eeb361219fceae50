// SPDX-License-Identifier: MIT

package media

import (
	"regexp"
	"strings"
	"time"
)

// BlacklistReason enumerates why a stream was moved to an item's blacklist.
type BlacklistReason string

const (
	ReasonNotCached       BlacklistReason = "not_cached"
	ReasonNoMatchingFiles BlacklistReason = "no_matching_files"
	ReasonSizeOutOfBounds BlacklistReason = "size_out_of_bounds"
	ReasonWrongSeason     BlacklistReason = "wrong_season"
	ReasonWrongEpisode    BlacklistReason = "wrong_episode"
	ReasonAdultRejected   BlacklistReason = "adult_rejected"
	ReasonDownloadDenied  BlacklistReason = "download_denied"
	ReasonUnusableArchive BlacklistReason = "unusable_archive"
	ReasonManual          BlacklistReason = "manual"
)

// Stream is a candidate release owned by exactly one item. The same infohash
// may appear under multiple items as distinct rows.
type Stream struct {
	ID     int64
	ItemID int64

	Infohash    string // 40-hex lowercase
	RawTitle    string
	ParsedTitle string
	Rank        int
	Resolution  string
	SizeBytes   int64
	Seeders     int
	Source      string // scraper backend name

	Cached          bool
	Blacklisted     bool
	BlacklistReason BlacklistReason

	DiscoveredAt time.Time
}

// BlacklistEntry records an infohash that may never be retried for an item.
// It survives deletion of the stream row.
type BlacklistEntry struct {
	ItemID   int64
	Infohash string
	Reason   BlacklistReason
	AddedAt  time.Time
}

var infohashRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// NormalizeInfohash lowercases h and reports whether it is a valid 40-hex
// infohash.
func NormalizeInfohash(h string) (string, bool) {
	h = strings.ToLower(strings.TrimSpace(h))
	return h, infohashRe.MatchString(h)
}

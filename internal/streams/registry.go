// SPDX-License-Identifier: MIT

package streams

import (
	"slices"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/media"
)

// Target is what a candidate set is being ranked for. Season and Episode are
// zero for movies; Episode is zero for season packs.
type Target struct {
	Kind    media.Kind
	Title   string
	Year    int
	Season  int
	Episode int
	IsAnime bool
}

// TargetFor derives a Target from an item and its optional season ancestor.
func TargetFor(it *media.Item, season *media.Item) Target {
	t := Target{Kind: it.Kind, Title: it.Title, Year: it.Year, IsAnime: it.IsAnime}
	switch it.Kind {
	case media.KindSeason:
		t.Season = it.Number
	case media.KindEpisode:
		t.Episode = it.Number
		if season != nil {
			t.Season = season.Number
		}
	}
	return t
}

// Rejection is a candidate the filters excluded, with the blacklist reason to
// record so the infohash is never retried.
type Rejection struct {
	Stream *media.Stream
	Reason media.BlacklistReason
}

// Registry applies the pre-rank filters and the ranker to raw scraper output.
type Registry struct {
	Ranker  Ranker
	Ranking config.Ranking
}

// NewRegistry builds a registry with the keyword ranker.
func NewRegistry(ranking config.Ranking) *Registry {
	return &Registry{Ranker: KeywordRanker{}, Ranking: ranking}
}

// Process filters and ranks scraped candidates for a target. Accepted streams
// come back with Rank and ParsedTitle populated, best first. Rejections carry
// blacklist reasons; candidates excluded only by the resolution allow-list are
// dropped without a blacklist entry so a config change can resurface them.
func (r *Registry) Process(target Target, candidates []*media.Stream) (accepted []*media.Stream, rejected []Rejection) {
	for _, st := range candidates {
		p := Parse(st.RawTitle)

		if reason, ok := r.reject(target, st, p); !ok {
			rejected = append(rejected, Rejection{Stream: st, Reason: reason})
			continue
		}
		if len(r.Ranking.Resolutions) > 0 && p.Resolution != "" &&
			!slices.Contains(r.Ranking.Resolutions, p.Resolution) {
			continue
		}

		st.ParsedTitle = p.Title
		st.Resolution = p.Resolution
		st.Rank = r.Ranker.Rank(p)
		accepted = append(accepted, st)
	}

	slices.SortStableFunc(accepted, func(a, b *media.Stream) int {
		return compareStreams(a, b)
	})
	return accepted, rejected
}

func (r *Registry) reject(target Target, st *media.Stream, p Parsed) (media.BlacklistReason, bool) {
	if p.Adult && !r.Ranking.AllowAdult {
		return media.ReasonAdultRejected, false
	}

	min, max := r.Ranking.EpisodeMinBytes, r.Ranking.EpisodeMaxBytes
	if target.Kind == media.KindMovie {
		min, max = r.Ranking.MovieMinBytes, r.Ranking.MovieMaxBytes
	}
	// Season packs are sized per pack, not per episode; skip the bound check
	// when the release covers a whole season.
	if st.SizeBytes > 0 && !(target.Kind != media.KindMovie && p.FullSeason) {
		if min > 0 && st.SizeBytes < min {
			return media.ReasonSizeOutOfBounds, false
		}
		if max > 0 && st.SizeBytes > max {
			return media.ReasonSizeOutOfBounds, false
		}
	}

	if target.Season > 0 && len(p.Seasons) > 0 && !slices.Contains(p.Seasons, target.Season) {
		return media.ReasonWrongSeason, false
	}
	if target.Episode > 0 && len(p.Episodes) > 0 && !slices.Contains(p.Episodes, target.Episode) {
		return media.ReasonWrongEpisode, false
	}

	return "", true
}

// SelectNext picks the stream a download attempt should use from the live
// candidate set: highest rank, then most seeders, then largest file, then
// most recent discovery. Returns nil when the set is empty.
func SelectNext(live []*media.Stream) *media.Stream {
	var best *media.Stream
	for _, st := range live {
		if best == nil || compareStreams(st, best) < 0 {
			best = st
		}
	}
	return best
}

// compareStreams orders a before b when a is the better candidate.
func compareStreams(a, b *media.Stream) int {
	if a.Rank != b.Rank {
		return b.Rank - a.Rank
	}
	if a.Seeders != b.Seeders {
		return b.Seeders - a.Seeders
	}
	if a.SizeBytes != b.SizeBytes {
		if b.SizeBytes > a.SizeBytes {
			return 1
		}
		return -1
	}
	// Fresher discoveries win ties: a rescrape that resurfaces an
	// equally ranked release supersedes the stale one.
	if !a.DiscoveredAt.Equal(b.DiscoveredAt) {
		if a.DiscoveredAt.After(b.DiscoveredAt) {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivenmedia/riven/internal/media"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "riven.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedMovie(t *testing.T, s *Store, title, imdb string) *media.Item {
	t.Helper()
	it := &media.Item{
		Kind:        media.KindMovie,
		IMDBID:      imdb,
		Title:       title,
		Year:        2020,
		State:       media.StateRequested,
		RequestedAt: time.Now().UTC(),
		ShowStatus:  media.ShowUnknown,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.CreateItem(context.Background(), it)
	}))
	require.NotZero(t, it.ID)
	return it
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "riven.db")

	s, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopen against the same file.
	s, err = Open(path, DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.DB.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion, version)
}

func TestItemRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := seedMovie(t, s, "Arrival", "tt2543164")
	it.Genres = []string{"sci-fi", "drama"}
	it.IsAnime = false
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateItem(ctx, it)
	}))

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, "Arrival", got.Title)
	assert.Equal(t, media.StateRequested, got.State)
	assert.Equal(t, []string{"sci-fi", "drama"}, got.Genres)
	assert.Equal(t, "tt2543164", got.IMDBID)

	_, err = s.GetItem(ctx, 99999)
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestFindByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMovie(t, s, "Dune", "tt1160419")

	got, err := s.FindByExternalID(ctx, "tt1160419")
	require.NoError(t, err)
	assert.Equal(t, "Dune", got.Title)

	_, err = s.FindByExternalID(ctx, "tt0000000")
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestLoadItemDepth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	show := &media.Item{Kind: media.KindShow, Title: "Severance", State: media.StateRequested, ShowStatus: media.ShowOngoing, RequestedAt: now}
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateItem(ctx, show); err != nil {
			return err
		}
		season := &media.Item{Kind: media.KindSeason, ParentID: show.ID, Number: 1, State: media.StateRequested}
		if err := tx.CreateItem(ctx, season); err != nil {
			return err
		}
		for ep := 1; ep <= 2; ep++ {
			e := &media.Item{Kind: media.KindEpisode, ParentID: season.ID, Number: ep, State: media.StateRequested}
			if err := tx.CreateItem(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	flat, err := s.LoadItem(ctx, show.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, flat.Children)

	tree, err := s.LoadItem(ctx, show.ID, 2)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	require.Len(t, tree.Children[0].Children, 2)
	assert.Equal(t, 1, tree.Children[0].Number)
	assert.Equal(t, 2, tree.Children[0].Children[1].Number)
}

func TestRecordTransitionStampsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	it := seedMovie(t, s, "Heat", "tt0113277")
	it.ScrapedTimes = 4
	it.NextRetryAt = now.Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.RecordTransition(ctx, it, media.StateIndexed, now); err != nil {
			return err
		}
		return tx.RecordTransition(ctx, it, media.StateScraped, now.Add(time.Minute))
	}))

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateScraped, got.State)
	assert.Equal(t, now, got.IndexedAt)
	assert.Zero(t, got.ScrapedTimes, "successful scrape resets the backoff ladder")
	assert.True(t, got.NextRetryAt.IsZero())
	assert.Equal(t, now.Add(time.Minute), got.LastStateAt)
}

func TestCompletedTransitionStampsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	it := seedMovie(t, s, "Blade Runner", "tt0083658")
	it.FailedAttempts = 2
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.RecordTransition(ctx, it, media.StateCompleted, now)
	}))

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateCompleted, got.State)
	assert.Equal(t, now, got.UpdatedAt, "completion records the media-server ack")
	assert.Zero(t, got.FailedAttempts)
	assert.True(t, got.NextRetryAt.IsZero())
}

func TestRecomputeAncestors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var show, season *media.Item
	var eps []*media.Item
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		show = &media.Item{Kind: media.KindShow, Title: "Dark", State: media.StateRequested, RequestedAt: now}
		if err := tx.CreateItem(ctx, show); err != nil {
			return err
		}
		season = &media.Item{Kind: media.KindSeason, ParentID: show.ID, Number: 1, State: media.StateRequested}
		if err := tx.CreateItem(ctx, season); err != nil {
			return err
		}
		for ep := 1; ep <= 2; ep++ {
			e := &media.Item{Kind: media.KindEpisode, ParentID: season.ID, Number: ep, State: media.StateRequested}
			if err := tx.CreateItem(ctx, e); err != nil {
				return err
			}
			eps = append(eps, e)
		}
		return nil
	}))

	// One episode completes: ancestors become PartiallyCompleted.
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.RecordTransition(ctx, eps[0], media.StateCompleted, now); err != nil {
			return err
		}
		changed, err := tx.RecomputeAncestors(ctx, eps[0].ID, now)
		if err != nil {
			return err
		}
		require.ElementsMatch(t, []int64{season.ID, show.ID}, changed)
		return nil
	}))

	gotSeason, err := s.GetItem(ctx, season.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StatePartiallyCompleted, gotSeason.State)

	// Second episode completes: everything rolls up to Completed.
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.RecordTransition(ctx, eps[1], media.StateCompleted, now); err != nil {
			return err
		}
		_, err := tx.RecomputeAncestors(ctx, eps[1].ID, now)
		return err
	}))

	gotShow, err := s.GetItem(ctx, show.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateCompleted, gotShow.State)
}

func TestUpsertStreamsDedupAndBlacklist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := seedMovie(t, s, "Tenet", "tt6723592")
	hashA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	var firstID int64
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		added, err := tx.UpsertStreams(ctx, it.ID, []*media.Stream{
			{Infohash: hashA, RawTitle: "Tenet.2160p", Rank: 100, Seeders: 10},
			{Infohash: "NOT-A-HASH", RawTitle: "garbage"},
		}, now)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, added)
		streams, err := tx.ListStreams(ctx, it.ID)
		if err != nil {
			return err
		}
		firstID = streams[0].ID
		return nil
	}))

	// Second scrape re-reports hashA with fresher counters plus a new hash.
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		added, err := tx.UpsertStreams(ctx, it.ID, []*media.Stream{
			{Infohash: hashA, RawTitle: "different raw title", Rank: 120, Seeders: 50},
			{Infohash: hashB, RawTitle: "Tenet.1080p", Rank: 80, Seeders: 5},
		}, now.Add(time.Hour))
		assert.Equal(t, 1, added)
		return err
	}))

	streams, err := s.ListStreams(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, firstID, streams[0].ID, "dedup keeps the original row")
	assert.Equal(t, "Tenet.2160p", streams[0].RawTitle, "first-seen parse wins")
	assert.Equal(t, 50, streams[0].Seeders, "counters refresh")
	assert.Equal(t, now.Truncate(time.Millisecond), streams[0].DiscoveredAt)

	// Blacklist hashA, then re-scrape it: it must not reappear.
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.BlacklistStream(ctx, firstID, media.ReasonNotCached, now)
	}))
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		added, err := tx.UpsertStreams(ctx, it.ID, []*media.Stream{
			{Infohash: hashA, Rank: 200},
		}, now)
		assert.Zero(t, added)
		return err
	}))

	streams, err = s.ListStreams(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, hashB, streams[0].Infohash)

	entries, err := s.Blacklist(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, media.ReasonNotCached, entries[0].Reason)
}

func TestBlacklistClearsActiveStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := seedMovie(t, s, "Sicario", "tt3397884")
	hash := "cccccccccccccccccccccccccccccccccccccccc"

	var streamID int64
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertStreams(ctx, it.ID, []*media.Stream{{Infohash: hash, Rank: 1}}, now); err != nil {
			return err
		}
		streams, err := tx.ListStreams(ctx, it.ID)
		if err != nil {
			return err
		}
		streamID = streams[0].ID
		return tx.SetActiveStream(ctx, it.ID, streamID)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.BlacklistStream(ctx, streamID, media.ReasonDownloadDenied, now)
	}))

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ActiveStreamID)
}

func TestSetActiveStreamWrongOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := seedMovie(t, s, "Alien", "tt0078748")
	b := seedMovie(t, s, "Aliens", "tt0090605")

	var streamID int64
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertStreams(ctx, a.ID, []*media.Stream{
			{Infohash: "dddddddddddddddddddddddddddddddddddddddd", Rank: 1},
		}, now); err != nil {
			return err
		}
		streams, err := tx.ListStreams(ctx, a.ID)
		if err != nil {
			return err
		}
		streamID = streams[0].ID
		return nil
	}))

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetActiveStream(ctx, b.ID, streamID)
	})
	assert.ErrorIs(t, err, media.ErrConflict)
}

func TestResetItemPreservesBlacklist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := seedMovie(t, s, "Looper", "tt1276104")
	hash := "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertStreams(ctx, it.ID, []*media.Stream{{Infohash: hash, Rank: 1}}, now); err != nil {
			return err
		}
		streams, err := tx.ListStreams(ctx, it.ID)
		if err != nil {
			return err
		}
		if err := tx.BlacklistStream(ctx, streams[0].ID, media.ReasonManual, now); err != nil {
			return err
		}
		it.State = media.StateDownloaded
		it.FileName = "Looper.mkv"
		it.FailedAttempts = 3
		return tx.UpdateItem(ctx, it)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.ResetItem(ctx, it.ID, now)
	}))

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateRequested, got.State)
	assert.Empty(t, got.FileName)
	assert.Zero(t, got.FailedAttempts)

	entries, err := s.Blacklist(ctx, it.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "reset must not clear the blacklist")
}

func TestDeleteItemCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	show := &media.Item{Kind: media.KindShow, Title: "Chernobyl", State: media.StateRequested, RequestedAt: now}
	var episode *media.Item
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateItem(ctx, show); err != nil {
			return err
		}
		season := &media.Item{Kind: media.KindSeason, ParentID: show.ID, Number: 1, State: media.StateRequested}
		if err := tx.CreateItem(ctx, season); err != nil {
			return err
		}
		episode = &media.Item{Kind: media.KindEpisode, ParentID: season.ID, Number: 1, State: media.StateRequested}
		if err := tx.CreateItem(ctx, episode); err != nil {
			return err
		}
		_, err := tx.UpsertStreams(ctx, episode.ID, []*media.Stream{
			{Infohash: "ffffffffffffffffffffffffffffffffffffffff", Rank: 1},
		}, now)
		return err
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteItem(ctx, show.ID)
	}))

	_, err := s.GetItem(ctx, episode.ID)
	assert.ErrorIs(t, err, media.ErrNotFound)

	streams, err := s.ListStreams(ctx, episode.ID)
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestDueForRetryAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := seedMovie(t, s, "Due", "tt0000001")
	notDue := seedMovie(t, s, "NotDue", "tt0000002")

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		due.NextRetryAt = now.Add(-time.Minute)
		if err := tx.UpdateItem(ctx, due); err != nil {
			return err
		}
		notDue.NextRetryAt = now.Add(time.Hour)
		return tx.UpdateItem(ctx, notDue)
	}))

	items, err := s.DueForRetry(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, due.ID, items[0].ID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalItems)
	assert.Equal(t, int64(2), stats.ByKind[media.KindMovie])
	assert.Equal(t, int64(2), stats.ByState[media.StateRequested])
}

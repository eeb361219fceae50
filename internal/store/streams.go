// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rivenmedia/riven/internal/media"
)

const streamColumns = `id, item_id, infohash, raw_title, parsed_title, rank,
	resolution, size_bytes, seeders, source, cached, discovered_at_ms`

func scanStream(row interface{ Scan(...any) error }) (*media.Stream, error) {
	var (
		st           media.Stream
		cached       int
		discoveredAt int64
	)
	err := row.Scan(&st.ID, &st.ItemID, &st.Infohash, &st.RawTitle, &st.ParsedTitle,
		&st.Rank, &st.Resolution, &st.SizeBytes, &st.Seeders, &st.Source, &cached, &discoveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, media.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Cached = cached != 0
	st.DiscoveredAt = fromMS(discoveredAt)
	return &st, nil
}

// UpsertStreams merges scraped candidates into an item's live stream set.
// Invalid infohashes and blacklisted infohashes are skipped; an existing
// (item, infohash) row keeps its first-seen parse and discovery time but
// refreshes rank, seeders and cached. Returns the number of new rows.
func (t *Tx) UpsertStreams(ctx context.Context, itemID int64, streams []*media.Stream, now time.Time) (int, error) {
	blacklisted, err := blacklistSet(ctx, t.tx, itemID)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, st := range streams {
		hash, ok := media.NormalizeInfohash(st.Infohash)
		if !ok {
			continue
		}
		if _, bad := blacklisted[hash]; bad {
			continue
		}

		var existingID int64
		err := t.tx.QueryRowContext(ctx,
			"SELECT id FROM stream WHERE item_id = ? AND infohash = ?", itemID, hash).Scan(&existingID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := t.tx.ExecContext(ctx, `INSERT INTO stream
				(item_id, infohash, raw_title, parsed_title, rank, resolution,
				 size_bytes, seeders, source, cached, discovered_at_ms)
				VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
				itemID, hash, st.RawTitle, st.ParsedTitle, st.Rank, st.Resolution,
				st.SizeBytes, st.Seeders, st.Source, boolInt(st.Cached), ms(now))
			if err != nil {
				return added, err
			}
			st.ID, _ = res.LastInsertId()
			st.ItemID = itemID
			st.Infohash = hash
			st.DiscoveredAt = now
			added++
		case err != nil:
			return added, err
		default:
			if _, err := t.tx.ExecContext(ctx,
				"UPDATE stream SET rank=?, seeders=?, cached=? WHERE id=?",
				st.Rank, st.Seeders, boolInt(st.Cached), existingID); err != nil {
				return added, err
			}
			st.ID = existingID
		}
	}
	return added, nil
}

// GetStream fetches one stream row.
func (t *Tx) GetStream(ctx context.Context, streamID int64) (*media.Stream, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+streamColumns+" FROM stream WHERE id = ?", streamID)
	return scanStream(row)
}

// ListStreams returns an item's live candidate set, best rank first.
func (s *Store) ListStreams(ctx context.Context, itemID int64) ([]*media.Stream, error) {
	return listStreams(ctx, s.DB, itemID)
}

// ListStreams returns the live candidate set inside the transaction.
func (t *Tx) ListStreams(ctx context.Context, itemID int64) ([]*media.Stream, error) {
	return listStreams(ctx, t.tx, itemID)
}

func listStreams(ctx context.Context, r runner, itemID int64) ([]*media.Stream, error) {
	rows, err := r.QueryContext(ctx,
		"SELECT "+streamColumns+" FROM stream WHERE item_id = ? ORDER BY rank DESC, seeders DESC, id", itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*media.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// BlacklistStream atomically moves a stream from the live set to the item's
// blacklist. Re-blacklisting the same infohash keeps the original entry. If
// the stream was the item's active stream the binding is cleared.
func (t *Tx) BlacklistStream(ctx context.Context, streamID int64, reason media.BlacklistReason, now time.Time) error {
	st, err := t.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO blacklist_entry
		(item_id, infohash, reason, added_at_ms) VALUES (?,?,?,?)
		ON CONFLICT(item_id, infohash) DO NOTHING`,
		st.ItemID, st.Infohash, string(reason), ms(now)); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM stream WHERE id = ?", streamID); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		"UPDATE media_item SET active_stream_id = 0 WHERE id = ? AND active_stream_id = ?",
		st.ItemID, streamID)
	return err
}

// AddBlacklistEntry records an infohash on an item's blacklist without a
// stream row. Used for scrape-time rejections and manual blacklisting by
// infohash. Existing entries keep their original reason.
func (t *Tx) AddBlacklistEntry(ctx context.Context, itemID int64, infohash string, reason media.BlacklistReason, now time.Time) error {
	hash, ok := media.NormalizeInfohash(infohash)
	if !ok {
		return media.Internal(errors.New("blacklist: malformed infohash"))
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO blacklist_entry
		(item_id, infohash, reason, added_at_ms) VALUES (?,?,?,?)
		ON CONFLICT(item_id, infohash) DO NOTHING`,
		itemID, hash, string(reason), ms(now)); err != nil {
		return err
	}
	// A live row for the same hash can exist when the rejection came from a
	// later scrape pass; I2 says it must go.
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM stream WHERE item_id = ? AND infohash = ?", itemID, hash)
	return err
}

// ResetStreams wipes an item's live streams and blacklist so the next scrape
// starts from a clean slate. The scrape backoff counter resets with it.
func (t *Tx) ResetStreams(ctx context.Context, itemID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM stream WHERE item_id = ?", itemID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM blacklist_entry WHERE item_id = ?", itemID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		"UPDATE media_item SET scraped_times = 0, active_stream_id = 0, next_retry_at_ms = 0 WHERE id = ?",
		itemID)
	return err
}

// Blacklist returns all blacklist entries for an item, newest first.
func (s *Store) Blacklist(ctx context.Context, itemID int64) ([]media.BlacklistEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT item_id, infohash, reason, added_at_ms
		FROM blacklist_entry WHERE item_id = ? ORDER BY added_at_ms DESC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []media.BlacklistEntry
	for rows.Next() {
		var (
			e       media.BlacklistEntry
			addedAt int64
		)
		if err := rows.Scan(&e.ItemID, &e.Infohash, &e.Reason, &addedAt); err != nil {
			return nil, err
		}
		e.AddedAt = fromMS(addedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// IsBlacklisted reports whether an infohash is blacklisted for the item.
func (t *Tx) IsBlacklisted(ctx context.Context, itemID int64, infohash string) (bool, error) {
	hash, ok := media.NormalizeInfohash(infohash)
	if !ok {
		return false, nil
	}
	var one int
	err := t.tx.QueryRowContext(ctx,
		"SELECT 1 FROM blacklist_entry WHERE item_id = ? AND infohash = ?", itemID, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func blacklistSet(ctx context.Context, r runner, itemID int64) (map[string]struct{}, error) {
	rows, err := r.QueryContext(ctx,
		"SELECT infohash FROM blacklist_entry WHERE item_id = ?", itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := map[string]struct{}{}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		set[hash] = struct{}{}
	}
	return set, rows.Err()
}

// AddSubtitle records a fetched subtitle file for an item.
func (t *Tx) AddSubtitle(ctx context.Context, itemID int64, language, path string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO subtitle (item_id, language, path, added_at_ms) VALUES (?,?,?,?)",
		itemID, language, path, ms(now))
	return err
}

// Subtitles lists the subtitle files stored for an item.
func (s *Store) Subtitles(ctx context.Context, itemID int64) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT language, path FROM subtitle WHERE item_id = ?", itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var lang, path string
		if err := rows.Scan(&lang, &path); err != nil {
			return nil, err
		}
		out[lang] = path
	}
	return out, rows.Err()
}

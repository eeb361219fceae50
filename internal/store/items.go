// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rivenmedia/riven/internal/media"
)

const itemColumns = `id, kind, parent_id, imdb_id, tvdb_id, tmdb_id, trakt_id,
	title, year, aired_at_ms, network, country, genres_json, is_anime, number,
	requested_at_ms, requested_by, indexed_at_ms, scraped_at_ms, scraped_times,
	symlinked_at_ms, updated_at_ms, last_state_at_ms, state, failed_attempts,
	next_retry_at_ms, file_name, folder, file_size, symlink_path, show_status,
	next_air_date_ms, active_stream_id, post_processed`

func scanItem(row interface{ Scan(...any) error }) (*media.Item, error) {
	var (
		it                                           media.Item
		parentID, activeStreamID                     sql.NullInt64
		imdb, tvdb, tmdb, trakt                      sql.NullString
		airedAt, requestedAt, indexedAt, scrapedAt   int64
		symlinkedAt, updatedAt, lastStateAt          int64
		nextRetryAt, nextAirDate                     int64
		genresJSON                                   string
		isAnime, postProcessed                       int
	)
	err := row.Scan(
		&it.ID, &it.Kind, &parentID, &imdb, &tvdb, &tmdb, &trakt,
		&it.Title, &it.Year, &airedAt, &it.Network, &it.Country, &genresJSON, &isAnime, &it.Number,
		&requestedAt, &it.RequestedBy, &indexedAt, &scrapedAt, &it.ScrapedTimes,
		&symlinkedAt, &updatedAt, &lastStateAt, &it.State, &it.FailedAttempts,
		&nextRetryAt, &it.FileName, &it.Folder, &it.FileSize, &it.SymlinkPath, &it.ShowStatus,
		&nextAirDate, &activeStreamID, &postProcessed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, media.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.ParentID = parentID.Int64
	it.IMDBID = imdb.String
	it.TVDBID = tvdb.String
	it.TMDBID = tmdb.String
	it.TraktID = trakt.String
	it.AiredAt = fromMS(airedAt)
	it.RequestedAt = fromMS(requestedAt)
	it.IndexedAt = fromMS(indexedAt)
	it.ScrapedAt = fromMS(scrapedAt)
	it.SymlinkedAt = fromMS(symlinkedAt)
	it.UpdatedAt = fromMS(updatedAt)
	it.LastStateAt = fromMS(lastStateAt)
	it.NextRetryAt = fromMS(nextRetryAt)
	it.NextAirDate = fromMS(nextAirDate)
	it.ActiveStreamID = activeStreamID.Int64
	it.IsAnime = isAnime != 0
	it.PostProcessed = postProcessed != 0
	if genresJSON != "" {
		_ = json.Unmarshal([]byte(genresJSON), &it.Genres)
	}
	return &it, nil
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func insertItem(ctx context.Context, r runner, it *media.Item) error {
	genres, err := json.Marshal(it.Genres)
	if err != nil {
		return err
	}
	res, err := r.ExecContext(ctx, `INSERT INTO media_item (
		kind, parent_id, imdb_id, tvdb_id, tmdb_id, trakt_id,
		title, year, aired_at_ms, network, country, genres_json, is_anime, number,
		requested_at_ms, requested_by, indexed_at_ms, scraped_at_ms, scraped_times,
		symlinked_at_ms, updated_at_ms, last_state_at_ms, state, failed_attempts,
		next_retry_at_ms, file_name, folder, file_size, symlink_path, show_status,
		next_air_date_ms, active_stream_id, post_processed
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.Kind, nullID(it.ParentID), nullStr(it.IMDBID), nullStr(it.TVDBID), nullStr(it.TMDBID), nullStr(it.TraktID),
		it.Title, it.Year, ms(it.AiredAt), it.Network, it.Country, string(genres), boolInt(it.IsAnime), it.Number,
		ms(it.RequestedAt), it.RequestedBy, ms(it.IndexedAt), ms(it.ScrapedAt), it.ScrapedTimes,
		ms(it.SymlinkedAt), ms(it.UpdatedAt), ms(it.LastStateAt), it.State, it.FailedAttempts,
		ms(it.NextRetryAt), it.FileName, it.Folder, it.FileSize, it.SymlinkPath, it.ShowStatus,
		ms(it.NextAirDate), it.ActiveStreamID, boolInt(it.PostProcessed),
	)
	if err != nil {
		return err
	}
	it.ID, err = res.LastInsertId()
	return err
}

func updateItem(ctx context.Context, r runner, it *media.Item) error {
	genres, err := json.Marshal(it.Genres)
	if err != nil {
		return err
	}
	res, err := r.ExecContext(ctx, `UPDATE media_item SET
		kind=?, parent_id=?, imdb_id=?, tvdb_id=?, tmdb_id=?, trakt_id=?,
		title=?, year=?, aired_at_ms=?, network=?, country=?, genres_json=?, is_anime=?, number=?,
		requested_at_ms=?, requested_by=?, indexed_at_ms=?, scraped_at_ms=?, scraped_times=?,
		symlinked_at_ms=?, updated_at_ms=?, last_state_at_ms=?, state=?, failed_attempts=?,
		next_retry_at_ms=?, file_name=?, folder=?, file_size=?, symlink_path=?, show_status=?,
		next_air_date_ms=?, active_stream_id=?, post_processed=?
		WHERE id=?`,
		it.Kind, nullID(it.ParentID), nullStr(it.IMDBID), nullStr(it.TVDBID), nullStr(it.TMDBID), nullStr(it.TraktID),
		it.Title, it.Year, ms(it.AiredAt), it.Network, it.Country, string(genres), boolInt(it.IsAnime), it.Number,
		ms(it.RequestedAt), it.RequestedBy, ms(it.IndexedAt), ms(it.ScrapedAt), it.ScrapedTimes,
		ms(it.SymlinkedAt), ms(it.UpdatedAt), ms(it.LastStateAt), it.State, it.FailedAttempts,
		ms(it.NextRetryAt), it.FileName, it.Folder, it.FileSize, it.SymlinkPath, it.ShowStatus,
		ms(it.NextAirDate), it.ActiveStreamID, boolInt(it.PostProcessed),
		it.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return media.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateItem inserts a new item and assigns its ID.
func (t *Tx) CreateItem(ctx context.Context, it *media.Item) error {
	return insertItem(ctx, t.tx, it)
}

// UpdateItem persists every column of it.
func (t *Tx) UpdateItem(ctx context.Context, it *media.Item) error {
	return updateItem(ctx, t.tx, it)
}

// GetItem loads a single item without children.
func (t *Tx) GetItem(ctx context.Context, id int64) (*media.Item, error) {
	return getItem(ctx, t.tx, id)
}

// GetItem loads a single item without children.
func (s *Store) GetItem(ctx context.Context, id int64) (*media.Item, error) {
	return getItem(ctx, s.DB, id)
}

func getItem(ctx context.Context, r runner, id int64) (*media.Item, error) {
	row := r.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM media_item WHERE id = ?", id)
	return scanItem(row)
}

// LoadItem loads an item with its descendants populated to the given depth
// (0 = item only, 1 = direct children, 2 = show with seasons and episodes).
func (s *Store) LoadItem(ctx context.Context, id int64, depth int) (*media.Item, error) {
	return loadItem(ctx, s.DB, id, depth)
}

// LoadItem loads an item with descendants inside the transaction.
func (t *Tx) LoadItem(ctx context.Context, id int64, depth int) (*media.Item, error) {
	return loadItem(ctx, t.tx, id, depth)
}

func loadItem(ctx context.Context, r runner, id int64, depth int) (*media.Item, error) {
	it, err := getItem(ctx, r, id)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		return it, nil
	}
	children, err := childrenOf(ctx, r, id)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if depth > 1 {
			grand, err := childrenOf(ctx, r, child.ID)
			if err != nil {
				return nil, err
			}
			child.Children = grand
		}
		it.Children = append(it.Children, child)
	}
	return it, nil
}

func childrenOf(ctx context.Context, r runner, parentID int64) ([]*media.Item, error) {
	rows, err := r.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM media_item WHERE parent_id = ? ORDER BY number, id", parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*media.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Children returns the direct children of parentID.
func (t *Tx) Children(ctx context.Context, parentID int64) ([]*media.Item, error) {
	return childrenOf(ctx, t.tx, parentID)
}

// FindByExternalID looks up a root item by any external identifier. Used to
// keep requests idempotent.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*media.Item, error) {
	return findByExternalID(ctx, s.DB, externalID)
}

// FindByExternalID looks up a root item inside the transaction.
func (t *Tx) FindByExternalID(ctx context.Context, externalID string) (*media.Item, error) {
	return findByExternalID(ctx, t.tx, externalID)
}

func findByExternalID(ctx context.Context, r runner, externalID string) (*media.Item, error) {
	row := r.QueryRowContext(ctx, "SELECT "+itemColumns+` FROM media_item
		WHERE parent_id IS NULL AND (imdb_id = ? OR tvdb_id = ? OR tmdb_id = ? OR trakt_id = ?)
		LIMIT 1`, externalID, externalID, externalID, externalID)
	return scanItem(row)
}

// RecordTransition moves an item to a new state, stamps last_state_at and the
// state-specific timestamp column, and bumps per-state bookkeeping.
func (t *Tx) RecordTransition(ctx context.Context, it *media.Item, to media.State, now time.Time) error {
	it.State = to
	it.LastStateAt = now
	switch to {
	case media.StateIndexed:
		it.IndexedAt = now
	case media.StateScraped:
		// A successful scrape ends the backoff ladder.
		it.ScrapedAt = now
		it.ScrapedTimes = 0
		it.NextRetryAt = time.Time{}
	case media.StateSymlinked:
		it.SymlinkedAt = now
	case media.StateCompleted:
		// UpdatedAt records the media-server acknowledgment.
		it.UpdatedAt = now
		it.FailedAttempts = 0
		it.NextRetryAt = time.Time{}
	}
	return updateItem(ctx, t.tx, it)
}

// RecomputeAncestors rolls leaf state changes up to the season and show rows.
// Returns the IDs of ancestors whose state actually changed.
func (t *Tx) RecomputeAncestors(ctx context.Context, itemID int64, now time.Time) ([]int64, error) {
	var changed []int64
	it, err := getItem(ctx, t.tx, itemID)
	if err != nil {
		return nil, err
	}
	for parentID := it.ParentID; parentID != 0; {
		parent, err := getItem(ctx, t.tx, parentID)
		if err != nil {
			return nil, err
		}
		children, err := childrenOf(ctx, t.tx, parentID)
		if err != nil {
			return nil, err
		}
		states := make([]media.State, len(children))
		for i, c := range children {
			states[i] = c.State
		}
		agg := media.Aggregate(states)
		if agg != parent.State {
			if err := t.RecordTransition(ctx, parent, agg, now); err != nil {
				return nil, err
			}
			changed = append(changed, parentID)
		}
		parentID = parent.ParentID
	}
	return changed, nil
}

// SetActiveStream binds a stream to the item; stream 0 clears the binding.
func (t *Tx) SetActiveStream(ctx context.Context, itemID, streamID int64) error {
	if streamID != 0 {
		var owner int64
		err := t.tx.QueryRowContext(ctx, "SELECT item_id FROM stream WHERE id = ?", streamID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return media.ErrNotFound
		}
		if err != nil {
			return err
		}
		if owner != itemID {
			return fmt.Errorf("stream %d belongs to item %d, not %d: %w", streamID, owner, itemID, media.ErrConflict)
		}
	}
	res, err := t.tx.ExecContext(ctx,
		"UPDATE media_item SET active_stream_id = ? WHERE id = ?", streamID, itemID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return media.ErrNotFound
	}
	return nil
}

// ResetItem returns an item (and its subtree) to Requested: clears file
// bindings, retry counters and live streams. The blacklist is preserved.
func (t *Tx) ResetItem(ctx context.Context, itemID int64, now time.Time) error {
	ids, err := subtreeIDs(ctx, t.tx, itemID)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM stream WHERE item_id IN ("+placeholders+")", args...); err != nil {
		return err
	}
	reset := append([]any{string(media.StateRequested), ms(now)}, args...)
	_, err = t.tx.ExecContext(ctx, `UPDATE media_item SET
		state=?, last_state_at_ms=?, failed_attempts=0, next_retry_at_ms=0,
		scraped_times=0, file_name='', folder='', file_size=0, symlink_path='',
		active_stream_id=0, post_processed=0, indexed_at_ms=0, scraped_at_ms=0,
		symlinked_at_ms=0, updated_at_ms=0
		WHERE id IN (`+placeholders+`)`, reset...)
	return err
}

// DeleteItem removes an item and, via cascade, its subtree, streams and
// blacklist entries.
func (t *Tx) DeleteItem(ctx context.Context, itemID int64) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM media_item WHERE id = ?", itemID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return media.ErrNotFound
	}
	return nil
}

func subtreeIDs(ctx context.Context, r runner, rootID int64) ([]int64, error) {
	rows, err := r.QueryContext(ctx, `WITH RECURSIVE subtree(id) AS (
		SELECT id FROM media_item WHERE id = ?
		UNION ALL
		SELECT m.id FROM media_item m JOIN subtree s ON m.parent_id = s.id
	) SELECT id FROM subtree`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, media.ErrNotFound
	}
	return ids, nil
}

// ListFilter narrows ListItems.
type ListFilter struct {
	States []media.State
	Kind   media.Kind
	Search string
	Limit  int
	Offset int
}

// ListItems returns root items matching the filter, newest requests first.
func (s *Store) ListItems(ctx context.Context, f ListFilter) ([]*media.Item, error) {
	query := "SELECT " + itemColumns + " FROM media_item WHERE parent_id IS NULL"
	var args []any
	if len(f.States) > 0 {
		query += " AND state IN (" + strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",") + ")"
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if f.Search != "" {
		query += " AND title LIKE ?"
		args = append(args, "%"+f.Search+"%")
	}
	query += " ORDER BY requested_at_ms DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*media.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ItemsInStates returns items (any depth of the tree) currently in one of the
// given states, oldest transition first. Used to rebuild the queue on startup
// and by the scheduler sweeps.
func (s *Store) ItemsInStates(ctx context.Context, states []media.State, limit int) ([]*media.Item, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := "SELECT " + itemColumns + " FROM media_item WHERE state IN (" +
		strings.TrimSuffix(strings.Repeat("?,", len(states)), ",") + ") ORDER BY last_state_at_ms, id"
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, string(st))
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*media.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DueForRetry returns items whose retry cooldown has elapsed.
func (s *Store) DueForRetry(ctx context.Context, now time.Time, limit int) ([]*media.Item, error) {
	query := "SELECT " + itemColumns + ` FROM media_item
		WHERE next_retry_at_ms > 0 AND next_retry_at_ms <= ?
		AND state NOT IN (?, ?, ?)
		ORDER BY next_retry_at_ms, id`
	args := []any{ms(now), string(media.StateCompleted), string(media.StateFailed), string(media.StatePaused)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*media.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ShowsWithStatus returns root shows in the given lifecycle status.
func (s *Store) ShowsWithStatus(ctx context.Context, status media.ShowStatus, limit int) ([]*media.Item, error) {
	query := "SELECT " + itemColumns + ` FROM media_item
		WHERE kind = ? AND show_status = ? ORDER BY last_state_at_ms, id`
	args := []any{string(media.KindShow), string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*media.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UnreleasedDue returns unreleased items whose air date has now passed.
func (s *Store) UnreleasedDue(ctx context.Context, now time.Time, limit int) ([]*media.Item, error) {
	query := "SELECT " + itemColumns + ` FROM media_item
		WHERE state = ? AND aired_at_ms > 0 AND aired_at_ms <= ?
		ORDER BY aired_at_ms, id`
	args := []any{string(media.StateUnreleased), ms(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*media.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

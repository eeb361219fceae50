// SPDX-License-Identifier: MIT

package store

import (
	"context"

	"github.com/rivenmedia/riven/internal/media"
)

// Stats is a point-in-time summary of the library.
type Stats struct {
	TotalItems  int64                 `json:"total_items"`
	RootItems   int64                 `json:"root_items"`
	ByState     map[media.State]int64 `json:"by_state"`
	ByKind      map[media.Kind]int64  `json:"by_kind"`
	Streams     int64                 `json:"streams"`
	Blacklisted int64                 `json:"blacklisted"`
}

// Stats aggregates library counters in one round of queries.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	out := Stats{
		ByState: map[media.State]int64{},
		ByKind:  map[media.Kind]int64{},
	}

	rows, err := s.DB.QueryContext(ctx,
		"SELECT state, COUNT(*) FROM media_item GROUP BY state")
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var (
			state media.State
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return out, err
		}
		out.ByState[state] = n
		out.TotalItems += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	rows, err = s.DB.QueryContext(ctx,
		"SELECT kind, COUNT(*) FROM media_item WHERE parent_id IS NULL GROUP BY kind")
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var (
			kind media.Kind
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return out, err
		}
		out.ByKind[kind] = n
		out.RootItems += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM stream").Scan(&out.Streams); err != nil {
		return out, err
	}
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM blacklist_entry").Scan(&out.Blacklisted); err != nil {
		return out, err
	}
	return out, nil
}

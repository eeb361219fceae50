// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

// Request adds a root item for an external id, or returns the existing one.
// Adding the same id twice never creates a duplicate; the lookup is re-run
// inside the insert transaction so concurrent requests collapse too. New items
// start Requested and are enqueued with a priority boost.
func (d *Dispatcher) Request(ctx context.Context, req service.Request, emittedBy string) (*media.Item, bool, error) {
	if req.ExternalID == "" {
		return nil, false, media.Permanent(errors.New("request has no external id"))
	}
	if req.Kind != media.KindMovie && req.Kind != media.KindShow {
		return nil, false, media.Permanent(fmt.Errorf("cannot request a %s directly", req.Kind))
	}

	if existing, err := d.Store.FindByExternalID(ctx, req.ExternalID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, media.ErrNotFound) {
		return nil, false, err
	}

	now := d.Clock.Now()
	it := &media.Item{
		Kind:        req.Kind,
		State:       media.StateRequested,
		RequestedAt: now,
		RequestedBy: req.RequestedBy,
		LastStateAt: now,
		ShowStatus:  media.ShowUnknown,
	}
	assignExternalID(it, req.ExternalID)

	created := true
	err := d.Store.WithTx(ctx, func(tx *store.Tx) error {
		prior, err := tx.FindByExternalID(ctx, req.ExternalID)
		if err == nil {
			it = prior
			created = false
			return nil
		}
		if !errors.Is(err, media.ErrNotFound) {
			return err
		}
		return tx.CreateItem(ctx, it)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		d.Enqueue(it.ID, emittedBy, now, PriorityBoosted)
		xglog.WithComponent("dispatcher").Info().
			Str("event", "item.requested").
			Int64(xglog.FieldItemID, it.ID).
			Str("external_id", req.ExternalID).
			Str("kind", string(req.Kind)).
			Str("requested_by", req.RequestedBy).
			Msg("new item requested")
	}
	return it, created, nil
}

func assignExternalID(it *media.Item, id string) {
	switch {
	case strings.HasPrefix(id, "tt"):
		it.IMDBID = id
	case isDigits(id) && it.Kind == media.KindShow:
		it.TVDBID = id
	case isDigits(id):
		it.TMDBID = id
	default:
		it.TraktID = id
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rivenmedia/riven/internal/cache"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metrics"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/store"
	"github.com/rivenmedia/riven/internal/streams"
	"github.com/rivenmedia/riven/internal/symlink"

	xglog "github.com/rivenmedia/riven/internal/log"
)

// Pipeline runs one service stage for one item.
type Pipeline struct {
	Store     *store.Store
	Services  *service.Registry
	Streams   *streams.Registry
	Symlinker *symlink.Symlinker

	// Cache short-circuits repeat indexer lookups by external id; nil
	// disables caching.
	Cache    cache.Cache
	CacheTTL time.Duration
}

// Run executes the handler for the given stage.
func (p *Pipeline) Run(ctx context.Context, kind media.ServiceKind, item *media.Item) (Outcome, error) {
	switch kind {
	case media.ServiceIndexer:
		return p.runIndexer(ctx, item)
	case media.ServiceScraping:
		return p.runScraper(ctx, item)
	case media.ServiceDownloader:
		return p.runDownloader(ctx, item)
	case media.ServiceSymlinker:
		return p.runSymlinker(ctx, item)
	case media.ServiceUpdater:
		return p.runUpdater(ctx, item)
	case media.ServicePostProcessor:
		return p.runPostProcessor(ctx, item)
	default:
		return Outcome{}, media.Internal(fmt.Errorf("pipeline: unknown service kind %q", kind))
	}
}

func (p *Pipeline) runIndexer(ctx context.Context, item *media.Item) (Outcome, error) {
	handles := p.Services.UsableFor(media.ServiceIndexer, item)
	if len(handles) == 0 {
		return Outcome{}, media.ConfigError(errors.New("no usable indexer"))
	}

	if res, ok := p.cachedIndex(item); ok {
		return Outcome{Transition: media.StateIndexed, Index: res}, nil
	}

	var lastErr error
	for _, h := range handles {
		callCtx, cancel, err := h.Begin(ctx)
		if err != nil {
			return Outcome{}, err
		}
		res, err := h.Indexer.Index(callCtx, item)
		cancel()
		if err != nil {
			p.Services.ReportError(h.Name(), err)
			lastErr = err
			continue
		}
		p.storeIndex(item, res)
		return Outcome{Transition: media.StateIndexed, Index: res}, nil
	}
	return Outcome{}, lastErr
}

func (p *Pipeline) cachedIndex(item *media.Item) (*service.IndexResult, bool) {
	if p.Cache == nil || item.ExternalID() == "" {
		return nil, false
	}
	buf, ok := p.Cache.Get("index:" + item.ExternalID())
	if !ok {
		return nil, false
	}
	var res service.IndexResult
	if err := json.Unmarshal(buf, &res); err != nil {
		p.Cache.Delete("index:" + item.ExternalID())
		return nil, false
	}
	return &res, true
}

func (p *Pipeline) storeIndex(item *media.Item, res *service.IndexResult) {
	if p.Cache == nil || item.ExternalID() == "" {
		return
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return
	}
	ttl := p.CacheTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	p.Cache.Set("index:"+item.ExternalID(), buf, ttl)
}

// runScraper fans out over every usable scraper in parallel and merges the
// results through the registry filters. A backend failure degrades the merge
// rather than failing the pass; only a total wipeout is an error.
func (p *Pipeline) runScraper(ctx context.Context, item *media.Item) (Outcome, error) {
	handles := p.Services.UsableFor(media.ServiceScraping, item)
	if len(handles) == 0 {
		return Outcome{}, media.ConfigError(errors.New("no usable scraper"))
	}

	target, err := p.targetFor(ctx, item)
	if err != nil {
		return Outcome{}, err
	}

	var (
		mu       sync.Mutex
		merged   []*media.Stream
		failures int
		lastErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			callCtx, cancel, err := h.Begin(gctx)
			if err != nil {
				return err
			}
			found, err := h.Scraper.Scrape(callCtx, target)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.Services.ReportError(h.Name(), err)
				failures++
				lastErr = err
				xglog.WithComponentFromContext(ctx, "scraping").Warn().
					Str("event", "scrape.backend_failed").
					Str(xglog.FieldBackend, h.Name()).
					Err(err).
					Msg("scraper backend failed, continuing with the rest")
				return nil
			}
			for _, st := range found {
				if st.Source == "" {
					st.Source = h.Name()
				}
			}
			metrics.RecordStreams(h.Name(), len(found))
			merged = append(merged, found...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}
	if failures == len(handles) {
		return Outcome{}, lastErr
	}

	accepted, rejected := p.Streams.Process(target, merged)
	if len(accepted) == 0 {
		return Outcome{Rejected: rejected, ScrapeEmpty: true}, nil
	}
	return Outcome{Transition: media.StateScraped, Streams: accepted, Rejected: rejected}, nil
}

func (p *Pipeline) runDownloader(ctx context.Context, item *media.Item) (Outcome, error) {
	live, err := p.Store.ListStreams(ctx, item.ID)
	if err != nil {
		return Outcome{}, err
	}
	candidate := streams.SelectNext(live)
	if candidate == nil {
		// Raced with a blacklist; the next decision pass sees the empty set
		// and schedules the re-scrape with its own backoff.
		return Outcome{Redispatch: true}, nil
	}

	handles := p.Services.UsableFor(media.ServiceDownloader, item)
	if len(handles) == 0 {
		return Outcome{}, media.ConfigError(errors.New("no usable downloader"))
	}

	out := Outcome{AttemptedStreamID: candidate.ID}
	var lastErr error
	for _, h := range handles {
		callCtx, cancel, err := h.Begin(ctx)
		if err != nil {
			return out, err
		}
		fileSet, err := h.Downloader.Download(callCtx, candidate.Infohash)
		cancel()
		if err != nil {
			p.Services.ReportError(h.Name(), err)
			lastErr = err
			if media.ClassOf(err) == media.ClassConfig {
				continue // next debrid backend
			}
			return out, err
		}

		target, err := p.targetFor(ctx, item)
		if err != nil {
			return out, err
		}
		file, err := SelectFile(target, fileSet, p.Streams.Ranking)
		if err != nil {
			return out, err
		}
		out.Transition = media.StateDownloaded
		out.File = &Binding{
			FileName:  filepath.Base(file.Path),
			Folder:    filepath.Dir(file.Path),
			SizeBytes: file.SizeBytes,
		}
		return out, nil
	}
	return out, lastErr
}

func (p *Pipeline) runSymlinker(ctx context.Context, item *media.Item) (Outcome, error) {
	if item.FileName == "" {
		return Outcome{}, media.Internal(errors.New("symlinker: item has no file binding"))
	}
	req, err := p.linkRequest(ctx, item)
	if err != nil {
		return Outcome{}, err
	}
	dest, err := p.Symlinker.Link(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Transition: media.StateSymlinked, SymlinkPath: dest}, nil
}

func (p *Pipeline) runUpdater(ctx context.Context, item *media.Item) (Outcome, error) {
	handles := p.Services.UsableFor(media.ServiceUpdater, item)
	if len(handles) == 0 {
		// The decision layer skips the updater stage when none is usable;
		// hitting this means it raced with a config reload.
		return Outcome{Transition: media.StateCompleted}, nil
	}

	section := filepath.Dir(item.SymlinkPath)
	var lastErr error
	for _, h := range handles {
		callCtx, cancel, err := h.Begin(ctx)
		if err != nil {
			return Outcome{}, err
		}
		err = h.Updater.Refresh(callCtx, section)
		cancel()
		if err != nil {
			p.Services.ReportError(h.Name(), err)
			lastErr = err
			continue
		}
		return Outcome{Transition: media.StateCompleted}, nil
	}
	return Outcome{}, lastErr
}

// runPostProcessor never fails the item: subtitle problems are logged and the
// item is marked processed so it does not loop.
func (p *Pipeline) runPostProcessor(ctx context.Context, item *media.Item) (Outcome, error) {
	out := Outcome{PostProcessed: true}
	handles := p.Services.UsableFor(media.ServicePostProcessor, item)
	if len(handles) == 0 {
		return out, nil
	}

	h := handles[0]
	callCtx, cancel, err := h.Begin(ctx)
	if err != nil {
		return out, nil
	}
	subs, err := h.Post.Process(callCtx, item)
	cancel()
	if err != nil {
		xglog.WithComponentFromContext(ctx, "postprocessor").Warn().
			Str("event", "postprocess.failed").
			Int64(xglog.FieldItemID, item.ID).
			Err(err).
			Msg("post-processing failed, continuing without")
		return out, nil
	}
	out.Subtitles = subs
	return out, nil
}

// targetFor resolves the scrape/selection target, walking up to the season
// and show for episodes.
func (p *Pipeline) targetFor(ctx context.Context, item *media.Item) (streams.Target, error) {
	switch item.Kind {
	case media.KindEpisode:
		season, err := p.Store.GetItem(ctx, item.ParentID)
		if err != nil {
			return streams.Target{}, err
		}
		show, err := p.Store.GetItem(ctx, season.ParentID)
		if err != nil {
			return streams.Target{}, err
		}
		t := streams.TargetFor(item, season)
		t.Title = show.Title
		t.Year = show.Year
		t.IsAnime = show.IsAnime
		return t, nil
	case media.KindSeason:
		show, err := p.Store.GetItem(ctx, item.ParentID)
		if err != nil {
			return streams.Target{}, err
		}
		t := streams.TargetFor(item, nil)
		t.Title = show.Title
		t.Year = show.Year
		t.IsAnime = show.IsAnime
		return t, nil
	default:
		return streams.TargetFor(item, nil), nil
	}
}

func (p *Pipeline) linkRequest(ctx context.Context, item *media.Item) (symlink.Request, error) {
	req := symlink.Request{
		Item:     item,
		Folder:   item.Folder,
		FileName: item.FileName,
	}
	if item.Kind == media.KindEpisode {
		season, err := p.Store.GetItem(ctx, item.ParentID)
		if err != nil {
			return req, err
		}
		show, err := p.Store.GetItem(ctx, season.ParentID)
		if err != nil {
			return req, err
		}
		req.ShowTitle = show.Title
		req.ShowYear = show.Year
		req.Season = season.Number
		req.Episode = item.Number
		req.EpisodeTitle = item.Title
	}
	return req, nil
}

// SPDX-License-Identifier: MIT

// Package statemachine decides, for any item at any time, what should happen
// next: which service runs, how long to wait, or whether the item is done.
// The decision is a pure function of the item snapshot, service availability
// and the clock; all side effects belong to the dispatcher.
package statemachine

import (
	"time"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/media"
)

// StepKind discriminates the decision.
type StepKind int

const (
	// StepNextService runs one service for the item.
	StepNextService StepKind = iota
	// StepWaitUntil schedules a recheck at Until.
	StepWaitUntil
	// StepFanOut emits events for pending children instead of running a
	// service on the container itself.
	StepFanOut
	// StepTerminal means no further autonomous work.
	StepTerminal
)

// Step is the decision for one item. Transition, when set, is a state the
// dispatcher should record alongside applying the step (e.g. Requested →
// Unreleased when parking an unaired item).
type Step struct {
	Kind       StepKind
	Service    media.ServiceKind
	Until      time.Time
	Children   []int64
	Transition media.State
}

// Services is the view of the registry the decision needs.
type Services interface {
	HasUsable(kind media.ServiceKind) bool
}

// Input bundles the decision context.
type Input struct {
	Item *media.Item
	Now  time.Time
	// HasCandidate reports whether a live, non-blacklisted stream exists.
	HasCandidate bool
	Services     Services
	Retry        config.Retry
	Cadence      config.Scheduler
}

func next(kind media.ServiceKind) Step { return Step{Kind: StepNextService, Service: kind} }
func wait(t time.Time) Step            { return Step{Kind: StepWaitUntil, Until: t} }
func terminal() Step                   { return Step{Kind: StepTerminal} }

// Decide returns the next step for the item.
func Decide(in Input) Step {
	it := in.Item

	switch it.State {
	case media.StatePaused, media.StateFailed:
		return terminal()
	}

	if it.Kind == media.KindShow || it.Kind == media.KindSeason {
		return decideContainer(in)
	}
	return decideLeaf(in)
}

func decideContainer(in Input) Step {
	it := in.Item

	// Containers get indexed once; the index result creates the child tree.
	if it.IndexedAt.IsZero() {
		return indexOrWait(in)
	}

	var pending []int64
	for _, child := range it.Children {
		switch child.State {
		case media.StateCompleted, media.StateFailed, media.StatePaused:
			continue
		}
		pending = append(pending, child.ID)
	}
	if len(pending) > 0 {
		return Step{Kind: StepFanOut, Children: pending}
	}

	if it.Kind == media.KindShow {
		return showRecheck(in)
	}
	return terminal()
}

// showRecheck schedules the periodic reindex that discovers new seasons and
// episodes once the current tree is drained.
func showRecheck(in Input) Step {
	it := in.Item
	switch it.ShowStatus {
	case media.ShowOngoing:
		if !it.NextAirDate.IsZero() && !in.Now.Before(it.NextAirDate) {
			return indexOrWait(in)
		}
		return wait(in.Now.Add(in.Cadence.OngoingRecheck))
	case media.ShowUnreleased:
		return wait(in.Now.Add(in.Cadence.UnreleasedRecheck))
	case media.ShowEnded:
		return wait(in.Now.Add(in.Cadence.EndedRecheck))
	default:
		return terminal()
	}
}

func decideLeaf(in Input) Step {
	it := in.Item

	switch it.State {
	case media.StateRequested:
		if !it.Released(in.Now) {
			s := wait(it.AiredAt)
			s.Transition = media.StateUnreleased
			return s
		}
		return indexOrWait(in)

	case media.StateUnreleased:
		if !it.Released(in.Now) {
			return wait(it.AiredAt)
		}
		// Air date passed: reindex to confirm the release before scraping.
		return indexOrWait(in)

	case media.StateIndexed:
		if it.NextRetryAt.After(in.Now) {
			return wait(it.NextRetryAt)
		}
		if in.Services.HasUsable(media.ServiceScraping) {
			return next(media.ServiceScraping)
		}
		return wait(in.Now.Add(in.Retry.Cooldown))

	case media.StateScraped:
		if in.HasCandidate {
			if in.Services.HasUsable(media.ServiceDownloader) {
				return next(media.ServiceDownloader)
			}
			return wait(in.Now.Add(in.Retry.Cooldown))
		}
		// Candidate set exhausted: back off and scrape again.
		s := wait(in.Now.Add(in.Retry.ScrapeDelay(it.ScrapedTimes)))
		s.Transition = media.StateIndexed
		return s

	case media.StateDownloaded:
		return next(media.ServiceSymlinker)

	case media.StateSymlinked:
		if in.Services.HasUsable(media.ServiceUpdater) {
			return next(media.ServiceUpdater)
		}
		// No media server configured: the symlink is the end of the line.
		s := terminal()
		s.Transition = media.StateCompleted
		return s

	case media.StateCompleted:
		if !it.PostProcessed && in.Services.HasUsable(media.ServicePostProcessor) {
			return next(media.ServicePostProcessor)
		}
		return terminal()

	default:
		return terminal()
	}
}

func indexOrWait(in Input) Step {
	if in.Services.HasUsable(media.ServiceIndexer) {
		return next(media.ServiceIndexer)
	}
	return wait(in.Now.Add(in.Retry.Cooldown))
}

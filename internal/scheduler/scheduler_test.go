// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/clock"
	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/queue"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/store"
)

type sourceFunc func(ctx context.Context) ([]service.Request, error)

func (f sourceFunc) Wanted(ctx context.Context) ([]service.Request, error) { return f(ctx) }

type fixture struct {
	store *store.Store
	queue *queue.Queue
	reg   *service.Registry
	sched *Scheduler
}

func newFixture(t *testing.T, clk clock.Clock) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "riven.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if clk == nil {
		clk = clock.System{}
	}
	q := queue.New()
	reg := service.NewRegistry(nil)
	disp := &dispatch.Dispatcher{Store: st, Queue: q, Clock: clk}
	cfg := config.Default()

	return &fixture{
		store: st,
		queue: q,
		reg:   reg,
		sched: &Scheduler{
			Store:    st,
			Services: reg,
			Bus:      bus.New(),
			Sink:     disp,
			Clock:    clk,
			Cadence:  cfg.Scheduler,
			Library:  cfg.Library,
		},
	}
}

func (f *fixture) seed(t *testing.T, it *media.Item) *media.Item {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if it.RequestedAt.IsZero() {
		it.RequestedAt = now.Add(-48 * time.Hour)
	}
	it.LastStateAt = now
	if it.ShowStatus == "" {
		it.ShowStatus = media.ShowUnknown
	}
	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateItem(ctx, it)
	}))
	return it
}

func (f *fixture) update(t *testing.T, it *media.Item) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateItem(ctx, it)
	}))
}

func TestContentPollIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.reg.RegisterSource(service.HandleConfig{Name: "overseerr", Enabled: true}, sourceFunc(func(context.Context) ([]service.Request, error) {
		return []service.Request{
			{ExternalID: "tt1104001", Kind: media.KindMovie},
			{ExternalID: "tt0903747", Kind: media.KindShow},
		}, nil
	}))

	require.NoError(t, f.sched.contentPoll(ctx))
	assert.Equal(t, 2, f.queue.Len())

	// Second poll finds both ids already present.
	require.NoError(t, f.sched.contentPoll(ctx))
	assert.Equal(t, 2, f.queue.Len())

	movie, err := f.store.FindByExternalID(ctx, "tt1104001")
	require.NoError(t, err)
	assert.Equal(t, media.KindMovie, movie.Kind)
	assert.Equal(t, media.StateRequested, movie.State)
	assert.Equal(t, "overseerr", movie.RequestedBy)

	show, err := f.store.FindByExternalID(ctx, "tt0903747")
	require.NoError(t, err)
	assert.Equal(t, media.KindShow, show.Kind)
}

func TestContentPollSourceFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, nil)

	f.reg.RegisterSource(service.HandleConfig{Name: "broken", Enabled: true}, sourceFunc(func(context.Context) ([]service.Request, error) {
		return nil, assert.AnError
	}))
	f.reg.RegisterSource(service.HandleConfig{Name: "working", Enabled: true}, sourceFunc(func(context.Context) ([]service.Request, error) {
		return []service.Request{{ExternalID: "tt1104001", Kind: media.KindMovie}}, nil
	}))

	require.NoError(t, f.sched.contentPoll(context.Background()))
	assert.Equal(t, 1, f.queue.Len())
}

func TestRetrySweepEnqueuesDue(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()

	due := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0000001", State: media.StateIndexed})
	due.NextRetryAt = now.Add(-time.Minute)
	f.update(t, due)

	notYet := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0000002", State: media.StateIndexed})
	notYet.NextRetryAt = now.Add(time.Hour)
	f.update(t, notYet)

	require.NoError(t, f.sched.retrySweep(context.Background()))
	assert.True(t, f.queue.Pending(due.ID))
	assert.False(t, f.queue.Pending(notYet.ID))
}

func TestRetrySweepResurrectsFailed(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()

	it := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0000003", State: media.StateFailed})
	it.FailedAttempts = 5
	it.NextRetryAt = now.Add(-time.Minute)
	f.update(t, it)

	cooling := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0000004", State: media.StateFailed})
	cooling.NextRetryAt = now.Add(time.Hour)
	f.update(t, cooling)

	require.NoError(t, f.sched.retrySweep(context.Background()))

	got, err := f.store.GetItem(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateRequested, got.State)
	assert.True(t, got.NextRetryAt.IsZero())
	assert.True(t, f.queue.Pending(it.ID))

	still, err := f.store.GetItem(context.Background(), cooling.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateFailed, still.State, "cooldown not elapsed")
	assert.False(t, f.queue.Pending(cooling.ID))
}

func TestUnreleasedRecheck(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()

	aired := f.seed(t, &media.Item{
		Kind: media.KindMovie, IMDBID: "tt0000005",
		State: media.StateUnreleased, AiredAt: now.Add(-time.Hour),
	})
	future := f.seed(t, &media.Item{
		Kind: media.KindMovie, IMDBID: "tt0000006",
		State: media.StateUnreleased, AiredAt: now.Add(time.Hour),
	})

	require.NoError(t, f.sched.unreleasedRecheck(context.Background()))
	assert.True(t, f.queue.Pending(aired.ID))
	assert.False(t, f.queue.Pending(future.ID))
}

func TestOngoingRecheckEnqueuesShows(t *testing.T) {
	f := newFixture(t, nil)

	ongoing := f.seed(t, &media.Item{
		Kind: media.KindShow, IMDBID: "tt0000007",
		State: media.StatePartiallyCompleted, ShowStatus: media.ShowOngoing,
	})
	ended := f.seed(t, &media.Item{
		Kind: media.KindShow, IMDBID: "tt0000008",
		State: media.StateCompleted, ShowStatus: media.ShowEnded,
	})

	require.NoError(t, f.sched.ongoingRecheck(context.Background()))
	assert.True(t, f.queue.Pending(ongoing.ID))
	assert.False(t, f.queue.Pending(ended.ID))

	require.NoError(t, f.sched.endedRecheck(context.Background()))
	assert.True(t, f.queue.Pending(ended.ID))
}

func TestLibraryRescanRelinksBroken(t *testing.T) {
	f := newFixture(t, nil)
	dir := t.TempDir()

	target := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	goodLink := filepath.Join(dir, "good.mkv")
	require.NoError(t, os.Symlink(target, goodLink))
	deadLink := filepath.Join(dir, "dead.mkv")
	require.NoError(t, os.Symlink(filepath.Join(dir, "gone.mkv"), deadLink))

	good := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0000009", State: media.StateCompleted})
	good.SymlinkPath = goodLink
	f.update(t, good)

	missing := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0000010", State: media.StateCompleted})
	missing.SymlinkPath = filepath.Join(dir, "never-existed.mkv")
	f.update(t, missing)

	dangling := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0000011", State: media.StateSymlinked})
	dangling.SymlinkPath = deadLink
	f.update(t, dangling)

	require.NoError(t, f.sched.libraryRescan(context.Background()))

	ctx := context.Background()
	ok, err := f.store.GetItem(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateCompleted, ok.State)
	assert.False(t, f.queue.Pending(good.ID))

	for _, broken := range []*media.Item{missing, dangling} {
		got, err := f.store.GetItem(ctx, broken.ID)
		require.NoError(t, err)
		assert.Equal(t, media.StateDownloaded, got.State)
		assert.Empty(t, got.SymlinkPath)
		assert.True(t, f.queue.Pending(broken.ID))
	}
}

func TestRunTicksOnFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	f := newFixture(t, fake)

	var polls atomic.Int32
	f.reg.RegisterSource(service.HandleConfig{Name: "src", Enabled: true}, sourceFunc(func(context.Context) ([]service.Request, error) {
		polls.Add(1)
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()

	require.Eventually(t, func() bool { return polls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond,
		"content poll runs once at startup")

	require.Eventually(t, func() bool {
		fake.Advance(f.sched.Cadence.ContentPoll)
		return polls.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond, "content poll ticks on the cadence")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

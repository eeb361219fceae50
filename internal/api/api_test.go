// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/clock"
	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/pipeline"
	"github.com/rivenmedia/riven/internal/queue"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/session"
	"github.com/rivenmedia/riven/internal/store"
	"github.com/rivenmedia/riven/internal/streams"
)

const testKey = "test-api-key"

type fixture struct {
	items  *store.Store
	queue  *queue.Queue
	bus    *bus.Bus
	server *Server
	ts     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	items, err := store.Open(filepath.Join(t.TempDir(), "riven.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = items.Close() })

	sessions, err := session.OpenStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	q := queue.New()
	b := bus.New()
	clk := clock.System{}
	reg := service.NewRegistry(nil)
	ranking := config.Default().Ranking
	ranking.MovieMinBytes = 0
	ranking.EpisodeMinBytes = 0

	disp := &dispatch.Dispatcher{Store: items, Queue: q, Clock: clk}
	pipe := &pipeline.Pipeline{Store: items, Services: reg, Streams: streams.NewRegistry(ranking)}

	srv := &Server{
		Store:      items,
		Dispatcher: disp,
		Pipeline:   pipe,
		Sessions: &session.Manager{
			Sessions:   sessions,
			Items:      items,
			Services:   reg,
			Pipeline:   pipe,
			Dispatcher: disp,
			Bus:        b,
			Clock:      clk,
			TTL:        30 * time.Minute,
		},
		Bus:    b,
		Queue:  q,
		Clock:  clk,
		APIKey: testKey,
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{items: items, queue: q, bus: b, server: srv, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) seed(t *testing.T, it *media.Item) *media.Item {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	it.RequestedAt = now
	it.LastStateAt = now
	if it.State == "" {
		it.State = media.StateRequested
	}
	if it.ShowStatus == "" {
		it.ShowStatus = media.ShowUnknown
	}
	require.NoError(t, f.items.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateItem(ctx, it)
	}))
	return it
}

func (f *fixture) addStream(t *testing.T, itemID int64, infohash string) *media.Stream {
	t.Helper()
	ctx := context.Background()
	st := &media.Stream{Infohash: infohash, RawTitle: "Some Movie 2020 1080p", SizeBytes: 4 << 30, Seeders: 20}
	require.NoError(t, f.items.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.UpsertStreams(ctx, itemID, []*media.Stream{st}, time.Now().UTC())
		return err
	}))
	live, err := f.items.ListStreams(ctx, itemID)
	require.NoError(t, err)
	require.NotEmpty(t, live)
	return live[0]
}

func TestMutatingEndpointsRequireKey(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/items", map[string]string{"external_id": "tt0137523", "kind": "movie"}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/items", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong-key")
	resp2, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// Read endpoints stay open.
	resp3 := f.do(t, http.MethodGet, "/items", nil, false)
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestAddItemIdempotent(t *testing.T) {
	f := newFixture(t)
	body := map[string]string{"external_id": "tt1104001", "kind": "movie"}

	resp := f.do(t, http.MethodPost, "/items", body, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[map[string]any](t, resp)
	id := int64(first["id"].(float64))
	assert.True(t, first["created"].(bool))
	assert.True(t, f.queue.Pending(id), "new item queued")

	resp = f.do(t, http.MethodPost, "/items", body, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[map[string]any](t, resp)
	assert.Equal(t, id, int64(second["id"].(float64)), "same item returned")
	assert.False(t, second["created"].(bool))
}

func TestGetAndListItems(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0137523", Title: "Fight Club", Year: 1999, State: media.StateCompleted})
	f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0133093", Title: "The Matrix", Year: 1999})

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/items/%d", movie.ID), nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[itemJSON](t, resp)
	assert.Equal(t, "Fight Club", got.Title)
	assert.Equal(t, media.StateCompleted, got.State)

	resp = f.do(t, http.MethodGet, "/items?state=Completed", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Items []itemJSON `json:"items"`
		Count int        `json:"count"`
	}](t, resp)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, movie.ID, list.Items[0].ID)

	resp = f.do(t, http.MethodGet, "/items/999999", nil, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteItemCancelsAndRemoves(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0068646"})
	f.queue.Push(media.Event{ItemID: movie.ID, RunAt: time.Now()})

	resp := f.do(t, http.MethodDelete, fmt.Sprintf("/items/%d", movie.ID), nil, true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := f.items.GetItem(context.Background(), movie.ID)
	assert.ErrorIs(t, err, media.ErrNotFound)
	assert.False(t, f.queue.Pending(movie.ID), "queued event cancelled")
}

func TestRetryFailedItem(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0110912", State: media.StateFailed})

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/items/%d/retry", movie.ID), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err := f.items.GetItem(context.Background(), movie.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateRequested, got.State)
	assert.True(t, got.NextRetryAt.IsZero())
	assert.True(t, f.queue.Pending(movie.ID))
}

func TestResetItemWipesProgress(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{
		Kind: media.KindMovie, IMDBID: "tt0816692", State: media.StateSymlinked,
		FileName: "a.mkv", Folder: "a", FileSize: 1 << 30, SymlinkPath: "/library/a.mkv",
	})
	f.addStream(t, movie.ID, strings.Repeat("a", 40))

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/items/%d/reset", movie.ID), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err := f.items.GetItem(context.Background(), movie.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateRequested, got.State)
	assert.Empty(t, got.FileName)
	assert.Empty(t, got.SymlinkPath)

	live, err := f.items.ListStreams(context.Background(), movie.ID)
	require.NoError(t, err)
	assert.Empty(t, live, "streams dropped on reset")
	assert.True(t, f.queue.Pending(movie.ID))
}

func TestPauseAndUnpause(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{
		Kind: media.KindMovie, IMDBID: "tt1375666", State: media.StateDownloaded,
		FileName: "inception.mkv", Folder: "inception",
	})
	f.queue.Push(media.Event{ItemID: movie.ID, RunAt: time.Now()})

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/items/%d/pause", movie.ID), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err := f.items.GetItem(context.Background(), movie.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StatePaused, got.State)
	assert.False(t, f.queue.Pending(movie.ID), "paused item leaves the queue")

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/items/%d/unpause", movie.ID), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err = f.items.GetItem(context.Background(), movie.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StateDownloaded, got.State, "resumes from the file-binding fact")
	assert.True(t, f.queue.Pending(movie.ID))
}

func TestBlacklistStreamEndpoint(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0109830", State: media.StateScraped})
	hash := strings.Repeat("b", 40)
	st := f.addStream(t, movie.ID, hash)

	ctx := context.Background()
	require.NoError(t, f.items.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetActiveStream(ctx, movie.ID, st.ID)
	}))

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/streams/%d/blacklist/%s", movie.ID, hash), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	live, err := f.items.ListStreams(ctx, movie.ID)
	require.NoError(t, err)
	assert.Empty(t, live, "banned stream leaves the live set")

	entries, err := f.items.Blacklist(ctx, movie.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, hash, entries[0].Infohash)
	assert.Equal(t, media.ReasonManual, entries[0].Reason)

	got, err := f.items.GetItem(ctx, movie.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ActiveStreamID, "active pick cleared")
	assert.True(t, f.queue.Pending(movie.ID), "item requeued for reselection")

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/streams/%d/blacklist/notahash", movie.ID), nil, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResetStreamsEndpoint(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0120737", State: media.StateScraped})
	f.addStream(t, movie.ID, strings.Repeat("c", 40))
	ctx := context.Background()
	require.NoError(t, f.items.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AddBlacklistEntry(ctx, movie.ID, strings.Repeat("d", 40), media.ReasonNotCached, time.Now().UTC())
	}))

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/streams/%d/reset", movie.ID), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	live, err := f.items.ListStreams(ctx, movie.ID)
	require.NoError(t, err)
	assert.Empty(t, live)
	entries, err := f.items.Blacklist(ctx, movie.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "blacklist cleared for a fresh start")
}

func TestListStreamsEndpoint(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0167260", State: media.StateScraped})
	hash := strings.Repeat("e", 40)
	f.addStream(t, movie.ID, hash)

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/streams/%d", movie.ID), nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[struct {
		Streams   []streamJSON    `json:"streams"`
		Blacklist []blacklistJSON `json:"blacklist"`
	}](t, resp)
	require.Len(t, got.Streams, 1)
	assert.Equal(t, hash, got.Streams[0].Infohash)
	assert.Empty(t, got.Blacklist)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0137523", State: media.StateCompleted})
	f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0133093"})
	f.queue.Push(media.Event{ItemID: 1, RunAt: time.Now()})

	resp := f.do(t, http.MethodGet, "/stats", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[statsResponse](t, resp)
	assert.Equal(t, int64(2), got.TotalItems)
	assert.Equal(t, int64(1), got.ByState[media.StateCompleted])
	assert.Equal(t, 1, got.QueueDepth)
	assert.Zero(t, got.InFlight)
}

func TestWebhookShowUpdate(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	show := f.seed(t, &media.Item{Kind: media.KindShow, TVDBID: "81189", State: media.StateCompleted, IndexedAt: now, ShowStatus: media.ShowOngoing})

	resp := f.do(t, http.MethodPost, "/webhook/show-update", map[string]string{"external_id": "81189"}, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err := f.items.GetItem(context.Background(), show.ID)
	require.NoError(t, err)
	assert.True(t, got.IndexedAt.IsZero(), "forced reindex")
	assert.True(t, f.queue.Pending(show.ID))

	resp = f.do(t, http.MethodPost, "/webhook/show-update", map[string]string{"external_id": "unknown-id"}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	movie := f.seed(t, &media.Item{Kind: media.KindMovie, IMDBID: "tt0482571", State: media.StateIndexed})
	f.queue.Push(media.Event{ItemID: movie.ID, RunAt: time.Now()})

	resp := f.do(t, http.MethodPost, "/sessions", map[string]int64{"item_id": movie.ID}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decode[session.Session](t, resp)
	require.NotEmpty(t, sess.ID)
	assert.False(t, f.queue.Pending(movie.ID), "autonomous scheduling stops")

	// Second open conflicts.
	resp = f.do(t, http.MethodPost, "/sessions", map[string]int64{"item_id": movie.ID}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Commit without selections conflicts too.
	resp = f.do(t, http.MethodPost, "/sessions/"+sess.ID+"/commit", nil, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/sessions/"+sess.ID, nil, true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, f.queue.Pending(movie.ID), "scheduling resumes on close")

	resp = f.do(t, http.MethodGet, "/sessions/"+sess.ID, nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEStreamsTransitions(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	// The subscription exists once the preamble arrived.
	f.bus.Publish(bus.TopicStateChanged, bus.Message{
		Type:   string(bus.TopicStateChanged),
		ItemID: 42,
		From:   string(media.StateScraped),
		To:     string(media.StateDownloaded),
		At:     time.Now().UTC(),
	})

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var msg bus.Message
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &msg))
	assert.Equal(t, int64(42), msg.ItemID)
	assert.Equal(t, string(media.StateDownloaded), msg.To)
}

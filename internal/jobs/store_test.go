package jobs

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/fetch"
	"github.com/asyncfetch/htmlfetcher/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := newFakeClock()
	return NewStore(&seqIDGen{}, clock, zap.NewNop()), clock
}

func twoLinkRequest() fetch.Request {
	return fetch.Request{
		Links:   []string{"https://a.test", "https://b.test"},
		Options: fetch.Options{ConcurrencyLimit: 2, RetryCount: 1, WaitMax: 1},
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	id, err := store.Create(twoLinkRequest())
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	view, ok := store.Get(id)
	require.True(t, ok)
	require.Equal(t, fetch.StatusPending, view.Status)
	require.Equal(t, 2, view.TotalURLs)
	require.Zero(t, view.CompletedURLs)
	require.Zero(t, view.ProgressPercentage)
	require.False(t, view.IsFinished)
	require.Nil(t, view.StartedAt)
	require.Empty(t, view.Results)

	_, ok = store.Get("no-such-job")
	require.False(t, ok)

	req, ok := store.Request(id)
	require.True(t, ok)
	require.Len(t, req.Links, 2)
}

func TestStoreUpdateStatus(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore()
	id, err := store.Create(twoLinkRequest())
	require.NoError(t, err)

	_, err = store.UpdateStatus(id, fetch.JobStatus("running"), "")
	require.ErrorIs(t, err, ErrInvalidStatus)

	ok, err := store.UpdateStatus("no-such-job", fetch.StatusFailed, "boom")
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(time.Second)
	ok, err = store.UpdateStatus(id, fetch.StatusInProgress, "")
	require.NoError(t, err)
	require.True(t, ok)

	view, _ := store.Get(id)
	require.Equal(t, fetch.StatusInProgress, view.Status)
	require.NotNil(t, view.StartedAt)
	startedAt := *view.StartedAt

	// A second in_progress transition must not move StartedAt.
	clock.Advance(time.Minute)
	_, err = store.UpdateStatus(id, fetch.StatusInProgress, "")
	require.NoError(t, err)
	view, _ = store.Get(id)
	require.Equal(t, startedAt, *view.StartedAt)

	ok, err = store.UpdateStatus(id, fetch.StatusFailed, "browser pool unavailable")
	require.NoError(t, err)
	require.True(t, ok)
	view, _ = store.Get(id)
	require.Equal(t, fetch.StatusFailed, view.Status)
	require.Equal(t, "browser pool unavailable", view.ErrorMessage)
	require.True(t, view.IsFinished)
	require.NotNil(t, view.CompletedAt)
}

func TestStoreAddResultLifecycle(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	id, err := store.Create(twoLinkRequest())
	require.NoError(t, err)

	ok := store.AddResult(id, fetch.Result{URL: "https://a.test", Status: fetch.ResultSuccess})
	require.True(t, ok)

	view, _ := store.Get(id)
	require.Equal(t, fetch.StatusInProgress, view.Status, "first result moves a pending job to in_progress")
	require.Equal(t, 1, view.CompletedURLs)
	require.InDelta(t, 50.0, view.ProgressPercentage, 0.001)
	require.NotNil(t, view.StartedAt)
	require.False(t, view.IsFinished)

	ok = store.AddResult(id, fetch.Result{
		URL:          "https://b.test",
		Status:       fetch.ResultError,
		ErrorMessage: "timeout_error: page load timeout",
		ErrorType:    fetch.ErrTimeout,
	})
	require.True(t, ok)

	view, _ = store.Get(id)
	require.Equal(t, fetch.StatusCompleted, view.Status, "all urls reported, failures included, completes the job")
	require.Equal(t, 2, view.CompletedURLs)
	require.InDelta(t, 100.0, view.ProgressPercentage, 0.001)
	require.True(t, view.IsFinished)
	require.NotNil(t, view.CompletedAt)
	require.Len(t, view.Results, 2)
}

func TestStoreAddResultUnknownJob(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	require.False(t, store.AddResult("no-such-job", fetch.Result{URL: "https://a.test"}))
}

func TestStoreAddResultKeepsFailedStatus(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	id, err := store.Create(twoLinkRequest())
	require.NoError(t, err)

	_, err = store.UpdateStatus(id, fetch.StatusFailed, "scheduler error")
	require.NoError(t, err)

	store.AddResult(id, fetch.Result{URL: "https://a.test", Status: fetch.ResultSuccess})
	store.AddResult(id, fetch.Result{URL: "https://b.test", Status: fetch.ResultSuccess})

	view, _ := store.Get(id)
	require.Equal(t, fetch.StatusFailed, view.Status, "late results must not resurrect a failed job")
	require.Equal(t, 2, view.CompletedURLs)
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore()
	id, err := store.Create(twoLinkRequest())
	require.NoError(t, err)

	require.True(t, store.Delete(id))
	require.False(t, store.Delete(id))
	_, ok := store.Get(id)
	require.False(t, ok)
}

func TestStoreCleanup(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore()

	oldDone, err := store.Create(twoLinkRequest())
	require.NoError(t, err)
	_, err = store.UpdateStatus(oldDone, fetch.StatusCompleted, "")
	require.NoError(t, err)

	oldRunning, err := store.Create(twoLinkRequest())
	require.NoError(t, err)
	_, err = store.UpdateStatus(oldRunning, fetch.StatusInProgress, "")
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	freshDone, err := store.Create(twoLinkRequest())
	require.NoError(t, err)
	_, err = store.UpdateStatus(freshDone, fetch.StatusFailed, "gave up")
	require.NoError(t, err)

	removed := store.Cleanup(24 * time.Hour)
	require.Equal(t, 1, removed)

	_, ok := store.Get(oldDone)
	require.False(t, ok, "stale finished job must be removed")
	_, ok = store.Get(oldRunning)
	require.True(t, ok, "running jobs are never cleaned up")
	_, ok = store.Get(freshDone)
	require.True(t, ok, "recently finished job is retained")
}

func TestStoreListAndCounts(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore()
	first, err := store.Create(twoLinkRequest())
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := store.Create(twoLinkRequest())
	require.NoError(t, err)
	_, err = store.UpdateStatus(second, fetch.StatusCompleted, "")
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 2)
	require.Equal(t, second, list[0].JobID, "listing is newest first")
	require.Equal(t, first, list[1].JobID)

	counts := store.Counts()
	require.Equal(t, 1, counts[fetch.StatusPending])
	require.Equal(t, 1, counts[fetch.StatusCompleted])
	require.Equal(t, 2, store.Len())
}

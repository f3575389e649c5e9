package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedFeed fails the first failures subscriptions, then hands out
// channels the test controls.
type scriptedFeed struct {
	mu       sync.Mutex
	failures int
	calls    int
	channels []chan models.Change
}

func (f *scriptedFeed) Subscribe(ctx context.Context, tables []string) (<-chan models.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("listen: connection refused")
	}
	ch := make(chan models.Change, 16)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *scriptedFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptedFeed) Latest() chan models.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}

type counter struct {
	n   atomic.Int64
	err error
}

func (c *counter) Run(ctx context.Context) error {
	c.n.Add(1)
	return c.err
}

func (c *counter) Count() int64 { return c.n.Load() }

func start(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestCoordinator_BurstCoalescesToOneRun(t *testing.T) {
	feed := storage.NewMemoryFeed()
	runs := &counter{}
	c := NewCoordinator(feed, []Job{{
		Name:   "live",
		Tables: []string{models.TableArticleViews},
		Run:    runs.Run,
	}}, Options{Debounce: 50 * time.Millisecond}, zap.NewNop(), nil)
	start(t, c)

	require.Eventually(t, func() bool { return c.State("live") == StateSubscribed }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), runs.Count(), "startup run")

	for i := 0; i < 20; i++ {
		feed.Publish(models.Change{Table: models.TableArticleViews, Operation: models.OpInsert})
	}

	require.Eventually(t, func() bool { return runs.Count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(2), runs.Count(), "burst must collapse into a single recompute")
}

func TestCoordinator_IgnoresUnwatchedTables(t *testing.T) {
	feed := storage.NewMemoryFeed()
	runs := &counter{}
	c := NewCoordinator(feed, []Job{{
		Name:   "ads",
		Tables: []string{models.TableAdvertisements},
		Run:    runs.Run,
	}}, Options{Debounce: 10 * time.Millisecond}, zap.NewNop(), nil)
	start(t, c)

	require.Eventually(t, func() bool { return c.State("ads") == StateSubscribed }, time.Second, 5*time.Millisecond)
	feed.Publish(models.Change{Table: models.TableComments, Operation: models.OpInsert})

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Count())
}

func TestCoordinator_MinIntervalSpacesRuns(t *testing.T) {
	feed := storage.NewMemoryFeed()
	runs := &counter{}
	c := NewCoordinator(feed, []Job{{
		Name:   "articles",
		Tables: []string{models.TableArticles},
		Run:    runs.Run,
	}}, Options{Debounce: 5 * time.Millisecond, MinInterval: 300 * time.Millisecond}, zap.NewNop(), nil)
	start(t, c)

	require.Eventually(t, func() bool { return c.State("articles") == StateSubscribed }, time.Second, 5*time.Millisecond)
	feed.Publish(models.Change{Table: models.TableArticles, Operation: models.OpUpdate})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Count(), "change-triggered run held back by min interval")
	assert.Eventually(t, func() bool { return runs.Count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestCoordinator_SubscribeFailureFallsBackToPolling(t *testing.T) {
	feed := &scriptedFeed{failures: 1000}
	runs := &counter{}
	c := NewCoordinator(feed, []Job{{
		Name:         "live",
		Tables:       []string{models.TableArticleViews},
		PollInterval: 20 * time.Millisecond,
		Run:          runs.Run,
	}}, Options{BackoffBase: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}, zap.NewNop(), nil)
	start(t, c)

	assert.Eventually(t, func() bool { return runs.Count() >= 4 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return feed.Calls() >= 3 }, time.Second, 5*time.Millisecond, "keeps retrying")
	assert.Contains(t, []State{StatePolling, StateRecomputing}, c.State("live"))
}

func TestCoordinator_ResubscribesAfterFailures(t *testing.T) {
	feed := &scriptedFeed{failures: 2}
	runs := &counter{}
	c := NewCoordinator(feed, []Job{{
		Name:   "live",
		Tables: []string{models.TableComments},
		Run:    runs.Run,
	}}, Options{BackoffBase: 5 * time.Millisecond}, zap.NewNop(), nil)
	start(t, c)

	require.Eventually(t, func() bool { return c.State("live") == StateSubscribed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, feed.Calls())

	feed.Latest() <- models.Change{Table: models.TableComments, Operation: models.OpInsert}
	assert.Eventually(t, func() bool { return runs.Count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ResubscribesWhenFeedCloses(t *testing.T) {
	feed := &scriptedFeed{}
	runs := &counter{}
	c := NewCoordinator(feed, []Job{{
		Name:   "ads",
		Tables: []string{models.TableAdvertisements},
		Run:    runs.Run,
	}}, Options{BackoffBase: 5 * time.Millisecond}, zap.NewNop(), nil)
	start(t, c)

	require.Eventually(t, func() bool { return c.State("ads") == StateSubscribed }, time.Second, 5*time.Millisecond)
	close(feed.Latest())

	assert.Eventually(t, func() bool {
		return feed.Calls() == 2 && c.State("ads") == StateSubscribed
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_NoFeedPollsOnly(t *testing.T) {
	runs := &counter{}
	c := NewCoordinator(nil, []Job{{
		Name:         "live",
		PollInterval: 10 * time.Millisecond,
		Run:          runs.Run,
	}}, Options{}, zap.NewNop(), nil)
	start(t, c)

	assert.Eventually(t, func() bool { return runs.Count() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_RefreshReportsPerJobErrors(t *testing.T) {
	ok := &counter{}
	broken := &counter{err: errors.New("count views: timeout")}
	c := NewCoordinator(nil, []Job{
		{Name: "articles", Run: ok.Run},
		{Name: "ads", Run: broken.Run},
	}, Options{}, zap.NewNop(), nil)

	errs := c.Refresh(context.Background())
	require.Len(t, errs, 1)
	assert.EqualError(t, errs["ads"], "count views: timeout")
	assert.Equal(t, int64(1), ok.Count())

	status := c.Status()
	require.Len(t, status, 2)
	assert.Empty(t, status[0].LastError)
	assert.Equal(t, "count views: timeout", status[1].LastError)

	assert.ErrorIs(t, c.RefreshJob(context.Background(), "nope"), ErrUnknownJob)
	require.NoError(t, c.RefreshJob(context.Background(), "articles"))
	assert.Equal(t, int64(2), ok.Count())
}

func TestCoordinator_JobsShareOneFanoutSubscription(t *testing.T) {
	upstream := &scriptedFeed{}
	jobs := []Job{
		{Name: "live", Tables: []string{models.TableArticleViews, models.TableComments}},
		{Name: "articles", Tables: []string{models.TableArticles, models.TableArticleViews}},
		{Name: "ads", Tables: []string{models.TableAdvertisements}},
	}
	runs := map[string]*counter{}
	for i := range jobs {
		runs[jobs[i].Name] = &counter{}
		jobs[i].Run = runs[jobs[i].Name].Run
	}
	assert.Equal(t, []string{models.TableArticleViews, models.TableComments, models.TableArticles, models.TableAdvertisements},
		WatchedTables(jobs))

	feed := storage.NewFanoutFeed(upstream, WatchedTables(jobs), zap.NewNop())
	c := NewCoordinator(feed, jobs, Options{Debounce: 5 * time.Millisecond}, zap.NewNop(), nil)
	start(t, c)

	require.Eventually(t, func() bool {
		return c.State("live") == StateSubscribed && c.State("articles") == StateSubscribed && c.State("ads") == StateSubscribed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, upstream.Calls(), "one upstream subscription for all jobs")

	upstream.Latest() <- models.Change{Table: models.TableAdvertisements, Operation: models.OpUpdate}
	assert.Eventually(t, func() bool { return runs["ads"].Count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs["live"].Count())
	assert.Equal(t, int64(1), runs["articles"].Count())
}

func TestBackoff(t *testing.T) {
	c := NewCoordinator(nil, nil, Options{BackoffBase: time.Second, BackoffMax: 30 * time.Second}, zap.NewNop(), nil)

	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 8*time.Second, c.backoff(4))
	assert.Equal(t, 30*time.Second, c.backoff(6))
	assert.Equal(t, 30*time.Second, c.backoff(100))
}

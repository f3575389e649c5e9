package reporting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/radiusdt/newsdesk/internal/cache"
	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func newTestEngine(t *testing.T) (*Engine, *storage.InMemoryStore, *storage.InMemoryEventLog) {
	t.Helper()
	store := storage.NewInMemoryStore(nil)
	events := storage.NewInMemoryEventLog()
	e := NewEngine(store, events, cache.NewMemorySnapshotCache(), Config{TopN: 3}, zap.NewNop(), nil)
	e.now = func() time.Time { return testNow }
	return e, store, events
}

func publish(store *storage.InMemoryStore, id, category string, at time.Time) {
	store.PutArticle(&models.Article{
		ID:          id,
		Title:       "Article " + id,
		Slug:        id,
		CategoryID:  category,
		Status:      models.ArticlePublished,
		PublishedAt: ptr(at),
	})
}

func addViews(t *testing.T, store *storage.InMemoryStore, articleID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.InsertViewIfAbsent(context.Background(), &models.ArticleView{
			ArticleID: articleID,
			ViewerIP:  fmt.Sprintf("10.0.0.%d", i),
			ViewedAt:  testNow.Add(-time.Hour),
		}, models.DayStart(testNow, time.UTC))
		require.NoError(t, err)
	}
}

func addComments(t *testing.T, store *storage.InMemoryStore, articleID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.InsertComment(context.Background(), &models.Comment{
			ID:        fmt.Sprintf("%s-c%d", articleID, i),
			ArticleID: articleID,
			CreatedAt: testNow.Add(-time.Hour),
		}))
	}
}

func TestComputeArticleMetrics_Rankings(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	publish(store, "old", "", testNow.AddDate(0, 0, -5))
	publish(store, "new", "", testNow.AddDate(0, 0, -1))
	publish(store, "top", "", testNow.AddDate(0, 0, -3))
	publish(store, "quiet", "", testNow.AddDate(0, 0, -2))
	store.PutArticle(&models.Article{ID: "draft", Status: models.ArticleDraft})

	addViews(t, store, "top", 5)
	addViews(t, store, "old", 2)
	addViews(t, store, "new", 2)
	addViews(t, store, "draft", 9)
	addComments(t, store, "old", 1)

	m, err := e.ComputeArticleMetrics(ctx)
	require.NoError(t, err)

	require.Len(t, m.TopViewed, 3)
	assert.Equal(t, "top", m.TopViewed[0].ArticleID)
	assert.Equal(t, "new", m.TopViewed[1].ArticleID, "tie broken by most recent publication")
	assert.Equal(t, "old", m.TopViewed[2].ArticleID)

	require.Len(t, m.TopCommented, 1)
	assert.Equal(t, "old", m.TopCommented[0].ArticleID)

	assert.Equal(t, int64(4), m.PublishedArticles)
	assert.Equal(t, int64(9), m.TotalViews)
	assert.Equal(t, int64(1), m.TotalComments)
	assert.InDelta(t, 1.0/9.0, m.EngagementRate, 1e-9)
}

func TestComputeArticleMetrics_TrendAlwaysThirtyDays(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	m, err := e.ComputeArticleMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, m.PublicationTrend, TrendDays)
	for _, p := range m.PublicationTrend {
		assert.Zero(t, p.Count)
	}
	assert.Equal(t, "2024-02-10", m.PublicationTrend[0].Date)
	assert.Equal(t, "2024-03-10", m.PublicationTrend[TrendDays-1].Date)

	publish(store, "a", "", testNow)
	publish(store, "b", "", testNow.Add(-time.Hour))
	publish(store, "c", "", testNow.AddDate(0, 0, -29))
	publish(store, "outside", "", testNow.AddDate(0, 0, -30))

	m, err = e.ComputeArticleMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, m.PublicationTrend, TrendDays)
	assert.Equal(t, int64(1), m.PublicationTrend[0].Count)
	assert.Equal(t, int64(2), m.PublicationTrend[TrendDays-1].Count)

	for i := 1; i < len(m.PublicationTrend); i++ {
		assert.Less(t, m.PublicationTrend[i-1].Date, m.PublicationTrend[i].Date)
	}
}

func TestComputeArticleMetrics_TrendUsesSiteTimezone(t *testing.T) {
	store := storage.NewInMemoryStore(nil)
	loc := time.FixedZone("UTC-5", -5*60*60)
	e := NewEngine(store, nil, nil, Config{Location: loc}, zap.NewNop(), nil)
	e.now = func() time.Time { return testNow }

	// 02:00 UTC on March 10 is still March 9 in UTC-5.
	publish(store, "late", "", time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC))

	m, err := e.ComputeArticleMetrics(context.Background())
	require.NoError(t, err)
	last := m.PublicationTrend[TrendDays-1]
	prev := m.PublicationTrend[TrendDays-2]
	assert.Equal(t, "2024-03-10", last.Date)
	assert.Zero(t, last.Count)
	assert.Equal(t, int64(1), prev.Count)
}

func TestComputeArticleMetrics_CategoryPerformance(t *testing.T) {
	e, store, _ := newTestEngine(t)
	store.PutCategory(&models.Category{ID: "pol", Name: "Politics"})
	store.PutCategory(&models.Category{ID: "sport", Name: "Sport"})
	store.PutCategory(&models.Category{ID: "empty", Name: "Empty"})

	publish(store, "p1", "pol", testNow.AddDate(0, 0, -1))
	publish(store, "p2", "pol", testNow.AddDate(0, 0, -2))
	publish(store, "s1", "sport", testNow.AddDate(0, 0, -1))
	publish(store, "s2", "sport", testNow.AddDate(0, 0, -1))
	publish(store, "s3", "sport", testNow.AddDate(0, 0, -1))

	addViews(t, store, "p1", 2)
	addViews(t, store, "p2", 1) // 3/2 = 1.5 rounds up to 2
	addViews(t, store, "s1", 1) // 1/3 rounds down to 0

	m, err := e.ComputeArticleMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, m.CategoryPerformance, 2, "empty category excluded")

	assert.Equal(t, CategoryPerformance{CategoryID: "pol", Name: "Politics", TotalArticles: 2, TotalViews: 3, AvgViews: 2}, m.CategoryPerformance[0])
	assert.Equal(t, CategoryPerformance{CategoryID: "sport", Name: "Sport", TotalArticles: 3, TotalViews: 1, AvgViews: 0}, m.CategoryPerformance[1])
}

func TestComputeArticleMetrics_SkipsOrphans(t *testing.T) {
	e, store, _ := newTestEngine(t)
	publish(store, "kept", "", testNow.AddDate(0, 0, -1))
	publish(store, "gone", "", testNow.AddDate(0, 0, -1))
	addViews(t, store, "kept", 1)
	addViews(t, store, "gone", 4)
	addComments(t, store, "gone", 2)
	store.DeleteArticle("gone")

	m, err := e.ComputeArticleMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.OrphanViews)
	assert.Equal(t, int64(2), m.OrphanComments)
	assert.Equal(t, int64(1), m.TotalViews)
	require.Len(t, m.TopViewed, 1)
	assert.Equal(t, "kept", m.TopViewed[0].ArticleID)
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		num, den, want int64
	}{
		{0, 1, 0},
		{1, 2, 1},
		{3, 2, 2},
		{5, 2, 3},
		{4, 3, 1},
		{5, 3, 2},
		{10, 4, 3},
		{7, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundHalfUp(tt.num, tt.den), "%d/%d", tt.num, tt.den)
	}
}

func TestComputeAdMetrics(t *testing.T) {
	e, store, _ := newTestEngine(t)

	store.PutAd(&models.Advertisement{ID: "a", IsActive: true, Impressions: 200, Clicks: 10})
	store.PutAd(&models.Advertisement{ID: "b", IsActive: false, Impressions: 0, Clicks: 0})
	store.PutAd(&models.Advertisement{ID: "c", IsActive: true, EndDate: ptr(testNow.AddDate(0, 0, -1)), Impressions: 2, Clicks: 5})

	m, err := e.ComputeAdMetrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(202), m.TotalImpressions)
	assert.Equal(t, int64(15), m.TotalClicks)
	assert.InDelta(t, 15.0/202.0, m.CTR, 1e-9)
	assert.False(t, m.ClicksExceedImpressions)
	assert.Equal(t, 1, m.ActiveAds)

	require.Len(t, m.Ads, 3)
	assert.Equal(t, models.AdActive, m.Ads[0].State)
	assert.InDelta(t, 0.05, m.Ads[0].CTR, 1e-9)

	assert.Equal(t, models.AdInactive, m.Ads[1].State)
	assert.Zero(t, m.Ads[1].CTR)

	assert.Equal(t, models.AdExpired, m.Ads[2].State)
	assert.Equal(t, 1.0, m.Ads[2].CTR)
	assert.True(t, m.Ads[2].ClicksExceedImpressions)
}

func TestComputeAdMetrics_CTRBounds(t *testing.T) {
	pairs := [][2]int64{{0, 0}, {5, 0}, {0, 5}, {3, 5}, {5, 5}, {9, 5}}
	for _, p := range pairs {
		e, store, _ := newTestEngine(t)
		store.PutAd(&models.Advertisement{ID: "x", IsActive: true, Clicks: p[0], Impressions: p[1]})

		m, err := e.ComputeAdMetrics(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, m.CTR, 0.0)
		assert.LessOrEqual(t, m.CTR, 1.0)
		if p[1] == 0 {
			assert.Zero(t, m.CTR)
		}
		assert.Equal(t, p[0] > p[1], m.ClicksExceedImpressions, "clicks=%d impressions=%d", p[0], p[1])
	}
}

func TestComputeLiveMetrics(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	today := models.DayStart(testNow, time.UTC)

	publish(store, "a1", "", testNow.AddDate(0, 0, -1))
	store.PutArticle(&models.Article{ID: "draft", Status: models.ArticleDraft})

	views := []models.ArticleView{
		{ArticleID: "a1", ViewerIP: "1.1.1.1", ViewedAt: testNow.Add(-time.Minute)},
		{ArticleID: "draft", ViewerIP: "1.1.1.1", ViewedAt: testNow.Add(-2 * time.Minute)},
		{ArticleID: "a1", ViewerIP: "2.2.2.2", ViewedAt: testNow.Add(-3 * time.Minute)},
		{ArticleID: "a1", ViewerIP: "3.3.3.3", ViewedAt: testNow.Add(-time.Hour)},
	}
	for i := range views {
		_, err := store.InsertViewIfAbsent(ctx, &views[i], today)
		require.NoError(t, err)
	}
	_, err := store.InsertViewIfAbsent(ctx, &models.ArticleView{ArticleID: "a1", ViewerIP: "4.4.4.4", ViewedAt: testNow.AddDate(0, 0, -1)}, today.AddDate(0, 0, -1))
	require.NoError(t, err)

	require.NoError(t, store.InsertComment(ctx, &models.Comment{ID: "c1", ArticleID: "a1", CreatedAt: testNow.Add(-time.Hour)}))
	require.NoError(t, store.InsertComment(ctx, &models.Comment{ID: "c2", ArticleID: "a1", CreatedAt: testNow.AddDate(0, 0, -2)}))

	m, err := e.ComputeLiveMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.CurrentVisitors)
	assert.True(t, m.Approximate)
	assert.Equal(t, "5m0s", m.Window)
	assert.Equal(t, int64(4), m.TodayViews)
	assert.Equal(t, int64(1), m.TodayComments)
	assert.Equal(t, int64(1), m.ActiveArticles)
}

func TestComputeActivity(t *testing.T) {
	e, _, events := newTestEngine(t)
	ctx := context.Background()
	base := testNow.Add(-2 * time.Hour)

	add := func(ev models.Event) {
		require.NoError(t, events.Append(ctx, &ev))
	}
	add(models.Event{ID: "1", Kind: models.EventViewRecorded, ArticleID: "a1", OccurredAt: base})
	add(models.Event{ID: "2", Kind: models.EventViewRecorded, ArticleID: "a1", OccurredAt: base.Add(10 * time.Minute)})
	add(models.Event{ID: "3", Kind: models.EventAdImpression, AdID: "ad", OccurredAt: base.Add(time.Hour)})
	add(models.Event{ID: "4", Kind: models.EventAdClick, AdID: "ad", OccurredAt: base.Add(time.Hour)})
	add(models.Event{ID: "5", Kind: models.EventCommentSubmitted, ArticleID: "a1", CommentID: "c", OccurredAt: base.Add(time.Hour)})
	add(models.Event{ID: "6", Kind: models.EventModerationAction, CommentID: "c", Action: "approve", OccurredAt: base.Add(time.Hour)})
	add(models.Event{ID: "7", Kind: models.EventAdClick, AdID: "ad", OccurredAt: base.Add(-24 * time.Hour)})

	a, err := e.ComputeActivity(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Views)
	assert.Equal(t, int64(1), a.AdImpressions)
	assert.Equal(t, int64(1), a.AdClicks)
	assert.Equal(t, int64(1), a.CommentsSubmitted)
	assert.Equal(t, map[string]int64{"approve": 1}, a.ModerationActions)
	require.Len(t, a.Hourly, 2)
	assert.Equal(t, int64(2), a.Hourly[0].Events)
	assert.Equal(t, int64(4), a.Hourly[1].Events)

	noLog := NewEngine(storage.NewInMemoryStore(nil), nil, nil, Config{}, zap.NewNop(), nil)
	_, err = noLog.ComputeActivity(ctx, base)
	assert.ErrorIs(t, err, ErrNoEventLog)
}

func TestSnapshots_RefreshThenRead(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	store.PutAd(&models.Advertisement{ID: "a", IsActive: true, Impressions: 10, Clicks: 1})

	require.NoError(t, e.RefreshAds(ctx))

	// Later counter changes are not visible until the next refresh.
	store.PutAd(&models.Advertisement{ID: "a", IsActive: true, Impressions: 20, Clicks: 1})
	snap, err := e.AdSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.TotalImpressions)

	require.NoError(t, e.RefreshAds(ctx))
	snap, err = e.AdSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), snap.TotalImpressions)
}

func TestSnapshots_MissComputes(t *testing.T) {
	e, store, _ := newTestEngine(t)
	publish(store, "a1", "", testNow)

	live, err := e.LiveSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), live.ActiveArticles)

	articles, err := e.ArticleSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, articles.PublicationTrend, TrendDays)
}

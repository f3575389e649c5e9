// Package reporting computes the dashboard metric snapshots from store rows
// and the raw event log.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/radiusdt/newsdesk/internal/cache"
	"github.com/radiusdt/newsdesk/internal/metrics"
	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/storage"
	"go.uber.org/zap"
)

// TrendDays is the length of the publication trend window.
const TrendDays = 30

// ErrNoEventLog is returned by ComputeActivity when no event log is configured.
var ErrNoEventLog = errors.New("event log not configured")

// Config tunes the engine.
type Config struct {
	Location    *time.Location
	TopN        int
	LiveWindow  time.Duration
	SnapshotTTL time.Duration
}

// Engine computes metric snapshots. Computations only read; every result is
// derived and may be recomputed at any time.
type Engine struct {
	store  storage.Store
	events storage.EventLog
	cache  cache.SnapshotCache

	loc         *time.Location
	topN        int
	liveWindow  time.Duration
	snapshotTTL time.Duration
	now         func() time.Time

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an aggregation engine. events and snapshots may be nil.
func NewEngine(store storage.Store, events storage.EventLog, snapshots cache.SnapshotCache, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		store:       store,
		events:      events,
		cache:       snapshots,
		loc:         cfg.Location,
		topN:        cfg.TopN,
		liveWindow:  cfg.LiveWindow,
		snapshotTTL: cfg.SnapshotTTL,
		now:         time.Now,
		logger:      logger,
		metrics:     m,
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.topN <= 0 {
		e.topN = 10
	}
	if e.liveWindow <= 0 {
		e.liveWindow = 5 * time.Minute
	}
	return e
}

// =============================================
// Articles
// =============================================

// ComputeArticleMetrics builds rankings, the 30-day publication trend and
// per-category performance.
func (e *Engine) ComputeArticleMetrics(ctx context.Context) (*ArticleMetrics, error) {
	now := e.now()

	articles, err := e.store.ListArticles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	categories, err := e.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	viewCounts, err := e.store.CountViewsByArticle(ctx)
	if err != nil {
		return nil, fmt.Errorf("count views: %w", err)
	}
	commentCounts, err := e.store.CountCommentsByArticle(ctx)
	if err != nil {
		return nil, fmt.Errorf("count comments: %w", err)
	}

	known := make(map[string]*models.Article, len(articles))
	published := make([]*models.Article, 0, len(articles))
	for _, a := range articles {
		known[a.ID] = a
		if a.IsPublished() {
			published = append(published, a)
		}
	}

	m := &ArticleMetrics{
		PublishedArticles: int64(len(published)),
		ComputedAt:        now,
	}
	m.OrphanViews = countOrphans(viewCounts, known)
	m.OrphanComments = countOrphans(commentCounts, known)

	for _, a := range published {
		m.TotalViews += viewCounts[a.ID]
		m.TotalComments += commentCounts[a.ID]
	}
	if m.TotalViews > 0 {
		m.EngagementRate = float64(m.TotalComments) / float64(m.TotalViews)
	}

	m.TopViewed = rank(published, viewCounts, e.topN)
	m.TopCommented = rank(published, commentCounts, e.topN)
	m.PublicationTrend = publicationTrend(published, now, e.loc)
	m.CategoryPerformance = categoryPerformance(published, categories, viewCounts)

	if m.OrphanViews > 0 || m.OrphanComments > 0 {
		e.logger.Debug("skipped rows of deleted articles",
			zap.Int64("views", m.OrphanViews),
			zap.Int64("comments", m.OrphanComments),
		)
	}
	e.metrics.SetOrphans(models.TableArticleViews, int(m.OrphanViews))
	e.metrics.SetOrphans(models.TableComments, int(m.OrphanComments))
	return m, nil
}

func countOrphans(counts map[string]int64, known map[string]*models.Article) int64 {
	var n int64
	for id, c := range counts {
		if _, ok := known[id]; !ok {
			n += c
		}
	}
	return n
}

// rank returns the top n articles with a positive count. Ties break by
// most recent publication, then by id.
func rank(articles []*models.Article, counts map[string]int64, n int) []ArticleRank {
	ranked := make([]ArticleRank, 0, len(articles))
	for _, a := range articles {
		c := counts[a.ID]
		if c <= 0 {
			continue
		}
		ranked = append(ranked, ArticleRank{
			ArticleID:   a.ID,
			Title:       a.Title,
			Slug:        a.Slug,
			PublishedAt: a.PublishedAt,
			Count:       c,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if !publishedEqual(a.PublishedAt, b.PublishedAt) {
			return publishedAfter(a.PublishedAt, b.PublishedAt)
		}
		return a.ArticleID < b.ArticleID
	})

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func publishedEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// publishedAfter orders later publication first; unknown dates sort last.
func publishedAfter(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

// publicationTrend returns exactly TrendDays points, oldest first, ending
// with the current day in loc.
func publicationTrend(articles []*models.Article, now time.Time, loc *time.Location) []TrendPoint {
	today := models.DayStart(now, loc)
	first := today.AddDate(0, 0, -(TrendDays - 1))

	points := make([]TrendPoint, TrendDays)
	index := make(map[string]int, TrendDays)
	for i := range points {
		d := first.AddDate(0, 0, i).Format("2006-01-02")
		points[i] = TrendPoint{Date: d}
		index[d] = i
	}

	for _, a := range articles {
		if a.PublishedAt == nil {
			continue
		}
		d := a.PublishedAt.In(loc).Format("2006-01-02")
		if i, ok := index[d]; ok {
			points[i].Count++
		}
	}
	return points
}

// categoryPerformance sums views per category. Categories without
// published articles are left out rather than reported as 0/0.
func categoryPerformance(articles []*models.Article, categories []*models.Category, views map[string]int64) []CategoryPerformance {
	byID := make(map[string]*CategoryPerformance, len(categories))
	for _, c := range categories {
		byID[c.ID] = &CategoryPerformance{CategoryID: c.ID, Name: c.Name}
	}

	for _, a := range articles {
		cp, ok := byID[a.CategoryID]
		if !ok {
			continue
		}
		cp.TotalArticles++
		cp.TotalViews += views[a.ID]
	}

	result := make([]CategoryPerformance, 0, len(byID))
	for _, cp := range byID {
		if cp.TotalArticles == 0 {
			continue
		}
		cp.AvgViews = roundHalfUp(cp.TotalViews, cp.TotalArticles)
		result = append(result, *cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].TotalViews != result[j].TotalViews {
			return result[i].TotalViews > result[j].TotalViews
		}
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].CategoryID < result[j].CategoryID
	})
	return result
}

// roundHalfUp divides non-negative num by positive den rounding .5 up.
func roundHalfUp(num, den int64) int64 {
	if den <= 0 {
		return 0
	}
	return (2*num + den) / (2 * den)
}

// =============================================
// Ads
// =============================================

// ComputeAdMetrics totals ad counters and derives CTR per ad and overall.
func (e *Engine) ComputeAdMetrics(ctx context.Context) (*AdMetrics, error) {
	now := e.now()

	ads, err := e.store.ListAds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ads: %w", err)
	}

	m := &AdMetrics{
		Ads:        make([]AdStatus, 0, len(ads)),
		ComputedAt: now,
	}
	clampedAds := 0
	for _, ad := range ads {
		st := AdStatus{
			ID:          ad.ID,
			Name:        ad.Name,
			Placement:   ad.Placement,
			State:       models.EffectiveState(ad, now),
			Impressions: ad.Impressions,
			Clicks:      ad.Clicks,
		}
		st.CTR, _ = models.Ratio(ad.Clicks, ad.Impressions)
		st.ClicksExceedImpressions = ad.Clicks > ad.Impressions
		if st.ClicksExceedImpressions {
			clampedAds++
		}
		if st.State == models.AdActive {
			m.ActiveAds++
		}

		m.TotalImpressions += ad.Impressions
		m.TotalClicks += ad.Clicks
		m.Ads = append(m.Ads, st)
	}

	m.CTR, _ = models.Ratio(m.TotalClicks, m.TotalImpressions)
	m.ClicksExceedImpressions = m.TotalClicks > m.TotalImpressions

	if clampedAds > 0 {
		e.logger.Warn("ads with more clicks than impressions",
			zap.Int("ads", clampedAds),
		)
	}
	e.metrics.SetClampedAds(clampedAds)
	return m, nil
}

// =============================================
// Live
// =============================================

// ComputeLiveMetrics returns the live dashboard counters.
func (e *Engine) ComputeLiveMetrics(ctx context.Context) (*LiveMetrics, error) {
	now := e.now()
	today := models.DayStart(now, e.loc)

	visitors, err := e.store.CountDistinctViewersSince(ctx, now.Add(-e.liveWindow))
	if err != nil {
		return nil, fmt.Errorf("count recent viewers: %w", err)
	}
	views, err := e.store.CountViewsSince(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("count today's views: %w", err)
	}
	comments, err := e.store.CountCommentsSince(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("count today's comments: %w", err)
	}
	articles, err := e.store.ListArticles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}

	var active int64
	for _, a := range articles {
		if a.IsPublished() {
			active++
		}
	}

	return &LiveMetrics{
		CurrentVisitors: visitors,
		Window:          e.liveWindow.String(),
		Approximate:     true,
		TodayViews:      views,
		TodayComments:   comments,
		ActiveArticles:  active,
		ComputedAt:      now,
	}, nil
}

// =============================================
// Activity
// =============================================

// ComputeActivity summarizes raw events recorded at or after since, bucketed
// by hour in the site timezone.
func (e *Engine) ComputeActivity(ctx context.Context, since time.Time) (*Activity, error) {
	if e.events == nil {
		return nil, ErrNoEventLog
	}

	events, err := e.events.Since(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}

	a := &Activity{
		Since:             since,
		ModerationActions: make(map[string]int64),
	}
	hours := make(map[time.Time]int64)
	for _, ev := range events {
		switch ev.Kind {
		case models.EventViewRecorded:
			a.Views++
		case models.EventAdImpression:
			a.AdImpressions++
		case models.EventAdClick:
			a.AdClicks++
		case models.EventCommentSubmitted:
			a.CommentsSubmitted++
		case models.EventModerationAction:
			a.ModerationActions[ev.Action]++
		default:
			a.Skipped++
			continue
		}
		lt := ev.OccurredAt.In(e.loc)
		hours[time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, e.loc)]++
	}

	a.Hourly = make([]HourBucket, 0, len(hours))
	for h, n := range hours {
		a.Hourly = append(a.Hourly, HourBucket{Hour: h, Events: n})
	}
	sort.Slice(a.Hourly, func(i, j int) bool { return a.Hourly[i].Hour.Before(a.Hourly[j].Hour) })
	return a, nil
}

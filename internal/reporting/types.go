package reporting

import (
	"time"

	"github.com/radiusdt/newsdesk/internal/models"
)

// ArticleRank is one row of a top-N ranking.
type ArticleRank struct {
	ArticleID   string     `json:"article_id"`
	Title       string     `json:"title"`
	Slug        string     `json:"slug"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Count       int64      `json:"count"`
}

// TrendPoint is one calendar day of the publication trend.
type TrendPoint struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// CategoryPerformance aggregates views over the published articles of a category.
type CategoryPerformance struct {
	CategoryID    string `json:"category_id"`
	Name          string `json:"name"`
	TotalArticles int64  `json:"total_articles"`
	TotalViews    int64  `json:"total_views"`
	AvgViews      int64  `json:"avg_views"`
}

// ArticleMetrics is the article analytics snapshot.
type ArticleMetrics struct {
	TopViewed           []ArticleRank         `json:"top_viewed"`
	TopCommented        []ArticleRank         `json:"top_commented"`
	PublicationTrend    []TrendPoint          `json:"publication_trend"`
	CategoryPerformance []CategoryPerformance `json:"category_performance"`

	PublishedArticles int64 `json:"published_articles"`
	TotalViews        int64 `json:"total_views"`
	TotalComments     int64 `json:"total_comments"`
	// EngagementRate is comments per view over published articles.
	EngagementRate float64 `json:"engagement_rate"`

	// Rows whose article no longer exists; skipped, not failed.
	OrphanViews    int64 `json:"orphan_views"`
	OrphanComments int64 `json:"orphan_comments"`

	ComputedAt time.Time `json:"computed_at"`
}

// AdStatus is the dashboard row of one advertisement.
type AdStatus struct {
	ID                      string           `json:"id"`
	Name                    string           `json:"name"`
	Placement               models.Placement `json:"placement"`
	State                   models.AdState   `json:"state"`
	Impressions             int64            `json:"impressions"`
	Clicks                  int64            `json:"clicks"`
	CTR                     float64          `json:"ctr"`
	ClicksExceedImpressions bool             `json:"clicks_exceed_impressions"`
}

// AdMetrics is the advertising analytics snapshot.
type AdMetrics struct {
	TotalImpressions int64   `json:"total_impressions"`
	TotalClicks      int64   `json:"total_clicks"`
	CTR              float64 `json:"ctr"`
	// ClicksExceedImpressions flags a data-quality problem; CTR is clamped to 1.
	ClicksExceedImpressions bool `json:"clicks_exceed_impressions"`

	ActiveAds int        `json:"active_ads"`
	Ads       []AdStatus `json:"ads"`

	ComputedAt time.Time `json:"computed_at"`
}

// LiveMetrics is the live dashboard snapshot.
type LiveMetrics struct {
	// CurrentVisitors counts distinct viewer IPs with a recorded view in the
	// trailing window. Views are deduplicated per day, so a reader who
	// returns later the same day is not counted again: an approximation,
	// not a concurrent-session count.
	CurrentVisitors int64  `json:"current_visitors"`
	Window          string `json:"window"`
	Approximate     bool   `json:"approximate"`

	TodayViews     int64 `json:"today_views"`
	TodayComments  int64 `json:"today_comments"`
	ActiveArticles int64 `json:"active_articles"`

	ComputedAt time.Time `json:"computed_at"`
}

// Activity summarizes the raw event log since a point in time.
type Activity struct {
	Since             time.Time        `json:"since"`
	Views             int64            `json:"views"`
	AdImpressions     int64            `json:"ad_impressions"`
	AdClicks          int64            `json:"ad_clicks"`
	CommentsSubmitted int64            `json:"comments_submitted"`
	ModerationActions map[string]int64 `json:"moderation_actions"`
	Hourly            []HourBucket     `json:"hourly"`
	Skipped           int64            `json:"skipped"`
}

// HourBucket counts events of every kind within one hour.
type HourBucket struct {
	Hour   time.Time `json:"hour"`
	Events int64     `json:"events"`
}

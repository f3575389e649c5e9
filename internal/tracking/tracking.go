package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/newsdesk/internal/metrics"
	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/storage"
	"go.uber.org/zap"
)

// Outcome labels reported to metrics.
const (
	resultRecorded  = "recorded"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultFailed    = "failed"
	resultCounted   = "counted"
)

// ViewResult is the outcome of RecordView.
type ViewResult struct {
	Recorded bool `json:"recorded"`
}

// ClickResult is the outcome of RecordAdClick. TargetURL is set whenever the
// ad exists, whether or not the click was counted.
type ClickResult struct {
	TargetURL string
	Counted   bool
}

// Collector accepts raw engagement events from the public site and writes
// them through the store's atomic primitives. Every failure is swallowed:
// callers only ever see a result value.
type Collector struct {
	views  storage.ViewStore
	ads    storage.AdStore
	events storage.EventLog

	loc       *time.Location
	opTimeout time.Duration
	retry     storage.RetryPolicy
	now       func() time.Time

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Collector.
type Option func(*Collector)

// WithEventLog mirrors accepted events into the raw event log.
func WithEventLog(l storage.EventLog) Option {
	return func(c *Collector) { c.events = l }
}

// WithLocation sets the site timezone that bounds the view dedup day.
func WithLocation(loc *time.Location) Option {
	return func(c *Collector) { c.loc = loc }
}

// WithOpTimeout bounds each store round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Collector) { c.opTimeout = d }
}

// WithRetry retries transient failures of the ad lookup behind a click.
func WithRetry(p storage.RetryPolicy) Option {
	return func(c *Collector) { c.retry = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithMetrics enables Prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// NewCollector creates a collector.
func NewCollector(views storage.ViewStore, ads storage.AdStore, logger *zap.Logger, opts ...Option) *Collector {
	c := &Collector{
		views:  views,
		ads:    ads,
		loc:    time.UTC,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	return c
}

// detach strips cancellation from the caller so that an in-flight write is
// never abandoned when the client goes away, then applies the op timeout.
func (c *Collector) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// =============================================
// Views
// =============================================

// RecordView stores at most one view per (article, viewer IP, site-local
// day). The second call on the same day reports Recorded=false, as does any
// store failure.
func (c *Collector) RecordView(ctx context.Context, articleID, viewerIP string) ViewResult {
	if articleID == "" || viewerIP == "" {
		c.metrics.RecordView(resultRejected)
		return ViewResult{}
	}

	ctx, cancel := c.detach(ctx)
	defer cancel()

	now := c.now()
	view := &models.ArticleView{
		ArticleID: articleID,
		ViewerIP:  viewerIP,
		ViewedAt:  now,
	}

	inserted, err := c.views.InsertViewIfAbsent(ctx, view, view.Day(c.loc))
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		// A concurrent request won the insert.
		c.metrics.RecordView(resultDuplicate)
		return ViewResult{}
	case err != nil:
		c.metrics.RecordView(resultFailed)
		c.logger.Warn("failed to record article view",
			zap.String("article_id", articleID),
			zap.Error(err),
		)
		return ViewResult{}
	case !inserted:
		c.metrics.RecordView(resultDuplicate)
		return ViewResult{}
	}

	c.metrics.RecordView(resultRecorded)
	c.appendEvent(ctx, &models.Event{
		Kind:      models.EventViewRecorded,
		ArticleID: articleID,
		ViewerIP:  viewerIP,
	}, now)
	return ViewResult{Recorded: true}
}

// =============================================
// Ads
// =============================================

// RecordAdImpression counts one impression for an Active ad. Each call
// increments: deduplicating repeated fires within one visibility session
// is the client's job, and re-entering visibility is a new session.
func (c *Collector) RecordAdImpression(ctx context.Context, adID string) bool {
	ctx, cancel := c.detach(ctx)
	defer cancel()

	now := c.now()
	ad, err := c.ads.GetAd(ctx, adID)
	if err != nil {
		c.adFailure("impression", adID, err)
		return false
	}
	if state := models.EffectiveState(ad, now); state != models.AdActive {
		c.metrics.RecordAdEvent("impression", resultRejected)
		c.logger.Debug("impression rejected for non-active ad",
			zap.String("ad_id", adID),
			zap.Stringer("state", state),
		)
		return false
	}

	if err := c.ads.IncrementImpressions(ctx, adID); err != nil {
		c.adFailure("impression", adID, err)
		return false
	}

	c.metrics.RecordAdEvent("impression", resultCounted)
	c.appendEvent(ctx, &models.Event{Kind: models.EventAdImpression, AdID: adID}, now)
	return true
}

// RecordAdClick counts a click on an Active ad and returns the ad's target
// URL. The lookup is retried on transient failures; the increment is
// attempted before returning and its failure never hides the URL. Clicks
// are not deduplicated. A click on a non-Active ad still yields the URL but
// is not counted. The error is non-nil only when no URL could be resolved:
// storage.ErrNotFound for an unknown ad, or the last lookup failure.
func (c *Collector) RecordAdClick(ctx context.Context, adID string) (ClickResult, error) {
	ctx, cancel := c.detach(ctx)
	defer cancel()

	now := c.now()
	var ad *models.Advertisement
	err := storage.Retry(ctx, c.retry, func(ctx context.Context) error {
		var err error
		ad, err = c.ads.GetAd(ctx, adID)
		return err
	})
	if err != nil {
		c.adFailure("click", adID, err)
		return ClickResult{}, err
	}

	result := ClickResult{TargetURL: ad.LinkURL}
	if state := models.EffectiveState(ad, now); state != models.AdActive {
		c.metrics.RecordAdEvent("click", resultRejected)
		c.logger.Debug("click not counted for non-active ad",
			zap.String("ad_id", adID),
			zap.Stringer("state", state),
		)
		return result, nil
	}

	if err := c.ads.IncrementClicks(ctx, adID); err != nil {
		c.adFailure("click", adID, err)
		return result, nil
	}

	result.Counted = true
	c.metrics.RecordAdEvent("click", resultCounted)
	c.appendEvent(ctx, &models.Event{Kind: models.EventAdClick, AdID: adID}, now)
	return result, nil
}

// Eligibility reports the effective state of an ad for display decisions.
func (c *Collector) Eligibility(ctx context.Context, adID string) (models.AdState, error) {
	ad, err := c.ads.GetAd(ctx, adID)
	if err != nil {
		return models.AdInactive, err
	}
	return models.EffectiveState(ad, c.now()), nil
}

func (c *Collector) adFailure(kind, adID string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.metrics.RecordAdEvent(kind, resultRejected)
		c.logger.Debug("ad event for unknown ad",
			zap.String("kind", kind),
			zap.String("ad_id", adID),
		)
		return
	}
	c.metrics.RecordAdEvent(kind, resultFailed)
	c.logger.Warn("failed to record ad event",
		zap.String("kind", kind),
		zap.String("ad_id", adID),
		zap.Error(err),
	)
}

// appendEvent mirrors an accepted event into the event log. The counter
// write already succeeded, so a log failure only costs activity history.
func (c *Collector) appendEvent(ctx context.Context, e *models.Event, at time.Time) {
	if c.events == nil {
		return
	}
	e.ID = uuid.New().String()
	e.OccurredAt = at
	if err := c.events.Append(ctx, e); err != nil {
		c.logger.Warn("failed to append engagement event",
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
	}
}

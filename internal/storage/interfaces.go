package storage

import (
	"context"
	"time"

	"github.com/radiusdt/newsdesk/internal/models"
)

// =============================================
// ARTICLE VIEWS
// =============================================

// ViewStore persists deduplicated article views.
type ViewStore interface {
	// InsertViewIfAbsent inserts the view unless a row already exists for
	// (article_id, viewer_ip, day). It reports whether a row was written.
	// Implementations may instead return ErrDuplicate when the uniqueness
	// constraint fires; callers treat both as a no-op.
	InsertViewIfAbsent(ctx context.Context, v *models.ArticleView, day time.Time) (bool, error)

	// CountViewsByArticle returns the total view rows per article id.
	CountViewsByArticle(ctx context.Context) (map[string]int64, error)
	// CountViewsSince counts view rows recorded at or after since.
	CountViewsSince(ctx context.Context, since time.Time) (int64, error)
	// CountDistinctViewersSince counts distinct viewer IPs seen at or after since.
	CountDistinctViewersSince(ctx context.Context, since time.Time) (int64, error)
}

// =============================================
// ADVERTISEMENTS
// =============================================

// AdStore reads advertisements and atomically bumps their counters.
type AdStore interface {
	GetAd(ctx context.Context, id string) (*models.Advertisement, error)
	ListAds(ctx context.Context) ([]*models.Advertisement, error)
	IncrementImpressions(ctx context.Context, id string) error
	IncrementClicks(ctx context.Context, id string) error
}

// =============================================
// COMMENTS
// =============================================

// CommentOrder selects the created_at ordering of a comment query.
type CommentOrder int

const (
	OldestFirst CommentOrder = iota
	NewestFirst
)

// CommentFilter is an equality filter over comment rows. Nil pointer
// fields are not filtered on.
type CommentFilter struct {
	ArticleID string
	// TopLevel restricts to parent_id IS NULL; ParentID to parent_id = value.
	TopLevel bool
	ParentID *string
	Approved *bool
	Spam     *bool
	Order    CommentOrder
	Limit    int
}

// Visible returns a filter for approved, non-spam comments.
func Visible() CommentFilter {
	t, f := true, false
	return CommentFilter{Approved: &t, Spam: &f}
}

// CommentStore reads and writes comment rows.
type CommentStore interface {
	InsertComment(ctx context.Context, c *models.Comment) error
	GetComment(ctx context.Context, id string) (*models.Comment, error)
	UpdateCommentFlags(ctx context.Context, id string, approved, spam bool) error
	// DeleteComment removes a single comment. It returns ErrReferenced while
	// replies still point at it.
	DeleteComment(ctx context.Context, id string) error
	// DeleteCommentThread atomically removes a comment and its replies and
	// returns the number of replies removed.
	DeleteCommentThread(ctx context.Context, id string) (int, error)
	ListComments(ctx context.Context, filter CommentFilter) ([]*models.Comment, error)
	CountReplies(ctx context.Context, parentID string) (int, error)

	// CountCommentsByArticle counts all comment rows per article id.
	CountCommentsByArticle(ctx context.Context) (map[string]int64, error)
	CountCommentsSince(ctx context.Context, since time.Time) (int64, error)
}

// =============================================
// ARTICLES
// =============================================

// ArticleStore is the read side of article and category rows.
type ArticleStore interface {
	GetArticle(ctx context.Context, id string) (*models.Article, error)
	ListArticles(ctx context.Context) ([]*models.Article, error)
	ListCategories(ctx context.Context) ([]*models.Category, error)
}

// =============================================
// CHANGE FEED & EVENT LOG
// =============================================

// ChangeFeed delivers row-level change notifications for the given tables.
// The returned channel is closed when the subscription fails or ctx ends.
type ChangeFeed interface {
	Subscribe(ctx context.Context, tables []string) (<-chan models.Change, error)
}

// EventLog is an append-only log of raw engagement events.
type EventLog interface {
	Append(ctx context.Context, e *models.Event) error
	Since(ctx context.Context, since time.Time) ([]*models.Event, error)
}

// Store bundles every store-backed dependency of the subsystem.
type Store interface {
	ViewStore
	AdStore
	CommentStore
	ArticleStore
}

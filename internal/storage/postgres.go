package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/newsdesk/internal/models"
)

// PostgresStore implements Store on PostgreSQL. Telemetry writes (views,
// impressions, clicks) are retried on transient errors; everything else
// fails fast so moderators see the real error.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retry     RetryPolicy
	opTimeout time.Duration
}

// NewPostgresStore creates a store over pool.
func NewPostgresStore(pool *pgxpool.Pool, retry RetryPolicy, opTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, retry: retry, opTimeout: opTimeout}
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// =============================================
// Views
// =============================================

func (s *PostgresStore) InsertViewIfAbsent(ctx context.Context, v *models.ArticleView, day time.Time) (bool, error) {
	var inserted bool
	err := Retry(ctx, s.retry, func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()

		tag, err := s.pool.Exec(ctx, `
			INSERT INTO article_views (article_id, viewer_ip, view_day, viewed_at)
			VALUES ($1, $2, $3::date, $4)
			ON CONFLICT ON CONSTRAINT article_views_unique_daily DO NOTHING
		`, v.ArticleID, v.ViewerIP, day.Format("2006-01-02"), v.ViewedAt)
		if err != nil {
			return classify("insert article view", err)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func (s *PostgresStore) CountViewsByArticle(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT article_id, COUNT(*) FROM article_views GROUP BY article_id
	`)
	if err != nil {
		return nil, classify("count views by article", err)
	}
	return scanCounts(rows)
}

func (s *PostgresStore) CountViewsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM article_views WHERE viewed_at >= $1
	`, since).Scan(&count)
	if err != nil {
		return 0, classify("count views since", err)
	}
	return count, nil
}

func (s *PostgresStore) CountDistinctViewersSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT viewer_ip) FROM article_views WHERE viewed_at >= $1
	`, since).Scan(&count)
	if err != nil {
		return 0, classify("count distinct viewers", err)
	}
	return count, nil
}

func scanCounts(rows pgx.Rows) (map[string]int64, error) {
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// =============================================
// Advertisements
// =============================================

const adColumns = `id, name, image_url, link_url, placement, is_active, start_date, end_date,
	impressions, clicks, created_at, updated_at`

func scanAd(row pgx.Row) (*models.Advertisement, error) {
	var ad models.Advertisement
	var placement string
	err := row.Scan(&ad.ID, &ad.Name, &ad.ImageURL, &ad.LinkURL, &placement, &ad.IsActive,
		&ad.StartDate, &ad.EndDate, &ad.Impressions, &ad.Clicks, &ad.CreatedAt, &ad.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ad.Placement = models.Placement(placement)
	return &ad, nil
}

func (s *PostgresStore) GetAd(ctx context.Context, id string) (*models.Advertisement, error) {
	ad, err := scanAd(s.pool.QueryRow(ctx, `SELECT `+adColumns+` FROM advertisements WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get advertisement", err)
	}
	return ad, nil
}

func (s *PostgresStore) ListAds(ctx context.Context) ([]*models.Advertisement, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+adColumns+` FROM advertisements ORDER BY id`)
	if err != nil {
		return nil, classify("list advertisements", err)
	}
	defer rows.Close()

	var ads []*models.Advertisement
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil, err
		}
		ads = append(ads, ad)
	}
	return ads, rows.Err()
}

func (s *PostgresStore) IncrementImpressions(ctx context.Context, id string) error {
	return s.incrementAdCounter(ctx, id, "impressions")
}

func (s *PostgresStore) IncrementClicks(ctx context.Context, id string) error {
	return s.incrementAdCounter(ctx, id, "clicks")
}

// incrementAdCounter relies on the row-level atomicity of a single UPDATE;
// no read-modify-write happens in process. The increment is not idempotent,
// so only failures that prove nothing was applied are retried.
func (s *PostgresStore) incrementAdCounter(ctx context.Context, id, column string) error {
	query := fmt.Sprintf(
		`UPDATE advertisements SET %[1]s = %[1]s + 1, updated_at = now() WHERE id = $1`, column)

	return RetryIf(ctx, s.retry, IsUnsent, func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()

		tag, err := s.pool.Exec(ctx, query, id)
		if err != nil {
			return classify("increment "+column, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// =============================================
// Comments
// =============================================

const commentColumns = `id, article_id, parent_id, author_name, author_email, author_ip,
	content, is_approved, is_spam, created_at`

func scanComment(row pgx.Row) (*models.Comment, error) {
	var c models.Comment
	err := row.Scan(&c.ID, &c.ArticleID, &c.ParentID, &c.AuthorName, &c.AuthorEmail, &c.AuthorIP,
		&c.Content, &c.IsApproved, &c.IsSpam, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c *models.Comment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comments (`+commentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.ArticleID, c.ParentID, c.AuthorName, c.AuthorEmail, c.AuthorIP,
		c.Content, c.IsApproved, c.IsSpam, c.CreatedAt)
	if err != nil {
		return classify("insert comment", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	c, err := scanComment(s.pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get comment", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCommentFlags(ctx context.Context, id string, approved, spam bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE comments SET is_approved = $2, is_spam = $3 WHERE id = $1
	`, id, approved, spam)
	if err != nil {
		return classify("update comment flags", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return classify("delete comment", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, filter CommentFilter) ([]*models.Comment, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.ArticleID != "" {
		add("article_id = $%d", filter.ArticleID)
	}
	if filter.TopLevel {
		conds = append(conds, "parent_id IS NULL")
	}
	if filter.ParentID != nil {
		add("parent_id = $%d", *filter.ParentID)
	}
	if filter.Approved != nil {
		add("is_approved = $%d", *filter.Approved)
	}
	if filter.Spam != nil {
		add("is_spam = $%d", *filter.Spam)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + commentColumns + ` FROM comments`)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	if filter.Order == NewestFirst {
		b.WriteString(" ORDER BY created_at DESC, id")
	} else {
		b.WriteString(" ORDER BY created_at ASC, id")
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, classify("list comments", err)
	}
	defer rows.Close()

	comments := make([]*models.Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) CountReplies(ctx context.Context, parentID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM comments WHERE parent_id = $1`, parentID).Scan(&count)
	if err != nil {
		return 0, classify("count replies", err)
	}
	return count, nil
}

func (s *PostgresStore) CountCommentsByArticle(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT article_id, COUNT(*) FROM comments GROUP BY article_id`)
	if err != nil {
		return nil, classify("count comments by article", err)
	}
	return scanCounts(rows)
}

func (s *PostgresStore) CountCommentsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM comments WHERE created_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, classify("count comments since", err)
	}
	return count, nil
}

// =============================================
// Articles
// =============================================

const articleColumns = `id, title, slug, COALESCE(category_id, ''), status, published_at, created_at`

func scanArticle(row pgx.Row) (*models.Article, error) {
	var a models.Article
	if err := row.Scan(&a.ID, &a.Title, &a.Slug, &a.CategoryID, &a.Status, &a.PublishedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, id string) (*models.Article, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get article", err)
	}
	return a, nil
}

func (s *PostgresStore) ListArticles(ctx context.Context) ([]*models.Article, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+articleColumns+` FROM articles ORDER BY id`)
	if err != nil {
		return nil, classify("list articles", err)
	}
	defer rows.Close()

	var articles []*models.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]*models.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug FROM categories ORDER BY id`)
	if err != nil {
		return nil, classify("list categories", err)
	}
	defer rows.Close()

	var categories []*models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug); err != nil {
			return nil, err
		}
		categories = append(categories, &c)
	}
	return categories, rows.Err()
}

// DeleteCommentThread removes a top-level comment and its replies in one
// transaction, replies first so the parent_id foreign key never trips.
func (s *PostgresStore) DeleteCommentThread(ctx context.Context, id string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classify("begin delete thread", err)
	}
	defer tx.Rollback(ctx)

	replies, err := tx.Exec(ctx, `DELETE FROM comments WHERE parent_id = $1`, id)
	if err != nil {
		return 0, classify("delete replies", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return 0, classify("delete comment", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify("commit delete thread", err)
	}
	return int(replies.RowsAffected()), nil
}

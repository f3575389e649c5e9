package models

import "time"

// ArticleStatus values as written by the admin console.
const (
	ArticleDraft     = "draft"
	ArticlePublished = "published"
	ArticleArchived  = "archived"
)

// Article is the subset of an article row the engagement subsystem reads.
type Article struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Slug        string     `json:"slug"`
	CategoryID  string     `json:"category_id,omitempty"`
	Status      string     `json:"status"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsPublished reports whether the article is live on the public site.
func (a *Article) IsPublished() bool {
	return a.Status == ArticlePublished && a.PublishedAt != nil
}

// Category groups articles on the public site.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// ArticleView records the first qualifying page load of an article by a
// viewer within one calendar day in the site timezone.
type ArticleView struct {
	ArticleID string    `json:"article_id"`
	ViewerIP  string    `json:"viewer_ip"`
	ViewedAt  time.Time `json:"viewed_at"`
}

// Day returns the calendar day of the view in loc, as midnight of that day.
func (v *ArticleView) Day(loc *time.Location) time.Time {
	return DayStart(v.ViewedAt, loc)
}

// DayStart truncates t to midnight of its calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

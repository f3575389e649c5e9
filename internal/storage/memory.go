package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/newsdesk/internal/models"
)

// InMemoryStore implements Store in process memory. It backs tests and the
// development fallback when PostgreSQL is unavailable. Mutations are
// published to the optional change feed like the database triggers do.
type InMemoryStore struct {
	mu         sync.RWMutex
	articles   map[string]*models.Article
	categories map[string]*models.Category
	ads        map[string]*models.Advertisement
	comments   map[string]*models.Comment
	views      []*models.ArticleView

	// Index for the (article_id, viewer_ip, day) uniqueness constraint
	viewKeys map[string]struct{}

	feed *MemoryFeed
}

// NewInMemoryStore creates an empty store. feed may be nil.
func NewInMemoryStore(feed *MemoryFeed) *InMemoryStore {
	return &InMemoryStore{
		articles:   make(map[string]*models.Article),
		categories: make(map[string]*models.Category),
		ads:        make(map[string]*models.Advertisement),
		comments:   make(map[string]*models.Comment),
		viewKeys:   make(map[string]struct{}),
		feed:       feed,
	}
}

func (s *InMemoryStore) publish(table, op, id string) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(models.Change{Table: table, Operation: op, Row: map[string]any{"id": id}})
}

// =============================================
// Seeding (admin CRUD lives outside this service)
// =============================================

// PutArticle inserts or replaces an article.
func (s *InMemoryStore) PutArticle(a *models.Article) {
	s.mu.Lock()
	cp := *a
	s.articles[a.ID] = &cp
	s.mu.Unlock()
	s.publish(models.TableArticles, models.OpUpdate, a.ID)
}

// DeleteArticle removes an article, leaving its views and comments behind.
func (s *InMemoryStore) DeleteArticle(id string) {
	s.mu.Lock()
	delete(s.articles, id)
	s.mu.Unlock()
	s.publish(models.TableArticles, models.OpDelete, id)
}

// PutCategory inserts or replaces a category.
func (s *InMemoryStore) PutCategory(c *models.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.categories[c.ID] = &cp
}

// PutAd inserts or replaces an advertisement.
func (s *InMemoryStore) PutAd(ad *models.Advertisement) {
	s.mu.Lock()
	cp := *ad
	s.ads[ad.ID] = &cp
	s.mu.Unlock()
	s.publish(models.TableAdvertisements, models.OpUpdate, ad.ID)
}

// =============================================
// Views
// =============================================

func viewKey(articleID, viewerIP string, day time.Time) string {
	return articleID + "|" + viewerIP + "|" + day.Format("2006-01-02")
}

func (s *InMemoryStore) InsertViewIfAbsent(ctx context.Context, v *models.ArticleView, day time.Time) (bool, error) {
	key := viewKey(v.ArticleID, v.ViewerIP, day)

	s.mu.Lock()
	if _, ok := s.viewKeys[key]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.viewKeys[key] = struct{}{}
	cp := *v
	s.views = append(s.views, &cp)
	s.mu.Unlock()

	s.publish(models.TableArticleViews, models.OpInsert, v.ArticleID)
	return true, nil
}

func (s *InMemoryStore) CountViewsByArticle(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, v := range s.views {
		counts[v.ArticleID]++
	}
	return counts, nil
}

func (s *InMemoryStore) CountViewsSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, v := range s.views {
		if !v.ViewedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) CountDistinctViewersSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, v := range s.views {
		if !v.ViewedAt.Before(since) {
			seen[v.ViewerIP] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

// =============================================
// Advertisements
// =============================================

func (s *InMemoryStore) GetAd(ctx context.Context, id string) (*models.Advertisement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ad, ok := s.ads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ad
	return &cp, nil
}

func (s *InMemoryStore) ListAds(ctx context.Context) ([]*models.Advertisement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Advertisement, 0, len(s.ads))
	for _, ad := range s.ads {
		cp := *ad
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) IncrementImpressions(ctx context.Context, id string) error {
	return s.bumpAd(id, func(ad *models.Advertisement) { ad.Impressions++ })
}

func (s *InMemoryStore) IncrementClicks(ctx context.Context, id string) error {
	return s.bumpAd(id, func(ad *models.Advertisement) { ad.Clicks++ })
}

func (s *InMemoryStore) bumpAd(id string, fn func(*models.Advertisement)) error {
	s.mu.Lock()
	ad, ok := s.ads[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	fn(ad)
	s.mu.Unlock()

	s.publish(models.TableAdvertisements, models.OpUpdate, id)
	return nil
}

// =============================================
// Comments
// =============================================

func (s *InMemoryStore) InsertComment(ctx context.Context, c *models.Comment) error {
	s.mu.Lock()
	if _, ok := s.comments[c.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicate
	}
	cp := *c
	s.comments[c.ID] = &cp
	s.mu.Unlock()

	s.publish(models.TableComments, models.OpInsert, c.ID)
	return nil
}

func (s *InMemoryStore) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) UpdateCommentFlags(ctx context.Context, id string, approved, spam bool) error {
	s.mu.Lock()
	c, ok := s.comments[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	c.IsApproved = approved
	c.IsSpam = spam
	s.mu.Unlock()

	s.publish(models.TableComments, models.OpUpdate, id)
	return nil
}

func (s *InMemoryStore) DeleteComment(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.comments[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	for _, c := range s.comments {
		if c.ParentID != nil && *c.ParentID == id {
			s.mu.Unlock()
			return ErrReferenced
		}
	}
	delete(s.comments, id)
	s.mu.Unlock()

	s.publish(models.TableComments, models.OpDelete, id)
	return nil
}

func (s *InMemoryStore) DeleteCommentThread(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	if _, ok := s.comments[id]; !ok {
		s.mu.Unlock()
		return 0, ErrNotFound
	}
	removed := make([]string, 0)
	for cid, c := range s.comments {
		if c.ParentID != nil && *c.ParentID == id {
			delete(s.comments, cid)
			removed = append(removed, cid)
		}
	}
	delete(s.comments, id)
	s.mu.Unlock()

	for _, cid := range removed {
		s.publish(models.TableComments, models.OpDelete, cid)
	}
	s.publish(models.TableComments, models.OpDelete, id)
	return len(removed), nil
}

func (s *InMemoryStore) ListComments(ctx context.Context, filter CommentFilter) ([]*models.Comment, error) {
	s.mu.RLock()
	result := make([]*models.Comment, 0)
	for _, c := range s.comments {
		if matchComment(c, filter) {
			cp := *c
			result = append(result, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if filter.Order == NewestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchComment(c *models.Comment, f CommentFilter) bool {
	if f.ArticleID != "" && c.ArticleID != f.ArticleID {
		return false
	}
	if f.TopLevel && c.ParentID != nil {
		return false
	}
	if f.ParentID != nil && (c.ParentID == nil || *c.ParentID != *f.ParentID) {
		return false
	}
	if f.Approved != nil && c.IsApproved != *f.Approved {
		return false
	}
	if f.Spam != nil && c.IsSpam != *f.Spam {
		return false
	}
	return true
}

func (s *InMemoryStore) CountReplies(ctx context.Context, parentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	for _, c := range s.comments {
		if c.ParentID != nil && *c.ParentID == parentID {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) CountCommentsByArticle(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, c := range s.comments {
		counts[c.ArticleID]++
	}
	return counts, nil
}

func (s *InMemoryStore) CountCommentsSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, c := range s.comments {
		if !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// =============================================
// Articles
// =============================================

func (s *InMemoryStore) GetArticle(ctx context.Context, id string) (*models.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.articles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *InMemoryStore) ListArticles(ctx context.Context) ([]*models.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Article, 0, len(s.articles))
	for _, a := range s.articles {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) ListCategories(ctx context.Context) ([]*models.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Category, 0, len(s.categories))
	for _, c := range s.categories {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================
// Event log
// =============================================

// InMemoryEventLog keeps raw events in a slice.
type InMemoryEventLog struct {
	mu     sync.RWMutex
	events []*models.Event
}

// NewInMemoryEventLog creates an empty event log.
func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{}
}

func (l *InMemoryEventLog) Append(ctx context.Context, e *models.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *e
	l.events = append(l.events, &cp)
	return nil
}

func (l *InMemoryEventLog) Since(ctx context.Context, since time.Time) ([]*models.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*models.Event, 0)
	for _, e := range l.events {
		if !e.OccurredAt.Before(since) {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// =============================================
// Change feed
// =============================================

// MemoryFeed is an in-process ChangeFeed. Publish never blocks: a full
// subscriber buffer drops the notification, which is harmless because
// consumers coalesce bursts anyway.
type MemoryFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*feedSub
}

type feedSub struct {
	tables map[string]struct{}
	ch     chan models.Change
}

// NewMemoryFeed creates a feed with no subscribers.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[int]*feedSub)}
}

func (f *MemoryFeed) Subscribe(ctx context.Context, tables []string) (<-chan models.Change, error) {
	sub := &feedSub{
		tables: make(map[string]struct{}, len(tables)),
		ch:     make(chan models.Change, 64),
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(sub.ch)
		f.mu.Unlock()
	}()

	return sub.ch, nil
}

// Publish fans the change out to every subscriber watching its table.
func (f *MemoryFeed) Publish(c models.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		if _, ok := sub.tables[c.Table]; !ok {
			continue
		}
		select {
		case sub.ch <- c:
		default:
		}
	}
}

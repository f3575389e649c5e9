// Package moderation implements the comment moderation workflow and the
// one-level reply thread shown on article pages.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/radiusdt/newsdesk/internal/metrics"
	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/storage"
	"go.uber.org/zap"
)

var (
	ErrCommentNotFound = errors.New("comment not found")
	ErrArticleNotFound = errors.New("article not found")
	ErrReplyToReply    = errors.New("cannot reply to a reply")
	ErrHasReplies      = errors.New("comment has replies")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownAction   = errors.New("unknown moderation action")
)

// Action is a moderator command.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionMarkSpam   Action = "spam"
	ActionDelete     Action = "delete"
	ActionDeleteTree Action = "delete_thread"
)

// ParseAction accepts the wire names of moderator commands.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionApprove, ActionReject, ActionMarkSpam, ActionDelete, ActionDeleteTree:
		return a, nil
	case "mark_spam", "markspam":
		return ActionMarkSpam, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Submission is a public comment submission.
type Submission struct {
	ArticleID   string `json:"article_id" validate:"required,max=64"`
	ParentID    string `json:"parent_id,omitempty" validate:"omitempty,max=64"`
	AuthorName  string `json:"author_name" validate:"required,max=100"`
	AuthorEmail string `json:"author_email" validate:"required,email,max=254"`
	AuthorIP    string `json:"-" validate:"omitempty,ip"`
	Content     string `json:"content" validate:"required,max=5000"`
}

// ItemResult is the outcome of one id in a bulk command.
type ItemResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Service applies moderation commands. Commands are never retried: a
// failure is returned to the moderator as is.
type Service struct {
	comments storage.CommentStore
	articles storage.ArticleStore
	events   storage.EventLog
	validate *validator.Validate
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewService creates a moderation service. events and m may be nil.
func NewService(comments storage.CommentStore, articles storage.ArticleStore, events storage.EventLog, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		comments: comments,
		articles: articles,
		events:   events,
		validate: validator.New(),
		now:      time.Now,
		logger:   logger,
		metrics:  m,
	}
}

// =============================================
// Submission
// =============================================

// Submit stores a new comment in the Pending state. A reply must target a
// top-level comment of the same article.
func (s *Service) Submit(ctx context.Context, sub Submission) (*models.Comment, error) {
	sub.AuthorName = strings.TrimSpace(sub.AuthorName)
	sub.AuthorEmail = strings.TrimSpace(sub.AuthorEmail)
	sub.Content = strings.TrimSpace(sub.Content)

	if err := s.validate.Struct(sub); err != nil {
		s.metrics.RecordCommentSubmitted("invalid")
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}

	if _, err := s.articles.GetArticle(ctx, sub.ArticleID); err != nil {
		s.metrics.RecordCommentSubmitted("invalid")
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrArticleNotFound
		}
		return nil, fmt.Errorf("load article: %w", err)
	}

	c := &models.Comment{
		ID:          uuid.New().String(),
		ArticleID:   sub.ArticleID,
		AuthorName:  sub.AuthorName,
		AuthorEmail: sub.AuthorEmail,
		AuthorIP:    sub.AuthorIP,
		Content:     sub.Content,
		CreatedAt:   s.now().UTC(),
	}

	if sub.ParentID != "" {
		parent, err := s.get(ctx, sub.ParentID)
		if err != nil {
			s.metrics.RecordCommentSubmitted("invalid")
			return nil, err
		}
		if parent.ArticleID != sub.ArticleID {
			s.metrics.RecordCommentSubmitted("invalid")
			return nil, fmt.Errorf("%w: parent belongs to another article", ErrInvalidInput)
		}
		top, err := NewTopLevel(parent)
		if err != nil {
			s.metrics.RecordCommentSubmitted("invalid")
			return nil, err
		}
		c = top.NewReply(c).Comment()
	}

	if err := s.comments.InsertComment(ctx, c); err != nil {
		s.metrics.RecordCommentSubmitted("failed")
		s.logger.Error("failed to store comment",
			zap.String("article_id", c.ArticleID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("store comment: %w", err)
	}

	s.metrics.RecordCommentSubmitted("pending")
	s.appendEvent(ctx, &models.Event{
		Kind:      models.EventCommentSubmitted,
		ArticleID: c.ArticleID,
		CommentID: c.ID,
	})
	return c, nil
}

// describe flattens validator errors into "field: tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

// =============================================
// Transitions
// =============================================

// Approve moves a comment to Approved from any state, clearing spam.
func (s *Service) Approve(ctx context.Context, id string) (*models.Comment, error) {
	return s.transition(ctx, ActionApprove, id, models.CommentApproved)
}

// Reject returns a comment to Pending. Reject does not delete.
func (s *Service) Reject(ctx context.Context, id string) (*models.Comment, error) {
	return s.transition(ctx, ActionReject, id, models.CommentPending)
}

// MarkSpam moves a comment to Spam from any state.
func (s *Service) MarkSpam(ctx context.Context, id string) (*models.Comment, error) {
	return s.transition(ctx, ActionMarkSpam, id, models.CommentSpam)
}

func (s *Service) transition(ctx context.Context, action Action, id string, to models.CommentState) (*models.Comment, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		s.metrics.RecordModeration(string(action), err)
		return nil, err
	}

	approved, spam := to.Flags()
	if err := s.comments.UpdateCommentFlags(ctx, id, approved, spam); err != nil {
		err = s.storeError(action, id, err)
		s.metrics.RecordModeration(string(action), err)
		return nil, err
	}

	from := c.State()
	c.IsApproved, c.IsSpam = approved, spam
	s.logger.Info("comment moderated",
		zap.String("comment_id", id),
		zap.String("action", string(action)),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	s.metrics.RecordModeration(string(action), nil)
	s.appendEvent(ctx, &models.Event{
		Kind:      models.EventModerationAction,
		ArticleID: c.ArticleID,
		CommentID: id,
		Action:    string(action),
	})
	return c, nil
}

// Delete hard-deletes a comment. A top-level comment that still has
// replies is refused with ErrHasReplies; use DeleteThread for those.
// Deleting an already deleted comment returns ErrCommentNotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.delete(ctx, id)
	s.metrics.RecordModeration(string(ActionDelete), err)
	return err
}

func (s *Service) delete(ctx context.Context, id string) error {
	c, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if c.IsTopLevel() {
		n, err := s.comments.CountReplies(ctx, id)
		if err != nil {
			return s.storeError(ActionDelete, id, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %d replies", ErrHasReplies, n)
		}
	}

	// A reply can land between the count and the delete; the store's
	// restrict then refuses it.
	if err := s.comments.DeleteComment(ctx, id); errors.Is(err, storage.ErrReferenced) {
		return fmt.Errorf("%w: reply added during delete", ErrHasReplies)
	} else if err != nil {
		return s.storeError(ActionDelete, id, err)
	}

	s.logger.Info("comment deleted", zap.String("comment_id", id))
	s.appendEvent(ctx, &models.Event{
		Kind:      models.EventModerationAction,
		ArticleID: c.ArticleID,
		CommentID: id,
		Action:    string(ActionDelete),
	})
	return nil
}

// DeleteThread deletes a comment together with its replies in one store
// transaction and returns the number of replies removed.
func (s *Service) DeleteThread(ctx context.Context, id string) (int, error) {
	c, err := s.get(ctx, id)
	if err != nil {
		s.metrics.RecordModeration(string(ActionDeleteTree), err)
		return 0, err
	}

	removed, err := s.comments.DeleteCommentThread(ctx, id)
	if err != nil {
		err = s.storeError(ActionDeleteTree, id, err)
		s.metrics.RecordModeration(string(ActionDeleteTree), err)
		return 0, err
	}

	s.logger.Info("comment thread deleted",
		zap.String("comment_id", id),
		zap.Int("replies", removed),
	)
	s.metrics.RecordModeration(string(ActionDeleteTree), nil)
	s.appendEvent(ctx, &models.Event{
		Kind:      models.EventModerationAction,
		ArticleID: c.ArticleID,
		CommentID: id,
		Action:    string(ActionDeleteTree),
	})
	return removed, nil
}

// Apply runs a single command by action name.
func (s *Service) Apply(ctx context.Context, action Action, id string) error {
	var err error
	switch action {
	case ActionApprove:
		_, err = s.Approve(ctx, id)
	case ActionReject:
		_, err = s.Reject(ctx, id)
	case ActionMarkSpam:
		_, err = s.MarkSpam(ctx, id)
	case ActionDelete:
		err = s.Delete(ctx, id)
	case ActionDeleteTree:
		_, err = s.DeleteThread(ctx, id)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return err
}

// Bulk applies action to every id independently. A failure on one id
// never stops the others; the result list preserves input order.
func (s *Service) Bulk(ctx context.Context, action Action, ids []string) ([]ItemResult, error) {
	action, err := ParseAction(string(action))
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		res := ItemResult{ID: id, OK: true}
		if err := s.Apply(ctx, action, id); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	s.logger.Info("bulk moderation finished",
		zap.String("action", string(action)),
		zap.Int("total", len(results)),
		zap.Int("failed", failed),
	)
	return results, nil
}

// =============================================
// Reads
// =============================================

// Thread materializes the visible comments of an article: top-level
// comments newest first, each with its replies oldest first. Deeper rows,
// if the store holds any, are never read.
func (s *Service) Thread(ctx context.Context, articleID string) ([]TopLevel, error) {
	filter := storage.Visible()
	filter.ArticleID = articleID
	filter.TopLevel = true
	filter.Order = storage.NewestFirst

	roots, err := s.comments.ListComments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list top-level comments: %w", err)
	}

	thread := make([]TopLevel, 0, len(roots))
	for _, root := range roots {
		top, err := NewTopLevel(root)
		if err != nil {
			continue
		}

		rf := storage.Visible()
		rf.ParentID = &root.ID
		rf.Order = storage.OldestFirst
		replies, err := s.comments.ListComments(ctx, rf)
		if err != nil {
			return nil, fmt.Errorf("list replies of %s: %w", root.ID, err)
		}
		for _, r := range replies {
			if err := top.AddReply(r); err != nil {
				s.logger.Warn("dropping reply from thread",
					zap.String("article_id", articleID),
					zap.String("comment_id", r.ID),
					zap.String("root_id", root.ID),
					zap.Error(err),
				)
			}
		}
		thread = append(thread, top)
	}
	return thread, nil
}

// Queue lists comments in the given state, oldest first, for moderators.
func (s *Service) Queue(ctx context.Context, state models.CommentState, limit int) ([]*models.Comment, error) {
	approved, spam := state.Flags()
	filter := storage.CommentFilter{Spam: &spam, Order: storage.OldestFirst, Limit: limit}
	// Spam wins regardless of approval, so the spam queue ignores the approved flag.
	if state != models.CommentSpam {
		filter.Approved = &approved
	}

	comments, err := s.comments.ListComments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list %s comments: %w", state, err)
	}
	return comments, nil
}

// Get returns a single comment.
func (s *Service) Get(ctx context.Context, id string) (*models.Comment, error) {
	return s.get(ctx, id)
}

func (s *Service) get(ctx context.Context, id string) (*models.Comment, error) {
	if id == "" {
		return nil, ErrCommentNotFound
	}
	c, err := s.comments.GetComment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load comment %s: %w", id, err)
	}
	return c, nil
}

func (s *Service) storeError(action Action, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCommentNotFound
	}
	s.logger.Error("moderation command failed",
		zap.String("action", string(action)),
		zap.String("comment_id", id),
		zap.Error(err),
	)
	return fmt.Errorf("%s %s: %w", action, id, err)
}

func (s *Service) appendEvent(ctx context.Context, e *models.Event) {
	if s.events == nil {
		return
	}
	e.ID = uuid.New().String()
	e.OccurredAt = s.now()
	if err := s.events.Append(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("failed to append moderation event",
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
	}
}

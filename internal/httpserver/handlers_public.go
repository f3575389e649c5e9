package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/radiusdt/newsdesk/internal/middleware"
	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/moderation"
	"github.com/radiusdt/newsdesk/internal/storage"
	"go.uber.org/zap"
)

// ---- Tracking ----

type viewRequest struct {
	ArticleID string `json:"article_id"`
}

func (s *Server) handleTrackView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.ArticleID = strings.TrimSpace(req.ArticleID)
	if req.ArticleID == "" {
		s.errorResponse(w, "article_id required", http.StatusBadRequest)
		return
	}

	res := s.collector.RecordView(r.Context(), req.ArticleID, middleware.ClientIP(r))
	s.jsonResponse(w, res)
}

func (s *Server) handleTrackImpression(w http.ResponseWriter, r *http.Request) {
	s.collector.RecordAdImpression(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleTrackClick always sends the reader somewhere unless the ad does not
// exist: a lookup that keeps failing lands on the site fallback.
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	res, err := s.collector.RecordAdClick(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.errorResponse(w, "ad not found", http.StatusNotFound)
		return
	}
	target := res.TargetURL
	if err != nil || target == "" {
		target = s.config.Site.ClickFallbackURL
		if target == "" {
			target = "/"
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.collector.Eligibility(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.errorResponse(w, "ad not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to evaluate ad", zap.String("ad_id", id), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.jsonResponse(w, map[string]any{
		"ad_id":    id,
		"state":    state,
		"eligible": state == models.AdActive,
	})
}

// ---- Comments ----

type commentRequest struct {
	ParentID    string `json:"parent_id,omitempty"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	Content     string `json:"content"`
}

func (s *Server) handleSubmitComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	c, err := s.moderation.Submit(r.Context(), moderation.Submission{
		ArticleID:   r.PathValue("id"),
		ParentID:    req.ParentID,
		AuthorName:  req.AuthorName,
		AuthorEmail: req.AuthorEmail,
		AuthorIP:    middleware.ClientIP(r),
		Content:     req.Content,
	})
	if err != nil {
		s.moderationError(w, err)
		return
	}

	s.jsonStatus(w, http.StatusCreated, map[string]any{
		"id":         c.ID,
		"article_id": c.ArticleID,
		"parent_id":  c.ParentID,
		"state":      c.State(),
		"created_at": c.CreatedAt,
	})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	articleID := r.PathValue("id")
	thread, err := s.moderation.Thread(r.Context(), articleID)
	if err != nil {
		s.moderationError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{
		"article_id": articleID,
		"comments":   thread,
	})
}

package httpserver

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/radiusdt/newsdesk/internal/models"
	"github.com/radiusdt/newsdesk/internal/moderation"
	"github.com/radiusdt/newsdesk/internal/realtime"
	"github.com/radiusdt/newsdesk/internal/reporting"
	"go.uber.org/zap"
)

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 500
	maxBulkIDs        = 500
	defaultActivity   = 24 * time.Hour
)

// ---- Moderation ----

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	state := models.CommentPending
	if raw := q.Get("state"); raw != "" {
		parsed, ok := models.ParseCommentState(raw)
		if !ok {
			s.errorResponse(w, "state must be pending, approved or spam", http.StatusUnprocessableEntity)
			return
		}
		state = parsed
	}

	limit := defaultQueueLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.errorResponse(w, "limit must be a positive integer", http.StatusUnprocessableEntity)
			return
		}
		limit = min(n, maxQueueLimit)
	}

	comments, err := s.moderation.Queue(r.Context(), state, limit)
	if err != nil {
		s.moderationError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{
		"state":    state,
		"comments": comments,
	})
}

func (s *Server) handleModerate(action moderation.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var (
			c   *models.Comment
			err error
		)
		switch action {
		case moderation.ActionApprove:
			c, err = s.moderation.Approve(r.Context(), id)
		case moderation.ActionReject:
			c, err = s.moderation.Reject(r.Context(), id)
		case moderation.ActionMarkSpam:
			c, err = s.moderation.MarkSpam(r.Context(), id)
		default:
			err = moderation.ErrUnknownAction
		}
		if err != nil {
			s.moderationError(w, err)
			return
		}

		s.jsonResponse(w, map[string]any{
			"id":    c.ID,
			"state": c.State(),
		})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.moderation.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.moderationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.moderation.DeleteThread(r.Context(), id)
	if err != nil {
		s.moderationError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{
		"id":              id,
		"deleted_replies": removed,
	})
}

type bulkRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		s.errorResponse(w, "ids required", http.StatusUnprocessableEntity)
		return
	}
	if len(req.IDs) > maxBulkIDs {
		s.errorResponse(w, "too many ids", http.StatusUnprocessableEntity)
		return
	}

	results, err := s.moderation.Bulk(r.Context(), moderation.Action(req.Action), req.IDs)
	if err != nil {
		s.moderationError(w, err)
		return
	}

	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	s.jsonResponse(w, map[string]any{
		"action":    req.Action,
		"succeeded": len(results) - failed,
		"failed":    failed,
		"results":   results,
	})
}

// ---- Ads ----

func (s *Server) handleAdStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.ComputeAdMetrics(r.Context())
	if err != nil {
		s.analyticsError(w, "ads", err)
		return
	}
	s.jsonResponse(w, m.Ads)
}

// ---- Analytics ----

func (s *Server) handleArticleAnalytics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.ArticleSnapshot(r.Context())
	if err != nil {
		s.analyticsError(w, "articles", err)
		return
	}
	s.jsonResponse(w, m)
}

func (s *Server) handleAdAnalytics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.AdSnapshot(r.Context())
	if err != nil {
		s.analyticsError(w, "ads", err)
		return
	}
	s.jsonResponse(w, m)
}

func (s *Server) handleLiveAnalytics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.LiveSnapshot(r.Context())
	if err != nil {
		s.analyticsError(w, "live", err)
		return
	}
	s.jsonResponse(w, m)
}

// handleActivity accepts either since (RFC 3339) or window (a duration
// such as 6h); the default is the last 24 hours.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := time.Now().Add(-defaultActivity)

	switch {
	case q.Get("since") != "":
		t, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			s.errorResponse(w, "since must be an RFC 3339 timestamp", http.StatusUnprocessableEntity)
			return
		}
		since = t
	case q.Get("window") != "":
		d, err := time.ParseDuration(q.Get("window"))
		if err != nil || d <= 0 {
			s.errorResponse(w, "window must be a positive duration", http.StatusUnprocessableEntity)
			return
		}
		since = time.Now().Add(-d)
	}

	a, err := s.engine.ComputeActivity(r.Context(), since)
	if err != nil {
		s.analyticsError(w, "activity", err)
		return
	}
	s.jsonResponse(w, a)
}

// handleRefresh recomputes every snapshot, or only ?job=name, and reports
// failures per metric.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		s.errorResponse(w, "refresh coordinator not running", http.StatusServiceUnavailable)
		return
	}

	if name := r.URL.Query().Get("job"); name != "" {
		err := s.coordinator.RefreshJob(r.Context(), name)
		switch {
		case errors.Is(err, realtime.ErrUnknownJob):
			s.errorResponse(w, err.Error(), http.StatusNotFound)
		case err != nil:
			s.jsonStatus(w, http.StatusBadGateway, refreshResponse(nil, map[string]error{name: err}))
		default:
			s.jsonResponse(w, refreshResponse([]string{name}, nil))
		}
		return
	}

	errs := s.coordinator.Refresh(r.Context())
	var ok []string
	for _, st := range s.coordinator.Status() {
		if _, failed := errs[st.Name]; !failed {
			ok = append(ok, st.Name)
		}
	}

	code := http.StatusOK
	if len(errs) > 0 {
		code = http.StatusBadGateway
	}
	s.jsonStatus(w, code, refreshResponse(ok, errs))
}

func refreshResponse(ok []string, errs map[string]error) map[string]any {
	if ok == nil {
		ok = []string{}
	}
	failures := make(map[string]string, len(errs))
	for name, err := range errs {
		failures[name] = err.Error()
	}
	sort.Strings(ok)
	return map[string]any{
		"refreshed": ok,
		"errors":    failures,
	}
}

func (s *Server) analyticsError(w http.ResponseWriter, metric string, err error) {
	if errors.Is(err, reporting.ErrNoEventLog) {
		s.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.logger.Error("analytics request failed", zap.String("metric", metric), zap.Error(err))
	s.errorResponse(w, "failed to compute "+metric+" metrics", http.StatusInternalServerError)
}

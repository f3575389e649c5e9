package models

import (
	"fmt"
	"time"
)

// ===========================================
// ENGAGEMENT EVENTS
// ===========================================

// EventKind is the closed set of raw engagement facts. Consumers switch
// exhaustively over it; adding a kind means touching every switch.
type EventKind string

const (
	EventViewRecorded     EventKind = "view_recorded"
	EventAdImpression     EventKind = "ad_impression"
	EventAdClick          EventKind = "ad_click"
	EventCommentSubmitted EventKind = "comment_submitted"
	EventModerationAction EventKind = "moderation_action"
)

// EventKinds lists every kind in a stable order.
var EventKinds = []EventKind{
	EventViewRecorded,
	EventAdImpression,
	EventAdClick,
	EventCommentSubmitted,
	EventModerationAction,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one raw engagement fact. Only the id fields relevant to Kind are set.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`

	ArticleID string `json:"article_id,omitempty"`
	AdID      string `json:"ad_id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
	ViewerIP  string `json:"viewer_ip,omitempty"`

	// Action is the moderation command for EventModerationAction.
	Action string `json:"action,omitempty"`
}

// Validate checks that the fields required by the kind are present.
func (e *Event) Validate() error {
	switch e.Kind {
	case EventViewRecorded:
		if e.ArticleID == "" {
			return fmt.Errorf("%s event without article_id", e.Kind)
		}
	case EventAdImpression, EventAdClick:
		if e.AdID == "" {
			return fmt.Errorf("%s event without ad_id", e.Kind)
		}
	case EventCommentSubmitted:
		if e.CommentID == "" || e.ArticleID == "" {
			return fmt.Errorf("%s event without comment_id/article_id", e.Kind)
		}
	case EventModerationAction:
		if e.CommentID == "" || e.Action == "" {
			return fmt.Errorf("%s event without comment_id/action", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// ===========================================
// CHANGE FEED
// ===========================================

// Watched tables of the external store.
const (
	TableArticles       = "articles"
	TableComments       = "comments"
	TableArticleViews   = "article_views"
	TableAdvertisements = "advertisements"
)

// Change operations as delivered by the change feed.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Change is one row-level notification from the store's change feed.
type Change struct {
	Table     string         `json:"table"`
	Operation string         `json:"operation"`
	Row       map[string]any `json:"row,omitempty"`
}

package models

import "time"

// Comment is a stored comment row. ParentID is nil for top-level comments;
// a reply's parent must itself be top-level.
type Comment struct {
	ID          string    `json:"id"`
	ArticleID   string    `json:"article_id"`
	ParentID    *string   `json:"parent_id,omitempty"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	AuthorIP    string    `json:"-"`
	Content     string    `json:"content"`
	IsApproved  bool      `json:"is_approved"`
	IsSpam      bool      `json:"is_spam"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsTopLevel reports whether the comment has no parent.
func (c *Comment) IsTopLevel() bool {
	return c.ParentID == nil
}

// IsVisible reports whether the comment may be shown on the public site.
func (c *Comment) IsVisible() bool {
	return c.IsApproved && !c.IsSpam
}

// CommentState is the effective moderation state derived from the two
// stored flags.
type CommentState int

const (
	CommentPending CommentState = iota
	CommentApproved
	CommentSpam
)

func (s CommentState) String() string {
	switch s {
	case CommentPending:
		return "pending"
	case CommentApproved:
		return "approved"
	case CommentSpam:
		return "spam"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its lowercase name.
func (s CommentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseCommentState is the inverse of CommentState.String.
func ParseCommentState(s string) (CommentState, bool) {
	switch s {
	case "pending":
		return CommentPending, true
	case "approved":
		return CommentApproved, true
	case "spam":
		return CommentSpam, true
	}
	return 0, false
}

// State computes the effective state. Spam wins regardless of approval.
func (c *Comment) State() CommentState {
	switch {
	case c.IsSpam:
		return CommentSpam
	case c.IsApproved:
		return CommentApproved
	default:
		return CommentPending
	}
}

// Flags returns the stored flag pair that represents s.
func (s CommentState) Flags() (approved, spam bool) {
	switch s {
	case CommentApproved:
		return true, false
	case CommentSpam:
		return false, true
	default:
		return false, false
	}
}

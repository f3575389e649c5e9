package moderation

import (
	"encoding/json"
	"time"

	"github.com/radiusdt/newsdesk/internal/models"
)

// Node is one materialized comment of a thread: either a TopLevel or a
// Reply. The set is closed to this package.
type Node interface {
	Comment() *models.Comment
	node()
}

// TopLevel is a comment without a parent together with its replies. It is
// the only value that can produce a Reply, so a reply to a reply cannot be
// constructed.
type TopLevel struct {
	comment *models.Comment
	replies []Reply
}

// Reply is a comment whose parent is a TopLevel.
type Reply struct {
	comment  *models.Comment
	parentID string
}

var (
	_ Node = TopLevel{}
	_ Node = Reply{}
)

// NewTopLevel wraps c, which must have no parent.
func NewTopLevel(c *models.Comment) (TopLevel, error) {
	if c == nil {
		return TopLevel{}, ErrInvalidInput
	}
	if !c.IsTopLevel() {
		return TopLevel{}, ErrReplyToReply
	}
	return TopLevel{comment: c}, nil
}

// NewReply turns c into a reply of t, setting its parent and article.
func (t TopLevel) NewReply(c *models.Comment) Reply {
	parentID := t.comment.ID
	c.ParentID = &parentID
	c.ArticleID = t.comment.ArticleID
	return Reply{comment: c, parentID: parentID}
}

// AddReply attaches an existing reply row. It fails if c belongs to a
// different parent.
func (t *TopLevel) AddReply(c *models.Comment) error {
	if c.ParentID == nil || *c.ParentID != t.comment.ID {
		return ErrInvalidInput
	}
	t.replies = append(t.replies, Reply{comment: c, parentID: t.comment.ID})
	return nil
}

func (t TopLevel) Comment() *models.Comment { return t.comment }
func (t TopLevel) Replies() []Reply         { return t.replies }
func (TopLevel) node()                      {}

func (r Reply) Comment() *models.Comment { return r.comment }
func (r Reply) ParentID() string         { return r.parentID }
func (Reply) node()                      {}

// publicComment is the reader-facing projection of a comment.
type publicComment struct {
	ID         string    `json:"id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	ParentID   string    `json:"parent_id,omitempty"`
}

func project(c *models.Comment) publicComment {
	return publicComment{
		ID:         c.ID,
		AuthorName: c.AuthorName,
		Content:    c.Content,
		CreatedAt:  c.CreatedAt,
	}
}

// MarshalJSON renders the public view with nested replies.
func (t TopLevel) MarshalJSON() ([]byte, error) {
	replies := t.replies
	if replies == nil {
		replies = []Reply{}
	}
	return json.Marshal(struct {
		publicComment
		Replies []Reply `json:"replies"`
	}{publicComment: project(t.comment), Replies: replies})
}

// MarshalJSON renders the public view of the reply.
func (r Reply) MarshalJSON() ([]byte, error) {
	p := project(r.comment)
	p.ParentID = r.parentID
	return json.Marshal(p)
}

package model

import "time"

// TimeLayout is fixed width so that lexical order of createdAt matches time order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

type CommentBase struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	CreatedAt  string `json:"createdAt"`
}

// Reply has no replies of its own.
type Reply = CommentBase

type Comment struct {
	CommentBase
	Replies []Reply `json:"replies"`
}

type CommentInput struct {
	Text     string `json:"text"`
	ParentID string `json:"parentId,omitempty"`
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// CloneReplies returns a non-nil copy of replies.
func CloneReplies(replies []Reply) []Reply {
	out := make([]Reply, len(replies))
	copy(out, replies)
	return out
}

// FindReply reports whether any comment holds a reply with the given id.
func FindReply(comments []Comment, id string) (parentID string, ok bool) {
	for _, c := range comments {
		for _, r := range c.Replies {
			if r.ID == id {
				return c.ID, true
			}
		}
	}
	return "", false
}

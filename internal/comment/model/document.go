package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MaxIDLen         = 36
	MaxTextLen       = 1000
	MaxAuthorNameLen = 200
	MaxCreatedAtLen  = 100
)

var ErrSchema = errors.New("document violates schema")

// Document is the stored shape of a comment. Deleted, Rev and Seq are
// bookkeeping owned by the collection and never leave the storage boundary.
type Document struct {
	Comment
	Deleted bool  `json:"_deleted,omitempty"`
	Rev     int64 `json:"_rev"`
	Seq     int64 `json:"_seq"`
}

func (d Document) ToComment() Comment {
	c := d.Comment
	c.Replies = CloneReplies(d.Replies)
	return c
}

func ToComments(docs []Document) []Comment {
	out := make([]Comment, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ToComment())
	}
	return out
}

func (d Document) Validate() error {
	if err := validateBase(d.CommentBase); err != nil {
		return err
	}
	return ValidateReplies(d.Replies)
}

func ValidateReplies(replies []Reply) error {
	for i, r := range replies {
		if err := validateBase(r); err != nil {
			return fmt.Errorf("replies[%d]: %w", i, err)
		}
	}
	return nil
}

func validateBase(b CommentBase) error {
	switch {
	case b.ID == "" || utf8.RuneCountInString(b.ID) > MaxIDLen:
		return fmt.Errorf("%w: id", ErrSchema)
	case b.Text == "" || utf8.RuneCountInString(b.Text) > MaxTextLen:
		return fmt.Errorf("%w: text", ErrSchema)
	case b.AuthorID == "" || utf8.RuneCountInString(b.AuthorID) > MaxIDLen:
		return fmt.Errorf("%w: authorId", ErrSchema)
	case utf8.RuneCountInString(b.AuthorName) > MaxAuthorNameLen:
		return fmt.Errorf("%w: authorName", ErrSchema)
	case len(b.CreatedAt) > MaxCreatedAtLen:
		return fmt.Errorf("%w: createdAt", ErrSchema)
	}
	if _, err := time.Parse(time.RFC3339, b.CreatedAt); err != nil {
		return fmt.Errorf("%w: createdAt: %v", ErrSchema, err)
	}
	return nil
}

package service

import (
	"context"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
)

// CommentService is the comment store gateway: the only component that knows
// comments are documents with embedded replies.
type CommentService interface {
	Create(ctx context.Context, text string, author model.User) (model.Comment, error)
	Reply(ctx context.Context, parentID, text string, author model.User) (model.Comment, error)
	Submit(ctx context.Context, input model.CommentInput, author model.User) (model.Comment, error)
	Remove(ctx context.Context, id string) (model.Comment, error)
	ListAll(ctx context.Context) ([]model.Comment, error)
	Subscribe(ctx context.Context, onNext func([]model.Comment), onErr func(error)) (*storage.Subscription, error)
}

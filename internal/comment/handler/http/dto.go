package http

import (
	"fmt"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/viewmodel"
)

type commentResponse struct {
	model.Comment
	ReplyLabel string `json:"reply_label"`
	CanDelete  bool   `json:"can_delete"`
}

type readModelResponse struct {
	Comments []commentResponse `json:"comments"`
	Loading  bool              `json:"loading"`
	Error    *string           `json:"error"`
}

func toReadModelResponse(rm viewmodel.ReadModel, current model.User) readModelResponse {
	out := readModelResponse{
		Comments: make([]commentResponse, 0, len(rm.Comments)),
		Loading:  rm.Loading,
		Error:    rm.Error,
	}
	for _, c := range rm.Comments {
		out.Comments = append(out.Comments, commentResponse{
			Comment:    c,
			ReplyLabel: replyLabel(len(c.Replies)),
			CanDelete:  c.AuthorID == current.ID,
		})
	}
	return out
}

// replyLabel is empty when there are no replies.
func replyLabel(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "1 reply"
	}
	return fmt.Sprintf("%d replies", n)
}

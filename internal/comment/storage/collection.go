package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrConflict means the document revision moved since it was read.
	ErrConflict = errors.New("document revision conflict")
	ErrClosed   = errors.New("collection closed")
)

// Collection is the document collection the gateway talks to. Find and
// Subscribe never return tombstoned documents.
type Collection interface {
	Insert(ctx context.Context, doc model.Document) (model.Document, error)
	FindOne(ctx context.Context, id string) (model.Document, error)
	Find(ctx context.Context) ([]model.Document, error)
	UpdateReplies(ctx context.Context, id string, rev int64, replies []model.Reply) (model.Document, error)
	Remove(ctx context.Context, id string) (model.Document, error)
	Subscribe(onNext func([]model.Document), onErr func(error)) (*Subscription, error)
	Close() error
}

// Replicated is implemented by collections that can be synced with a remote.
type Replicated interface {
	Collection
	// AllDocs includes tombstones.
	AllDocs(ctx context.Context) ([]model.Document, error)
	// ApplyRemote stores doc as received from the remote, bypassing the
	// revision check, and returns the stored document.
	ApplyRemote(ctx context.Context, doc model.Document) (model.Document, error)
}

type OpenFunc func(ctx context.Context) (Collection, error)

// SortNewestFirst orders by createdAt descending, newest insert first on ties.
func SortNewestFirst(docs []model.Document) {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.Seq > b.Seq
	})
}

// Live drops tombstones, keeping order.
func Live(docs []model.Document) []model.Document {
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if !d.Deleted {
			out = append(out, d)
		}
	}
	return out
}

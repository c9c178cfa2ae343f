package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
)

// Repo is an embedded collection. Deleted documents stay in byID as
// tombstones so replication can propagate the delete.
type Repo struct {
	mu sync.RWMutex

	nextSeq int64
	byID    map[string]model.Document
	closed  bool

	feed *storage.Feed
}

func New() *Repo {
	r := &Repo{
		nextSeq: 1,
		byID:    make(map[string]model.Document),
	}
	r.feed = storage.NewFeed(r.Find)
	return r
}

// Open adapts New to storage.OpenFunc.
func Open(_ context.Context) (storage.Collection, error) {
	return New(), nil
}

func (r *Repo) Insert(ctx context.Context, doc model.Document) (model.Document, error) {
	_ = ctx

	if err := doc.Validate(); err != nil {
		return model.Document{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return model.Document{}, storage.ErrClosed
	}
	if _, ok := r.byID[doc.ID]; ok {
		r.mu.Unlock()
		return model.Document{}, fmt.Errorf("insert %s: %w", doc.ID, storage.ErrConflict)
	}

	doc.Replies = model.CloneReplies(doc.Replies)
	doc.Deleted = false
	doc.Rev = 1
	doc.Seq = r.nextSeq
	r.nextSeq++
	r.byID[doc.ID] = doc
	r.mu.Unlock()

	r.feed.Notify()
	return cloneDoc(doc), nil
}

func (r *Repo) FindOne(ctx context.Context, id string) (model.Document, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return model.Document{}, storage.ErrClosed
	}
	d, ok := r.byID[id]
	if !ok || d.Deleted {
		return model.Document{}, storage.ErrNotFound
	}
	return cloneDoc(d), nil
}

func (r *Repo) Find(ctx context.Context) ([]model.Document, error) {
	docs, err := r.AllDocs(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Live(docs), nil
}

func (r *Repo) AllDocs(ctx context.Context) ([]model.Document, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, storage.ErrClosed
	}

	docs := make([]model.Document, 0, len(r.byID))
	for _, d := range r.byID {
		docs = append(docs, cloneDoc(d))
	}
	storage.SortNewestFirst(docs)
	return docs, nil
}

func (r *Repo) UpdateReplies(ctx context.Context, id string, rev int64, replies []model.Reply) (model.Document, error) {
	_ = ctx

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return model.Document{}, storage.ErrClosed
	}
	d, ok := r.byID[id]
	if !ok || d.Deleted {
		r.mu.Unlock()
		return model.Document{}, storage.ErrNotFound
	}
	if d.Rev != rev {
		r.mu.Unlock()
		return model.Document{}, storage.ErrConflict
	}

	d.Replies = model.CloneReplies(replies)
	if err := d.Validate(); err != nil {
		r.mu.Unlock()
		return model.Document{}, err
	}
	d.Rev++
	r.byID[id] = d
	r.mu.Unlock()

	r.feed.Notify()
	return cloneDoc(d), nil
}

func (r *Repo) Remove(ctx context.Context, id string) (model.Document, error) {
	_ = ctx

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return model.Document{}, storage.ErrClosed
	}
	d, ok := r.byID[id]
	if !ok || d.Deleted {
		r.mu.Unlock()
		return model.Document{}, storage.ErrNotFound
	}

	before := cloneDoc(d)
	d.Deleted = true
	d.Rev++
	r.byID[id] = d
	r.mu.Unlock()

	r.feed.Notify()
	return before, nil
}

func (r *Repo) ApplyRemote(ctx context.Context, doc model.Document) (model.Document, error) {
	_ = ctx

	if !doc.Deleted {
		if err := doc.Validate(); err != nil {
			return model.Document{}, err
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return model.Document{}, storage.ErrClosed
	}
	cur, ok := r.byID[doc.ID]
	if ok {
		doc.Seq = cur.Seq
		doc.Rev = cur.Rev + 1
	} else {
		doc.Seq = r.nextSeq
		doc.Rev = 1
		r.nextSeq++
	}
	doc.Replies = model.CloneReplies(doc.Replies)
	r.byID[doc.ID] = doc
	r.mu.Unlock()

	r.feed.Notify()
	return cloneDoc(doc), nil
}

func (r *Repo) Subscribe(onNext func([]model.Document), onErr func(error)) (*storage.Subscription, error) {
	return r.feed.Subscribe(onNext, onErr)
}

func (r *Repo) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.feed.Close()
	return nil
}

func cloneDoc(d model.Document) model.Document {
	d.Replies = model.CloneReplies(d.Replies)
	return d
}

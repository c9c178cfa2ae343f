package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
	"github.com/MyNameIsWhaaat/commentsync/internal/metrics"
)

const (
	DefaultMaxReplyAttempts = 5
	DefaultOpenTimeout      = 10 * time.Second
)

type Gateway struct {
	open storage.OpenFunc

	group singleflight.Group
	mu    sync.RWMutex
	coll  storage.Collection

	log              zerolog.Logger
	metrics          *metrics.Metrics
	maxReplyAttempts int
	openTimeout      time.Duration
	now              func() time.Time
	newID            func() string
}

type Option func(*Gateway)

func WithLogger(l zerolog.Logger) Option { return func(g *Gateway) { g.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

func WithMaxReplyAttempts(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxReplyAttempts = n
		}
	}
}

func WithOpenTimeout(d time.Duration) Option { return func(g *Gateway) { g.openTimeout = d } }

func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

func WithIDGenerator(f func() string) Option { return func(g *Gateway) { g.newID = f } }

// New does not touch the store; the collection is opened on first use.
func New(open storage.OpenFunc, opts ...Option) *Gateway {
	g := &Gateway{
		open:             open,
		log:              zerolog.Nop(),
		maxReplyAttempts: DefaultMaxReplyAttempts,
		openTimeout:      DefaultOpenTimeout,
		now:              time.Now,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Collection returns the shared handle, opening it at most once at a time.
// Concurrent first callers wait on the same open. A failed open is not
// remembered, so the next call tries again.
func (g *Gateway) Collection(ctx context.Context) (storage.Collection, error) {
	g.mu.RLock()
	c := g.coll
	g.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	v, err, _ := g.group.Do("collection", func() (any, error) {
		g.mu.RLock()
		c := g.coll
		g.mu.RUnlock()
		if c != nil {
			return c, nil
		}

		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.openTimeout)
		defer cancel()

		c, err := g.open(octx)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.coll = c
		g.mu.Unlock()
		g.log.Info().Msg("comment collection ready")
		return c, nil
	})
	if err != nil {
		g.log.Error().Err(err).Msg("open comment collection")
		return nil, unavailable(err)
	}
	return v.(storage.Collection), nil
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	c := g.coll
	g.coll = nil
	g.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (g *Gateway) Submit(ctx context.Context, input model.CommentInput, author model.User) (model.Comment, error) {
	if input.ParentID != "" {
		return g.Reply(ctx, input.ParentID, input.Text, author)
	}
	return g.Create(ctx, input.Text, author)
}

func (g *Gateway) Create(ctx context.Context, text string, author model.User) (c model.Comment, err error) {
	defer func() { g.metrics.StoreOperation("create", err) }()

	base, err := g.newBase(text, author)
	if err != nil {
		return model.Comment{}, err
	}
	coll, err := g.Collection(ctx)
	if err != nil {
		return model.Comment{}, err
	}

	doc, err := coll.Insert(ctx, model.Document{Comment: model.Comment{
		CommentBase: base,
		Replies:     []model.Reply{},
	}})
	if err != nil {
		return model.Comment{}, g.storeErr("create", err)
	}
	return doc.ToComment(), nil
}

// Reply appends to the parent's replies with a revision-checked write,
// re-reading and retrying when another writer got there first.
func (g *Gateway) Reply(ctx context.Context, parentID, text string, author model.User) (c model.Comment, err error) {
	defer func() { g.metrics.StoreOperation("reply", err) }()

	if strings.TrimSpace(parentID) == "" {
		return model.Comment{}, invalid("Parent comment is required")
	}
	reply, err := g.newBase(text, author)
	if err != nil {
		return model.Comment{}, err
	}
	coll, err := g.Collection(ctx)
	if err != nil {
		return model.Comment{}, err
	}

	for attempt := 1; ; attempt++ {
		parent, err := coll.FindOne(ctx, parentID)
		if errors.Is(err, storage.ErrNotFound) {
			return model.Comment{}, g.missingParent(ctx, coll, parentID)
		}
		if err != nil {
			return model.Comment{}, g.storeErr("reply", err)
		}

		replies := append(model.CloneReplies(parent.Replies), reply)
		updated, err := coll.UpdateReplies(ctx, parentID, parent.Rev, replies)
		switch {
		case err == nil:
			return updated.ToComment(), nil
		case errors.Is(err, storage.ErrConflict):
			g.metrics.ReplyConflict()
			g.log.Debug().Str("parent_id", parentID).Int("attempt", attempt).Msg("reply conflict, retrying")
			if attempt >= g.maxReplyAttempts {
				g.log.Warn().Str("parent_id", parentID).Int("attempts", attempt).Msg("reply retries exhausted")
				return model.Comment{}, &Error{
					Kind:  ErrStoreUnavailable,
					Msg:   "Comment was changed by someone else, please try again",
					Cause: ErrConflict,
				}
			}
		case errors.Is(err, storage.ErrNotFound):
			return model.Comment{}, notFound("Parent comment not found")
		default:
			return model.Comment{}, g.storeErr("reply", err)
		}
	}
}

// missingParent tells a deleted or unknown parent apart from an id that
// belongs to a reply, which cannot take replies of its own.
func (g *Gateway) missingParent(ctx context.Context, coll storage.Collection, parentID string) error {
	docs, err := coll.Find(ctx)
	if err == nil {
		if _, ok := model.FindReply(model.ToComments(docs), parentID); ok {
			return &Error{Kind: ErrNestedReply, Msg: "Replies cannot be nested"}
		}
	}
	return notFound("Parent comment not found")
}

func (g *Gateway) Remove(ctx context.Context, id string) (c model.Comment, err error) {
	defer func() { g.metrics.StoreOperation("remove", err) }()

	if strings.TrimSpace(id) == "" {
		return model.Comment{}, notFound("Comment not found")
	}
	coll, err := g.Collection(ctx)
	if err != nil {
		return model.Comment{}, err
	}

	doc, err := coll.Remove(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Comment{}, notFound("Comment not found")
	}
	if err != nil {
		return model.Comment{}, g.storeErr("remove", err)
	}
	return doc.ToComment(), nil
}

func (g *Gateway) ListAll(ctx context.Context) (cs []model.Comment, err error) {
	defer func() { g.metrics.StoreOperation("list", err) }()

	coll, err := g.Collection(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := coll.Find(ctx)
	if err != nil {
		return nil, g.storeErr("list", err)
	}
	return model.ToComments(docs), nil
}

// Subscribe pushes the current comment list and then a fresh one after every
// change. Cancel the returned subscription to release the listener.
func (g *Gateway) Subscribe(ctx context.Context, onNext func([]model.Comment), onErr func(error)) (*storage.Subscription, error) {
	coll, err := g.Collection(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := coll.Subscribe(
		func(docs []model.Document) { onNext(model.ToComments(docs)) },
		func(err error) {
			if onErr != nil {
				onErr(g.storeErr("subscribe", err))
			}
		},
	)
	if err != nil {
		return nil, g.storeErr("subscribe", err)
	}
	return sub, nil
}

func (g *Gateway) newBase(text string, author model.User) (model.CommentBase, error) {
	t, err := validateText(text)
	if err != nil {
		return model.CommentBase{}, err
	}
	if author.ID == "" || utf8.RuneCountInString(author.ID) > model.MaxIDLen {
		return model.CommentBase{}, invalid("Unknown author")
	}
	name := author.DisplayName()
	if utf8.RuneCountInString(name) > model.MaxAuthorNameLen {
		return model.CommentBase{}, invalid("Author name is too long")
	}

	return model.CommentBase{
		ID:         g.newID(),
		Text:       t,
		AuthorID:   author.ID,
		AuthorName: name,
		CreatedAt:  model.FormatTime(g.now()),
	}, nil
}

func (g *Gateway) storeErr(op string, err error) error {
	if errors.Is(err, model.ErrSchema) {
		return &Error{Kind: ErrInvalidInput, Msg: "Comment does not fit the allowed format", Cause: err}
	}
	g.log.Error().Err(err).Str("operation", op).Msg("comment store")
	return unavailable(err)
}

func validateText(text string) (string, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return "", invalid("Comment text is required")
	}
	if utf8.RuneCountInString(t) > model.MaxTextLen {
		return "", invalid("Comment text is too long")
	}
	return t, nil
}
